package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/requestid"
	"github.com/pkg/errors"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%d: %s (request %s)", e.StatusCode, e.Message, e.RequestID)
}

// Client talks to the director v1 API.
type Client struct {
	server     string
	httpClient *http.Client
}

func New(server string, httpClient *http.Client) *Client {
	return &Client{
		server:     strings.TrimSuffix(server, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) Enqueue(ctx context.Context, req v1alpha1.JobCreate) (*model.Job, error) {
	var job model.Job
	return &job, c.do(ctx, http.MethodPost, "/api/v1/jobs", nil, req, &job)
}

func (c *Client) ListJobs(ctx context.Context, query url.Values) (model.JobList, error) {
	var jobs model.JobList
	return jobs, c.do(ctx, http.MethodGet, "/api/v1/jobs", query, nil, &jobs)
}

func (c *Client) GetJob(ctx context.Context, id uint) (*model.Job, error) {
	var job model.Job
	return &job, c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", id), nil, nil, &job)
}

func (c *Client) CancelJob(ctx context.Context, id uint) (*model.Job, error) {
	var job model.Job
	return &job, c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", id), nil, nil, &job)
}

func (c *Client) KillJob(ctx context.Context, id uint, reason string) (*model.Job, error) {
	var job model.Job
	return &job, c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/kill", id), nil, v1alpha1.JobKill{Reason: reason}, &job)
}

func (c *Client) Queue(ctx context.Context) (*service.QueueSnapshot, error) {
	var snapshot service.QueueSnapshot
	return &snapshot, c.do(ctx, http.MethodGet, "/api/v1/queue", nil, nil, &snapshot)
}

func (c *Client) CreateTask(ctx context.Context, req v1alpha1.TaskCreate) (*model.Task, error) {
	var task model.Task
	return &task, c.do(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &task)
}

func (c *Client) ListTasks(ctx context.Context, query url.Values) (model.TaskList, error) {
	var tasks model.TaskList
	return tasks, c.do(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &tasks)
}

func (c *Client) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	return &task, c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", id), nil, nil, &task)
}

func (c *Client) ArchiveTask(ctx context.Context, id uint) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", id), nil, nil, nil)
}

func (c *Client) TaskHistory(ctx context.Context, id uint) ([]model.StageTransition, error) {
	var history []model.StageTransition
	return history, c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/history", id), nil, nil, &history)
}

func (c *Client) SubmitReport(ctx context.Context, id uint, req v1alpha1.StageReportCreate) (*model.Task, error) {
	var task model.Task
	return &task, c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/reports", id), nil, req, &task)
}

// TaskAction posts one of start, approve, retry, block or resume.
func (c *Client) TaskAction(ctx context.Context, id uint, action string, req v1alpha1.TaskAction) (*model.Task, error) {
	var task model.Task
	return &task, c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/%s", id, action), nil, req, &task)
}

func (c *Client) SetDependencies(ctx context.Context, id uint, dependsOn []uint) (*model.Task, error) {
	var task model.Task
	return &task, c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/tasks/%d/dependencies", id), nil, v1alpha1.DependenciesUpdate{DependsOn: dependsOn}, &task)
}

func (c *Client) CreateRule(ctx context.Context, req v1alpha1.RuleCreate) (*model.EnforcementRule, error) {
	var rule model.EnforcementRule
	return &rule, c.do(ctx, http.MethodPost, "/api/v1/rules", nil, req, &rule)
}

func (c *Client) ListRules(ctx context.Context, all bool) ([]model.EnforcementRule, error) {
	query := url.Values{}
	if all {
		query.Set("all", "true")
	}
	var rules []model.EnforcementRule
	return rules, c.do(ctx, http.MethodGet, "/api/v1/rules", query, nil, &rules)
}

func (c *Client) CreatePrompt(ctx context.Context, req v1alpha1.PromptCreate) (*model.StagePrompt, error) {
	var prompt model.StagePrompt
	return &prompt, c.do(ctx, http.MethodPost, "/api/v1/prompts", nil, req, &prompt)
}

func (c *Client) ListPrompts(ctx context.Context) ([]model.StagePrompt, error) {
	var prompts []model.StagePrompt
	return prompts, c.do(ctx, http.MethodGet, "/api/v1/prompts", nil, nil, &prompts)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.server + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.Wrapf(err, "creating request %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(requestid.Header, requestid.Generate())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: resp.Header.Get(requestid.Header)}
		var e v1alpha1.Error
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			apiErr.Message = e.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decoding response")
}
