package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/forgeline/director/internal/store/model"
	"github.com/pkg/errors"
)

// InferenceAdapter talks to a local inference engine over its JSON HTTP API. The same client
// serves text completion, chat and image analysis depending on the model it is pointed at.
type InferenceAdapter struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewInferenceAdapter builds a client with no timeout of its own; every call carries the job
// deadline in its context.
func NewInferenceAdapter(name, baseURL, model string) *InferenceAdapter {
	return &InferenceAdapter{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

type CompletionRequest struct {
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Model   string         `json:"model,omitempty"`
	Format  string         `json:"format,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ChatRequest struct {
	Messages []ChatMessage  `json:"messages"`
	Model    string         `json:"model,omitempty"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
}

func (a *InferenceAdapter) Name() string {
	return a.name
}

func (a *InferenceAdapter) Interruptible() bool {
	return true
}

func (a *InferenceAdapter) Execute(ctx context.Context, jobType model.JobType, payload json.RawMessage) (json.RawMessage, error) {
	switch jobType {
	case model.JobTypeComplete, model.JobTypeVisionAnalyze:
		var req CompletionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decoding completion payload")
		}
		if jobType == model.JobTypeVisionAnalyze && len(req.Images) == 0 {
			return nil, errors.New("vision_analyze payload carries no images")
		}
		return a.generate(ctx, req)
	case model.JobTypeChat:
		var req ChatRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decoding chat payload")
		}
		return a.chat(ctx, req)
	default:
		return nil, NewErrUnsupportedJobType(a.name, jobType)
	}
}

func (a *InferenceAdapter) generate(ctx context.Context, req CompletionRequest) (json.RawMessage, error) {
	body := map[string]any{
		"model":  a.modelFor(req.Model),
		"prompt": req.Prompt,
		"stream": false,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Format != "" {
		body["format"] = req.Format
	}
	if len(req.Images) > 0 {
		body["images"] = req.Images
	}
	if len(req.Options) > 0 {
		body["options"] = req.Options
	}

	var resp generateResponse
	if err := a.post(ctx, "/api/generate", body, &resp); err != nil {
		return nil, err
	}
	return textResult(resp.Model, resp.Response)
}

func (a *InferenceAdapter) chat(ctx context.Context, req ChatRequest) (json.RawMessage, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("chat payload carries no messages")
	}

	body := map[string]any{
		"model":    a.modelFor(req.Model),
		"messages": req.Messages,
		"stream":   false,
	}
	if req.Format != "" {
		body["format"] = req.Format
	}
	if len(req.Options) > 0 {
		body["options"] = req.Options
	}

	var resp chatResponse
	if err := a.post(ctx, "/api/chat", body, &resp); err != nil {
		return nil, err
	}
	return textResult(resp.Model, resp.Message.Content)
}

// Ping lists the installed models, which the engine answers without loading one.
func (a *InferenceAdapter) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "calling %s", a.name)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s returned status %d", a.name, resp.StatusCode)
	}
	return nil
}

func (a *InferenceAdapter) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "calling %s", a.name)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s returned status %d: %s", a.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

func (a *InferenceAdapter) modelFor(requested string) string {
	if requested != "" {
		return requested
	}
	return a.model
}

// textResult wraps the generated text. When the text itself is a JSON object carrying a stage
// verdict, its status, summary and details are lifted to the top level so the result can be
// read as a stage report.
func textResult(modelName, text string) (json.RawMessage, error) {
	result := map[string]any{
		"model": modelName,
		"text":  text,
	}

	var verdict map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &verdict); err == nil {
		if _, ok := verdict["status"]; ok {
			for _, key := range []string{"status", "summary", "details"} {
				if v, ok := verdict[key]; ok {
					result[key] = v
				}
			}
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return data, nil
}
