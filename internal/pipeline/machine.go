package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/forgeline/director/internal/store/model"
)

var (
	ErrStaleReport       = errors.New("report is for a stage the task has left")
	ErrInvalidTransition = errors.New("transition not allowed")
)

// Report is the single input shape of the state machine, whether it was submitted by a stage
// executor or synthesized from a finished job.
type Report struct {
	Stage   string         `json:"stage"`
	Status  string         `json:"status"`
	Summary string         `json:"summary,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision is the outcome of evaluating a report or an operator action against a task.
type Decision struct {
	From string
	To   string
	// Status is the task status after the decision.
	Status string
	// Move is false when the task stays at its stage.
	Move       bool
	GateFailed bool
	// Reschedule asks for a new job at the same stage (ungated failure).
	Reschedule       bool
	AwaitingApproval bool
	Note             string
	// PreviousFailure is the gate note a retry carries into the next attempt.
	PreviousFailure string
}

type Machine struct {
	def *Definition
}

func NewMachine(def *Definition) *Machine {
	return &Machine{def: def}
}

func (m *Machine) Definition() *Definition {
	return m.def
}

// Advance evaluates report against the task's current stage. Only working stages accept
// reports; backlog, complete, failure variants and done are left through explicit operations.
func (m *Machine) Advance(task *model.Task, report Report) (Decision, error) {
	if report.Stage != task.Stage {
		return Decision{}, fmt.Errorf("%w: report for %q, task at %q", ErrStaleReport, report.Stage, task.Stage)
	}

	spec, ok := m.def.Stage(task.Stage)
	if !ok || spec.JobType == "" {
		return Decision{}, fmt.Errorf("%w: stage %q does not accept reports", ErrInvalidTransition, task.Stage)
	}
	if task.Status != model.TaskStatusInProgress {
		return Decision{}, fmt.Errorf("%w: task is %s", ErrInvalidTransition, task.Status)
	}

	return m.evaluate(spec, report), nil
}

func (m *Machine) evaluate(spec StageSpec, report Report) Decision {
	d := Decision{From: spec.Name, To: spec.Name, Status: model.TaskStatusInProgress}

	switch {
	case report.Status == model.ReportStatusPending:
		d.Note = "stage still in progress"
		return d
	case spec.Gate != nil && !spec.Gate.Allows(report):
		d.To = spec.FailureStage()
		d.Move = true
		d.GateFailed = true
		d.Note = fmt.Sprintf("gate %s failed: %s", spec.Gate.Name, summary(report))
		return d
	case report.Status == model.ReportStatusFail:
		d.Reschedule = true
		d.Note = summary(report)
		return d
	}

	next, _ := m.def.Next(spec.Name)
	d.To = next
	d.Move = true
	d.AwaitingApproval = next == StageComplete
	d.Note = summary(report)
	return d
}

// Start takes a task out of the backlog into the first working stage. It is evaluated as a
// passing report from the operator.
func (m *Machine) Start(task *model.Task) (Decision, error) {
	if task.Stage != StageBacklog || task.Status != model.TaskStatusBacklog {
		return Decision{}, fmt.Errorf("%w: task is not in the backlog", ErrInvalidTransition)
	}

	spec, _ := m.def.Stage(StageBacklog)
	d := m.evaluate(spec, Report{Stage: StageBacklog, Status: model.ReportStatusPass, Summary: "started by operator"})
	d.Status = model.TaskStatusInProgress
	return d, nil
}

// Retry sends a task in a failure variant back to the stage its gate retries to. A blocked
// task has to be resumed first.
func (m *Machine) Retry(task *model.Task) (Decision, error) {
	origin, ok := m.def.Origin(task.Stage)
	if !ok {
		return Decision{}, fmt.Errorf("%w: retry is only allowed from a failure stage, task at %q", ErrInvalidTransition, task.Stage)
	}
	if task.Status != model.TaskStatusInProgress {
		return Decision{}, fmt.Errorf("%w: task is %s, resume it before retrying", ErrInvalidTransition, task.Status)
	}
	return Decision{
		From:            task.Stage,
		To:              origin.RetryStage,
		Status:          model.TaskStatusInProgress,
		Move:            true,
		Note:            "retry",
		PreviousFailure: task.StatusInfo,
	}, nil
}

// Approve is the only way out of complete. Dependency checks are the caller's job since they
// need the store.
func (m *Machine) Approve(task *model.Task) (Decision, error) {
	if task.Stage != StageComplete {
		return Decision{}, fmt.Errorf("%w: only a complete task can be approved, task at %q", ErrInvalidTransition, task.Stage)
	}
	if task.Status != model.TaskStatusInProgress {
		return Decision{}, fmt.Errorf("%w: task is %s, resume it before approving", ErrInvalidTransition, task.Status)
	}
	return Decision{
		From:   StageComplete,
		To:     StageDone,
		Status: model.TaskStatusDone,
		Move:   true,
		Note:   "approved",
	}, nil
}

// ValidTransition reports whether from -> to may appear in a stage history: the next stage,
// the failure variant of a gated stage, or a failure variant back to its retry stage.
func (m *Machine) ValidTransition(from, to string) bool {
	if next, ok := m.def.Next(from); ok {
		if to == next {
			return true
		}
		spec, _ := m.def.Stage(from)
		return spec.Gate != nil && to == spec.FailureStage()
	}
	if origin, ok := m.def.Origin(from); ok {
		return to == origin.RetryStage
	}
	return false
}

func summary(r Report) string {
	if r.Summary != "" {
		return r.Summary
	}
	return r.Status
}

// ReportFromJob turns a finished job into a stage report. Jobs that did not finish
// (pending, running) or were cancelled produce no report.
func ReportFromJob(stage string, job *model.Job) (Report, bool) {
	switch job.Status {
	case model.JobStatusCompleted:
		return reportFromResult(stage, job.Result), true
	case model.JobStatusTimeout:
		return Report{Stage: stage, Status: model.ReportStatusFail, Summary: "timeout"}, true
	case model.JobStatusFailed:
		r := Report{Stage: stage, Status: model.ReportStatusFail, Summary: job.Error}
		if job.Killed {
			r.Details = map[string]any{"killed": true}
		}
		return r, true
	default:
		return Report{}, false
	}
}

type verdict struct {
	Status  string         `json:"status"`
	Summary string         `json:"summary"`
	Details map[string]any `json:"details"`
}

// reportFromResult reads {status, summary, details} out of a job result. A result with no
// recognizable status is a failing report: the gate never guesses a pass.
func reportFromResult(stage string, result model.Payload) Report {
	var v verdict
	if err := json.Unmarshal(result, &v); err != nil || !isReportStatus(v.Status) {
		return Report{Stage: stage, Status: model.ReportStatusFail, Summary: "job result carries no stage verdict: " + truncate(string(result), 200)}
	}

	r := Report{Stage: stage, Status: v.Status, Summary: v.Summary, Details: v.Details}
	if r.Details == nil {
		// keep the rest of the result so gates can look at top-level keys
		var all map[string]any
		if err := json.Unmarshal(result, &all); err == nil {
			delete(all, "status")
			delete(all, "summary")
			if len(all) > 0 {
				r.Details = all
			}
		}
	}
	return r
}

func isReportStatus(s string) bool {
	for _, rs := range model.ReportStatuses {
		if s == rs {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
