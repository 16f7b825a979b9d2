// Package v1alpha1 holds the request bodies of the director HTTP API. Responses are the store
// records themselves, serialized with their json tags.
package v1alpha1

import "encoding/json"

// Error is the body of every non-2xx response.
type Error struct {
	Message   string  `json:"message"`
	RequestId *string `json:"requestId,omitempty"`
}

type JobCreate struct {
	Type    string          `json:"type" validate:"required,jobtype"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	// Priority defaults to critical for jobs enqueued through the API.
	Priority       *int   `json:"priority,omitempty" validate:"omitempty,min=1,max=4"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"gte=0,lte=86400"`
	TaskId         *uint  `json:"task_id,omitempty"`
	SessionId      string `json:"session_id,omitempty" validate:"max=100"`
	Stage          string `json:"stage,omitempty" validate:"max=32"`
}

type JobKill struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type TaskCreate struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority,omitempty" validate:"omitempty,min=1,max=4"`
	BlockedBy   []uint          `json:"blocked_by,omitempty" validate:"dive,gt=0"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// TaskAction is the optional body of start, approve, retry, block and resume.
type TaskAction struct {
	Actor  string `json:"actor,omitempty" validate:"max=100"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type StageReportCreate struct {
	Stage   string         `json:"stage" validate:"required,stage_name"`
	Status  string         `json:"status" validate:"required,reportstatus"`
	Summary string         `json:"summary,omitempty" validate:"max=4000"`
	Details map[string]any `json:"details,omitempty"`
	Actor   string         `json:"actor,omitempty" validate:"max=100"`
	JobId   *uint          `json:"job_id,omitempty"`
}

type DependenciesUpdate struct {
	DependsOn []uint `json:"depends_on" validate:"dive,gt=0"`
}

type RuleCreate struct {
	Name        string `json:"name" validate:"required,rule_name"`
	Description string `json:"description,omitempty"`
	Rego        string `json:"rego,omitempty"`
	// Enabled defaults to true. A disabled version switches the rule off.
	Enabled *bool `json:"enabled,omitempty"`
}

type PromptCreate struct {
	Stage    string `json:"stage" validate:"required,stage_name"`
	Template string `json:"template" validate:"required"`
}
