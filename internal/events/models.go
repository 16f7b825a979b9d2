package events

// Task event kinds
const (
	TaskStarted    = "started"
	TaskAdvanced   = "advanced"
	TaskGateFailed = "gate_failed"
	TaskRetried    = "retried"
	TaskApproved   = "approved"
	TaskRejected   = "rejected"
	TaskBlocked    = "blocked"
	TaskResumed    = "resumed"
	TaskScheduled  = "scheduled"
)

// Job event kinds
const (
	JobCancelled = "cancelled"
	JobKilled    = "killed"
	JobTimedOut  = "timed_out"
	JobStalled   = "stalled"
	JobOrphaned  = "orphaned"
)

type TaskEvent struct {
	TaskID uint   `json:"task_id"`
	Kind   string `json:"kind"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
	JobID  *uint  `json:"job_id,omitempty"`
}

type JobEvent struct {
	JobID  uint   `json:"job_id"`
	Kind   string `json:"kind"`
	Lane   string `json:"lane,omitempty"`
	Reason string `json:"reason,omitempty"`
}
