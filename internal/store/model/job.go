package model

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeComplete      JobType = "complete"
	JobTypeChat          JobType = "chat"
	JobTypeVisionAnalyze JobType = "vision_analyze"
	JobTypeAgentRun      JobType = "agent_run"
)

var JobTypes = []JobType{JobTypeComplete, JobTypeChat, JobTypeVisionAnalyze, JobTypeAgentRun}

func (t JobType) Valid() bool {
	for _, jt := range JobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusTimeout   = "timeout"
	JobStatusCancelled = "cancelled"
)

// TerminalJobStatuses are the states a job never leaves.
var TerminalJobStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusTimeout, JobStatusCancelled}

const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

type Job struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	JobType        JobType    `gorm:"not null;type:VARCHAR(32);index:jobs_claim_idx,priority:1" json:"job_type"`
	Status         string     `gorm:"not null;type:VARCHAR(16);default:pending;index:jobs_claim_idx,priority:2" json:"status"`
	Priority       int        `gorm:"not null;default:3" json:"priority"`
	Payload        Payload    `gorm:"type:TEXT" json:"payload,omitempty"`
	Result         Payload    `gorm:"type:TEXT" json:"result,omitempty"`
	Error          string     `gorm:"type:TEXT" json:"error,omitempty"`
	TimeoutSeconds int        `gorm:"not null" json:"timeout_seconds"`
	Lane           string     `gorm:"type:VARCHAR(64);index" json:"lane,omitempty"`
	LaneID         string     `gorm:"type:VARCHAR(100)" json:"lane_id,omitempty"`
	TaskID         *uint      `gorm:"index" json:"task_id,omitempty"`
	SessionID      string     `gorm:"type:VARCHAR(100)" json:"session_id,omitempty"`
	Stage          string     `gorm:"type:VARCHAR(32)" json:"stage,omitempty"`
	Killed         bool       `gorm:"not null;default:false" json:"killed"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type JobList []Job

func (j Job) IsTerminal() bool {
	for _, s := range TerminalJobStatuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Elapsed is the time spent running, measured up to now for running jobs.
func (j Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}

func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

// JobCount is one row of the per type, per status aggregate.
type JobCount struct {
	JobType JobType `json:"job_type"`
	Status  string  `json:"status"`
	Count   int64   `json:"count"`
}
