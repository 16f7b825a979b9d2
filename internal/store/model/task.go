package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	TaskStatusBacklog    = "backlog"
	TaskStatusInProgress = "in_progress"
	TaskStatusBlocked    = "blocked"
	TaskStatusDone       = "done"
)

type Task struct {
	ID               uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	Title            string           `gorm:"not null" json:"title"`
	Description      string           `gorm:"type:TEXT" json:"description,omitempty"`
	Stage            string           `gorm:"not null;type:VARCHAR(32);index" json:"stage"`
	Status           string           `gorm:"not null;type:VARCHAR(16);index" json:"status"`
	Priority         int              `gorm:"not null;default:3" json:"priority"`
	RetryCount       int              `gorm:"not null;default:0" json:"retry_count"`
	Version          int              `gorm:"not null;default:1" json:"version"`
	OutstandingJobID *uint            `json:"outstanding_job_id,omitempty"`
	StatusInfo       string           `gorm:"type:TEXT" json:"status_info,omitempty"`
	Context          Payload          `gorm:"type:TEXT" json:"context,omitempty"`
	Dependencies     []TaskDependency `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE;" json:"dependencies,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	DeletedAt        gorm.DeletedAt   `gorm:"index" json:"-"`
}

type TaskList []Task

func (t Task) DependencyIDs() []uint {
	ids := make([]uint, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.DependsOnID)
	}
	return ids
}

func (t Task) String() string {
	val, _ := json.Marshal(t)
	return string(val)
}

// TaskDependency says TaskID may not be approved until DependsOnID is done.
type TaskDependency struct {
	TaskID      uint `gorm:"primaryKey;autoIncrement:false" json:"task_id"`
	DependsOnID uint `gorm:"primaryKey;autoIncrement:false;index" json:"depends_on_id"`
}

// StageTransition is one append-only entry of a task's stage history.
type StageTransition struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    uint      `gorm:"not null;index" json:"task_id"`
	FromStage string    `gorm:"not null;type:VARCHAR(32)" json:"from"`
	ToStage   string    `gorm:"not null;type:VARCHAR(32)" json:"to"`
	Actor     string    `gorm:"type:VARCHAR(100)" json:"actor,omitempty"`
	Note      string    `gorm:"type:TEXT" json:"note,omitempty"`
	ReportID  *uint     `json:"report_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ReportStatusPass    = "pass"
	ReportStatusFail    = "fail"
	ReportStatusPending = "pending"
)

var ReportStatuses = []string{ReportStatusPass, ReportStatusFail, ReportStatusPending}

type StageReport struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    uint      `gorm:"not null;index" json:"task_id"`
	Stage     string    `gorm:"not null;type:VARCHAR(32)" json:"stage"`
	Status    string    `gorm:"not null;type:VARCHAR(16)" json:"status"`
	Summary   string    `gorm:"type:TEXT" json:"summary,omitempty"`
	Details   Payload   `gorm:"type:TEXT" json:"details,omitempty"`
	Actor     string    `gorm:"type:VARCHAR(100)" json:"actor,omitempty"`
	JobID     *uint     `json:"job_id,omitempty"`
	Discarded bool      `gorm:"not null;default:false" json:"discarded"`
	CreatedAt time.Time `json:"created_at"`
}
