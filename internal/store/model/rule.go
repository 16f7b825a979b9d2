package model

import "time"

// EnforcementRule is one version of a rego module. Only the latest version per name is
// evaluated.
type EnforcementRule struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"not null;type:VARCHAR(100);uniqueIndex:rules_name_version" json:"name"`
	Version     int       `gorm:"not null;uniqueIndex:rules_name_version" json:"version"`
	Description string    `gorm:"type:TEXT" json:"description,omitempty"`
	Rego        string    `gorm:"not null;type:TEXT" json:"rego"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// StagePrompt is one version of the instruction template rendered into a stage job payload.
type StagePrompt struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Stage     string    `gorm:"not null;type:VARCHAR(32);uniqueIndex:prompts_stage_version" json:"stage"`
	Version   int       `gorm:"not null;uniqueIndex:prompts_stage_version" json:"version"`
	Template  string    `gorm:"not null;type:TEXT" json:"template"`
	CreatedAt time.Time `json:"created_at"`
}

// BackendHealth is the last probe result for a lane's backend.
type BackendHealth struct {
	Lane      string    `gorm:"primaryKey;type:VARCHAR(64)" json:"lane"`
	Healthy   bool      `gorm:"not null" json:"healthy"`
	Error     string    `gorm:"type:TEXT" json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

func (BackendHealth) TableName() string {
	return "backend_health"
}
