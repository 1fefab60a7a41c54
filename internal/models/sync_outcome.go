package models

import "time"

type SyncTrigger string

const (
	TriggerScheduled SyncTrigger = "scheduled"
	TriggerWebhook   SyncTrigger = "webhook"
	TriggerManual    SyncTrigger = "manual"
)

type SyncResult string

const (
	ResultSuccess SyncResult = "success"
	ResultFailure SyncResult = "failure"
	ResultSkipped SyncResult = "skipped"
)

type SkipReason string

const (
	SkipInvalidToken    SkipReason = "invalid_token"
	SkipTokenUnverified SkipReason = "token_unverified"
	SkipCircuitOpen     SkipReason = "circuit_open"
	SkipAlreadyRunning  SkipReason = "already_running"
)

// SyncOutcomeRecord is written exactly once per execution attempt and never updated
type SyncOutcomeRecord struct {
	ID              string          `gorm:"column:id;primaryKey"`
	SubjectID       string          `gorm:"column:subject_id;index:idx_sync_outcome_key"`
	Integration     IntegrationKind `gorm:"column:integration;index:idx_sync_outcome_key"`
	ExecutedAt      time.Time       `gorm:"column:executed_at;index"`
	Trigger         SyncTrigger     `gorm:"column:trigger_type"`
	Result          SyncResult      `gorm:"column:result"`
	SkipReason      *SkipReason     `gorm:"column:skip_reason"`
	ChangesDetected bool            `gorm:"column:changes_detected"`
	ItemsProcessed  int             `gorm:"column:items_processed"`
	Error           *string         `gorm:"column:error"`
	DurationMs      int64           `gorm:"column:duration_ms"`
}

// TableName specifies the table name for GORM
func (SyncOutcomeRecord) TableName() string {
	return "sync_outcome"
}
