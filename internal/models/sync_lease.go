package models

import "time"

// SyncLease marks a key as having an execution in flight
type SyncLease struct {
	SubjectID   string          `gorm:"column:subject_id;primaryKey"`
	Integration IntegrationKind `gorm:"column:integration;primaryKey"`
	Holder      string          `gorm:"column:holder"`
	AcquiredAt  time.Time       `gorm:"column:acquired_at"`
	ExpiresAt   time.Time       `gorm:"column:expires_at"`
}

// TableName specifies the table name for GORM
func (SyncLease) TableName() string {
	return "sync_lease"
}

// SyncCursor stores the upstream incremental sync token for a key
type SyncCursor struct {
	SubjectID   string          `gorm:"column:subject_id;primaryKey"`
	Integration IntegrationKind `gorm:"column:integration;primaryKey"`
	Token       string          `gorm:"column:token"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncCursor) TableName() string {
	return "sync_cursor"
}
