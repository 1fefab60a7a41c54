package models

import "time"

type TokenStatus string

const (
	TokenStatusValid        TokenStatus = "valid"
	TokenStatusExpiringSoon TokenStatus = "expiring_soon"
	TokenStatusExpired      TokenStatus = "expired"
	TokenStatusRevoked      TokenStatus = "revoked"
	TokenStatusUnknown      TokenStatus = "unknown"
)

// Invalid reports whether no sync may run with this status
func (s TokenStatus) Invalid() bool {
	return s == TokenStatusExpired || s == TokenStatusRevoked
}

// TokenHealth is the last computed credential validity for one key
type TokenHealth struct {
	SubjectID       string          `gorm:"column:subject_id;primaryKey"`
	Integration     IntegrationKind `gorm:"column:integration;primaryKey"`
	Status          TokenStatus     `gorm:"column:status;index"`
	LastCheckedAt   time.Time       `gorm:"column:last_checked_at"`
	ExpiresAt       *time.Time      `gorm:"column:expires_at"`
	LastError       *string         `gorm:"column:last_error"`
	StatusChangedAt time.Time       `gorm:"column:status_changed_at"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (TokenHealth) TableName() string {
	return "token_health"
}

func (h *TokenHealth) Key() Key {
	return Key{SubjectID: h.SubjectID, Integration: h.Integration}
}
