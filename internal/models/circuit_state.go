package models

import "time"

type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitOpen     CircuitPhase = "open"
	CircuitHalfOpen CircuitPhase = "half_open" // derived at read time, never persisted
)

// CircuitState is the persisted breaker record. Phase is only ever closed or open.
type CircuitState struct {
	SubjectID           string          `gorm:"column:subject_id;primaryKey"`
	Integration         IntegrationKind `gorm:"column:integration;primaryKey"`
	Phase               CircuitPhase    `gorm:"column:phase;index"`
	ConsecutiveFailures uint            `gorm:"column:consecutive_failures"`
	OpenedAt            *time.Time      `gorm:"column:opened_at"`
	NextRetryAt         *time.Time      `gorm:"column:next_retry_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (CircuitState) TableName() string {
	return "circuit_state"
}

// NewClosedCircuit returns the initial breaker record for a key
func NewClosedCircuit(key Key, now time.Time) *CircuitState {
	return &CircuitState{
		SubjectID:   key.SubjectID,
		Integration: key.Integration,
		Phase:       CircuitClosed,
		UpdatedAt:   now,
	}
}

// EffectivePhase derives the phase a reader should act on: an open breaker whose
// retry time has passed is half-open.
func (s *CircuitState) EffectivePhase(now time.Time) CircuitPhase {
	if s == nil || s.Phase != CircuitOpen {
		return CircuitClosed
	}
	if s.NextRetryAt == nil || !now.Before(*s.NextRetryAt) {
		return CircuitHalfOpen
	}
	return CircuitOpen
}
