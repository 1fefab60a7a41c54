package models

import "time"

// ScheduleState drives when the next scheduled sync for a key is due.
//
// Two counters share this row and must stay independent: ConsecutiveNoChangeRuns
// (change-driven cadence) and RetryAttempt (failure-driven backoff).
type ScheduleState struct {
	SubjectID               string          `gorm:"column:subject_id;primaryKey"`
	Integration             IntegrationKind `gorm:"column:integration;primaryKey"`
	CurrentIntervalMs       int64           `gorm:"column:current_interval_ms"`
	DefaultIntervalMs       int64           `gorm:"column:default_interval_ms"`
	MinIntervalMs           int64           `gorm:"column:min_interval_ms"`
	MaxIntervalMs           int64           `gorm:"column:max_interval_ms"`
	FallbackIntervalMs      int64           `gorm:"column:fallback_interval_ms"`
	PushActive              bool            `gorm:"column:push_active"`
	ConsecutiveNoChangeRuns uint            `gorm:"column:consecutive_no_change_runs"`
	RetryAttempt            uint            `gorm:"column:retry_attempt"`
	LastRunAt               *time.Time      `gorm:"column:last_run_at"`
	NextRunAt               time.Time       `gorm:"column:next_run_at;index"`
	UpdatedAt               time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ScheduleState) TableName() string {
	return "schedule_state"
}

func (s *ScheduleState) Key() Key {
	return Key{SubjectID: s.SubjectID, Integration: s.Integration}
}

// CurrentInterval returns CurrentIntervalMs as a duration
func (s *ScheduleState) CurrentInterval() time.Duration {
	return time.Duration(s.CurrentIntervalMs) * time.Millisecond
}

// PushIntervalMs is the cadence polling widens to while push notifications
// are active, or the default when the profile has no fallback.
func (s *ScheduleState) PushIntervalMs() int64 {
	if s.FallbackIntervalMs > 0 {
		return s.FallbackIntervalMs
	}
	return s.DefaultIntervalMs
}

// ClampInterval bounds ms into [MinIntervalMs, MaxIntervalMs], tolerating a
// profile configured with the bounds swapped.
func (s *ScheduleState) ClampInterval(ms int64) int64 {
	lo, hi := s.MinIntervalMs, s.MaxIntervalMs
	if lo > hi {
		lo, hi = hi, lo
	}
	if ms < lo {
		return lo
	}
	if ms > hi {
		return hi
	}
	return ms
}
