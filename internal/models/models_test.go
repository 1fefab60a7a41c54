package models

import (
	"testing"
	"time"
)

func TestCircuitState_EffectivePhase(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name     string
		state    *CircuitState
		expected CircuitPhase
	}{
		{"nil state", nil, CircuitClosed},
		{"closed", &CircuitState{Phase: CircuitClosed}, CircuitClosed},
		{"open before retry", &CircuitState{Phase: CircuitOpen, NextRetryAt: &future}, CircuitOpen},
		{"open at retry", &CircuitState{Phase: CircuitOpen, NextRetryAt: &now}, CircuitHalfOpen},
		{"open after retry", &CircuitState{Phase: CircuitOpen, NextRetryAt: &past}, CircuitHalfOpen},
		{"open without retry time", &CircuitState{Phase: CircuitOpen}, CircuitHalfOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.EffectivePhase(now); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestScheduleState_ClampInterval(t *testing.T) {
	tests := []struct {
		name     string
		min, max int64
		in       int64
		expected int64
	}{
		{"within bounds", 10, 100, 50, 50},
		{"below min", 10, 100, 5, 10},
		{"above max", 10, 100, 500, 100},
		{"swapped bounds", 100, 10, 500, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ScheduleState{MinIntervalMs: tt.min, MaxIntervalMs: tt.max}
			if got := s.ClampInterval(tt.in); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestScheduleState_PushIntervalMs(t *testing.T) {
	s := ScheduleState{DefaultIntervalMs: 1000, FallbackIntervalMs: 5000}
	if got := s.PushIntervalMs(); got != 5000 {
		t.Errorf("Expected fallback interval 5000, got %d", got)
	}
	s.FallbackIntervalMs = 0
	if got := s.PushIntervalMs(); got != 1000 {
		t.Errorf("Expected default interval 1000 without a fallback, got %d", got)
	}
}

func TestParseIntegrationKind(t *testing.T) {
	kind, err := ParseIntegrationKind(" Calendar ")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if kind != IntegrationCalendar {
		t.Errorf("Expected calendar, got %s", kind)
	}
	if !kind.SupportsPush() {
		t.Error("Expected calendar to support push")
	}

	if _, err := ParseIntegrationKind("fax"); err == nil {
		t.Fatal("expected error for unknown integration kind, got nil")
	}
}

func TestTokenStatus_Invalid(t *testing.T) {
	tests := []struct {
		status   TokenStatus
		expected bool
	}{
		{TokenStatusValid, false},
		{TokenStatusExpiringSoon, false},
		{TokenStatusUnknown, false},
		{TokenStatusExpired, true},
		{TokenStatusRevoked, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Invalid(); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}
