package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
)

type errorResponse struct {
	Error string `json:"error"`
}

type outcomeResponse struct {
	ID              string     `json:"id"`
	SubjectID       string     `json:"subject_id"`
	Integration     string     `json:"integration"`
	Trigger         string     `json:"trigger"`
	Result          string     `json:"result"`
	SkipReason      string     `json:"skip_reason,omitempty"`
	ChangesDetected bool       `json:"changes_detected"`
	ItemsProcessed  int        `json:"items_processed"`
	DurationMs      int64      `json:"duration_ms"`
	ExecutedAt      time.Time  `json:"executed_at"`
	FailureDetail   string     `json:"failure_detail,omitempty"`
	RetryAt         *time.Time `json:"retry_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

type tokenResponse struct {
	Status          string     `json:"status"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastCheckedAt   time.Time  `json:"last_checked_at"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	LastError       string     `json:"last_error,omitempty"`
}

type circuitResponse struct {
	Phase               string     `json:"phase"`
	ConsecutiveFailures uint       `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
}

type scheduleResponse struct {
	CurrentIntervalMs       int64      `json:"current_interval_ms"`
	DefaultIntervalMs       int64      `json:"default_interval_ms"`
	PushActive              bool       `json:"push_active"`
	ConsecutiveNoChangeRuns uint       `json:"consecutive_no_change_runs"`
	RetryAttempt            uint       `json:"retry_attempt"`
	LastRunAt               *time.Time `json:"last_run_at,omitempty"`
	NextRunAt               time.Time  `json:"next_run_at"`
}

type subscriptionResponse struct {
	ChannelID string    `json:"channel_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type keyHealthResponse struct {
	SubjectID      string                `json:"subject_id"`
	Integration    string                `json:"integration"`
	Token          *tokenResponse        `json:"token,omitempty"`
	Circuit        circuitResponse       `json:"circuit"`
	Schedule       *scheduleResponse     `json:"schedule,omitempty"`
	Subscription   *subscriptionResponse `json:"subscription,omitempty"`
	LastSuccessAt  *time.Time            `json:"last_success_at,omitempty"`
	Stale          bool                  `json:"stale"`
	RecentOutcomes []outcomeResponse     `json:"recent_outcomes"`
}

type keyRef struct {
	SubjectID   string `json:"subject_id"`
	Integration string `json:"integration"`
}

type summaryResponse struct {
	GeneratedAt   time.Time `json:"generated_at"`
	WindowSeconds int64     `json:"window_seconds"`
	OpenCircuits  int64     `json:"open_circuits"`
	InvalidTokens int64     `json:"invalid_tokens"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	Skipped       int64     `json:"skipped"`
	SuccessRate   float64   `json:"success_rate"`
	StaleKeys     []keyRef  `json:"stale_keys"`
}

func newRecordResponse(rec models.SyncOutcomeRecord) outcomeResponse {
	resp := outcomeResponse{
		ID:              rec.ID,
		SubjectID:       rec.SubjectID,
		Integration:     string(rec.Integration),
		Trigger:         string(rec.Trigger),
		Result:          string(rec.Result),
		ChangesDetected: rec.ChangesDetected,
		ItemsProcessed:  rec.ItemsProcessed,
		DurationMs:      rec.DurationMs,
		ExecutedAt:      rec.ExecutedAt,
	}
	if rec.SkipReason != nil {
		resp.SkipReason = string(*rec.SkipReason)
	}
	if rec.Error != nil {
		resp.FailureDetail = *rec.Error
	}
	return resp
}

func newOutcomeResponse(outcome *service.Outcome, errMsg string) interface{} {
	if outcome == nil {
		return errorResponse{Error: errMsg}
	}
	resp := newRecordResponse(outcome.Record)
	resp.RetryAt = outcome.RetryAt
	resp.Error = errMsg
	return resp
}

func newTokenResponse(h *models.TokenHealth) *tokenResponse {
	if h == nil {
		return nil
	}
	resp := &tokenResponse{
		Status:          string(h.Status),
		ExpiresAt:       h.ExpiresAt,
		LastCheckedAt:   h.LastCheckedAt,
		StatusChangedAt: h.StatusChangedAt,
	}
	if h.LastError != nil {
		resp.LastError = *h.LastError
	}
	return resp
}

func newKeyHealthResponse(k *service.KeyHealth) keyHealthResponse {
	resp := keyHealthResponse{
		SubjectID:      k.Key.SubjectID,
		Integration:    string(k.Key.Integration),
		Token:          newTokenResponse(k.Token),
		Circuit:        circuitResponse{Phase: string(k.CircuitPhase)},
		LastSuccessAt:  k.LastSuccessAt,
		Stale:          k.Stale,
		RecentOutcomes: make([]outcomeResponse, 0, len(k.RecentOutcomes)),
	}
	if c := k.Circuit; c != nil {
		resp.Circuit.ConsecutiveFailures = c.ConsecutiveFailures
		resp.Circuit.OpenedAt = c.OpenedAt
		resp.Circuit.NextRetryAt = c.NextRetryAt
	}
	if s := k.Schedule; s != nil {
		resp.Schedule = &scheduleResponse{
			CurrentIntervalMs:       s.CurrentIntervalMs,
			DefaultIntervalMs:       s.DefaultIntervalMs,
			PushActive:              s.PushActive,
			ConsecutiveNoChangeRuns: s.ConsecutiveNoChangeRuns,
			RetryAttempt:            s.RetryAttempt,
			LastRunAt:               s.LastRunAt,
			NextRunAt:               s.NextRunAt,
		}
	}
	if sub := k.Subscription; sub != nil {
		resp.Subscription = &subscriptionResponse{ChannelID: sub.ChannelID, ExpiresAt: sub.ExpiresAt}
	}
	for _, rec := range k.RecentOutcomes {
		resp.RecentOutcomes = append(resp.RecentOutcomes, newRecordResponse(rec))
	}
	return resp
}

func newSummaryResponse(s *service.HealthSummary) summaryResponse {
	resp := summaryResponse{
		GeneratedAt:   s.GeneratedAt,
		WindowSeconds: int64(s.Window / time.Second),
		OpenCircuits:  s.OpenCircuits,
		InvalidTokens: s.InvalidTokens,
		Successes:     s.Successes,
		Failures:      s.Failures,
		Skipped:       s.Skipped,
		SuccessRate:   s.SuccessRate,
		StaleKeys:     make([]keyRef, 0, len(s.StaleKeys)),
	}
	for _, k := range s.StaleKeys {
		resp.StaleKeys = append(resp.StaleKeys, keyRef{SubjectID: k.SubjectID, Integration: string(k.Integration)})
	}
	return resp
}

// writeJSON writes a JSON response with the given data
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}
