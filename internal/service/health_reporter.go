package service

import (
	"context"
	"errors"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/repository"
)

// HealthStores groups the read paths the health reporter aggregates
type HealthStores struct {
	Tokens interface {
		Get(ctx context.Context, key models.Key) (*models.TokenHealth, error)
		CountByStatus(ctx context.Context, statuses ...models.TokenStatus) (int64, error)
	}
	Circuits interface {
		Get(ctx context.Context, key models.Key) (*models.CircuitState, error)
		CountOpen(ctx context.Context) (int64, error)
	}
	Schedules interface {
		Get(ctx context.Context, key models.Key) (*models.ScheduleState, error)
	}
	Subscriptions interface {
		GetByKey(ctx context.Context, key models.Key) (*models.WebhookSubscription, error)
	}
	Outcomes interface {
		ListByKey(ctx context.Context, key models.Key, limit int) ([]models.SyncOutcomeRecord, error)
		LastSuccessAt(ctx context.Context, key models.Key) (*time.Time, error)
		CountSince(ctx context.Context, since time.Time) (repository.OutcomeCounts, error)
		StaleKeys(ctx context.Context, cutoff time.Time, limit int) ([]models.Key, error)
	}
}

type HealthConfig struct {
	// StaleAfter is how long a connected key may go without a success
	StaleAfter time.Duration
	// Window is the trailing period the summary counts outcomes over
	Window         time.Duration
	RecentOutcomes int
	StaleLimit     int
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StaleAfter:     7 * 24 * time.Hour,
		Window:         24 * time.Hour,
		RecentOutcomes: 20,
		StaleLimit:     100,
	}
}

// KeyHealth is the operator view of one connection
type KeyHealth struct {
	Key            models.Key
	Token          *models.TokenHealth
	Circuit        *models.CircuitState
	CircuitPhase   models.CircuitPhase
	Schedule       *models.ScheduleState
	Subscription   *models.WebhookSubscription
	LastSuccessAt  *time.Time
	Stale          bool
	RecentOutcomes []models.SyncOutcomeRecord
}

// HealthSummary is the fleet-wide operator view
type HealthSummary struct {
	GeneratedAt   time.Time
	Window        time.Duration
	OpenCircuits  int64
	InvalidTokens int64
	Successes     int64
	Failures      int64
	Skipped       int64
	// SuccessRate is successes over executed attempts in the window; skips are excluded
	SuccessRate float64
	StaleKeys   []models.Key
}

type HealthReporter struct {
	stores HealthStores
	cfg    HealthConfig
	rt     Runtime
}

func NewHealthReporter(stores HealthStores, cfg HealthConfig, rt Runtime) *HealthReporter {
	defaults := DefaultHealthConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.RecentOutcomes <= 0 {
		cfg.RecentOutcomes = defaults.RecentOutcomes
	}
	if cfg.StaleLimit <= 0 {
		cfg.StaleLimit = defaults.StaleLimit
	}
	return &HealthReporter{stores: stores, cfg: cfg, rt: rt.withDefaults()}
}

// KeyHealth gathers every stored row for key. Missing rows are left nil.
func (h *HealthReporter) KeyHealth(ctx context.Context, key models.Key) (*KeyHealth, error) {
	now := h.rt.Clock.Now()
	report := &KeyHealth{Key: key, CircuitPhase: models.CircuitClosed}

	token, err := h.stores.Tokens.Get(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrTokenHealthNotFound) {
		return nil, err
	}
	report.Token = token

	circuit, err := h.stores.Circuits.Get(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrCircuitStateNotFound) {
		return nil, err
	}
	report.Circuit = circuit
	report.CircuitPhase = circuit.EffectivePhase(now)

	schedule, err := h.stores.Schedules.Get(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrScheduleStateNotFound) {
		return nil, err
	}
	report.Schedule = schedule

	sub, err := h.stores.Subscriptions.GetByKey(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, err
	}
	report.Subscription = sub

	if report.LastSuccessAt, err = h.stores.Outcomes.LastSuccessAt(ctx, key); err != nil {
		return nil, err
	}
	if report.RecentOutcomes, err = h.stores.Outcomes.ListByKey(ctx, key, h.cfg.RecentOutcomes); err != nil {
		return nil, err
	}

	cutoff := now.Add(-h.cfg.StaleAfter)
	if token != nil && token.CreatedAt.Before(cutoff) {
		report.Stale = report.LastSuccessAt == nil || report.LastSuccessAt.Before(cutoff)
	}
	return report, nil
}

// Summary aggregates open circuits, invalid tokens, the trailing success rate
// and keys that have gone stale.
func (h *HealthReporter) Summary(ctx context.Context) (*HealthSummary, error) {
	now := h.rt.Clock.Now()
	summary := &HealthSummary{GeneratedAt: now, Window: h.cfg.Window}

	var err error
	if summary.OpenCircuits, err = h.stores.Circuits.CountOpen(ctx); err != nil {
		return nil, err
	}
	if summary.InvalidTokens, err = h.stores.Tokens.CountByStatus(ctx, models.TokenStatusExpired, models.TokenStatusRevoked); err != nil {
		return nil, err
	}

	counts, err := h.stores.Outcomes.CountSince(ctx, now.Add(-h.cfg.Window))
	if err != nil {
		return nil, err
	}
	summary.Successes = counts.Success
	summary.Failures = counts.Failure
	summary.Skipped = counts.Skipped
	if executed := counts.Success + counts.Failure; executed > 0 {
		summary.SuccessRate = float64(counts.Success) / float64(executed)
	}

	if summary.StaleKeys, err = h.stores.Outcomes.StaleKeys(ctx, now.Add(-h.cfg.StaleAfter), h.cfg.StaleLimit); err != nil {
		return nil, err
	}
	return summary, nil
}
