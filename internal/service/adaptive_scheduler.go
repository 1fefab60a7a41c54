package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/repository"
)

// ScheduleStateStore defines the persistence operations for schedules
type ScheduleStateStore interface {
	Get(ctx context.Context, key models.Key) (*models.ScheduleState, error)
	Save(ctx context.Context, state *models.ScheduleState) error
	Update(ctx context.Context, state *models.ScheduleState, columns ...string) error
	Due(ctx context.Context, integration models.IntegrationKind, now time.Time, limit int) ([]models.ScheduleState, error)
}

// IntervalProfile is the polling cadence configured for one integration
type IntervalProfile struct {
	Default  time.Duration
	Min      time.Duration
	Max      time.Duration
	Fallback time.Duration // cadence while push notifications are active
}

type SchedulerConfig struct {
	Profiles          map[models.IntegrationKind]IntervalProfile
	NoChangeThreshold uint
	GrowthFactor      float64
	RetryBase         time.Duration
	RetryCap          time.Duration
	DueBatchSize      int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Profiles: map[models.IntegrationKind]IntervalProfile{
			models.IntegrationContacts: {
				Default: 15 * time.Minute,
				Min:     5 * time.Minute,
				Max:     4 * time.Hour,
			},
			models.IntegrationCalendar: {
				Default:  10 * time.Minute,
				Min:      5 * time.Minute,
				Max:      2 * time.Hour,
				Fallback: time.Hour,
			},
		},
		NoChangeThreshold: 5,
		GrowthFactor:      1.5,
		RetryBase:         5 * time.Minute,
		RetryCap:          24 * time.Hour,
		DueBatchSize:      500,
	}
}

// maxRetryExponent bounds the backoff walk; the cap is reached long before it
const maxRetryExponent = 32

// AdaptiveScheduler computes when each key's next scheduled sync is due.
// Change detection drives the cadence; failures drive a separate backoff.
type AdaptiveScheduler struct {
	store ScheduleStateStore
	cfg   SchedulerConfig
	rt    Runtime
}

func NewAdaptiveScheduler(store ScheduleStateStore, cfg SchedulerConfig, rt Runtime) *AdaptiveScheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.Profiles == nil {
		cfg.Profiles = defaults.Profiles
	}
	if cfg.NoChangeThreshold == 0 {
		cfg.NoChangeThreshold = defaults.NoChangeThreshold
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = defaults.GrowthFactor
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaults.RetryCap
	}
	if cfg.DueBatchSize <= 0 {
		cfg.DueBatchSize = defaults.DueBatchSize
	}
	return &AdaptiveScheduler{store: store, cfg: cfg, rt: rt.withDefaults()}
}

// FailureDelay is the shared backoff formula: base * 2^(attempt-1), capped
func (s *AdaptiveScheduler) FailureDelay(attempt uint) time.Duration {
	if attempt == 0 {
		return 0
	}
	if attempt > maxRetryExponent {
		attempt = maxRetryExponent
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.RetryCap
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := uint(0); i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Initialize creates the schedule for a newly connected key, due immediately
func (s *AdaptiveScheduler) Initialize(ctx context.Context, key models.Key) (*models.ScheduleState, error) {
	state, err := s.newState(key)
	if err != nil {
		return nil, err
	}
	state.CurrentIntervalMs = state.ClampInterval(state.CurrentIntervalMs)
	state.NextRunAt = s.rt.Clock.Now()
	state.UpdatedAt = state.NextRunAt
	if err := s.store.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Get returns the stored schedule for key
func (s *AdaptiveScheduler) Get(ctx context.Context, key models.Key) (*models.ScheduleState, error) {
	return s.store.Get(ctx, key)
}

// NextRunTime advances the schedule after a scheduled attempt. A nil
// changesDetected means the attempt failed.
func (s *AdaptiveScheduler) NextRunTime(ctx context.Context, key models.Key, changesDetected *bool) (time.Time, error) {
	if changesDetected == nil {
		return s.NextRunTimeAfterFailure(ctx, key, 0)
	}

	state, err := s.load(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	now := s.rt.Clock.Now()

	previous := state.CurrentIntervalMs
	state.RetryAttempt = 0
	if *changesDetected {
		state.ConsecutiveNoChangeRuns = 0
		state.CurrentIntervalMs = state.DefaultIntervalMs
	} else {
		state.ConsecutiveNoChangeRuns++
		if state.ConsecutiveNoChangeRuns >= s.cfg.NoChangeThreshold {
			grown := int64(float64(state.CurrentIntervalMs) * s.cfg.GrowthFactor)
			state.CurrentIntervalMs = state.ClampInterval(grown)
			state.ConsecutiveNoChangeRuns = 0
			s.rt.Logger.Debug("sync interval grown",
				append(keyFields(key.SubjectID, string(key.Integration)), zap.Int64("interval_ms", state.CurrentIntervalMs))...)
		}
	}

	state.CurrentIntervalMs = state.ClampInterval(state.CurrentIntervalMs)
	state.LastRunAt = &now
	state.NextRunAt = now.Add(state.CurrentInterval())

	columns := []string{colNoChangeRuns, colRetryAttempt, colLastRunAt, colNextRunAt}
	if state.CurrentIntervalMs != previous {
		columns = append(columns, colInterval)
	}
	if err := s.save(ctx, state, columns...); err != nil {
		return time.Time{}, err
	}
	return state.NextRunAt, nil
}

// NextRunTimeAfterFailure backs off after a failed scheduled attempt. A
// retry-after hint from the upstream replaces the doubling, bounded by the cap.
// The change-driven counter and interval are left alone.
func (s *AdaptiveScheduler) NextRunTimeAfterFailure(ctx context.Context, key models.Key, retryAfter time.Duration) (time.Time, error) {
	state, err := s.load(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	now := s.rt.Clock.Now()

	state.RetryAttempt++
	delay := s.FailureDelay(state.RetryAttempt)
	if retryAfter > 0 {
		delay = retryAfter
		if delay > s.cfg.RetryCap {
			delay = s.cfg.RetryCap
		}
	}

	state.LastRunAt = &now
	state.NextRunAt = now.Add(delay)
	if err := s.save(ctx, state, colRetryAttempt, colLastRunAt, colNextRunAt); err != nil {
		return time.Time{}, err
	}
	return state.NextRunAt, nil
}

// DueSubjects lists subjects whose next scheduled run is at or before now
func (s *AdaptiveScheduler) DueSubjects(ctx context.Context, integration models.IntegrationKind, now time.Time) ([]string, error) {
	due, err := s.store.Due(ctx, integration, now, s.cfg.DueBatchSize)
	if err != nil {
		return nil, err
	}
	subjects := make([]string, 0, len(due))
	for _, state := range due {
		subjects = append(subjects, state.SubjectID)
	}
	return subjects, nil
}

// ResetToDefault restores the default cadence after a webhook-triggered success
func (s *AdaptiveScheduler) ResetToDefault(ctx context.Context, key models.Key) error {
	state, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	now := s.rt.Clock.Now()

	state.CurrentIntervalMs = state.DefaultIntervalMs
	state.ConsecutiveNoChangeRuns = 0
	state.RetryAttempt = 0
	state.NextRunAt = now.Add(state.CurrentInterval())
	return s.save(ctx, state, colInterval, colNoChangeRuns, colRetryAttempt, colNextRunAt)
}

// Defer pushes the next run out to until, never pulling it earlier
func (s *AdaptiveScheduler) Defer(ctx context.Context, key models.Key, until time.Time) error {
	state, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if !until.After(state.NextRunAt) {
		return nil
	}
	state.NextRunAt = until
	return s.save(ctx, state, colNextRunAt)
}

// Postpone waits one current interval before trying the key again
func (s *AdaptiveScheduler) Postpone(ctx context.Context, key models.Key) error {
	state, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	state.NextRunAt = s.rt.Clock.Now().Add(state.CurrentInterval())
	return s.save(ctx, state, colNextRunAt)
}

// EnablePushFallback switches the key to the slower fallback cadence once
// push notifications carry change detection.
func (s *AdaptiveScheduler) EnablePushFallback(ctx context.Context, key models.Key) error {
	state, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	state.PushActive = true
	state.ConsecutiveNoChangeRuns = 0
	state.CurrentIntervalMs = state.PushIntervalMs()
	state.NextRunAt = s.rt.Clock.Now().Add(state.CurrentInterval())
	return s.save(ctx, state, colPushActive, colNoChangeRuns, colInterval, colNextRunAt)
}

// DisablePushFallback reverts the key to normal polling
func (s *AdaptiveScheduler) DisablePushFallback(ctx context.Context, key models.Key) error {
	state, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrScheduleStateNotFound) {
			return nil
		}
		return err
	}
	state.PushActive = false
	state.ConsecutiveNoChangeRuns = 0
	state.CurrentIntervalMs = state.ClampInterval(state.DefaultIntervalMs)
	if next := s.rt.Clock.Now().Add(state.CurrentInterval()); next.Before(state.NextRunAt) {
		state.NextRunAt = next
	}
	return s.save(ctx, state, colPushActive, colNoChangeRuns, colInterval, colNextRunAt)
}

func (s *AdaptiveScheduler) load(ctx context.Context, key models.Key) (*models.ScheduleState, error) {
	state, err := s.store.Get(ctx, key)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, repository.ErrScheduleStateNotFound) {
		return nil, fmt.Errorf("failed to load schedule state: %w", err)
	}

	state, err = s.newState(key)
	if err != nil {
		return nil, err
	}
	state.NextRunAt = s.rt.Clock.Now()
	return state, nil
}

func (s *AdaptiveScheduler) newState(key models.Key) (*models.ScheduleState, error) {
	profile, ok := s.cfg.Profiles[key.Integration]
	if !ok {
		return nil, fmt.Errorf("no interval profile for integration %q", key.Integration)
	}
	return &models.ScheduleState{
		SubjectID:          key.SubjectID,
		Integration:        key.Integration,
		CurrentIntervalMs:  profile.Default.Milliseconds(),
		DefaultIntervalMs:  profile.Default.Milliseconds(),
		MinIntervalMs:      profile.Min.Milliseconds(),
		MaxIntervalMs:      profile.Max.Milliseconds(),
		FallbackIntervalMs: profile.Fallback.Milliseconds(),
	}, nil
}

// Columns each write owns. Writes touch only their own columns so that
// concurrent callers do not undo each other.
const (
	colInterval     = "current_interval_ms"
	colNoChangeRuns = "consecutive_no_change_runs"
	colRetryAttempt = "retry_attempt"
	colLastRunAt    = "last_run_at"
	colNextRunAt    = "next_run_at"
	colPushActive   = "push_active"
	colUpdatedAt    = "updated_at"
)

// save clamps the interval on every write
func (s *AdaptiveScheduler) save(ctx context.Context, state *models.ScheduleState, columns ...string) error {
	state.CurrentIntervalMs = state.ClampInterval(state.CurrentIntervalMs)
	state.UpdatedAt = s.rt.Clock.Now()
	return s.store.Update(ctx, state, append(columns, colUpdatedAt)...)
}
