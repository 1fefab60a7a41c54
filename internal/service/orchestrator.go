package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
)

// ExecutionResult is what an integration reports after a completed sync
type ExecutionResult struct {
	ChangesDetected bool
	ItemsProcessed  int
}

// SyncExecutor performs the actual upstream sync for one key. Errors should be
// classified as AuthorizationError, TransientError or ResourceExhaustedError.
type SyncExecutor interface {
	Execute(ctx context.Context, key models.Key) (*ExecutionResult, error)
}

// TokenGate is the token health surface the orchestrator needs
type TokenGate interface {
	Check(ctx context.Context, key models.Key) (*models.TokenHealth, error)
	MarkInvalid(ctx context.Context, key models.Key, reason string) error
}

// FailureGate is the circuit breaker surface the orchestrator needs
type FailureGate interface {
	CanExecute(ctx context.Context, key models.Key) (Decision, error)
	RecordSuccess(ctx context.Context, key models.Key) error
	RecordFailure(ctx context.Context, key models.Key, cause error) (*models.CircuitState, error)
}

// RunScheduler is the scheduler surface the orchestrator needs
type RunScheduler interface {
	NextRunTime(ctx context.Context, key models.Key, changesDetected *bool) (time.Time, error)
	NextRunTimeAfterFailure(ctx context.Context, key models.Key, retryAfter time.Duration) (time.Time, error)
	ResetToDefault(ctx context.Context, key models.Key) error
	Defer(ctx context.Context, key models.Key, until time.Time) error
	Postpone(ctx context.Context, key models.Key) error
	FailureDelay(attempt uint) time.Duration
}

// LeaseStore grants one in-flight execution per key
type LeaseStore interface {
	Acquire(ctx context.Context, key models.Key, holder string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key models.Key, holder string) error
}

// OutcomeStore appends execution records
type OutcomeStore interface {
	Create(ctx context.Context, record *models.SyncOutcomeRecord) error
}

type OrchestratorConfig struct {
	// SyncTimeout bounds one upstream execution
	SyncTimeout time.Duration
	// LeaseMargin is added to SyncTimeout so a lease outlives its execution
	LeaseMargin time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SyncTimeout: 5 * time.Minute,
		LeaseMargin: time.Minute,
	}
}

// Outcome is the result of one attempt, already persisted as a record
type Outcome struct {
	Record models.SyncOutcomeRecord
	// NextRunAt is set when a scheduled attempt moved the schedule
	NextRunAt *time.Time
	// RetryAt is the suggested retry time after a failed manual attempt
	RetryAt *time.Time
}

// Orchestrator runs one sync attempt end to end: token gate, breaker gate,
// in-flight lease, execution, then bookkeeping on every component.
type Orchestrator struct {
	tokens    TokenGate
	breaker   FailureGate
	scheduler RunScheduler
	leases    LeaseStore
	outcomes  OutcomeStore
	executor  SyncExecutor
	cfg       OrchestratorConfig
	rt        Runtime
}

func NewOrchestrator(tokens TokenGate, breaker FailureGate, scheduler RunScheduler, leases LeaseStore, outcomes OutcomeStore, executor SyncExecutor, cfg OrchestratorConfig, rt Runtime) *Orchestrator {
	defaults := DefaultOrchestratorConfig()
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaults.SyncTimeout
	}
	if cfg.LeaseMargin <= 0 {
		cfg.LeaseMargin = defaults.LeaseMargin
	}
	return &Orchestrator{
		tokens:    tokens,
		breaker:   breaker,
		scheduler: scheduler,
		leases:    leases,
		outcomes:  outcomes,
		executor:  executor,
		cfg:       cfg,
		rt:        rt.withDefaults(),
	}
}

// TriggerManual runs a user-initiated sync, bypassing the breaker. Unlike
// scheduled and webhook attempts, failures are returned to the caller.
func (o *Orchestrator) TriggerManual(ctx context.Context, key models.Key) (*Outcome, error) {
	return o.Execute(ctx, key, models.TriggerManual)
}

// Execute runs one attempt for key. Exactly one outcome record is written per
// call. Errors are only returned for manual triggers.
func (o *Orchestrator) Execute(ctx context.Context, key models.Key, trigger models.SyncTrigger) (*Outcome, error) {
	start := o.rt.Clock.Now()
	logger := o.rt.Logger.With(append(keyFields(key.SubjectID, string(key.Integration)), zap.String("trigger", string(trigger)))...)

	health, err := o.tokens.Check(ctx, key)
	if err != nil {
		logger.Error("token health check failed", zap.Error(err))
		outcome := o.skip(ctx, key, trigger, start, models.SkipTokenUnverified, err)
		return outcome, o.manualError(trigger, fmt.Errorf("failed to verify credential: %w", err))
	}
	if health.Status.Invalid() {
		if trigger == models.TriggerScheduled {
			if err := o.scheduler.Postpone(ctx, key); err != nil {
				logger.Error("failed to postpone schedule", zap.Error(err))
			}
		}
		outcome := o.skip(ctx, key, trigger, start, models.SkipInvalidToken, nil)
		return outcome, o.manualError(trigger, ErrReauthorizationRequired)
	}

	if trigger != models.TriggerManual {
		decision, err := o.breaker.CanExecute(ctx, key)
		if err != nil {
			logger.Error("circuit check failed", zap.Error(err))
			return o.skip(ctx, key, trigger, start, models.SkipCircuitOpen, err), nil
		}
		if !decision.Allowed {
			if trigger == models.TriggerScheduled && decision.NextRetryAt != nil {
				if err := o.scheduler.Defer(ctx, key, *decision.NextRetryAt); err != nil {
					logger.Error("failed to defer schedule", zap.Error(err))
				}
			}
			return o.skip(ctx, key, trigger, start, models.SkipCircuitOpen, nil), nil
		}
	}

	holder := uuid.NewString()
	acquired, err := o.leases.Acquire(ctx, key, holder, start, o.cfg.SyncTimeout+o.cfg.LeaseMargin)
	if err != nil {
		logger.Error("failed to acquire sync lease", zap.Error(err))
		return o.skip(ctx, key, trigger, start, models.SkipAlreadyRunning, err), nil
	}
	if !acquired {
		logger.Debug("sync already running")
		return o.skip(ctx, key, trigger, start, models.SkipAlreadyRunning, nil), nil
	}
	defer func() {
		if err := o.leases.Release(context.WithoutCancel(ctx), key, holder); err != nil {
			logger.Error("failed to release sync lease", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
	result, runErr := o.executor.Execute(runCtx, key)
	cancel()

	if runErr == nil && result == nil {
		result = &ExecutionResult{}
	}
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) && !IsAuthorization(runErr) {
		runErr = &TransientError{Err: fmt.Errorf("sync timed out after %s: %w", o.cfg.SyncTimeout, runErr)}
	}

	if runErr != nil {
		return o.fail(ctx, logger, key, trigger, start, runErr)
	}
	return o.succeed(ctx, logger, key, trigger, start, result), nil
}

func (o *Orchestrator) succeed(ctx context.Context, logger *zap.Logger, key models.Key, trigger models.SyncTrigger, start time.Time, result *ExecutionResult) *Outcome {
	if err := o.breaker.RecordSuccess(ctx, key); err != nil {
		logger.Error("failed to record circuit success", zap.Error(err))
	}

	outcome := &Outcome{}
	switch trigger {
	case models.TriggerScheduled:
		changes := result.ChangesDetected
		next, err := o.scheduler.NextRunTime(ctx, key, &changes)
		if err != nil {
			logger.Error("failed to advance schedule", zap.Error(err))
		} else {
			outcome.NextRunAt = &next
		}
	case models.TriggerWebhook:
		if err := o.scheduler.ResetToDefault(ctx, key); err != nil {
			logger.Error("failed to reset schedule", zap.Error(err))
		}
	}

	outcome.Record = o.newRecord(key, trigger, start, models.ResultSuccess)
	outcome.Record.ChangesDetected = result.ChangesDetected
	outcome.Record.ItemsProcessed = result.ItemsProcessed
	o.record(ctx, logger, outcome)

	logger.Info("sync completed",
		zap.Bool("changes_detected", result.ChangesDetected),
		zap.Int("items_processed", result.ItemsProcessed),
		zap.Int64("duration_ms", outcome.Record.DurationMs))
	return outcome
}

func (o *Orchestrator) fail(ctx context.Context, logger *zap.Logger, key models.Key, trigger models.SyncTrigger, start time.Time, runErr error) (*Outcome, error) {
	authFailure := IsAuthorization(runErr)
	if authFailure {
		if err := o.tokens.MarkInvalid(ctx, key, runErr.Error()); err != nil {
			logger.Error("failed to mark token invalid", zap.Error(err))
		}
	}

	outcome := &Outcome{}
	state, err := o.breaker.RecordFailure(ctx, key, runErr)
	if err != nil {
		logger.Error("failed to record circuit failure", zap.Error(err))
	}

	switch trigger {
	case models.TriggerScheduled:
		if !authFailure {
			retryAfter, _ := RetryAfterHint(runErr)
			next, err := o.scheduler.NextRunTimeAfterFailure(ctx, key, retryAfter)
			if err != nil {
				logger.Error("failed to back off schedule", zap.Error(err))
			} else {
				outcome.NextRunAt = &next
			}
		}
	case models.TriggerManual:
		if state != nil && !authFailure {
			retryAt := o.rt.Clock.Now().Add(o.scheduler.FailureDelay(state.ConsecutiveFailures))
			if hint, ok := RetryAfterHint(runErr); ok {
				retryAt = o.rt.Clock.Now().Add(hint)
			}
			outcome.RetryAt = &retryAt
		}
	}

	outcome.Record = o.newRecord(key, trigger, start, models.ResultFailure)
	outcome.Record.Error = stringPtr(runErr.Error())
	o.record(ctx, logger, outcome)

	logger.Warn("sync failed", zap.Error(runErr), zap.Bool("authorization", authFailure))

	if authFailure {
		return outcome, o.manualError(trigger, fmt.Errorf("%w: %w", ErrReauthorizationRequired, runErr))
	}
	return outcome, o.manualError(trigger, fmt.Errorf("sync failed: %w", runErr))
}

func (o *Orchestrator) skip(ctx context.Context, key models.Key, trigger models.SyncTrigger, start time.Time, reason models.SkipReason, cause error) *Outcome {
	outcome := &Outcome{Record: o.newRecord(key, trigger, start, models.ResultSkipped)}
	outcome.Record.SkipReason = &reason
	if cause != nil {
		outcome.Record.Error = stringPtr(cause.Error())
	}

	logger := o.rt.Logger.With(append(keyFields(key.SubjectID, string(key.Integration)), zap.String("trigger", string(trigger)))...)
	o.record(ctx, logger, outcome)
	logger.Info("sync skipped", zap.String("reason", string(reason)))
	return outcome
}

func (o *Orchestrator) newRecord(key models.Key, trigger models.SyncTrigger, start time.Time, result models.SyncResult) models.SyncOutcomeRecord {
	return models.SyncOutcomeRecord{
		ID:          uuid.NewString(),
		SubjectID:   key.SubjectID,
		Integration: key.Integration,
		ExecutedAt:  start,
		Trigger:     trigger,
		Result:      result,
		DurationMs:  o.rt.Clock.Since(start).Milliseconds(),
	}
}

func (o *Orchestrator) record(ctx context.Context, logger *zap.Logger, outcome *Outcome) {
	rec := &outcome.Record
	if err := o.outcomes.Create(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("failed to record sync outcome", zap.Error(err))
	}

	reason := ""
	if rec.SkipReason != nil {
		reason = string(*rec.SkipReason)
	}
	o.rt.Metrics.RecordOutcome(string(rec.Integration), string(rec.Trigger), string(rec.Result), reason,
		time.Duration(rec.DurationMs)*time.Millisecond)
}

// manualError surfaces err only to manual callers
func (o *Orchestrator) manualError(trigger models.SyncTrigger, err error) error {
	if trigger != models.TriggerManual {
		return nil
	}
	return err
}
