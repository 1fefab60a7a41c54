package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/kiwis-sync/internal/models"
)

type orchestratorFixture struct {
	*harness
	sink      *mockNotificationSink
	executor  *mockSyncExecutor
	monitor   *TokenHealthMonitor
	breaker   *CircuitBreaker
	scheduler *AdaptiveScheduler
	orch      *Orchestrator
}

func newOrchestratorFixture(t *testing.T, key models.Key) *orchestratorFixture {
	t.Helper()
	h := newHarness(t)
	f := &orchestratorFixture{
		harness: h,
		sink:    &mockNotificationSink{},
		executor: &mockSyncExecutor{
			executeFunc: func(ctx context.Context, key models.Key) (*ExecutionResult, error) {
				return &ExecutionResult{ChangesDetected: true, ItemsProcessed: 1}, nil
			},
		},
	}
	f.monitor = h.monitor(expiresIn(h.clock, 30*24*time.Hour), f.sink)
	f.breaker = h.breaker()
	f.scheduler = h.scheduler()
	f.orch = NewOrchestrator(f.monitor, f.breaker, f.scheduler, h.leases, h.outcomes, f.executor, DefaultOrchestratorConfig(), h.rt)

	ctx := context.Background()
	_, err := f.monitor.Check(ctx, key)
	require.NoError(t, err)
	require.NoError(t, f.breaker.Initialize(ctx, key))
	_, err = f.scheduler.Initialize(ctx, key)
	require.NoError(t, err)
	return f
}

func (f *orchestratorFixture) failWith(err error) {
	f.executor.executeFunc = func(ctx context.Context, key models.Key) (*ExecutionResult, error) {
		return nil, err
	}
}

func (f *orchestratorFixture) succeedWith(changes bool) {
	f.executor.executeFunc = func(ctx context.Context, key models.Key) (*ExecutionResult, error) {
		return &ExecutionResult{ChangesDetected: changes}, nil
	}
}

func (f *orchestratorFixture) outcomeCount(t *testing.T, key models.Key) int {
	t.Helper()
	records, err := f.outcomes.ListByKey(context.Background(), key, 1000)
	require.NoError(t, err)
	return len(records)
}

func TestOrchestrator_ScheduledSuccess(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()

	outcome, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, outcome.Record.Result)
	assert.True(t, outcome.Record.ChangesDetected)
	assert.Equal(t, 1, outcome.Record.ItemsProcessed)
	require.NotNil(t, outcome.NextRunAt)
	assert.WithinDuration(t, testNow.Add(15*time.Minute), *outcome.NextRunAt, 0)

	records, err := f.outcomes.ListByKey(ctx, contactsKey, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, outcome.Record.ID, records[0].ID)

	// the lease is released once the attempt completes
	acquired, err := f.leases.Acquire(ctx, contactsKey, "other-worker", f.clock.Now(), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestOrchestrator_InvalidTokenGatesEveryTrigger(t *testing.T) {
	for _, trigger := range []models.SyncTrigger{models.TriggerScheduled, models.TriggerWebhook, models.TriggerManual} {
		t.Run(string(trigger), func(t *testing.T) {
			f := newOrchestratorFixture(t, contactsKey)
			ctx := context.Background()
			require.NoError(t, f.monitor.MarkInvalid(ctx, contactsKey, "invalid_grant"))

			outcome, err := f.orch.Execute(ctx, contactsKey, trigger)

			assert.Zero(t, f.executor.callCount())
			assert.Equal(t, models.ResultSkipped, outcome.Record.Result)
			require.NotNil(t, outcome.Record.SkipReason)
			assert.Equal(t, models.SkipInvalidToken, *outcome.Record.SkipReason)
			if trigger == models.TriggerManual {
				assert.ErrorIs(t, err, ErrReauthorizationRequired)
			} else {
				assert.NoError(t, err)
			}

			schedule, err := f.schedules.Get(ctx, contactsKey)
			require.NoError(t, err)
			if trigger == models.TriggerScheduled {
				assert.WithinDuration(t, testNow.Add(15*time.Minute), schedule.NextRunAt, 0)
			} else {
				assert.WithinDuration(t, testNow, schedule.NextRunAt, 0)
			}
		})
	}
}

func TestOrchestrator_TokenCheckFailureSkips(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()
	f.monitor.creds = &mockCredentialStore{
		getExpiryFunc: func(ctx context.Context, key models.Key) (*time.Time, error) {
			return nil, errors.New("connection refused")
		},
	}

	outcome, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SkipTokenUnverified, *outcome.Record.SkipReason)
	assert.Zero(t, f.executor.callCount())

	outcome, err = f.orch.TriggerManual(ctx, contactsKey)
	require.Error(t, err)
	assert.Equal(t, models.SkipTokenUnverified, *outcome.Record.SkipReason)
}

func TestOrchestrator_AuthorizationFailureRevokesToken(t *testing.T) {
	f := newOrchestratorFixture(t, calendarKey)
	ctx := context.Background()
	f.failWith(&AuthorizationError{Err: errors.New("401 unauthorized")})

	outcome, err := f.orch.Execute(ctx, calendarKey, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, outcome.Record.Result)
	require.NotNil(t, outcome.Record.Error)

	health, err := f.tokens.Get(ctx, calendarKey)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusRevoked, health.Status)
	assert.Equal(t, 1, f.sink.count())

	// the schedule does not back off on authorization failures
	schedule, err := f.schedules.Get(ctx, calendarKey)
	require.NoError(t, err)
	assert.Zero(t, schedule.RetryAttempt)

	outcome, err = f.orch.Execute(ctx, calendarKey, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SkipInvalidToken, *outcome.Record.SkipReason)
	assert.Equal(t, 1, f.executor.callCount())
	assert.Equal(t, 1, f.sink.count())
}

func TestOrchestrator_ManualAuthorizationFailure(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	f.failWith(&AuthorizationError{Err: errors.New("invalid_grant")})

	outcome, err := f.orch.TriggerManual(context.Background(), contactsKey)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
	assert.True(t, IsAuthorization(err))
	assert.Nil(t, outcome.RetryAt)
}

func TestOrchestrator_ManualFailureSuggestsRetry(t *testing.T) {
	tests := []struct {
		name     string
		cause    error
		expected time.Duration
	}{
		{"transient", &TransientError{Err: errors.New("503")}, 5 * time.Minute},
		{"rate limited", &ResourceExhaustedError{RetryAfter: 90 * time.Second, Err: errors.New("429")}, 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, contactsKey)
			f.failWith(tt.cause)

			outcome, err := f.orch.TriggerManual(context.Background(), contactsKey)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.cause)
			require.NotNil(t, outcome.RetryAt)
			assert.WithinDuration(t, testNow.Add(tt.expected), *outcome.RetryAt, 0)
		})
	}
}

func TestOrchestrator_ManualIsIsolatedFromSchedule(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.succeedWith(false)
		_, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
		require.NoError(t, err)
	}
	before, err := f.schedules.Get(ctx, contactsKey)
	require.NoError(t, err)

	results := []func(){
		func() { f.succeedWith(true) },
		func() { f.succeedWith(false) },
		func() { f.failWith(&TransientError{Err: errors.New("503")}) },
		func() { f.failWith(&ResourceExhaustedError{RetryAfter: time.Hour, Err: errors.New("429")}) },
	}
	for _, setup := range results {
		setup()
		_, _ = f.orch.TriggerManual(ctx, contactsKey)
	}

	after, err := f.schedules.Get(ctx, contactsKey)
	require.NoError(t, err)
	assert.WithinDuration(t, before.NextRunAt, after.NextRunAt, 0)
	assert.Equal(t, before.ConsecutiveNoChangeRuns, after.ConsecutiveNoChangeRuns)
	assert.Equal(t, before.CurrentIntervalMs, after.CurrentIntervalMs)
	assert.Equal(t, before.RetryAttempt, after.RetryAttempt)
}

func TestOrchestrator_ManualBypassesOpenCircuit(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()

	f.failWith(&TransientError{Err: errors.New("503")})
	for i := 0; i < 3; i++ {
		_, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
		require.NoError(t, err)
	}

	f.succeedWith(true)
	outcome, err := f.orch.Execute(ctx, contactsKey, models.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, models.SkipCircuitOpen, *outcome.Record.SkipReason)

	outcome, err = f.orch.TriggerManual(ctx, contactsKey)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, outcome.Record.Result)

	state, err := f.breaker.State(ctx, contactsKey)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state.Phase)
}

func TestOrchestrator_AlreadyRunning(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()

	acquired, err := f.leases.Acquire(ctx, contactsKey, "other-worker", f.clock.Now(), 6*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	outcome, err := f.orch.Execute(ctx, contactsKey, models.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, models.SkipAlreadyRunning, *outcome.Record.SkipReason)
	assert.Zero(t, f.executor.callCount())

	// a lapsed lease is taken over
	f.clock.Advance(6 * time.Minute)
	outcome, err = f.orch.Execute(ctx, contactsKey, models.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, outcome.Record.Result)
}

func TestOrchestrator_TimeoutIsTransient(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	cfg := DefaultOrchestratorConfig()
	cfg.SyncTimeout = 20 * time.Millisecond
	f.orch = NewOrchestrator(f.monitor, f.breaker, f.scheduler, f.leases, f.outcomes, f.executor, cfg, f.rt)

	f.executor.executeFunc = func(ctx context.Context, key models.Key) (*ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	outcome, err := f.orch.TriggerManual(context.Background(), contactsKey)
	require.Error(t, err)
	var transient *TransientError
	assert.ErrorAs(t, err, &transient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.ResultFailure, outcome.Record.Result)
}

func TestOrchestrator_WebhookSuccessResetsCadence(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()

	f.succeedWith(false)
	for i := 0; i < 5; i++ {
		_, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
		require.NoError(t, err)
	}
	grown, err := f.schedules.Get(ctx, contactsKey)
	require.NoError(t, err)
	require.Greater(t, grown.CurrentIntervalMs, grown.DefaultIntervalMs)

	_, err = f.orch.Execute(ctx, contactsKey, models.TriggerWebhook)
	require.NoError(t, err)

	reset, err := f.schedules.Get(ctx, contactsKey)
	require.NoError(t, err)
	assert.Equal(t, reset.DefaultIntervalMs, reset.CurrentIntervalMs)
	assert.WithinDuration(t, testNow.Add(15*time.Minute), reset.NextRunAt, 0)
}

func TestOrchestrator_OneRecordPerAttempt(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()

	f.failWith(&TransientError{Err: errors.New("503")})
	attempts := 0
	for _, trigger := range []models.SyncTrigger{
		models.TriggerScheduled, models.TriggerScheduled, models.TriggerScheduled,
		models.TriggerScheduled, models.TriggerWebhook, models.TriggerManual,
	} {
		_, _ = f.orch.Execute(ctx, contactsKey, trigger)
		attempts++
	}

	assert.Equal(t, attempts, f.outcomeCount(t, contactsKey))
	counts, err := f.outcomes.CountSince(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Failure)
	assert.Equal(t, int64(2), counts.Skipped)
}

func TestOrchestrator_ScenarioCircuitRecovery(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()

	f.failWith(&TransientError{Err: errors.New("503")})
	for i := 0; i < 3; i++ {
		_, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
		require.NoError(t, err)
	}

	state, err := f.breaker.State(ctx, contactsKey)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitOpen, state.Phase)
	require.NotNil(t, state.NextRetryAt)
	assert.WithinDuration(t, testNow.Add(time.Hour), *state.NextRetryAt, 0)

	f.clock.Advance(30 * time.Minute)
	outcome, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SkipCircuitOpen, *outcome.Record.SkipReason)
	assert.Equal(t, 3, f.executor.callCount())

	schedule, err := f.schedules.Get(ctx, contactsKey)
	require.NoError(t, err)
	assert.WithinDuration(t, *state.NextRetryAt, schedule.NextRunAt, 0)

	f.clock.Advance(30 * time.Minute)
	f.succeedWith(true)
	outcome, err = f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, outcome.Record.Result)

	state, err = f.breaker.State(ctx, contactsKey)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state.Phase)
	assert.Zero(t, state.ConsecutiveFailures)
}

func TestOrchestrator_ScenarioQuietKeySlowsDown(t *testing.T) {
	f := newOrchestratorFixture(t, contactsKey)
	ctx := context.Background()
	f.succeedWith(false)

	var intervals []int64
	for i := 0; i < 5; i++ {
		_, err := f.orch.Execute(ctx, contactsKey, models.TriggerScheduled)
		require.NoError(t, err)
		state, err := f.schedules.Get(ctx, contactsKey)
		require.NoError(t, err)
		intervals = append(intervals, state.CurrentIntervalMs)
	}

	defaultMs := (15 * time.Minute).Milliseconds()
	assert.Equal(t, []int64{defaultMs, defaultMs, defaultMs, defaultMs, defaultMs * 3 / 2}, intervals)

	state, err := f.schedules.Get(ctx, contactsKey)
	require.NoError(t, err)
	assert.Zero(t, state.ConsecutiveNoChangeRuns)
}
