package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vipul43/kiwis-sync/internal/database"
	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/repository"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	contactsKey = models.Key{SubjectID: "user-1", Integration: models.IntegrationContacts}
	calendarKey = models.Key{SubjectID: "user-1", Integration: models.IntegrationCalendar}
)

type mockCredentialStore struct {
	getExpiryFunc func(ctx context.Context, key models.Key) (*time.Time, error)
	refreshFunc   func(ctx context.Context, key models.Key) (*time.Time, error)
}

func (m *mockCredentialStore) GetExpiry(ctx context.Context, key models.Key) (*time.Time, error) {
	return m.getExpiryFunc(ctx, key)
}

func (m *mockCredentialStore) Refresh(ctx context.Context, key models.Key) (*time.Time, error) {
	return m.refreshFunc(ctx, key)
}

// expiresIn returns a credential store whose credentials all expire d after now
func expiresIn(clock clockwork.Clock, d time.Duration) *mockCredentialStore {
	return &mockCredentialStore{
		getExpiryFunc: func(ctx context.Context, key models.Key) (*time.Time, error) {
			exp := clock.Now().Add(d)
			return &exp, nil
		},
	}
}

type notifyCall struct {
	subjectID string
	kind      string
	payload   map[string]interface{}
}

type mockNotificationSink struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

func (m *mockNotificationSink) Notify(ctx context.Context, subjectID string, kind string, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, notifyCall{subjectID: subjectID, kind: kind, payload: payload})
	return m.err
}

func (m *mockNotificationSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockPushRegistrar struct {
	watchFunc func(ctx context.Context, key models.Key, req WatchRequest) (*WatchResult, error)
	stopFunc  func(ctx context.Context, key models.Key, channelID, resourceRef string) error
	watched   []WatchRequest
	stopped   []string
}

func (m *mockPushRegistrar) Watch(ctx context.Context, key models.Key, req WatchRequest) (*WatchResult, error) {
	m.watched = append(m.watched, req)
	return m.watchFunc(ctx, key, req)
}

func (m *mockPushRegistrar) Stop(ctx context.Context, key models.Key, channelID, resourceRef string) error {
	m.stopped = append(m.stopped, channelID)
	if m.stopFunc != nil {
		return m.stopFunc(ctx, key, channelID, resourceRef)
	}
	return nil
}

type dispatchCall struct {
	key     models.Key
	trigger models.SyncTrigger
}

type mockDispatcher struct {
	result DispatchResult
	calls  []dispatchCall
}

func (m *mockDispatcher) Dispatch(key models.Key, trigger models.SyncTrigger) DispatchResult {
	m.calls = append(m.calls, dispatchCall{key: key, trigger: trigger})
	return m.result
}

type mockSyncExecutor struct {
	mu          sync.Mutex
	calls       int
	executeFunc func(ctx context.Context, key models.Key) (*ExecutionResult, error)
}

func (m *mockSyncExecutor) Execute(ctx context.Context, key models.Key) (*ExecutionResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.executeFunc(ctx, key)
}

func (m *mockSyncExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// harness wires every repository to one in-memory database and a fake clock
type harness struct {
	clock     *clockwork.FakeClock
	logs      *observer.ObservedLogs
	rt        Runtime
	tokens    *repository.TokenHealthRepository
	circuits  *repository.CircuitStateRepository
	schedules *repository.ScheduleStateRepository
	subs      *repository.WebhookSubscriptionRepository
	leases    *repository.SyncLeaseRepository
	outcomes  *repository.SyncOutcomeRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := database.NewTestDB(t)
	core, logs := observer.New(zap.DebugLevel)
	clock := clockwork.NewFakeClockAt(testNow)

	return &harness{
		clock:     clock,
		logs:      logs,
		rt:        Runtime{Clock: clock, Logger: zap.New(core)},
		tokens:    repository.NewTokenHealthRepository(db),
		circuits:  repository.NewCircuitStateRepository(db),
		schedules: repository.NewScheduleStateRepository(db),
		subs:      repository.NewWebhookSubscriptionRepository(db),
		leases:    repository.NewSyncLeaseRepository(db),
		outcomes:  repository.NewSyncOutcomeRepository(db),
	}
}

func (h *harness) breaker() *CircuitBreaker {
	return NewCircuitBreaker(h.circuits, DefaultCircuitBreakerConfig(), h.rt)
}

func (h *harness) scheduler() *AdaptiveScheduler {
	return NewAdaptiveScheduler(h.schedules, DefaultSchedulerConfig(), h.rt)
}

func (h *harness) monitor(creds CredentialStore, sink NotificationSink) *TokenHealthMonitor {
	return NewTokenHealthMonitor(h.tokens, creds, sink, DefaultTokenHealthConfig(), h.rt)
}
