package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vipul43/kiwis-sync/internal/config"
	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
)

type mockDueLister struct {
	dueSubjectsFunc func(ctx context.Context, integration models.IntegrationKind, now time.Time) ([]string, error)
}

func (m *mockDueLister) DueSubjects(ctx context.Context, integration models.IntegrationKind, now time.Time) ([]string, error) {
	if m.dueSubjectsFunc != nil {
		return m.dueSubjectsFunc(ctx, integration, now)
	}
	return nil, nil
}

type mockExecutor struct {
	executeFunc func(ctx context.Context, key models.Key, trigger models.SyncTrigger) (*service.Outcome, error)
}

func (m *mockExecutor) Execute(ctx context.Context, key models.Key, trigger models.SyncTrigger) (*service.Outcome, error) {
	return m.executeFunc(ctx, key, trigger)
}

type mockRefresher struct {
	calls chan struct{}
}

func (m *mockRefresher) RefreshExpiring(ctx context.Context) (service.RefreshResult, error) {
	m.calls <- struct{}{}
	return service.RefreshResult{}, nil
}

type mockRenewer struct {
	calls chan struct{}
}

func (m *mockRenewer) RenewExpiring(ctx context.Context) (service.RenewResult, error) {
	m.calls <- struct{}{}
	return service.RenewResult{}, errors.New("provider unavailable")
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		PollInterval:    10 * time.Second,
		RefreshInterval: time.Hour,
		RenewInterval:   time.Hour,
		Concurrency:     2,
		QueueSize:       4,
	}
}

func TestDispatch_DeduplicatesPendingKey(t *testing.T) {
	w := New(workerConfig(), &mockDueLister{}, &mockExecutor{}, nil, nil, clockwork.NewFakeClock(), nil, nil)
	key := models.Key{SubjectID: "user-1", Integration: models.IntegrationCalendar}

	assert.Equal(t, service.DispatchQueued, w.Dispatch(key, models.TriggerScheduled))
	assert.Equal(t, service.DispatchAlreadyQueued, w.Dispatch(key, models.TriggerWebhook))
	assert.Equal(t, service.DispatchQueued, w.Dispatch(models.Key{SubjectID: "user-1", Integration: models.IntegrationContacts}, models.TriggerScheduled))
}

func TestDispatch_DropsWhenQueueFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := workerConfig()
	cfg.QueueSize = 1
	w := New(cfg, &mockDueLister{}, &mockExecutor{}, nil, nil, clockwork.NewFakeClock(), zap.New(core), nil)

	assert.Equal(t, service.DispatchQueued, w.Dispatch(models.Key{SubjectID: "a", Integration: models.IntegrationContacts}, models.TriggerScheduled))
	assert.Equal(t, service.DispatchDropped, w.Dispatch(models.Key{SubjectID: "b", Integration: models.IntegrationContacts}, models.TriggerScheduled))
	assert.Equal(t, 1, logs.FilterMessage("sync queue full, dropping attempt").Len())
}

func TestStart_ExecutesDueKeysAndStops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	due := &mockDueLister{
		dueSubjectsFunc: func(ctx context.Context, integration models.IntegrationKind, now time.Time) ([]string, error) {
			if integration == models.IntegrationContacts {
				return []string{"user-1", "user-2"}, nil
			}
			return nil, nil
		},
	}

	var mu sync.Mutex
	executed := map[string]models.SyncTrigger{}
	done := make(chan struct{}, 2)
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, key models.Key, trigger models.SyncTrigger) (*service.Outcome, error) {
			mu.Lock()
			executed[key.SubjectID] = trigger
			mu.Unlock()
			done <- struct{}{}
			return &service.Outcome{}, nil
		},
	}
	refresher := &mockRefresher{calls: make(chan struct{}, 1)}
	renewer := &mockRenewer{calls: make(chan struct{}, 1)}

	w := New(workerConfig(), due, executor, refresher, renewer, clock, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for due syncs")
		}
	}
	for _, ch := range []chan struct{}{refresher.calls, renewer.calls} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for maintenance loop")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.TriggerScheduled, executed["user-1"])
	assert.Equal(t, models.TriggerScheduled, executed["user-2"])
}

func TestStart_PollsAgainOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	polls := make(chan struct{}, 4)
	due := &mockDueLister{
		dueSubjectsFunc: func(ctx context.Context, integration models.IntegrationKind, now time.Time) ([]string, error) {
			if integration == models.IntegrationContacts {
				polls <- struct{}{}
			}
			return nil, nil
		},
	}
	cfg := workerConfig()
	cfg.RefreshInterval = 0
	cfg.RenewInterval = 0
	w := New(cfg, due, &mockExecutor{}, nil, nil, clock, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	<-polls
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(cfg.PollInterval)

	select {
	case <-polls:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a second poll after the interval elapsed")
	}
}

func TestRun_ReleasesKeyAfterExecution(t *testing.T) {
	finished := make(chan struct{})
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, key models.Key, trigger models.SyncTrigger) (*service.Outcome, error) {
			return nil, errors.New("manual-only error")
		},
	}
	w := New(workerConfig(), &mockDueLister{}, executor, nil, nil, clockwork.NewFakeClock(), nil, nil)
	key := models.Key{SubjectID: "user-1", Integration: models.IntegrationCalendar}

	require.Equal(t, service.DispatchQueued, w.Dispatch(key, models.TriggerWebhook))
	go func() {
		w.run(context.Background(), <-w.queue)
		close(finished)
	}()
	<-finished

	assert.Equal(t, service.DispatchQueued, w.Dispatch(key, models.TriggerWebhook))
}
