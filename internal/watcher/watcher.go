package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/kiwis-sync/internal/config"
	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
	"github.com/vipul43/kiwis-sync/internal/telemetry"
)

// DueLister finds keys whose scheduled sync is due
type DueLister interface {
	DueSubjects(ctx context.Context, integration models.IntegrationKind, now time.Time) ([]string, error)
}

// Executor runs one sync attempt
type Executor interface {
	Execute(ctx context.Context, key models.Key, trigger models.SyncTrigger) (*service.Outcome, error)
}

type TokenRefresher interface {
	RefreshExpiring(ctx context.Context) (service.RefreshResult, error)
}

type SubscriptionRenewer interface {
	RenewExpiring(ctx context.Context) (service.RenewResult, error)
}

type job struct {
	key     models.Key
	trigger models.SyncTrigger
}

// Watcher polls for due schedules, runs proactive token refresh and webhook
// renewal on their own tickers, and executes queued sync attempts on a
// bounded worker pool.
type Watcher struct {
	cfg       config.WorkerConfig
	due       DueLister
	executor  Executor
	refresher TokenRefresher
	renewer   SubscriptionRenewer
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	queue    chan job
	mu       sync.Mutex
	inflight map[models.Key]struct{}
}

func New(
	cfg config.WorkerConfig,
	due DueLister,
	executor Executor,
	refresher TokenRefresher,
	renewer SubscriptionRenewer,
	clock clockwork.Clock,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *Watcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Concurrency
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		cfg:       cfg,
		due:       due,
		executor:  executor,
		refresher: refresher,
		renewer:   renewer,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		queue:     make(chan job, cfg.QueueSize),
		inflight:  make(map[models.Key]struct{}),
	}
}

// Start runs the worker pool and the polling loops until ctx is cancelled.
// In-flight attempts finish before Start returns; queued ones are dropped.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting watcher",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("concurrency", w.cfg.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.work(gctx)
			return nil
		})
	}

	g.Go(func() error { return w.loop(gctx, "poll", w.cfg.PollInterval, w.processDue) })
	if w.refresher != nil && w.cfg.RefreshInterval > 0 {
		g.Go(func() error { return w.loop(gctx, "token refresh", w.cfg.RefreshInterval, w.refreshTokens) })
	}
	if w.renewer != nil && w.cfg.RenewInterval > 0 {
		g.Go(func() error { return w.loop(gctx, "subscription renewal", w.cfg.RenewInterval, w.renewSubscriptions) })
	}

	err := g.Wait()
	w.logger.Info("watcher shut down")
	return err
}

// Dispatch queues an attempt without blocking. A key with an attempt already
// queued or running is not queued twice, and a full queue drops the attempt.
func (w *Watcher) Dispatch(key models.Key, trigger models.SyncTrigger) service.DispatchResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.inflight[key]; ok {
		w.logger.Debug("sync already queued", zap.String("key", key.String()), zap.String("trigger", string(trigger)))
		return service.DispatchAlreadyQueued
	}

	select {
	case w.queue <- job{key: key, trigger: trigger}:
		w.inflight[key] = struct{}{}
		return service.DispatchQueued
	default:
		w.logger.Warn("sync queue full, dropping attempt", zap.String("key", key.String()), zap.String("trigger", string(trigger)))
		w.metrics.RecordDispatchDropped()
		return service.DispatchDropped
	}
}

func (w *Watcher) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error {
	// Run once on startup to pick up work left from previous runs
	fn(ctx)

	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("loop stopping", zap.String("loop", name))
			return ctx.Err()
		case <-ticker.Chan():
			fn(ctx)
		}
	}
}

func (w *Watcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.queue:
			w.run(ctx, j)
		}
	}
}

func (w *Watcher) run(ctx context.Context, j job) {
	defer func() {
		w.mu.Lock()
		delete(w.inflight, j.key)
		w.mu.Unlock()
	}()

	// Shutdown lets the attempt finish; the orchestrator bounds it with its own timeout
	if _, err := w.executor.Execute(context.WithoutCancel(ctx), j.key, j.trigger); err != nil {
		w.logger.Error("sync attempt failed", zap.String("key", j.key.String()), zap.Error(err))
	}
}

// processDue queues a scheduled attempt for every due key
func (w *Watcher) processDue(ctx context.Context) {
	now := w.clock.Now()
	for _, integration := range models.Integrations {
		subjects, err := w.due.DueSubjects(ctx, integration, now)
		if err != nil {
			w.logger.Error("failed to list due subjects", zap.String("integration", string(integration)), zap.Error(err))
			continue
		}
		if len(subjects) == 0 {
			continue
		}

		queued := 0
		for _, subject := range subjects {
			if w.Dispatch(models.Key{SubjectID: subject, Integration: integration}, models.TriggerScheduled) == service.DispatchQueued {
				queued++
			}
		}
		w.logger.Debug("due syncs queued",
			zap.String("integration", string(integration)),
			zap.Int("due", len(subjects)),
			zap.Int("queued", queued))
	}
}

func (w *Watcher) refreshTokens(ctx context.Context) {
	if _, err := w.refresher.RefreshExpiring(ctx); err != nil {
		w.logger.Error("proactive token refresh failed", zap.Error(err))
	}
}

func (w *Watcher) renewSubscriptions(ctx context.Context) {
	if _, err := w.renewer.RenewExpiring(ctx); err != nil {
		w.logger.Error("subscription renewal failed", zap.Error(err))
	}
}
