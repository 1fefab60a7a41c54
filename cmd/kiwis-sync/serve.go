package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/kiwis-sync/internal/config"
	"github.com/vipul43/kiwis-sync/internal/database"
	"github.com/vipul43/kiwis-sync/internal/google"
	"github.com/vipul43/kiwis-sync/internal/httpapi"
	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/notify"
	"github.com/vipul43/kiwis-sync/internal/repository"
	"github.com/vipul43/kiwis-sync/internal/service"
	"github.com/vipul43/kiwis-sync/internal/telemetry"
	"github.com/vipul43/kiwis-sync/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync workers and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before starting")
	return cmd
}

func serve(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if migrate {
		logger.Info("running database migrations")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	logger.Info("database connected")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	rt := service.Runtime{Clock: clock, Logger: logger, Metrics: metrics}

	// Repositories
	accountRepo := repository.NewAccountRepository(db)
	tokenRepo := repository.NewTokenHealthRepository(db)
	circuitRepo := repository.NewCircuitStateRepository(db)
	scheduleRepo := repository.NewScheduleStateRepository(db)
	subscriptionRepo := repository.NewWebhookSubscriptionRepository(db)
	leaseRepo := repository.NewSyncLeaseRepository(db)
	outcomeRepo := repository.NewSyncOutcomeRepository(db)
	cursorRepo := repository.NewSyncCursorRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	googleClient := google.NewClient(google.Config{
		ClientID:       cfg.Google.ClientID,
		ClientSecret:   cfg.Google.ClientSecret,
		WebhookAddress: cfg.Google.WebhookAddress,
	}, accountRepo, cursorRepo, clock, logger.Named("google"))

	// Components
	monitor := service.NewTokenHealthMonitor(tokenRepo, googleClient,
		notify.NewSink(notificationRepo, clock, logger.Named("notify")),
		service.TokenHealthConfig{ProactiveWindow: cfg.Token.ProactiveWindow}, rt)
	breaker := service.NewCircuitBreaker(circuitRepo, service.CircuitBreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenDuration:     cfg.Circuit.OpenDuration,
	}, rt)
	scheduler := service.NewAdaptiveScheduler(scheduleRepo, schedulerConfig(cfg.Schedule), rt)
	webhooks := service.NewWebhookManager(subscriptionRepo, googleClient, scheduler, service.WebhookConfig{
		ChannelTTL:  cfg.Webhook.ChannelTTL,
		RenewWindow: cfg.Webhook.RenewWindow,
	}, rt)
	orchestrator := service.NewOrchestrator(monitor, breaker, scheduler, leaseRepo, outcomeRepo, googleClient,
		service.OrchestratorConfig{SyncTimeout: cfg.Sync.Timeout, LeaseMargin: cfg.Sync.LeaseMargin}, rt)

	// Push registration needs a public callback address
	var pushManager *service.WebhookManager
	if cfg.Google.WebhookAddress != "" {
		pushManager = webhooks
	}
	connections := service.NewConnectionManager(monitor, breaker, scheduler, pushManager, rt,
		tokenRepo, circuitRepo, scheduleRepo, leaseRepo, cursorRepo)
	reporter := service.NewHealthReporter(service.HealthStores{
		Tokens:        tokenRepo,
		Circuits:      circuitRepo,
		Schedules:     scheduleRepo,
		Subscriptions: subscriptionRepo,
		Outcomes:      outcomeRepo,
	}, service.HealthConfig{StaleAfter: cfg.Health.StaleAfter, Window: cfg.Health.Window}, rt)

	w := watcher.New(cfg.Worker, scheduler, orchestrator, monitor, webhooks, clock, logger.Named("watcher"), metrics)
	webhooks.SetDispatcher(w)

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Handlers{
			Sync:        orchestrator,
			Webhooks:    webhooks,
			Health:      reporter,
			Connections: connections,
			Gatherer:    reg,
		},
			httpapi.WithLogger(logger.Named("http")),
			httpapi.WithClock(clock),
			httpapi.WithManualRateLimit(cfg.Manual.Interval, cfg.Manual.Burst),
		),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("application stopped")
	return nil
}

func schedulerConfig(cfg config.ScheduleConfig) service.SchedulerConfig {
	profile := func(c config.IntervalConfig) service.IntervalProfile {
		return service.IntervalProfile{Default: c.Default, Min: c.Min, Max: c.Max, Fallback: c.Fallback}
	}
	return service.SchedulerConfig{
		Profiles: map[models.IntegrationKind]service.IntervalProfile{
			models.IntegrationContacts: profile(cfg.Contacts),
			models.IntegrationCalendar: profile(cfg.Calendar),
		},
		NoChangeThreshold: cfg.NoChangeThreshold,
		GrowthFactor:      cfg.GrowthFactor,
		RetryBase:         cfg.RetryBase,
		RetryCap:          cfg.RetryCap,
	}
}
