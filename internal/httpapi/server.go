// Package httpapi exposes the orchestrator over HTTP: the provider webhook
// receiver, manual sync triggers, connection lifecycle hooks, admin health and
// Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
)

// ManualTrigger runs a user-initiated sync
type ManualTrigger interface {
	TriggerManual(ctx context.Context, key models.Key) (*service.Outcome, error)
}

// NotificationHandler validates and dispatches provider push callbacks
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n service.PushNotification) error
}

// HealthQuery serves the operator health views
type HealthQuery interface {
	KeyHealth(ctx context.Context, key models.Key) (*service.KeyHealth, error)
	Summary(ctx context.Context) (*service.HealthSummary, error)
}

// Connections handles connection lifecycle events from the auth frontend
type Connections interface {
	Connect(ctx context.Context, key models.Key) error
	Disconnect(ctx context.Context, key models.Key) error
	Reauthorized(ctx context.Context, key models.Key) (*models.TokenHealth, error)
}

// Handlers groups the collaborators the routes delegate to
type Handlers struct {
	Sync        ManualTrigger
	Webhooks    NotificationHandler
	Health      HealthQuery
	Connections Connections
	Gatherer    prometheus.Gatherer
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	logger         *zap.Logger
	clock          clockwork.Clock
	manualInterval time.Duration
	manualBurst    int
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithLogger(logger *zap.Logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.logger = logger
	}
}

func WithClock(clock clockwork.Clock) ServerOption {
	return func(cfg *serverConfig) {
		cfg.clock = clock
	}
}

// WithManualRateLimit allows burst manual syncs per key, refilling one per interval
func WithManualRateLimit(interval time.Duration, burst int) ServerOption {
	return func(cfg *serverConfig) {
		cfg.manualInterval = interval
		cfg.manualBurst = burst
	}
}

type routes struct {
	handlers Handlers
	limiter  *keyLimiter
	logger   *zap.Logger
}

// NewServer creates and configures the HTTP router
func NewServer(h Handlers, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		logger:         zap.NewNop(),
		clock:          clockwork.NewRealClock(),
		manualInterval: time.Minute,
		manualBurst:    1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	rt := &routes{
		handlers: h,
		limiter:  newKeyLimiter(cfg.manualInterval, cfg.manualBurst, cfg.clock),
		logger:   cfg.logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(cfg.logger))
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/webhooks/calendar", rt.receiveCalendarWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/subjects/{subjectID}/integrations/{integration}", func(r chi.Router) {
			r.Put("/", rt.connect)
			r.Delete("/", rt.disconnect)
			r.Post("/reauthorized", rt.reauthorized)
			r.Post("/sync", rt.triggerSync)
		})
		r.Get("/admin/health", rt.healthSummary)
		r.Get("/admin/subjects/{subjectID}/integrations/{integration}/health", rt.keyHealth)
	})

	return r
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
