// Package telemetry provides Prometheus instrumentation for the sync orchestrator.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kiwis"

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	outcomes             *prometheus.CounterVec
	duration             *prometheus.HistogramVec
	circuitTransitions   *prometheus.CounterVec
	tokenInvalidations   *prometheus.CounterVec
	webhookNotifications *prometheus.CounterVec
	queueDropped         prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// If reg is nil, it returns nil (no-op metrics).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_outcomes_total",
			Help:      "Sync attempts by integration, trigger, result and skip reason",
		}, []string{"integration", "trigger", "result", "skip_reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync attempts in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"integration", "trigger"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker phase transitions",
		}, []string{"integration", "from", "to"}),
		tokenInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_invalidations_total",
			Help:      "Credentials that transitioned into an invalid status",
		}, []string{"integration", "status"}),
		webhookNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Inbound push notifications by handling result",
		}, []string{"result"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Sync attempts dropped because the worker queue was full",
		}),
	}

	collectors := []prometheus.Collector{
		m.outcomes, m.duration, m.circuitTransitions, m.tokenInvalidations, m.webhookNotifications, m.queueDropped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordOutcome counts one attempt. Skipped attempts are not timed.
func (m *Metrics) RecordOutcome(integration, trigger, result, skipReason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(integration, trigger, result, skipReason).Inc()
	if result != "skipped" {
		m.duration.WithLabelValues(integration, trigger).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordCircuitTransition(integration, from, to string) {
	if m == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(integration, from, to).Inc()
}

func (m *Metrics) RecordTokenInvalidation(integration, status string) {
	if m == nil {
		return
	}
	m.tokenInvalidations.WithLabelValues(integration, status).Inc()
}

func (m *Metrics) RecordWebhookNotification(result string) {
	if m == nil {
		return
	}
	m.webhookNotifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDispatchDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}
