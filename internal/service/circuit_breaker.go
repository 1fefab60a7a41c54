package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/repository"
)

// CircuitStateStore defines the persistence operations for breaker records
type CircuitStateStore interface {
	Get(ctx context.Context, key models.Key) (*models.CircuitState, error)
	Save(ctx context.Context, state *models.CircuitState) error
}

type CircuitBreakerConfig struct {
	FailureThreshold uint
	OpenDuration     time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		OpenDuration:     time.Hour,
	}
}

// Decision is the result of asking the breaker whether an attempt may run
type Decision struct {
	Allowed     bool
	Phase       models.CircuitPhase
	NextRetryAt *time.Time
}

// CircuitBreaker tracks consecutive failures per key and blocks scheduled and
// webhook attempts while the key is open.
type CircuitBreaker struct {
	store CircuitStateStore
	cfg   CircuitBreakerConfig
	rt    Runtime
}

func NewCircuitBreaker(store CircuitStateStore, cfg CircuitBreakerConfig, rt Runtime) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = defaults.OpenDuration
	}
	return &CircuitBreaker{store: store, cfg: cfg, rt: rt.withDefaults()}
}

// State returns the stored record, or a closed record for keys never seen
func (b *CircuitBreaker) State(ctx context.Context, key models.Key) (*models.CircuitState, error) {
	state, err := b.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrCircuitStateNotFound) {
			return models.NewClosedCircuit(key, b.rt.Clock.Now()), nil
		}
		return nil, fmt.Errorf("failed to load circuit state: %w", err)
	}
	return state, nil
}

// Initialize persists a closed breaker for a newly connected key
func (b *CircuitBreaker) Initialize(ctx context.Context, key models.Key) error {
	return b.store.Save(ctx, models.NewClosedCircuit(key, b.rt.Clock.Now()))
}

// CanExecute is a pure read; a half-open key admits a trial attempt
func (b *CircuitBreaker) CanExecute(ctx context.Context, key models.Key) (Decision, error) {
	state, err := b.State(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	phase := state.EffectivePhase(b.rt.Clock.Now())
	return Decision{
		Allowed:     phase != models.CircuitOpen,
		Phase:       phase,
		NextRetryAt: state.NextRetryAt,
	}, nil
}

// RecordSuccess closes the breaker and clears the failure count
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, key models.Key) error {
	state, err := b.State(ctx, key)
	if err != nil {
		return err
	}

	if state.Phase == models.CircuitClosed && state.ConsecutiveFailures == 0 && state.NextRetryAt == nil {
		return nil
	}

	now := b.rt.Clock.Now()
	previous := state.EffectivePhase(now)

	state.Phase = models.CircuitClosed
	state.ConsecutiveFailures = 0
	state.OpenedAt = nil
	state.NextRetryAt = nil
	state.UpdatedAt = now
	if err := b.store.Save(ctx, state); err != nil {
		return err
	}

	if previous != models.CircuitClosed {
		b.logTransition(key, previous, models.CircuitClosed, now)
	}
	return nil
}

// RecordFailure counts a failed attempt. Reaching the threshold from closed, or
// any failure while open or half-open, (re)opens the breaker. An upstream
// retry-after hint longer than the open duration pushes nextRetryAt out.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, key models.Key, cause error) (*models.CircuitState, error) {
	state, err := b.State(ctx, key)
	if err != nil {
		return nil, err
	}

	now := b.rt.Clock.Now()
	previous := state.EffectivePhase(now)
	retryAfter, _ := RetryAfterHint(cause)

	state.ConsecutiveFailures++
	state.UpdatedAt = now

	switch previous {
	case models.CircuitClosed:
		if state.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.open(state, now, retryAfter)
		}
	case models.CircuitOpen, models.CircuitHalfOpen:
		b.open(state, now, retryAfter)
	}

	if err := b.store.Save(ctx, state); err != nil {
		return nil, err
	}

	current := state.EffectivePhase(now)
	if current != previous {
		b.logTransition(key, previous, current, now)
	}
	return state, nil
}

func (b *CircuitBreaker) open(state *models.CircuitState, now time.Time, retryAfter time.Duration) {
	wait := b.cfg.OpenDuration
	if retryAfter > wait {
		wait = retryAfter
	}
	next := now.Add(wait)

	state.Phase = models.CircuitOpen
	state.OpenedAt = &now
	state.NextRetryAt = &next
}

func (b *CircuitBreaker) logTransition(key models.Key, from, to models.CircuitPhase, at time.Time) {
	b.rt.Logger.Info("circuit phase transition",
		append(keyFields(key.SubjectID, string(key.Integration)),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Time("at", at))...)
	b.rt.Metrics.RecordCircuitTransition(string(key.Integration), string(from), string(to))
}
