package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/repository"
)

// KeyStateStore is any per-key table that is cleared when a subject disconnects
type KeyStateStore interface {
	Delete(ctx context.Context, key models.Key) error
}

// ConnectionManager seeds and tears down per-key state as subjects connect,
// disconnect and re-authorize integrations.
type ConnectionManager struct {
	tokens    *TokenHealthMonitor
	breaker   *CircuitBreaker
	scheduler *AdaptiveScheduler
	webhooks  *WebhookManager
	cleanup   []KeyStateStore
	rt        Runtime
}

func NewConnectionManager(tokens *TokenHealthMonitor, breaker *CircuitBreaker, scheduler *AdaptiveScheduler, webhooks *WebhookManager, rt Runtime, cleanup ...KeyStateStore) *ConnectionManager {
	return &ConnectionManager{
		tokens:    tokens,
		breaker:   breaker,
		scheduler: scheduler,
		webhooks:  webhooks,
		cleanup:   cleanup,
		rt:        rt.withDefaults(),
	}
}

// Connect creates the token, breaker and schedule rows for a new connection
// and opens a push channel where the integration supports one. A failed push
// registration leaves the key on normal polling.
func (c *ConnectionManager) Connect(ctx context.Context, key models.Key) error {
	if !key.Integration.Valid() {
		return &ValidationError{Reason: fmt.Sprintf("unknown integration %q", key.Integration)}
	}
	logger := c.rt.Logger.With(keyFields(key.SubjectID, string(key.Integration))...)

	if _, err := c.tokens.Check(ctx, key); err != nil {
		return fmt.Errorf("failed to check token health: %w", err)
	}
	if err := c.breaker.Initialize(ctx, key); err != nil {
		return fmt.Errorf("failed to initialize circuit: %w", err)
	}
	if _, err := c.scheduler.Initialize(ctx, key); err != nil {
		return fmt.Errorf("failed to initialize schedule: %w", err)
	}

	if key.Integration.SupportsPush() && c.webhooks != nil {
		if _, err := c.webhooks.Register(ctx, key); err != nil {
			logger.Warn("push registration failed, polling only", zap.Error(err))
		}
	}

	logger.Info("integration connected")
	return nil
}

// Disconnect stops push delivery and removes every per-key row
func (c *ConnectionManager) Disconnect(ctx context.Context, key models.Key) error {
	var errs []error

	if key.Integration.SupportsPush() && c.webhooks != nil {
		if err := c.webhooks.Stop(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	for _, store := range c.cleanup {
		if err := store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", key, err)
	}
	c.rt.Logger.Info("integration disconnected", keyFields(key.SubjectID, string(key.Integration))...)
	return nil
}

// Reauthorized clears a revocation after the user reconnects. Push delivery is
// re-established if it lapsed while the credential was invalid.
func (c *ConnectionManager) Reauthorized(ctx context.Context, key models.Key) (*models.TokenHealth, error) {
	health, err := c.tokens.Reauthorized(ctx, key)
	if err != nil {
		return nil, err
	}

	if key.Integration.SupportsPush() && c.webhooks != nil {
		if _, err := c.webhooks.Subscription(ctx, key); errors.Is(err, repository.ErrSubscriptionNotFound) {
			if _, err := c.webhooks.Register(ctx, key); err != nil {
				c.rt.Logger.Warn("push registration failed, polling only",
					append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(err))...)
			}
		}
	}
	return health, nil
}
