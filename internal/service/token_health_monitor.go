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

// CredentialStore reads and refreshes the OAuth credential behind a key.
// Refresh returns the new credential expiry, nil when it does not expire.
type CredentialStore interface {
	GetExpiry(ctx context.Context, key models.Key) (*time.Time, error)
	Refresh(ctx context.Context, key models.Key) (*time.Time, error)
}

// TokenHealthStore defines the persistence operations for token health
type TokenHealthStore interface {
	Get(ctx context.Context, key models.Key) (*models.TokenHealth, error)
	SaveIfValid(ctx context.Context, health *models.TokenHealth) (bool, error)
	Touch(ctx context.Context, key models.Key, now time.Time) error
	Reset(ctx context.Context, key models.Key, now time.Time) error
	MarkInvalid(ctx context.Context, key models.Key, status models.TokenStatus, reason string, now time.Time) (bool, error)
	ListByStatus(ctx context.Context, status models.TokenStatus, limit int) ([]models.TokenHealth, error)
}

// NotificationSink delivers user-facing notifications
type NotificationSink interface {
	Notify(ctx context.Context, subjectID string, kind string, payload map[string]interface{}) error
}

type TokenHealthConfig struct {
	// ProactiveWindow is how far ahead of expiry a credential counts as expiring soon
	ProactiveWindow time.Duration
	// RefreshBatchSize bounds one proactive refresh pass
	RefreshBatchSize int
}

func DefaultTokenHealthConfig() TokenHealthConfig {
	return TokenHealthConfig{
		ProactiveWindow:  48 * time.Hour,
		RefreshBatchSize: 100,
	}
}

// RefreshResult summarizes one proactive refresh pass
type RefreshResult struct {
	Refreshed int
	Failed    int
}

// TokenHealthMonitor classifies credential validity per key and owns the
// single invalidation notification each invalid transition produces.
type TokenHealthMonitor struct {
	store    TokenHealthStore
	creds    CredentialStore
	notifier NotificationSink
	cfg      TokenHealthConfig
	rt       Runtime
}

func NewTokenHealthMonitor(store TokenHealthStore, creds CredentialStore, notifier NotificationSink, cfg TokenHealthConfig, rt Runtime) *TokenHealthMonitor {
	if cfg.ProactiveWindow <= 0 {
		cfg.ProactiveWindow = DefaultTokenHealthConfig().ProactiveWindow
	}
	if cfg.RefreshBatchSize <= 0 {
		cfg.RefreshBatchSize = DefaultTokenHealthConfig().RefreshBatchSize
	}
	return &TokenHealthMonitor{
		store:    store,
		creds:    creds,
		notifier: notifier,
		cfg:      cfg,
		rt:       rt.withDefaults(),
	}
}

// Check recomputes and persists the status for key. An error means the
// status could not be verified and callers must not proceed.
func (m *TokenHealthMonitor) Check(ctx context.Context, key models.Key) (*models.TokenHealth, error) {
	now := m.rt.Clock.Now()

	current, err := m.store.Get(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrTokenHealthNotFound) {
		return nil, fmt.Errorf("failed to load token health: %w", err)
	}

	// Expiry and revocation stick until the user re-authorizes
	if current != nil && current.Status.Invalid() {
		if err := m.store.Touch(ctx, key, now); err != nil {
			return nil, err
		}
		current.LastCheckedAt = now
		return current, nil
	}

	expiresAt, err := m.creds.GetExpiry(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			if err := m.MarkInvalid(ctx, key, "credential not found"); err != nil {
				return nil, err
			}
			return m.store.Get(ctx, key)
		}
		return nil, fmt.Errorf("failed to read credential expiry: %w", err)
	}

	status := m.classify(expiresAt, now)
	var previous models.TokenStatus
	if current != nil {
		previous = current.Status
	}

	if status == models.TokenStatusExpired {
		// The conditional write decides which concurrent checker owns the notification
		transitioned, err := m.store.MarkInvalid(ctx, key, status, "credential expired", now)
		if err != nil {
			return nil, err
		}
		if transitioned {
			m.logStatusChange(key, previous, status)
			m.notifyInvalid(ctx, key, status, "credential expired")
		}
		return m.store.Get(ctx, key)
	}

	health := current
	if health == nil {
		health = &models.TokenHealth{
			SubjectID:       key.SubjectID,
			Integration:     key.Integration,
			StatusChangedAt: now,
			CreatedAt:       now,
		}
	}
	if previous != status {
		health.StatusChangedAt = now
	}
	if status == models.TokenStatusValid {
		health.LastError = nil
	}
	health.Status = status
	health.ExpiresAt = expiresAt
	health.LastCheckedAt = now
	health.UpdatedAt = now

	written, err := m.store.SaveIfValid(ctx, health)
	if err != nil {
		return nil, err
	}
	if !written {
		// Invalidated while the credential was being read; the invalid status wins
		m.rt.Logger.Debug("token invalidated during check", keyFields(key.SubjectID, string(key.Integration))...)
		return m.store.Get(ctx, key)
	}
	if previous != status {
		m.logStatusChange(key, previous, status)
	}
	return health, nil
}

// MarkInvalid records an upstream rejection as a revocation. Only the write that
// moves the key into an invalid status emits a notification.
func (m *TokenHealthMonitor) MarkInvalid(ctx context.Context, key models.Key, reason string) error {
	now := m.rt.Clock.Now()

	transitioned, err := m.store.MarkInvalid(ctx, key, models.TokenStatusRevoked, reason, now)
	if err != nil {
		return err
	}
	if !transitioned {
		m.rt.Logger.Debug("token already invalid", append(keyFields(key.SubjectID, string(key.Integration)), zap.String("reason", reason))...)
		return nil
	}

	m.rt.Logger.Warn("token marked invalid", append(keyFields(key.SubjectID, string(key.Integration)), zap.String("reason", reason))...)
	m.notifyInvalid(ctx, key, models.TokenStatusRevoked, reason)
	return nil
}

// Reauthorized clears an expiry or revocation after the user reconnects and
// re-checks the key
func (m *TokenHealthMonitor) Reauthorized(ctx context.Context, key models.Key) (*models.TokenHealth, error) {
	if err := m.store.Reset(ctx, key, m.rt.Clock.Now()); err != nil {
		return nil, err
	}
	return m.Check(ctx, key)
}

// RefreshExpiring refreshes every credential currently expiring soon. A failed
// refresh revokes the key so the user is prompted to reconnect.
func (m *TokenHealthMonitor) RefreshExpiring(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult

	expiring, err := m.store.ListByStatus(ctx, models.TokenStatusExpiringSoon, m.cfg.RefreshBatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list expiring tokens: %w", err)
	}

	for i := range expiring {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		health := &expiring[i]
		key := health.Key()

		expiresAt, err := m.creds.Refresh(ctx, key)
		if err != nil {
			result.Failed++
			m.rt.Logger.Warn("proactive refresh failed", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(err))...)
			if markErr := m.MarkInvalid(ctx, key, fmt.Sprintf("refresh failed: %v", err)); markErr != nil {
				m.rt.Logger.Error("failed to mark token invalid", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(markErr))...)
			}
			continue
		}

		now := m.rt.Clock.Now()
		health.Status = models.TokenStatusValid
		health.ExpiresAt = expiresAt
		health.LastError = nil
		health.LastCheckedAt = now
		health.StatusChangedAt = now
		health.UpdatedAt = now
		written, err := m.store.SaveIfValid(ctx, health)
		if err != nil {
			result.Failed++
			m.rt.Logger.Error("failed to save refreshed token health", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(err))...)
			continue
		}
		if !written {
			result.Failed++
			m.rt.Logger.Info("token invalidated during refresh", keyFields(key.SubjectID, string(key.Integration))...)
			continue
		}
		result.Refreshed++
	}

	if result.Refreshed > 0 || result.Failed > 0 {
		m.rt.Logger.Info("proactive refresh completed", zap.Int("refreshed", result.Refreshed), zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (m *TokenHealthMonitor) logStatusChange(key models.Key, from, to models.TokenStatus) {
	m.rt.Logger.Info("token status changed",
		append(keyFields(key.SubjectID, string(key.Integration)),
			zap.String("from", string(from)),
			zap.String("to", string(to)))...)
}

func (m *TokenHealthMonitor) classify(expiresAt *time.Time, now time.Time) models.TokenStatus {
	switch {
	case expiresAt == nil:
		return models.TokenStatusUnknown
	case !now.Before(*expiresAt):
		return models.TokenStatusExpired
	case expiresAt.Sub(now) <= m.cfg.ProactiveWindow:
		return models.TokenStatusExpiringSoon
	default:
		return models.TokenStatusValid
	}
}

// notifyInvalid is fire-and-forget: a failed delivery never blocks a sync decision
func (m *TokenHealthMonitor) notifyInvalid(ctx context.Context, key models.Key, status models.TokenStatus, reason string) {
	m.rt.Metrics.RecordTokenInvalidation(string(key.Integration), string(status))

	if m.notifier == nil {
		return
	}
	payload := map[string]interface{}{
		"integration": string(key.Integration),
		"status":      string(status),
		"reason":      reason,
	}
	if err := m.notifier.Notify(ctx, key.SubjectID, models.NotificationTokenInvalid, payload); err != nil {
		m.rt.Logger.Warn("failed to deliver token notification", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(err))...)
	}
}

func stringPtr(s string) *string {
	return &s
}
