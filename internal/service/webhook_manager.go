package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/repository"
)

// ResourceStateSync is the handshake a provider sends when a channel is created
const ResourceStateSync = "sync"

// WatchRequest asks the provider to open a notification channel
type WatchRequest struct {
	ChannelID string
	Token     string
	TTL       time.Duration
}

// WatchResult describes the channel the provider opened
type WatchResult struct {
	ChannelID   string
	ResourceRef string
	ExpiresAt   time.Time
}

// PushRegistrar opens and closes provider notification channels
type PushRegistrar interface {
	Watch(ctx context.Context, key models.Key, req WatchRequest) (*WatchResult, error)
	Stop(ctx context.Context, key models.Key, channelID, resourceRef string) error
}

// SubscriptionStore defines the persistence operations for subscriptions
type SubscriptionStore interface {
	GetByKey(ctx context.Context, key models.Key) (*models.WebhookSubscription, error)
	GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error)
	Save(ctx context.Context, sub *models.WebhookSubscription) error
	ListExpiringBefore(ctx context.Context, deadline time.Time, limit int) ([]models.WebhookSubscription, error)
	Delete(ctx context.Context, key models.Key) error
}

// PushScheduler toggles the polling fallback cadence
type PushScheduler interface {
	EnablePushFallback(ctx context.Context, key models.Key) error
	DisablePushFallback(ctx context.Context, key models.Key) error
}

// DispatchResult reports what happened to a queued sync attempt
type DispatchResult int

const (
	DispatchQueued DispatchResult = iota
	// DispatchAlreadyQueued means the key already has an attempt queued or running
	DispatchAlreadyQueued
	// DispatchDropped means the attempt was discarded, for example on a full queue
	DispatchDropped
)

// Dispatcher queues a sync attempt without waiting for it
type Dispatcher interface {
	Dispatch(key models.Key, trigger models.SyncTrigger) DispatchResult
}

type WebhookConfig struct {
	ChannelTTL       time.Duration
	RenewWindow      time.Duration
	RenewalBatchSize int
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		ChannelTTL:       7 * 24 * time.Hour,
		RenewWindow:      24 * time.Hour,
		RenewalBatchSize: 100,
	}
}

// PushNotification carries the headers of one inbound provider callback
type PushNotification struct {
	ChannelID     string
	ResourceRef   string
	ResourceState string
	Token         string
}

// RenewResult summarizes one renewal pass
type RenewResult struct {
	Renewed int
	Failed  int
}

// WebhookManager owns push subscriptions: registration, renewal, teardown and
// validation of inbound notifications.
type WebhookManager struct {
	store      SubscriptionStore
	registrar  PushRegistrar
	scheduler  PushScheduler
	dispatcher Dispatcher
	cfg        WebhookConfig
	rt         Runtime
}

func NewWebhookManager(store SubscriptionStore, registrar PushRegistrar, scheduler PushScheduler, cfg WebhookConfig, rt Runtime) *WebhookManager {
	defaults := DefaultWebhookConfig()
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = defaults.ChannelTTL
	}
	if cfg.RenewWindow <= 0 {
		cfg.RenewWindow = defaults.RenewWindow
	}
	if cfg.RenewalBatchSize <= 0 {
		cfg.RenewalBatchSize = defaults.RenewalBatchSize
	}
	return &WebhookManager{
		store:     store,
		registrar: registrar,
		scheduler: scheduler,
		cfg:       cfg,
		rt:        rt.withDefaults(),
	}
}

// SetDispatcher wires the queue that webhook-triggered syncs go to. The
// dispatcher is built after the manager, so it is set separately.
func (w *WebhookManager) SetDispatcher(d Dispatcher) {
	w.dispatcher = d
}

// Register opens a push channel for key and switches its schedule to the
// fallback cadence. An existing channel is replaced once the new one is open.
// On failure nothing is persisted and polling is unchanged.
func (w *WebhookManager) Register(ctx context.Context, key models.Key) (*models.WebhookSubscription, error) {
	if !key.Integration.SupportsPush() {
		return nil, ErrPushNotSupported
	}

	existing, err := w.store.GetByKey(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	secret, err := newVerificationSecret()
	if err != nil {
		return nil, err
	}

	result, err := w.registrar.Watch(ctx, key, WatchRequest{
		ChannelID: uuid.NewString(),
		Token:     secret,
		TTL:       w.cfg.ChannelTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register push channel: %w", err)
	}

	now := w.rt.Clock.Now()
	sub := &models.WebhookSubscription{
		SubjectID:          key.SubjectID,
		Integration:        key.Integration,
		ChannelID:          result.ChannelID,
		ResourceRef:        result.ResourceRef,
		ExpiresAt:          result.ExpiresAt,
		VerificationSecret: secret,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := w.store.Save(ctx, sub); err != nil {
		w.stopChannel(ctx, sub)
		return nil, err
	}
	if existing != nil {
		w.stopChannel(ctx, existing)
	}

	// The channel is live either way; the key just keeps its normal polling cadence
	if err := w.scheduler.EnablePushFallback(ctx, key); err != nil {
		w.rt.Logger.Warn("failed to enable push fallback", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(err))...)
	}

	w.rt.Logger.Info("push channel registered",
		append(keyFields(key.SubjectID, string(key.Integration)),
			zap.String("channel_id", sub.ChannelID),
			zap.Time("expires_at", sub.ExpiresAt))...)
	return sub, nil
}

// HandleNotification validates an inbound callback and queues a webhook sync
// for it. Anything that does not match a live subscription is rejected with a
// ValidationError.
func (w *WebhookManager) HandleNotification(ctx context.Context, n PushNotification) error {
	sub, err := w.store.GetByChannelID(ctx, n.ChannelID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return w.reject(n, "unknown channel")
		}
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	if sub.ResourceRef != n.ResourceRef {
		return w.reject(n, "resource mismatch")
	}
	if subtle.ConstantTimeCompare([]byte(sub.VerificationSecret), []byte(n.Token)) != 1 {
		return w.reject(n, "token mismatch")
	}
	if !sub.Live(w.rt.Clock.Now()) {
		return w.reject(n, "channel expired")
	}

	key := sub.Key()
	if n.ResourceState == ResourceStateSync {
		w.rt.Logger.Debug("push handshake received", append(keyFields(key.SubjectID, string(key.Integration)), zap.String("channel_id", n.ChannelID))...)
		w.rt.Metrics.RecordWebhookNotification("handshake")
		return nil
	}

	result := DispatchDropped
	if w.dispatcher != nil {
		result = w.dispatcher.Dispatch(key, models.TriggerWebhook)
	}
	switch result {
	case DispatchQueued:
		w.rt.Metrics.RecordWebhookNotification("accepted")
	case DispatchAlreadyQueued:
		w.rt.Logger.Debug("webhook sync already queued", keyFields(key.SubjectID, string(key.Integration))...)
		w.rt.Metrics.RecordWebhookNotification("already_queued")
	default:
		w.rt.Logger.Warn("webhook sync not queued", keyFields(key.SubjectID, string(key.Integration))...)
		w.rt.Metrics.RecordWebhookNotification("dropped")
	}
	return nil
}

// RenewExpiring renews every subscription that expires within the renewal
// window. A failed renewal drops the subscription and reverts to polling.
func (w *WebhookManager) RenewExpiring(ctx context.Context) (RenewResult, error) {
	var result RenewResult

	deadline := w.rt.Clock.Now().Add(w.cfg.RenewWindow)
	subs, err := w.store.ListExpiringBefore(ctx, deadline, w.cfg.RenewalBatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}

	for i := range subs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := w.renew(ctx, &subs[i]); err != nil {
			result.Failed++
			continue
		}
		result.Renewed++
	}

	if result.Renewed > 0 || result.Failed > 0 {
		w.rt.Logger.Info("subscription renewal completed", zap.Int("renewed", result.Renewed), zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (w *WebhookManager) renew(ctx context.Context, sub *models.WebhookSubscription) error {
	key := sub.Key()
	old := *sub

	res, err := w.registrar.Watch(ctx, key, WatchRequest{
		ChannelID: uuid.NewString(),
		Token:     sub.VerificationSecret,
		TTL:       w.cfg.ChannelTTL,
	})
	if err != nil {
		w.rt.Logger.Warn("subscription renewal failed, reverting to polling", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(err))...)
		w.stopChannel(ctx, &old)
		if delErr := w.store.Delete(ctx, key); delErr != nil {
			w.rt.Logger.Error("failed to delete subscription", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(delErr))...)
		}
		w.disablePush(ctx, key)
		return err
	}

	sub.ChannelID = res.ChannelID
	sub.ResourceRef = res.ResourceRef
	sub.ExpiresAt = res.ExpiresAt
	sub.UpdatedAt = w.rt.Clock.Now()
	if err := w.store.Save(ctx, sub); err != nil {
		w.stopChannel(ctx, sub)
		return err
	}

	w.stopChannel(ctx, &old)
	w.rt.Logger.Info("subscription renewed", append(keyFields(key.SubjectID, string(key.Integration)), zap.Time("expires_at", sub.ExpiresAt))...)
	return nil
}

// Stop closes the push channel for key and reverts its schedule to polling.
// Deregistering with the provider is best effort.
func (w *WebhookManager) Stop(ctx context.Context, key models.Key) error {
	sub, err := w.store.GetByKey(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	if sub != nil {
		w.stopChannel(ctx, sub)
		if err := w.store.Delete(ctx, key); err != nil {
			return err
		}
	}

	if err := w.scheduler.DisablePushFallback(ctx, key); err != nil {
		return fmt.Errorf("failed to disable push fallback: %w", err)
	}
	return nil
}

// Subscription returns the stored subscription for key
func (w *WebhookManager) Subscription(ctx context.Context, key models.Key) (*models.WebhookSubscription, error) {
	return w.store.GetByKey(ctx, key)
}

func (w *WebhookManager) stopChannel(ctx context.Context, sub *models.WebhookSubscription) {
	if err := w.registrar.Stop(ctx, sub.Key(), sub.ChannelID, sub.ResourceRef); err != nil {
		w.rt.Logger.Warn("failed to stop push channel",
			append(keyFields(sub.SubjectID, string(sub.Integration)),
				zap.String("channel_id", sub.ChannelID),
				zap.Error(err))...)
	}
}

func (w *WebhookManager) disablePush(ctx context.Context, key models.Key) {
	if err := w.scheduler.DisablePushFallback(ctx, key); err != nil {
		w.rt.Logger.Error("failed to disable push fallback", append(keyFields(key.SubjectID, string(key.Integration)), zap.Error(err))...)
	}
}

func (w *WebhookManager) reject(n PushNotification, reason string) error {
	w.rt.Logger.Warn("rejected push notification",
		zap.Bool("security", true),
		zap.String("reason", reason),
		zap.String("channel_id", n.ChannelID),
		zap.String("resource_ref", n.ResourceRef))
	w.rt.Metrics.RecordWebhookNotification("rejected")
	return &ValidationError{Reason: reason}
}

func newVerificationSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate verification secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
