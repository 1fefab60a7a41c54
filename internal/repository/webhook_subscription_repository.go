package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
)

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

type WebhookSubscriptionRepository struct {
	db *gorm.DB
}

func NewWebhookSubscriptionRepository(db *gorm.DB) *WebhookSubscriptionRepository {
	return &WebhookSubscriptionRepository{db: db}
}

// GetByKey retrieves the subscription for a key
func (r *WebhookSubscriptionRepository) GetByKey(ctx context.Context, key models.Key) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := whereKey(r.db.WithContext(ctx), key).First(&sub)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

// GetByChannelID retrieves the subscription that owns a push channel
func (r *WebhookSubscriptionRepository) GetByChannelID(ctx context.Context, channelID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).First(&sub, "channel_id = ?", channelID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

// Save creates the subscription or updates it in place
func (r *WebhookSubscriptionRepository) Save(ctx context.Context, sub *models.WebhookSubscription) error {
	if err := upsertByKey(r.db.WithContext(ctx)).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to save webhook subscription: %w", err)
	}
	return nil
}

// ListExpiringBefore retrieves subscriptions that expire before the deadline, soonest first
func (r *WebhookSubscriptionRepository) ListExpiringBefore(ctx context.Context, deadline time.Time, limit int) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", deadline).
		Order("expires_at ASC").
		Limit(limit).
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", result.Error)
	}
	return subs, nil
}

// Delete removes the subscription for a key
func (r *WebhookSubscriptionRepository) Delete(ctx context.Context, key models.Key) error {
	if err := whereKey(r.db.WithContext(ctx), key).Delete(&models.WebhookSubscription{}).Error; err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}
	return nil
}
