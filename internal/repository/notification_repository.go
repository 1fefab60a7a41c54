package repository

import (
	"context"
	"fmt"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create stores a notification for delivery
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ListBySubject retrieves notifications for a subject, newest first
func (r *NotificationRepository) ListBySubject(ctx context.Context, subjectID string) ([]models.Notification, error) {
	var notifications []models.Notification
	result := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC").
		Find(&notifications)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", result.Error)
	}
	return notifications, nil
}
