package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTokenHealthNotFound = errors.New("token health not found")

type TokenHealthRepository struct {
	db *gorm.DB
}

func NewTokenHealthRepository(db *gorm.DB) *TokenHealthRepository {
	return &TokenHealthRepository{db: db}
}

// Get retrieves the token health row for a key
func (r *TokenHealthRepository) Get(ctx context.Context, key models.Key) (*models.TokenHealth, error) {
	var health models.TokenHealth
	result := whereKey(r.db.WithContext(ctx), key).First(&health)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTokenHealthNotFound
		}
		return nil, fmt.Errorf("failed to get token health: %w", result.Error)
	}
	return &health, nil
}

// Save creates or replaces the token health row
func (r *TokenHealthRepository) Save(ctx context.Context, health *models.TokenHealth) error {
	if err := upsertByKey(r.db.WithContext(ctx)).Create(health).Error; err != nil {
		return fmt.Errorf("failed to save token health: %w", err)
	}
	return nil
}

// SaveIfValid creates or updates the row unless the stored status is already
// expired or revoked, and reports whether it wrote. An invalid status is only
// cleared by Reset.
func (r *TokenHealthRepository) SaveIfValid(ctx context.Context, health *models.TokenHealth) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: keyColumns,
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "last_checked_at", "expires_at", "last_error", "status_changed_at", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "token_health.status NOT IN (?, ?)",
				Vars: []interface{}{string(models.TokenStatusExpired), string(models.TokenStatusRevoked)},
			},
		}},
	}).Create(health)
	if result.Error != nil {
		return false, fmt.Errorf("failed to save token health: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Touch records a check without changing the status
func (r *TokenHealthRepository) Touch(ctx context.Context, key models.Key, now time.Time) error {
	result := whereKey(r.db.WithContext(ctx).Model(&models.TokenHealth{}), key).
		Updates(map[string]interface{}{
			"last_checked_at": now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to touch token health: %w", result.Error)
	}
	return nil
}

// Reset moves an expired or revoked key back to unknown after re-authorization
func (r *TokenHealthRepository) Reset(ctx context.Context, key models.Key, now time.Time) error {
	result := whereKey(r.db.WithContext(ctx).Model(&models.TokenHealth{}), key).
		Where("status IN ?", []string{string(models.TokenStatusExpired), string(models.TokenStatusRevoked)}).
		Updates(map[string]interface{}{
			"status":            models.TokenStatusUnknown,
			"last_error":        nil,
			"status_changed_at": now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reset token health: %w", result.Error)
	}
	return nil
}

// MarkInvalid moves a key into an invalid status and reports whether this call
// performed the transition. The conditional update makes the transition happen
// at most once even with concurrent callers.
func (r *TokenHealthRepository) MarkInvalid(ctx context.Context, key models.Key, status models.TokenStatus, reason string, now time.Time) (bool, error) {
	invalid := []string{string(models.TokenStatusRevoked), string(models.TokenStatusExpired)}

	result := whereKey(r.db.WithContext(ctx).Model(&models.TokenHealth{}), key).
		Where("status NOT IN ?", invalid).
		Updates(map[string]interface{}{
			"status":            status,
			"last_error":        reason,
			"last_checked_at":   now,
			"status_changed_at": now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark token invalid: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	_, err := r.Get(ctx, key)
	if errors.Is(err, ErrTokenHealthNotFound) {
		health := &models.TokenHealth{
			SubjectID:       key.SubjectID,
			Integration:     key.Integration,
			Status:          status,
			LastCheckedAt:   now,
			LastError:       &reason,
			StatusChangedAt: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := r.db.WithContext(ctx).Create(health).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return false, nil
			}
			return false, fmt.Errorf("failed to create token health: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	// Already invalid: keep the transition timestamp, record the latest reason.
	result = whereKey(r.db.WithContext(ctx).Model(&models.TokenHealth{}), key).
		Updates(map[string]interface{}{
			"status":          status,
			"last_error":      reason,
			"last_checked_at": now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update token error: %w", result.Error)
	}
	return false, nil
}

// ListByStatus retrieves token health rows with the given status, oldest check first
func (r *TokenHealthRepository) ListByStatus(ctx context.Context, status models.TokenStatus, limit int) ([]models.TokenHealth, error) {
	var rows []models.TokenHealth
	result := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("last_checked_at ASC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list token health: %w", result.Error)
	}
	return rows, nil
}

// CountByStatus counts token health rows in any of the given statuses
func (r *TokenHealthRepository) CountByStatus(ctx context.Context, statuses ...models.TokenStatus) (int64, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	var count int64
	result := r.db.WithContext(ctx).Model(&models.TokenHealth{}).Where("status IN ?", values).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count token health: %w", result.Error)
	}
	return count, nil
}

// Delete removes the token health row for a key
func (r *TokenHealthRepository) Delete(ctx context.Context, key models.Key) error {
	if err := whereKey(r.db.WithContext(ctx), key).Delete(&models.TokenHealth{}).Error; err != nil {
		return fmt.Errorf("failed to delete token health: %w", err)
	}
	return nil
}
