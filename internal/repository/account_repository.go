package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByUserAndProvider retrieves the newest account a user linked for a provider
func (r *AccountRepository) GetByUserAndProvider(ctx context.Context, userID, providerID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).
		Where(`"userId" = ? AND "providerId" = ?`, userID, providerID).
		Order(`"updatedAt" DESC`).
		First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// UpdateTokens updates access token, refresh token, and their expiry times.
// A nil refreshTokenExpiresAt leaves the stored refresh expiry untouched.
func (r *AccountRepository) UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time, refreshTokenExpiresAt *time.Time) error {
	updates := map[string]interface{}{
		"accessToken":          accessToken,
		"refreshToken":         refreshToken,
		"accessTokenExpiresAt": accessTokenExpiresAt,
		"updatedAt":            time.Now(),
	}
	if refreshTokenExpiresAt != nil {
		updates["refreshTokenExpiresAt"] = *refreshTokenExpiresAt
	}

	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}
