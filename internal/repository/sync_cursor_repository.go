package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
)

type SyncCursorRepository struct {
	db *gorm.DB
}

func NewSyncCursorRepository(db *gorm.DB) *SyncCursorRepository {
	return &SyncCursorRepository{db: db}
}

// Get returns the stored sync token for a key, or "" when a full sync is needed
func (r *SyncCursorRepository) Get(ctx context.Context, key models.Key) (string, error) {
	var cursor models.SyncCursor
	result := whereKey(r.db.WithContext(ctx), key).First(&cursor)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get sync cursor: %w", result.Error)
	}
	return cursor.Token, nil
}

// Save stores the sync token for a key
func (r *SyncCursorRepository) Save(ctx context.Context, key models.Key, token string) error {
	cursor := &models.SyncCursor{
		SubjectID:   key.SubjectID,
		Integration: key.Integration,
		Token:       token,
		UpdatedAt:   time.Now(),
	}
	if err := upsertByKey(r.db.WithContext(ctx)).Create(cursor).Error; err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// Delete removes the sync token for a key
func (r *SyncCursorRepository) Delete(ctx context.Context, key models.Key) error {
	if err := whereKey(r.db.WithContext(ctx), key).Delete(&models.SyncCursor{}).Error; err != nil {
		return fmt.Errorf("failed to delete sync cursor: %w", err)
	}
	return nil
}
