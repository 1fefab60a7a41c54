package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SyncLeaseRepository struct {
	db *gorm.DB
}

func NewSyncLeaseRepository(db *gorm.DB) *SyncLeaseRepository {
	return &SyncLeaseRepository{db: db}
}

// Acquire takes the lease for a key if it is free or the previous holder's lease
// has lapsed. It is a single conditional upsert, so exactly one concurrent caller wins.
func (r *SyncLeaseRepository) Acquire(ctx context.Context, key models.Key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	lease := &models.SyncLease{
		SubjectID:   key.SubjectID,
		Integration: key.Integration,
		Holder:      holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   keyColumns,
		DoUpdates: clause.AssignmentColumns([]string{"holder", "acquired_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "sync_lease.expires_at <= ?", Vars: []interface{}{now}},
		}},
	}).Create(lease)
	if result.Error != nil {
		return false, fmt.Errorf("failed to acquire sync lease: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Release drops the lease if it is still held by holder
func (r *SyncLeaseRepository) Release(ctx context.Context, key models.Key, holder string) error {
	result := whereKey(r.db.WithContext(ctx), key).
		Where("holder = ?", holder).
		Delete(&models.SyncLease{})
	if result.Error != nil {
		return fmt.Errorf("failed to release sync lease: %w", result.Error)
	}
	return nil
}

// Delete removes any lease for a key regardless of holder
func (r *SyncLeaseRepository) Delete(ctx context.Context, key models.Key) error {
	if err := whereKey(r.db.WithContext(ctx), key).Delete(&models.SyncLease{}).Error; err != nil {
		return fmt.Errorf("failed to delete sync lease: %w", err)
	}
	return nil
}
