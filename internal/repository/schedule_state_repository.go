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

var ErrScheduleStateNotFound = errors.New("schedule state not found")

type ScheduleStateRepository struct {
	db *gorm.DB
}

func NewScheduleStateRepository(db *gorm.DB) *ScheduleStateRepository {
	return &ScheduleStateRepository{db: db}
}

// Get retrieves the schedule row for a key
func (r *ScheduleStateRepository) Get(ctx context.Context, key models.Key) (*models.ScheduleState, error) {
	var state models.ScheduleState
	result := whereKey(r.db.WithContext(ctx), key).First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleStateNotFound
		}
		return nil, fmt.Errorf("failed to get schedule state: %w", result.Error)
	}
	return &state, nil
}

// Save creates or replaces the schedule row
func (r *ScheduleStateRepository) Save(ctx context.Context, state *models.ScheduleState) error {
	if err := upsertByKey(r.db.WithContext(ctx)).Create(state).Error; err != nil {
		return fmt.Errorf("failed to save schedule state: %w", err)
	}
	return nil
}

// Update writes only the named columns of state, so concurrent writers that
// own other columns are not overwritten. A key without a row gets the whole
// row created.
func (r *ScheduleStateRepository) Update(ctx context.Context, state *models.ScheduleState, columns ...string) error {
	result := whereKey(r.db.WithContext(ctx).Model(&models.ScheduleState{}), state.Key()).
		Select(columns).
		Updates(state)
	if result.Error != nil {
		return fmt.Errorf("failed to update schedule state: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{Columns: keyColumns, DoNothing: true}).Create(state).Error; err != nil {
		return fmt.Errorf("failed to create schedule state: %w", err)
	}
	return nil
}

// Due retrieves schedules for an integration whose next run is at or before now,
// oldest-due first
func (r *ScheduleStateRepository) Due(ctx context.Context, integration models.IntegrationKind, now time.Time, limit int) ([]models.ScheduleState, error) {
	var states []models.ScheduleState
	result := r.db.WithContext(ctx).
		Where("integration = ? AND next_run_at <= ?", string(integration), now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&states)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", result.Error)
	}
	return states, nil
}

// Delete removes the schedule row for a key
func (r *ScheduleStateRepository) Delete(ctx context.Context, key models.Key) error {
	if err := whereKey(r.db.WithContext(ctx), key).Delete(&models.ScheduleState{}).Error; err != nil {
		return fmt.Errorf("failed to delete schedule state: %w", err)
	}
	return nil
}
