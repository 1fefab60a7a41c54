package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
)

var ErrCircuitStateNotFound = errors.New("circuit state not found")

type CircuitStateRepository struct {
	db *gorm.DB
}

func NewCircuitStateRepository(db *gorm.DB) *CircuitStateRepository {
	return &CircuitStateRepository{db: db}
}

// Get retrieves the breaker row for a key
func (r *CircuitStateRepository) Get(ctx context.Context, key models.Key) (*models.CircuitState, error) {
	var state models.CircuitState
	result := whereKey(r.db.WithContext(ctx), key).First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCircuitStateNotFound
		}
		return nil, fmt.Errorf("failed to get circuit state: %w", result.Error)
	}
	return &state, nil
}

// Save creates or replaces the breaker row
func (r *CircuitStateRepository) Save(ctx context.Context, state *models.CircuitState) error {
	if err := upsertByKey(r.db.WithContext(ctx)).Create(state).Error; err != nil {
		return fmt.Errorf("failed to save circuit state: %w", err)
	}
	return nil
}

// CountOpen counts breakers persisted as open, including those due for a trial
func (r *CircuitStateRepository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.CircuitState{}).
		Where("phase = ?", string(models.CircuitOpen)).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count open circuits: %w", result.Error)
	}
	return count, nil
}

// Delete removes the breaker row for a key
func (r *CircuitStateRepository) Delete(ctx context.Context, key models.Key) error {
	if err := whereKey(r.db.WithContext(ctx), key).Delete(&models.CircuitState{}).Error; err != nil {
		return fmt.Errorf("failed to delete circuit state: %w", err)
	}
	return nil
}
