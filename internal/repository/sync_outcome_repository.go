package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
)

type SyncOutcomeRepository struct {
	db *gorm.DB
}

func NewSyncOutcomeRepository(db *gorm.DB) *SyncOutcomeRepository {
	return &SyncOutcomeRepository{db: db}
}

// OutcomeCounts holds attempt counts per result over a window
type OutcomeCounts struct {
	Success int64
	Failure int64
	Skipped int64
}

// Create appends an outcome record
func (r *SyncOutcomeRepository) Create(ctx context.Context, record *models.SyncOutcomeRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create sync outcome: %w", err)
	}
	return nil
}

// ListByKey retrieves the most recent outcomes for a key, newest first
func (r *SyncOutcomeRepository) ListByKey(ctx context.Context, key models.Key, limit int) ([]models.SyncOutcomeRecord, error) {
	var records []models.SyncOutcomeRecord
	result := whereKey(r.db.WithContext(ctx), key).
		Order("executed_at DESC").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list sync outcomes: %w", result.Error)
	}
	return records, nil
}

// LastSuccessAt returns when the key last synced successfully, or nil if never
func (r *SyncOutcomeRepository) LastSuccessAt(ctx context.Context, key models.Key) (*time.Time, error) {
	var record models.SyncOutcomeRecord
	result := whereKey(r.db.WithContext(ctx), key).
		Where("result = ?", string(models.ResultSuccess)).
		Order("executed_at DESC").
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last success: %w", result.Error)
	}
	return &record.ExecutedAt, nil
}

// CountSince counts outcomes per result executed at or after since
func (r *SyncOutcomeRepository) CountSince(ctx context.Context, since time.Time) (OutcomeCounts, error) {
	var rows []struct {
		Result string
		Count  int64
	}
	result := r.db.WithContext(ctx).Model(&models.SyncOutcomeRecord{}).
		Select("result, COUNT(*) AS count").
		Where("executed_at >= ?", since).
		Group("result").
		Scan(&rows)
	if result.Error != nil {
		return OutcomeCounts{}, fmt.Errorf("failed to count sync outcomes: %w", result.Error)
	}

	var counts OutcomeCounts
	for _, row := range rows {
		switch models.SyncResult(row.Result) {
		case models.ResultSuccess:
			counts.Success = row.Count
		case models.ResultFailure:
			counts.Failure = row.Count
		case models.ResultSkipped:
			counts.Skipped = row.Count
		}
	}
	return counts, nil
}

// StaleKeys lists keys connected before the cutoff with no successful sync since then
func (r *SyncOutcomeRepository) StaleKeys(ctx context.Context, cutoff time.Time, limit int) ([]models.Key, error) {
	query := `
		SELECT s.subject_id, s.integration
		FROM schedule_state s
		JOIN token_health t ON t.subject_id = s.subject_id AND t.integration = s.integration
		WHERE t.created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM sync_outcome o
			WHERE o.subject_id = s.subject_id AND o.integration = s.integration
			  AND o.result = ? AND o.executed_at >= ?
		)
		ORDER BY s.subject_id, s.integration
		LIMIT ?
	`

	var rows []struct {
		SubjectID   string
		Integration string
	}
	if err := r.db.WithContext(ctx).Raw(query, cutoff, string(models.ResultSuccess), cutoff, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query stale keys: %w", err)
	}

	keys := make([]models.Key, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, models.Key{SubjectID: row.SubjectID, Integration: models.IntegrationKind(row.Integration)})
	}
	return keys, nil
}
