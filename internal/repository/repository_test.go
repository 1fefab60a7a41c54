package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/kiwis-sync/internal/database"
	"github.com/vipul43/kiwis-sync/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testKey = models.Key{SubjectID: "user-1", Integration: models.IntegrationCalendar}

func TestTokenHealthRepository_MarkInvalidTransitionsOnce(t *testing.T) {
	repo := NewTokenHealthRepository(database.NewTestDB(t))
	ctx := context.Background()

	// no row yet: the first caller creates it in the invalid status
	transitioned, err := repo.MarkInvalid(ctx, testKey, models.TokenStatusRevoked, "invalid_grant", testNow)
	require.NoError(t, err)
	assert.True(t, transitioned)

	later := testNow.Add(time.Minute)
	transitioned, err = repo.MarkInvalid(ctx, testKey, models.TokenStatusRevoked, "unauthorized", later)
	require.NoError(t, err)
	assert.False(t, transitioned)

	health, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusRevoked, health.Status)
	assert.Equal(t, "unauthorized", *health.LastError)
	assert.WithinDuration(t, testNow, health.StatusChangedAt, 0)
	assert.WithinDuration(t, later, health.LastCheckedAt, 0)
}

func TestTokenHealthRepository_MarkInvalidFromValid(t *testing.T) {
	repo := NewTokenHealthRepository(database.NewTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.TokenHealth{
		SubjectID:       testKey.SubjectID,
		Integration:     testKey.Integration,
		Status:          models.TokenStatusValid,
		LastCheckedAt:   testNow,
		StatusChangedAt: testNow,
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}))

	transitioned, err := repo.MarkInvalid(ctx, testKey, models.TokenStatusExpired, "credential expired", testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, transitioned)

	count, err := repo.CountByStatus(ctx, models.TokenStatusExpired, models.TokenStatusRevoked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTokenHealthRepository_SaveIfValidKeepsInvalidStatus(t *testing.T) {
	repo := NewTokenHealthRepository(database.NewTestDB(t))
	ctx := context.Background()

	health := func(at time.Time) *models.TokenHealth {
		return &models.TokenHealth{
			SubjectID:       testKey.SubjectID,
			Integration:     testKey.Integration,
			Status:          models.TokenStatusValid,
			LastCheckedAt:   at,
			StatusChangedAt: testNow,
			CreatedAt:       testNow,
			UpdatedAt:       at,
		}
	}

	written, err := repo.SaveIfValid(ctx, health(testNow))
	require.NoError(t, err)
	assert.True(t, written)

	_, err = repo.MarkInvalid(ctx, testKey, models.TokenStatusRevoked, "unauthorized", testNow.Add(time.Minute))
	require.NoError(t, err)

	written, err = repo.SaveIfValid(ctx, health(testNow.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.False(t, written)

	stored, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusRevoked, stored.Status)

	later := testNow.Add(3 * time.Minute)
	require.NoError(t, repo.Touch(ctx, testKey, later))
	require.NoError(t, repo.Reset(ctx, testKey, later))

	stored, err = repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusUnknown, stored.Status)
	assert.Nil(t, stored.LastError)
	assert.WithinDuration(t, later, stored.LastCheckedAt, 0)

	written, err = repo.SaveIfValid(ctx, health(later))
	require.NoError(t, err)
	assert.True(t, written)
}

func TestSyncLeaseRepository_SingleHolder(t *testing.T) {
	repo := NewSyncLeaseRepository(database.NewTestDB(t))
	ctx := context.Background()

	acquired, err := repo.Acquire(ctx, testKey, "a", testNow, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = repo.Acquire(ctx, testKey, "b", testNow.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// releasing someone else's lease is a no-op
	require.NoError(t, repo.Release(ctx, testKey, "b"))
	acquired, err = repo.Acquire(ctx, testKey, "b", testNow.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	acquired, err = repo.Acquire(ctx, testKey, "b", testNow.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, repo.Release(ctx, testKey, "b"))
	acquired, err = repo.Acquire(ctx, testKey, "c", testNow.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestScheduleStateRepository_Due(t *testing.T) {
	repo := NewScheduleStateRepository(database.NewTestDB(t))
	ctx := context.Background()

	for i, offset := range []time.Duration{-time.Minute, 0, time.Minute} {
		require.NoError(t, repo.Save(ctx, &models.ScheduleState{
			SubjectID:   []string{"early", "now", "later"}[i],
			Integration: models.IntegrationContacts,
			NextRunAt:   testNow.Add(offset),
			UpdatedAt:   testNow,
		}))
	}
	require.NoError(t, repo.Save(ctx, &models.ScheduleState{
		SubjectID:   "early",
		Integration: models.IntegrationCalendar,
		NextRunAt:   testNow.Add(-time.Hour),
		UpdatedAt:   testNow,
	}))

	due, err := repo.Due(ctx, models.IntegrationContacts, testNow, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].SubjectID)
	assert.Equal(t, "now", due[1].SubjectID)
}

func TestSyncOutcomeRepository_CountsAndStaleKeys(t *testing.T) {
	db := database.NewTestDB(t)
	outcomes := NewSyncOutcomeRepository(db)
	schedules := NewScheduleStateRepository(db)
	tokens := NewTokenHealthRepository(db)
	ctx := context.Background()

	cutoff := testNow.Add(-7 * 24 * time.Hour)
	connectedAt := cutoff.Add(-time.Hour)
	keys := []models.Key{
		{SubjectID: "fresh", Integration: models.IntegrationContacts},
		{SubjectID: "stale", Integration: models.IntegrationContacts},
		{SubjectID: "new", Integration: models.IntegrationContacts},
	}
	for _, key := range keys {
		created := connectedAt
		if key.SubjectID == "new" {
			created = testNow
		}
		require.NoError(t, schedules.Save(ctx, &models.ScheduleState{SubjectID: key.SubjectID, Integration: key.Integration, NextRunAt: testNow, UpdatedAt: testNow}))
		require.NoError(t, tokens.Save(ctx, &models.TokenHealth{SubjectID: key.SubjectID, Integration: key.Integration, Status: models.TokenStatusValid, CreatedAt: created, UpdatedAt: created}))
	}

	records := []models.SyncOutcomeRecord{
		{ID: "1", SubjectID: "fresh", Integration: models.IntegrationContacts, Result: models.ResultSuccess, Trigger: models.TriggerScheduled, ExecutedAt: testNow.Add(-time.Hour)},
		{ID: "2", SubjectID: "stale", Integration: models.IntegrationContacts, Result: models.ResultSuccess, Trigger: models.TriggerScheduled, ExecutedAt: cutoff.Add(-time.Minute)},
		{ID: "3", SubjectID: "stale", Integration: models.IntegrationContacts, Result: models.ResultFailure, Trigger: models.TriggerScheduled, ExecutedAt: testNow.Add(-time.Hour)},
		{ID: "4", SubjectID: "new", Integration: models.IntegrationContacts, Result: models.ResultSkipped, Trigger: models.TriggerWebhook, ExecutedAt: testNow.Add(-time.Hour)},
	}
	for i := range records {
		require.NoError(t, outcomes.Create(ctx, &records[i]))
	}

	counts, err := outcomes.CountSince(ctx, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCounts{Success: 1, Failure: 1, Skipped: 1}, counts)

	stale, err := outcomes.StaleKeys(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.Key{keys[1]}, stale)

	last, err := outcomes.LastSuccessAt(ctx, keys[1])
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, cutoff.Add(-time.Minute), *last, 0)

	recent, err := outcomes.ListByKey(ctx, keys[1], 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "3", recent[0].ID)
}

func TestSyncCursorRepository_RoundTrip(t *testing.T) {
	repo := NewSyncCursorRepository(database.NewTestDB(t))
	ctx := context.Background()

	token, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, repo.Save(ctx, testKey, "sync-1"))
	require.NoError(t, repo.Save(ctx, testKey, "sync-2"))
	token, err = repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "sync-2", token)

	require.NoError(t, repo.Delete(ctx, testKey))
	token, err = repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Empty(t, token)
}
