package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/shipper/internal/core/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// setupRawTestStore returns the concrete store for tests that need to seed
// rows directly.
func setupRawTestStore(t *testing.T, lockTTL time.Duration) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", lockTTL)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// seedRun persists a run with an explicit step and creation time so ordering
// tests don't depend on the wall clock.
func seedRun(t *testing.T, s Store, environment string, step pipeline.Step, createdAt time.Time) *pipeline.Run {
	t.Helper()

	run := pipeline.NewRun(pipeline.TriggerCLI, "refs/heads/main")
	run.Environment = environment
	run.Step = step
	run.CreatedAt = createdAt.UTC()
	run.UpdatedAt = createdAt.UTC()
	if step == pipeline.StepStable || step == pipeline.StepFailed {
		finished := createdAt.UTC()
		run.FinishedAt = &finished
	}

	err := s.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return run
}

// =============================================================================
// Run CRUD Tests
// =============================================================================

func TestCreateRun_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun(pipeline.TriggerWebhook, "refs/heads/main")

	err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	retrieved, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, retrieved.ID)
	assert.Equal(t, pipeline.TriggerWebhook, retrieved.Trigger)
	assert.Equal(t, "refs/heads/main", retrieved.Ref)
	assert.Equal(t, pipeline.StepTriggered, retrieved.Step)
	assert.Empty(t, retrieved.ErrorMessage)
	assert.Nil(t, retrieved.FinishedAt)
	assert.WithinDuration(t, run.CreatedAt, retrieved.CreatedAt, time.Second)
	assert.WithinDuration(t, run.UpdatedAt, retrieved.UpdatedAt, time.Second)
}

func TestCreateRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun(pipeline.TriggerCLI, "refs/heads/main")
	err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	err = store.CreateRun(ctx, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCreateRun_FinishedRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun(pipeline.TriggerCLI, "refs/heads/feature/login")
	require.NoError(t, run.Fail("docker build failed"))

	err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	retrieved, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StepFailed, retrieved.Step)
	assert.Equal(t, "docker build failed", retrieved.ErrorMessage)
	require.NotNil(t, retrieved.FinishedAt)
	assert.WithinDuration(t, *run.FinishedAt, *retrieved.FinishedAt, time.Second)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing-run-id")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRun_InvalidTimestamp(t *testing.T) {
	store := setupRawTestStore(t, 0)

	_, err := store.db.Exec(
		`INSERT INTO pipeline_runs (id, triggered_by, ref, step, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"bad-run", "cli", "refs/heads/main", "triggered", "not-a-timestamp", "not-a-timestamp",
	)
	require.NoError(t, err)

	_, err = store.GetRun(context.Background(), "bad-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestUpdateRun_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun(pipeline.TriggerWebhook, "refs/heads/main")
	require.NoError(t, store.CreateRun(ctx, run))

	require.NoError(t, run.Advance(pipeline.StepEnvironmentResolved))
	run.Environment = "prod"
	run.Image = "123456789.dkr.ecr.us-east-1.amazonaws.com/game-jam:prod"
	run.PreviousTaskDefARN = "arn:aws:ecs:us-east-1:123456789:task-definition/game-jam-task-prod:7"
	run.NewTaskDefARN = "arn:aws:ecs:us-east-1:123456789:task-definition/game-jam-task-prod:8"

	err := store.UpdateRun(ctx, run)
	require.NoError(t, err)

	retrieved, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StepEnvironmentResolved, retrieved.Step)
	assert.Equal(t, "prod", retrieved.Environment)
	assert.Equal(t, run.Image, retrieved.Image)
	assert.Equal(t, run.PreviousTaskDefARN, retrieved.PreviousTaskDefARN)
	assert.Equal(t, run.NewTaskDefARN, retrieved.NewTaskDefARN)
}

func TestUpdateRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	run := pipeline.NewRun(pipeline.TriggerCLI, "refs/heads/main")

	err := store.UpdateRun(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Run Listing Tests
// =============================================================================

func TestListRuns_OrderedNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	now := time.Now().UTC()

	oldest := seedRun(t, store, "dev", pipeline.StepFailed, now.Add(-3*time.Hour))
	middle := seedRun(t, store, "prod", pipeline.StepStable, now.Add(-2*time.Hour))
	newest := seedRun(t, store, "dev", pipeline.StepStable, now.Add(-1*time.Hour))

	runs, err := store.ListRuns(context.Background(), DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, newest.ID, runs[0].ID)
	assert.Equal(t, middle.ID, runs[1].ID)
	assert.Equal(t, oldest.ID, runs[2].ID)
}

func TestListRuns_Pagination(t *testing.T) {
	store := setupTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		seedRun(t, store, "dev", pipeline.StepStable, now.Add(-time.Duration(i)*time.Hour))
	}

	page, err := store.ListRuns(context.Background(), ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestListRuns_Empty(t *testing.T) {
	store := setupTestStore(t)

	runs, err := store.ListRuns(context.Background(), DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestListRunsByEnvironment_FiltersOtherEnvironments(t *testing.T) {
	store := setupTestStore(t)
	now := time.Now().UTC()

	prodRun := seedRun(t, store, "prod", pipeline.StepStable, now.Add(-2*time.Hour))
	seedRun(t, store, "dev", pipeline.StepStable, now.Add(-1*time.Hour))

	runs, err := store.ListRunsByEnvironment(context.Background(), "prod", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, prodRun.ID, runs[0].ID)
}

func TestLatestSucceededRun_PicksNewestStable(t *testing.T) {
	store := setupTestStore(t)
	now := time.Now().UTC()

	seedRun(t, store, "prod", pipeline.StepStable, now.Add(-4*time.Hour))
	expected := seedRun(t, store, "prod", pipeline.StepStable, now.Add(-3*time.Hour))
	seedRun(t, store, "prod", pipeline.StepFailed, now.Add(-2*time.Hour))
	seedRun(t, store, "dev", pipeline.StepStable, now.Add(-1*time.Hour))

	run, err := store.LatestSucceededRun(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, expected.ID, run.ID)
	assert.Equal(t, pipeline.StepStable, run.Step)
}

func TestLatestSucceededRun_NoneFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.LatestSucceededRun(context.Background(), "prod")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestSucceededRun_IgnoresFailedRuns(t *testing.T) {
	store := setupTestStore(t)
	now := time.Now().UTC()

	seedRun(t, store, "dev", pipeline.StepFailed, now.Add(-2*time.Hour))
	seedRun(t, store, "dev", pipeline.StepFailed, now.Add(-1*time.Hour))

	_, err := store.LatestSucceededRun(context.Background(), "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Environment Lock Tests
// =============================================================================

func TestAcquireLock_Success(t *testing.T) {
	store := setupTestStore(t)

	err := store.AcquireLock(context.Background(), "prod", "run-1")
	require.NoError(t, err)
}

func TestAcquireLock_Contended(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "prod", "run-1"))

	err := store.AcquireLock(ctx, "prod", "run-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestAcquireLock_DifferentEnvironmentsIndependent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "prod", "run-1"))
	require.NoError(t, store.AcquireLock(ctx, "dev", "run-2"))
}

func TestAcquireLock_BreaksStaleLock(t *testing.T) {
	store := setupRawTestStore(t, 30*time.Minute)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	_, err := store.db.Exec(
		`INSERT INTO environment_locks (environment, holder, acquired_at) VALUES (?, ?, ?)`,
		"prod", "crashed-run", stale,
	)
	require.NoError(t, err)

	err = store.AcquireLock(ctx, "prod", "new-run")
	require.NoError(t, err)

	// The broken lock now belongs to the new holder.
	err = store.AcquireLock(ctx, "prod", "third-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestAcquireLock_LiveLockSurvivesTTLWindow(t *testing.T) {
	store := setupRawTestStore(t, 30*time.Minute)
	ctx := context.Background()

	recent := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	_, err := store.db.Exec(
		`INSERT INTO environment_locks (environment, holder, acquired_at) VALUES (?, ?, ?)`,
		"dev", "active-run", recent,
	)
	require.NoError(t, err)

	err = store.AcquireLock(ctx, "dev", "new-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestReleaseLock_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "prod", "run-1"))
	require.NoError(t, store.ReleaseLock(ctx, "prod", "run-1"))

	// Lock is free again.
	require.NoError(t, store.AcquireLock(ctx, "prod", "run-2"))
}

func TestReleaseLock_WrongHolder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "prod", "run-1"))

	err := store.ReleaseLock(ctx, "prod", "run-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseLock_NotHeld(t *testing.T) {
	store := setupTestStore(t)

	err := store.ReleaseLock(context.Background(), "dev", "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun(pipeline.TriggerCLI, "refs/heads/main")

	err := store.WithTx(ctx, func(txStore Store) error {
		return txStore.CreateRun(ctx, run)
	})
	require.NoError(t, err)

	retrieved, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, retrieved.ID)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := pipeline.NewRun(pipeline.TriggerCLI, "refs/heads/main")
	errBoom := errors.New("boom")

	err := store.WithTx(ctx, func(txStore Store) error {
		if err := txStore.CreateRun(ctx, run); err != nil {
			return err
		}
		return errBoom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	_, err = store.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
