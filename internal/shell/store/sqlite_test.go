package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestDeployment(t *testing.T, store Store) *domain.Deployment {
	t.Helper()
	deployment := domain.NewDeployment("production", "/releases/app-1.4.2.tar.gz", domain.StrategySerial)
	require.NoError(t, store.CreateDeployment(context.Background(), deployment))
	return deployment
}

// =============================================================================
// Deployment CRUD Tests
// =============================================================================

func TestCreateAndGetDeployment(t *testing.T) {
	store := setupTestStore(t)
	deployment := createTestDeployment(t, store)

	got, err := store.GetDeployment(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.ID, got.ID)
	assert.Equal(t, "production", got.Group)
	assert.Equal(t, "/releases/app-1.4.2.tar.gz", got.Artifact)
	assert.Equal(t, domain.StrategySerial, got.Strategy)
	assert.Equal(t, domain.ResultRunning, got.Result)
	assert.Nil(t, got.FinishedAt)
}

func TestCreateDeploymentDuplicateID(t *testing.T) {
	store := setupTestStore(t)
	deployment := createTestDeployment(t, store)

	err := store.CreateDeployment(context.Background(), deployment)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetDeploymentNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetDeployment(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "GetDeployment", storeErr.Op)
}

func TestUpdateDeploymentPersistsOutcomes(t *testing.T) {
	store := setupTestStore(t)
	deployment := createTestDeployment(t, store)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, deployment.RecordOutcome(domain.HostOutcome{
		Host:       "web-1",
		State:      domain.HostCommitted,
		BackupID:   "bk-1",
		StartedAt:  now,
		FinishedAt: now.Add(time.Minute),
	}))
	require.NoError(t, deployment.RecordOutcome(domain.HostOutcome{
		Host:       "web-2",
		State:      domain.HostRolledBack,
		BackupID:   "bk-2",
		Cause:      "health gate exhausted",
		StartedAt:  now,
		FinishedAt: now.Add(2 * time.Minute),
	}))
	deployment.Finalize(false)

	require.NoError(t, store.UpdateDeployment(context.Background(), deployment))

	got, err := store.GetDeployment(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPartiallyFailed, got.Result)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, domain.HostCommitted, got.Outcomes[0].State)
	assert.Equal(t, "health gate exhausted", got.Outcomes[1].Cause)
}

func TestListDeploymentsByGroup(t *testing.T) {
	store := setupTestStore(t)
	createTestDeployment(t, store)

	staging := domain.NewDeployment("staging", "/releases/app-1.4.2.tar.gz", domain.StrategyCanary)
	require.NoError(t, store.CreateDeployment(context.Background(), staging))

	all, err := store.ListDeployments(context.Background(), DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	prod, err := store.ListDeploymentsByGroup(context.Background(), "production", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, prod, 1)
	assert.Equal(t, "production", prod[0].Group)
}

// =============================================================================
// Group Lock Tests
// =============================================================================

func TestAcquireLockBlocksSecondRollout(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "production", "dep-1"))

	err := store.AcquireLock(ctx, "production", "dep-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)

	// Different group is unaffected.
	require.NoError(t, store.AcquireLock(ctx, "staging", "dep-3"))
}

func TestReleaseLockFreesGroup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "production", "dep-1"))
	require.NoError(t, store.ReleaseLock(ctx, "production"))
	require.NoError(t, store.AcquireLock(ctx, "production", "dep-2"))
}

func TestHeldLock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	holder, err := store.HeldLock(ctx, "production")
	require.NoError(t, err)
	assert.Empty(t, holder)

	require.NoError(t, store.AcquireLock(ctx, "production", "dep-1"))
	holder, err = store.HeldLock(ctx, "production")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", holder)
}

func TestReleaseLockIdempotent(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.ReleaseLock(context.Background(), "production"))
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTxRollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployment := domain.NewDeployment("production", "/releases/app.tar.gz", domain.StrategyBatch)
	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateDeployment(ctx, deployment); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = store.GetDeployment(ctx, deployment.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxCommits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployment := domain.NewDeployment("production", "/releases/app.tar.gz", domain.StrategyBatch)
	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateDeployment(ctx, deployment); err != nil {
			return err
		}
		return tx.AcquireLock(ctx, "production", deployment.ID)
	})
	require.NoError(t, err)

	got, err := store.GetDeployment(ctx, deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.ID, got.ID)

	holder, err := store.HeldLock(ctx, "production")
	require.NoError(t, err)
	assert.Equal(t, deployment.ID, holder)
}
