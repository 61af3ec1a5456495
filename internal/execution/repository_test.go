package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
)

func setupRepo(t *testing.T) (*Repository, *db.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	configDir := t.TempDir()
	require.NoError(t, db.EnsureSeedFiles(configDir))
	pool, err := db.Open(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	require.NoError(t, db.Migrate(context.Background(), pool, configDir, log))

	store := db.NewStore(pool)
	return NewRepository(store), store
}

func insertSession(t *testing.T, store *db.Store, id string, endReason string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := store.Execute(ctx, `
		INSERT INTO sessions (id, conversation_id, role, mode, started_at, last_seen_at)
		VALUES (?, ?, 'chief', 'normal', ?, ?)
	`, id, "conv-"+id, now, now)
	require.NoError(t, err)
	if endReason != "" {
		_, err = store.Execute(ctx,
			`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ?`, now, endReason, id)
		require.NoError(t, err)
	}
}

func TestStartAndGet(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	e, err := repo.Start(ctx, "m-1", "inbox-triage", KindMission)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.True(t, e.Running())

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "inbox-triage", got.Slug)
	assert.Equal(t, KindMission, got.Kind)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.EndedAt)
}

func TestFinishRecordsOutcomeAndDuration(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	e, err := repo.Start(ctx, "d-1", "morning-brief", KindDuty)
	require.NoError(t, err)

	require.NoError(t, repo.Finish(ctx, e.ID, StatusCompleted, "all done", ""))

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.OutputSummary)
	assert.Equal(t, "all done", *got.OutputSummary)
	require.NotNil(t, got.DurationSeconds)
	assert.GreaterOrEqual(t, *got.DurationSeconds, 0.0)
}

func TestFinishOnlyClosesOnce(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	e, err := repo.Start(ctx, "d-1", "morning-brief", KindDuty)
	require.NoError(t, err)

	require.NoError(t, repo.Finish(ctx, e.ID, StatusCompleted, "", ""))
	require.NoError(t, repo.Finish(ctx, e.ID, StatusFailed, "", "late failure"))

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.Error)
}

func TestRunningExecutionsFiltersByKind(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Start(ctx, "m-1", "inbox-triage", KindMission)
	require.NoError(t, err)
	_, err = repo.Start(ctx, "d-1", "morning-brief", KindDuty)
	require.NoError(t, err)

	all, err := repo.RunningExecutions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	duties, err := repo.RunningExecutions(ctx, KindDuty)
	require.NoError(t, err)
	require.Len(t, duties, 1)
	assert.Equal(t, "morning-brief", duties[0].Slug)
}

func TestCloseOrphansInfersStatusFromSession(t *testing.T) {
	repo, store := setupRepo(t)
	ctx := context.Background()

	insertSession(t, store, "s-live", "")
	insertSession(t, store, "s-exit", "exit")
	insertSession(t, store, "s-crash", "crash")

	live, err := repo.Start(ctx, "m-1", "alive", KindMission)
	require.NoError(t, err)
	require.NoError(t, repo.LinkSession(ctx, live.ID, "s-live"))

	exited, err := repo.Start(ctx, "m-2", "exited", KindMission)
	require.NoError(t, err)
	require.NoError(t, repo.LinkSession(ctx, exited.ID, "s-exit"))

	crashed, err := repo.Start(ctx, "d-1", "crashed", KindDuty)
	require.NoError(t, err)
	require.NoError(t, repo.LinkSession(ctx, crashed.ID, "s-crash"))

	vanished, err := repo.Start(ctx, "m-3", "vanished", KindMission)
	require.NoError(t, err)

	closed, err := repo.CloseOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, closed)

	got, err := repo.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	got, err = repo.Get(ctx, exited.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	got, err = repo.Get(ctx, crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)

	got, err = repo.Get(ctx, vanished.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestStatusForEndReason(t *testing.T) {
	assert.Equal(t, StatusCompleted, StatusForEndReason("exit"))
	assert.Equal(t, StatusCompleted, StatusForEndReason("completed"))
	assert.Equal(t, StatusTimeout, StatusForEndReason("timeout"))
	assert.Equal(t, StatusFailed, StatusForEndReason("crash"))
	assert.Equal(t, StatusFailed, StatusForEndReason("error"))
	assert.Equal(t, StatusCancelled, StatusForEndReason("force_reset"))
}
