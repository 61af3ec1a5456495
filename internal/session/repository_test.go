package session

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "config")
	require.NoError(t, db.EnsureSeedFiles(configDir))

	pool, err := db.Open(filepath.Join(tmpDir, "system.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, db.Migrate(context.Background(), pool, configDir, testLogger(t)))

	return NewRepository(db.NewStore(pool))
}

func TestCreateAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	sess := &Session{
		ConversationID:   EternalChiefConversation,
		Role:             RoleChief,
		Mode:             ModeNormal,
		WindowName:       "chief",
		WorkingDir:       "/home/u/chief",
		TranscriptPath:   "/home/u/.claude/projects/x/abc.jsonl",
		AgentSessionUUID: "abc",
	}
	require.NoError(t, repo.Create(ctx, sess))
	require.NotEmpty(t, sess.ID)

	got, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, EternalChiefConversation, got.ConversationID)
	assert.Equal(t, RoleChief, got.Role)
	assert.Equal(t, StateIdle, got.State)
	assert.True(t, got.Active())
	assert.Nil(t, got.ParentSessionID)
}

func TestGetMissing(t *testing.T) {
	repo := setupRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOneActiveSessionPerConversation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	first := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	require.NoError(t, repo.Create(ctx, first))

	second := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	err := repo.Create(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConversationBusy))

	// Once the first ends, a successor may claim the conversation.
	require.NoError(t, repo.End(ctx, first.ID, EndReasonExit))
	second.ID = ""
	require.NoError(t, repo.Create(ctx, second))
}

func TestEndAllInConversation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	sess := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	require.NoError(t, repo.Create(ctx, sess))

	n, err := repo.EndAllInConversation(ctx, "chief", EndReasonForceReset)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
	require.NotNil(t, got.EndReason)
	assert.Equal(t, EndReasonForceReset, *got.EndReason)

	// Nothing left to end.
	n, err = repo.EndAllInConversation(ctx, "chief", EndReasonForceReset)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActiveByConversation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.ActiveByConversation(ctx, "chief")
	assert.True(t, errors.Is(err, ErrNotFound))

	sess := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	require.NoError(t, repo.Create(ctx, sess))

	got, err := repo.ActiveByConversation(ctx, "chief")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestStaleActive(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	old := &Session{
		ConversationID: "20260825-0700-researcher-ab12",
		Role:           "researcher",
		Mode:           ModeMission,
		LastSeenAt:     time.Now().UTC().Add(-3 * time.Hour),
	}
	require.NoError(t, repo.Create(ctx, old))

	fresh := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	require.NoError(t, repo.Create(ctx, fresh))

	stale, err := repo.StaleActive(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestUpdateStatusAndTouch(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	sess := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	require.NoError(t, repo.Create(ctx, sess))

	require.NoError(t, repo.UpdateStatus(ctx, sess.ID, StateActive, "drafting the morning brief"))
	got, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, "drafting the morning brief", got.StatusText)

	// Text-only update keeps the state where it is.
	require.NoError(t, repo.SetStatusText(ctx, sess.ID, "polishing the wording"))
	got, err = repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, "polishing the wording", got.StatusText)

	require.NoError(t, repo.End(ctx, sess.ID, EndReasonExit))
	err = repo.UpdateStatus(ctx, sess.ID, StateIdle, "")
	assert.True(t, errors.Is(err, ErrNotFound))
	err = repo.SetStatusText(ctx, sess.ID, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestByPane(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	sess := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	require.NoError(t, repo.Create(ctx, sess))
	require.NoError(t, repo.UpdatePane(ctx, sess.ID, "%12"))

	got, err := repo.ByPane(ctx, "%12")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = repo.ByPane(ctx, "%99")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Ended sessions no longer own their pane.
	require.NoError(t, repo.End(ctx, sess.ID, EndReasonExit))
	_, err = repo.ByPane(ctx, "%12")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHandoffRecordLifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	sess := &Session{ConversationID: "chief", Role: RoleChief, Mode: ModeNormal}
	require.NoError(t, repo.Create(ctx, sess))

	h := &Handoff{
		SessionID:    sess.ID,
		Role:         sess.Role,
		Mode:         sess.Mode,
		DocumentPath: "/home/u/chief/Desktop/sessions/handoff.md",
		Reason:       "context window exhausted",
	}
	require.NoError(t, repo.CreateHandoff(ctx, h))

	got, err := repo.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, HandoffExecuting, got.Status)

	require.NoError(t, repo.CompleteHandoff(ctx, h.ID, "new-session-id"))
	got, err = repo.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, HandoffCompleted, got.Status)
	require.NotNil(t, got.NewSessionID)
	assert.Equal(t, "new-session-id", *got.NewSessionID)
	assert.NotNil(t, got.CompletedAt)
}

func TestNewConversationIDFormat(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	now := time.Date(2026, 8, 25, 7, 30, 0, 0, loc)

	id := NewConversationID("Research Agent", now)
	assert.Regexp(t, regexp.MustCompile(`^20260825-0730-research-agent-[0-9a-f]{4}$`), id)

	// Two IDs in the same minute must differ.
	other := NewConversationID("Research Agent", now)
	assert.NotEqual(t, id, other)
}
