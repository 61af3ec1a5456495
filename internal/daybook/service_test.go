package daybook

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
	"github.com/chiefd/chiefd/internal/events/bus"
)

type daybookFixture struct {
	t      *testing.T
	svc    *Service
	repo   *Repository
	bus    *bus.MemoryEventBus
	tmpDir string
}

func setupDaybook(t *testing.T) *daybookFixture {
	t.Helper()
	ctx := context.Background()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "config")
	require.NoError(t, db.EnsureSeedFiles(configDir))
	pool, err := db.Open(filepath.Join(tmpDir, "system.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, db.Migrate(ctx, pool, configDir, log))

	cfg := &config.Config{}
	cfg.Home.Root = tmpDir
	cfg.Home.Timezone = "UTC"

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	repo := NewRepository(db.NewStore(pool))
	svc, err := NewService(repo, memBus, cfg, log)
	require.NoError(t, err)

	return &daybookFixture{t: t, svc: svc, repo: repo, bus: memBus, tmpDir: tmpDir}
}

func (fx *daybookFixture) collectEvents(pattern string) func() []string {
	var mu sync.Mutex
	var types []string
	_, err := fx.bus.Subscribe(pattern, func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(fx.t, err)
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), types...)
	}
}

func hasEvent(got func() []string, want string) func() bool {
	return func() bool {
		for _, e := range got() {
			if e == want {
				return true
			}
		}
		return false
	}
}

func (fx *daybookFixture) readToday() string {
	fx.t.Helper()
	data, err := os.ReadFile(filepath.Join(fx.tmpDir, "Desktop", "TODAY.md"))
	require.NoError(fx.t, err)
	return string(data)
}

func TestAddPriorityDefaultsAndOrdering(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()
	seen := fx.collectEvents("priority.>")

	ship, err := fx.svc.AddPriority(ctx, "", "Ship the quarterly report", "")
	require.NoError(t, err)
	assert.Equal(t, LevelMedium, ship.Level)
	assert.Equal(t, fx.svc.Today(), ship.Date)
	assert.Equal(t, 0, ship.Position)

	_, err = fx.svc.AddPriority(ctx, "", "Renew passport", LevelLow)
	require.NoError(t, err)
	_, err = fx.svc.AddPriority(ctx, "", "Prep board deck", LevelHigh)
	require.NoError(t, err)

	list, err := fx.svc.Priorities(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "Prep board deck", list[0].Content)
	assert.Equal(t, "Ship the quarterly report", list[1].Content)
	assert.Equal(t, "Renew passport", list[2].Content)

	assert.Eventually(t, hasEvent(seen, "priority.created"), time.Second, 10*time.Millisecond)

	today := fx.readToday()
	assert.Contains(t, today, "## Priorities")
	assert.Contains(t, today, "- [ ] (high) Prep board deck")
	assert.Contains(t, today, "- [ ] (medium) Ship the quarterly report")
}

func TestAddPriorityValidation(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()

	_, err := fx.svc.AddPriority(ctx, "", "   ", "")
	assert.Error(t, err)

	_, err = fx.svc.AddPriority(ctx, "", "Valid content", "urgent")
	assert.Error(t, err)

	_, err = fx.svc.AddPriority(ctx, "tomorrow", "Valid content", LevelHigh)
	assert.Error(t, err)
}

func TestCompletePriority(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()
	seen := fx.collectEvents("priority.>")

	p, err := fx.svc.AddPriority(ctx, "", "Water the plants", LevelLow)
	require.NoError(t, err)

	require.NoError(t, fx.svc.CompletePriority(ctx, p.ID))

	list, err := fx.svc.Priorities(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Completed)
	assert.Contains(t, fx.readToday(), "- [x] (low) Water the plants")
	assert.Eventually(t, hasEvent(seen, "priority.completed"), time.Second, 10*time.Millisecond)

	err = fx.svc.CompletePriority(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePriority(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()
	seen := fx.collectEvents("priority.>")

	keep, err := fx.svc.AddPriority(ctx, "", "Keep me", LevelMedium)
	require.NoError(t, err)
	drop, err := fx.svc.AddPriority(ctx, "", "Drop me", LevelMedium)
	require.NoError(t, err)

	require.NoError(t, fx.svc.DeletePriority(ctx, drop.ID))

	list, err := fx.svc.Priorities(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID, list[0].ID)
	assert.Eventually(t, hasEvent(seen, "priority.deleted"), time.Second, 10*time.Millisecond)

	err = fx.svc.DeletePriority(ctx, drop.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReorderPriorities(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()

	a, err := fx.svc.AddPriority(ctx, "", "First in", LevelMedium)
	require.NoError(t, err)
	b, err := fx.svc.AddPriority(ctx, "", "Second in", LevelMedium)
	require.NoError(t, err)
	c, err := fx.svc.AddPriority(ctx, "", "Third in", LevelMedium)
	require.NoError(t, err)

	require.NoError(t, fx.svc.ReorderPriorities(ctx, "", []string{c.ID, a.ID, b.ID}))

	list, err := fx.svc.Priorities(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "Third in", list[0].Content)
	assert.Equal(t, "First in", list[1].Content)
	assert.Equal(t, "Second in", list[2].Content)
}

func TestTimerLifecycle(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()

	_, err := fx.svc.StartTimer(ctx, "  ", 10, "")
	assert.Error(t, err)
	_, err = fx.svc.StartTimer(ctx, "tea", 0, "")
	assert.Error(t, err)

	timer, err := fx.svc.StartTimer(ctx, "Focus block", 50, "")
	require.NoError(t, err)
	assert.Nil(t, timer.SessionID)

	running, err := fx.svc.Timers(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.InDelta(t, (50 * time.Minute).Seconds(), running[0].Remaining(time.Now().UTC()).Seconds(), 60)

	lines, err := fx.svc.ContextLines(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Timer: Focus block")

	today := fx.readToday()
	assert.Contains(t, today, "## Timers")
	assert.Contains(t, today, "Focus block")

	require.NoError(t, fx.svc.StopTimer(ctx, timer.ID))
	running, err = fx.svc.Timers(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	err = fx.svc.StopTimer(ctx, timer.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredTimerSurfacesThenPrunes(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Ended two minutes ago: inside the mention window.
	_, err := fx.repo.CreateTimer(ctx, "Pasta", 10, "", now.Add(-12*time.Minute))
	require.NoError(t, err)
	// Ended over half an hour ago: too old to mention, pruned on read.
	stale, err := fx.repo.CreateTimer(ctx, "Stale", 5, "", now.Add(-40*time.Minute))
	require.NoError(t, err)

	lines, err := fx.svc.UrgentLines(ctx, now)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Timer finished: Pasta (10m)", lines[0])

	err = fx.repo.DeleteTimer(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReminderLifecycle(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := fx.svc.AddReminder(ctx, "  ", now, "")
	assert.Error(t, err)

	_, err = fx.svc.AddReminder(ctx, "Call the dentist", now.Add(30*time.Minute), "")
	require.NoError(t, err)

	urgent, err := fx.svc.UrgentLines(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, urgent)

	lines, err := fx.svc.ContextLines(ctx, now)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Upcoming reminder: Call the dentist")

	due, err := fx.svc.AddReminder(ctx, "Take medication", now.Add(-5*time.Minute), "")
	require.NoError(t, err)

	// Due reminders nag on every wake until dismissed.
	for i := 0; i < 2; i++ {
		urgent, err = fx.svc.UrgentLines(ctx, now)
		require.NoError(t, err)
		require.Len(t, urgent, 1)
		assert.Contains(t, urgent[0], "Reminder: Take medication")
	}

	assert.Contains(t, fx.readToday(), "## Reminders")

	require.NoError(t, fx.svc.DismissReminder(ctx, due.ID))
	urgent, err = fx.svc.UrgentLines(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, urgent)

	err = fx.svc.DismissReminder(ctx, due.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenderTodayEmptyState(t *testing.T) {
	fx := setupDaybook(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.RenderToday(ctx))

	today := fx.readToday()
	assert.Contains(t, today, "# ")
	assert.Contains(t, today, "Nothing planned yet.")
}
