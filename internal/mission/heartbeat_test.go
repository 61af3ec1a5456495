package mission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/adapters"
	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/settings"
)

type fakeSender struct {
	mu    sync.Mutex
	kinds []string
	msgs  []string
}

func (f *fakeSender) SendToChief(_ context.Context, kind, message string, _ map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.msgs = append(f.msgs, message)
	return true
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeSender) sentKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.kinds))
	copy(out, f.kinds)
	return out
}

type fakeAttention struct{ n int }

func (f *fakeAttention) PendingAttentionCount(context.Context, string) (int, error) {
	return f.n, nil
}

type fakeActivity struct{ idle float64 }

func (f *fakeActivity) IdleSeconds(context.Context) (float64, error) { return f.idle, nil }

func (f *fakeActivity) ActiveWindow(context.Context) (string, error) { return "Terminal", nil }

func (f *fakeActivity) ForegroundApps(context.Context, time.Duration) ([]adapters.AppUsage, error) {
	return []adapters.AppUsage{{App: "Terminal", Minutes: 12}}, nil
}

type fakeDaybook struct {
	due     []string
	running []string
}

func (f *fakeDaybook) UrgentLines(context.Context, time.Time) ([]string, error) {
	return f.due, nil
}

func (f *fakeDaybook) ContextLines(context.Context, time.Time) ([]string, error) {
	return f.running, nil
}

type fakeCalendar struct{ evs []adapters.CalendarEvent }

func (f *fakeCalendar) EventsBetween(_ context.Context, from, to time.Time) ([]adapters.CalendarEvent, error) {
	var out []adapters.CalendarEvent
	for _, ev := range f.evs {
		if ev.End.After(from) && ev.Start.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type heartbeatFixture struct {
	hb       *Heartbeat
	sender   *fakeSender
	settings *settings.Service
	sessions *session.Repository
	chiefID  string
}

func setupHeartbeat(t *testing.T, cal adapters.CalendarAdapter, act adapters.ActivityAdapter, att AttentionSource) *heartbeatFixture {
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

	sst := settings.NewService(store, log)
	sessions := session.NewRepository(store)

	chief := &session.Session{
		ID:             uuid.New().String(),
		ConversationID: session.EternalChiefConversation,
		Role:           session.RoleChief,
		Mode:           session.ModeNormal,
		WindowName:     "chief",
	}
	require.NoError(t, sessions.Create(context.Background(), chief))

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { memBus.Close() })

	cfg := &config.Config{}
	cfg.Home.Root = t.TempDir()
	cfg.Home.Timezone = "UTC"
	cfg.Scheduler.HeartbeatStartHour = 0
	cfg.Scheduler.HeartbeatEndHour = 23
	cfg.Scheduler.IdleThreshold = 10

	sender := &fakeSender{}
	hb, err := NewHeartbeat(sst, sessions, sender, cal, act, att, memBus, cfg, log)
	require.NoError(t, err)
	return &heartbeatFixture{hb: hb, sender: sender, settings: sst, sessions: sessions, chiefID: chief.ID}
}

func TestTickSuppressesDuringFocusEvent(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{evs: []adapters.CalendarEvent{{
		ID:    "ev-1",
		Title: "DS&A Practice",
		Start: now.Add(-30 * time.Minute),
		End:   now.Add(30 * time.Minute),
	}}}
	fx := setupHeartbeat(t, cal, &fakeActivity{idle: 600}, &fakeAttention{n: 3})
	ctx := context.Background()

	fx.hb.Tick(ctx, now)

	assert.Empty(t, fx.sender.sent(), "focus block stays silent even with pending work")
	last, ok := fx.settings.GetTime(ctx, settings.KeyLastHeartbeat)
	require.True(t, ok, "suppressed wake still advances the clock")
	assert.WithinDuration(t, now, last, time.Second)
}

func TestTickPreEventFiresOnce(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{evs: []adapters.CalendarEvent{{
		ID:    "ev-2",
		Title: "Team sync",
		Start: now.Add(7 * time.Minute),
		End:   now.Add(37 * time.Minute),
	}}}
	fx := setupHeartbeat(t, cal, &fakeActivity{idle: 600}, &fakeAttention{n: 0})
	ctx := context.Background()

	fx.hb.Tick(ctx, now)

	msgs := fx.sender.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Upcoming event")
	assert.Contains(t, msgs[0], `"Team sync" starts in 7 minutes`)
	assert.Contains(t, msgs[0], "Active window: Terminal")
	assert.Equal(t, []string{session.ChiefKindWake}, fx.sender.sentKinds())

	// Still inside the lead window a minute later, but the event is already
	// marked and nothing is pending, so Chief stays quiet.
	fx.hb.Tick(ctx, now.Add(time.Minute))
	assert.Len(t, fx.sender.sent(), 1)
}

func TestTickPostEventDebrief(t *testing.T) {
	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{evs: []adapters.CalendarEvent{{
		ID:    "ev-3",
		Title: "Standup",
		Start: now.Add(-32 * time.Minute),
		End:   now.Add(-2 * time.Minute),
	}}}
	fx := setupHeartbeat(t, cal, &fakeActivity{idle: 600}, &fakeAttention{n: 0})

	fx.hb.Tick(context.Background(), now)

	msgs := fx.sender.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Event just ended")
	assert.Contains(t, msgs[0], `"Standup" ended 2 minutes ago`)
}

func TestTickHeartbeatNeedsPendingWork(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	att := &fakeAttention{n: 0}
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, att)
	ctx := context.Background()

	fx.hb.Tick(ctx, now)
	assert.Empty(t, fx.sender.sent(), "nothing to report, no wake")

	att.n = 2
	fx.hb.Tick(ctx, now.Add(time.Second))

	msgs := fx.sender.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Heartbeat")
	assert.Contains(t, msgs[0], "Worker results awaiting review: 2")
	assert.Contains(t, msgs[0], "Foreground apps (15m): Terminal 12m")
	assert.Contains(t, msgs[0], "Sessions:")
}

func TestTickDaybookUrgencyWakes(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, &fakeAttention{n: 0})
	ctx := context.Background()

	day := &fakeDaybook{}
	fx.hb.SetDaybook(day)

	fx.hb.Tick(ctx, now)
	assert.Empty(t, fx.sender.sent(), "quiet daybook adds nothing to report")

	// An expired timer is reason enough to wake even with zero pending work.
	day.due = []string{"Timer finished: Pasta (10m)"}
	day.running = []string{"Timer: Deep work — 42m left"}
	fx.hb.Tick(ctx, now.Add(time.Second))

	msgs := fx.sender.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Heartbeat")
	assert.Contains(t, msgs[0], "Due now:\n- Timer finished: Pasta (10m)")
	assert.Contains(t, msgs[0], "Running:\n- Timer: Deep work — 42m left")
}

func TestTickHonorsWakeInterval(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, &fakeAttention{n: 1})
	ctx := context.Background()

	fx.hb.Tick(ctx, now)
	require.Len(t, fx.sender.sent(), 1)

	fx.hb.Tick(ctx, now.Add(5*time.Minute))
	assert.Len(t, fx.sender.sent(), 1, "default interval is 15 minutes")

	fx.hb.Tick(ctx, now.Add(16*time.Minute))
	assert.Len(t, fx.sender.sent(), 2)
}

func TestTickSkipsWhenUserActive(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 3}, &fakeAttention{n: 5})

	fx.hb.Tick(context.Background(), now)

	assert.Empty(t, fx.sender.sent())
}

func TestTickOutsideWakeHours(t *testing.T) {
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, &fakeAttention{n: 5})
	fx.hb.cfg.Scheduler.HeartbeatStartHour = 7
	fx.hb.cfg.Scheduler.HeartbeatEndHour = 23

	fx.hb.Tick(context.Background(), time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC))

	assert.Empty(t, fx.sender.sent())
}

func TestTickRespectsPause(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, &fakeAttention{n: 5})
	ctx := context.Background()

	require.NoError(t, fx.settings.SetTime(ctx, settings.KeyWakePauseUntil, now.Add(time.Hour)))
	fx.hb.Tick(ctx, now)
	assert.Empty(t, fx.sender.sent())

	// Pause expired: wakes resume.
	require.NoError(t, fx.settings.SetTime(ctx, settings.KeyWakePauseUntil, now.Add(-time.Hour)))
	fx.hb.Tick(ctx, now)
	assert.Len(t, fx.sender.sent(), 1)
}

func TestTickRespectsExpiredWakeWindow(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, &fakeAttention{n: 5})
	ctx := context.Background()

	require.NoError(t, fx.settings.SetTime(ctx, settings.KeyWakeWindowUntil, now.Add(-time.Minute)))
	fx.hb.Tick(ctx, now)
	assert.Empty(t, fx.sender.sent())

	require.NoError(t, fx.settings.SetTime(ctx, settings.KeyWakeWindowUntil, now.Add(time.Hour)))
	fx.hb.Tick(ctx, now)
	assert.Len(t, fx.sender.sent(), 1)
}

func TestTickDisabledBySetting(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, &fakeAttention{n: 5})
	ctx := context.Background()

	require.NoError(t, fx.settings.Set(ctx, settings.KeyHeartbeatEnabled, "false"))

	fx.hb.Tick(ctx, now)

	assert.Empty(t, fx.sender.sent())
}

func TestTickNeedsLiveChief(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	fx := setupHeartbeat(t, &fakeCalendar{}, &fakeActivity{idle: 600}, &fakeAttention{n: 5})
	ctx := context.Background()

	require.NoError(t, fx.sessions.End(ctx, fx.chiefID, session.EndReasonExit))

	fx.hb.Tick(ctx, now)

	assert.Empty(t, fx.sender.sent())
}

func TestClassifyWake(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	ev := func(id, title string, start, end time.Time) adapters.CalendarEvent {
		return adapters.CalendarEvent{ID: id, Title: title, Start: start, End: end}
	}

	// Active focus block suppresses.
	class, got := classifyWake(now, []adapters.CalendarEvent{
		ev("a", "Leetcode grind", now.Add(-10*time.Minute), now.Add(20*time.Minute)),
	})
	assert.Equal(t, classSuppress, class)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID)

	// Active non-focus event: just a heartbeat.
	class, _ = classifyWake(now, []adapters.CalendarEvent{
		ev("b", "1:1 with Sam", now.Add(-10*time.Minute), now.Add(20*time.Minute)),
	})
	assert.Equal(t, classHeartbeat, class)

	// Event starting within the lead window.
	class, got = classifyWake(now, []adapters.CalendarEvent{
		ev("c", "Dentist", now.Add(6*time.Minute), now.Add(time.Hour)),
	})
	assert.Equal(t, classPreEvent, class)
	assert.Equal(t, "c", got.ID)

	// Too far out.
	class, _ = classifyWake(now, []adapters.CalendarEvent{
		ev("d", "Dentist", now.Add(20*time.Minute), now.Add(time.Hour)),
	})
	assert.Equal(t, classHeartbeat, class)

	// Recently ended event.
	class, got = classifyWake(now, []adapters.CalendarEvent{
		ev("e", "Standup", now.Add(-30*time.Minute), now.Add(-3*time.Minute)),
	})
	assert.Equal(t, classPostEvent, class)
	assert.Equal(t, "e", got.ID)

	// Ended too long ago.
	class, _ = classifyWake(now, []adapters.CalendarEvent{
		ev("f", "Standup", now.Add(-40*time.Minute), now.Add(-10*time.Minute)),
	})
	assert.Equal(t, classHeartbeat, class)

	// Focus wins over an upcoming event.
	class, got = classifyWake(now, []adapters.CalendarEvent{
		ev("g", "Interview prep", now.Add(-5*time.Minute), now.Add(25*time.Minute)),
		ev("h", "Dentist", now.Add(7*time.Minute), now.Add(time.Hour)),
	})
	assert.Equal(t, classSuppress, class)
	assert.Equal(t, "g", got.ID)
}
