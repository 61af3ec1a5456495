package messaging

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/adapters"
	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/settings"
	"github.com/chiefd/chiefd/internal/worker"
)

type sentText struct {
	Window     string
	Text       string
	PressEnter bool
}

// recordingSender stands in for the tmux driver.
type recordingSender struct {
	mu    sync.Mutex
	sends []sentText
	fail  bool
}

func (r *recordingSender) SendText(ctx context.Context, window, text string, pressEnter bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("pane is gone")
	}
	r.sends = append(r.sends, sentText{Window: window, Text: text, PressEnter: pressEnter})
	return nil
}

func (r *recordingSender) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *recordingSender) sent() []sentText {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentText(nil), r.sends...)
}

// recordingEmailer stands in for the platform email adapter.
type recordingEmailer struct {
	mu   sync.Mutex
	sent []adapters.OutboundEmail
	err  error
}

func (r *recordingEmailer) Send(ctx context.Context, email adapters.OutboundEmail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, email)
	return nil
}

func (r *recordingEmailer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingEmailer) delivered() []adapters.OutboundEmail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]adapters.OutboundEmail(nil), r.sent...)
}

type messagingFixture struct {
	t        *testing.T
	svc      *Service
	repo     *Repository
	sessions *session.Repository
	workers  *worker.Repository
	settings *settings.Service
	sender   *recordingSender
	emailer  *recordingEmailer
	bus      *bus.MemoryEventBus
}

func setupMessaging(t *testing.T) *messagingFixture {
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
	store := db.NewStore(pool)

	cfg := &config.Config{}
	cfg.Home.Root = tmpDir
	cfg.Home.Timezone = "UTC"

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	sender := &recordingSender{}
	emailer := &recordingEmailer{}
	repo := NewRepository(store)
	sessions := session.NewRepository(store)
	sst := settings.NewService(store, log)

	svc, err := NewService(repo, sessions, sender, sst, emailer, memBus, cfg, log)
	require.NoError(t, err)
	svc.promptSettleWait = time.Millisecond
	svc.dispatchInterval = 20 * time.Millisecond

	return &messagingFixture{
		t:        t,
		svc:      svc,
		repo:     repo,
		sessions: sessions,
		workers:  worker.NewRepository(store),
		settings: sst,
		sender:   sender,
		emailer:  emailer,
		bus:      memBus,
	}
}

func (fx *messagingFixture) activeSession(conversationID, window string) *session.Session {
	fx.t.Helper()
	sess := &session.Session{
		ConversationID: conversationID,
		Role:           session.RoleChief,
		Mode:           session.ModeNormal,
		WindowName:     window,
		WorkingDir:     fx.t.TempDir(),
	}
	require.NoError(fx.t, fx.sessions.Create(context.Background(), sess))
	return sess
}

// finishedWorker enqueues a worker and completes it with a result report, the
// state the executor leaves behind after a successful run.
func (fx *messagingFixture) finishedWorker(conversationID, summary string) *worker.Worker {
	fx.t.Helper()
	ctx := context.Background()
	w, err := fx.workers.Enqueue(ctx, worker.EnqueueOptions{
		TaskType:       "generic",
		Params:         map[string]interface{}{"task": summary},
		ConversationID: conversationID,
	})
	require.NoError(fx.t, err)
	require.NoError(fx.t, fx.workers.WriteReport(ctx, worker.Report{
		WorkerID: w.ID,
		Status:   worker.ReportComplete,
		Summary:  summary,
		Body:     summary,
	}))
	return w
}

func (fx *messagingFixture) collectEvents(pattern string) func() []string {
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

func TestWakeAnnouncesThenReminds(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	seen := fx.collectEvents("notification.>")

	fx.activeSession("chief", "chief")
	w1 := fx.finishedWorker("chief", "Researched Acme Corp")
	w2 := fx.finishedWorker("chief", "Drafted the board memo")

	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))

	sends := fx.sender.sent()
	require.Len(t, sends, 1)
	require.Equal(t, "chief", sends[0].Window)
	require.True(t, sends[0].PressEnter)
	assert.Contains(t, sends[0].Text, "2 new results ready")
	assert.Contains(t, sends[0].Text, w1.ShortID)
	assert.Contains(t, sends[0].Text, "Researched Acme Corp")
	assert.Contains(t, sends[0].Text, w2.ShortID)
	require.Eventually(t, hasEvent(seen, "notification.delivered"), time.Second, 10*time.Millisecond)

	// Same results again: a reminder, not a re-announcement.
	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	sends = fx.sender.sent()
	require.Len(t, sends, 2)
	assert.Contains(t, sends[1].Text, "reminder: 2 results still unacked")
	assert.NotContains(t, sends[1].Text, "new results ready")

	// Acknowledged results stop making noise entirely.
	require.NoError(t, fx.workers.Acknowledge(ctx, w1.ID))
	require.NoError(t, fx.workers.Acknowledge(ctx, w2.ID))
	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	assert.Len(t, fx.sender.sent(), 2)
}

func TestWakeWithoutActiveSessionIsNoOp(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	seen := fx.collectEvents("notification.>")

	fx.finishedWorker("chief", "Researched Acme Corp")

	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	assert.Empty(t, fx.sender.sent())
	require.Eventually(t, hasEvent(seen, "notification.skipped"), time.Second, 10*time.Millisecond)
}

func TestWakeSkipsParentsOfDependentChildren(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	fx.activeSession("chief", "chief")
	parent := fx.finishedWorker("chief", "Gathered raw filings")
	child, err := fx.workers.Enqueue(ctx, worker.EnqueueOptions{
		TaskType:       "generic",
		Params:         map[string]interface{}{"task": "synthesize"},
		ConversationID: "chief",
		DependsOn:      []string{parent.ID},
	})
	require.NoError(t, err)
	require.NoError(t, fx.workers.WriteReport(ctx, worker.Report{
		WorkerID: child.ID,
		Status:   worker.ReportComplete,
		Summary:  "Synthesized the filings",
	}))

	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))

	sends := fx.sender.sent()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "1 new result ready")
	assert.Contains(t, sends[0].Text, "Synthesized the filings")
	assert.NotContains(t, sends[0].Text, "Gathered raw filings")
}

func TestWakeHonorsSnooze(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	fx.activeSession("chief", "chief")
	w := fx.finishedWorker("chief", "Researched Acme Corp")
	require.NoError(t, fx.workers.SnoozeAttention(ctx, w.ID, time.Now().UTC().Add(time.Hour)))

	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	assert.Empty(t, fx.sender.sent())

	// Snooze expired: the result surfaces again.
	require.NoError(t, fx.workers.SnoozeAttention(ctx, w.ID, time.Now().UTC().Add(-time.Minute)))
	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	sends := fx.sender.sent()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "1 new result ready")
}

func TestWakeDedupeSurvivesSessionReset(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	first := fx.activeSession("chief", "chief")
	fx.finishedWorker("chief", "Researched Acme Corp")
	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	require.Len(t, fx.sender.sent(), 1)

	// The chief cycles; the conversation survives. The same worker must not
	// be announced as new to the replacement session.
	require.NoError(t, fx.sessions.End(ctx, first.ID, session.EndReasonForceReset))
	fx.activeSession("chief", "chief")

	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	sends := fx.sender.sent()
	require.Len(t, sends, 2)
	assert.Contains(t, sends[1].Text, "reminder: 1 result still unacked")
	assert.NotContains(t, sends[1].Text, "new result ready")
}

func TestWakeRetriesAnnouncementAfterSendFailure(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	fx.activeSession("chief", "chief")
	fx.finishedWorker("chief", "Researched Acme Corp")

	fx.sender.setFail(true)
	require.Error(t, fx.svc.WakeConversation(ctx, "chief"))

	// Nothing was recorded, so the next wake announces it as new.
	fx.sender.setFail(false)
	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	sends := fx.sender.sent()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "1 new result ready")
}

func TestWakeLeavesFreshSessionAlone(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	seen := fx.collectEvents("notification.>")

	require.NoError(t, fx.settings.Set(ctx, settings.KeyInitialPromptMinutes, "5"))
	fx.activeSession("chief", "chief")
	fx.finishedWorker("chief", "Researched Acme Corp")

	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	assert.Empty(t, fx.sender.sent())
	require.Eventually(t, hasEvent(seen, "notification.skipped"), time.Second, 10*time.Millisecond)

	require.NoError(t, fx.settings.Set(ctx, settings.KeyInitialPromptMinutes, "0"))
	require.NoError(t, fx.svc.WakeConversation(ctx, "chief"))
	assert.Len(t, fx.sender.sent(), 1)
}

func TestPendingAttentionCount(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	w1 := fx.finishedWorker("chief", "Researched Acme Corp")
	w2 := fx.finishedWorker("chief", "Drafted the board memo")
	fx.finishedWorker("20260825T0900-researcher-ab12", "Collected sources")

	count, err := fx.svc.PendingAttentionCount(ctx, "chief")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Acked and snoozed workers stop counting.
	require.NoError(t, fx.workers.Acknowledge(ctx, w1.ID))
	require.NoError(t, fx.workers.SnoozeAttention(ctx, w2.ID, time.Now().UTC().Add(time.Hour)))
	count, err = fx.svc.PendingAttentionCount(ctx, "chief")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeliverInitialPromptCadence(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()
	fx.svc.promptSettleWait = 50 * time.Millisecond

	start := time.Now()
	require.NoError(t, fx.svc.DeliverInitialPrompt(ctx, "chief", "You are the Chief."))
	elapsed := time.Since(start)

	sends := fx.sender.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "chief", sends[0].Window)
	assert.Equal(t, "You are the Chief.", sends[0].Text)
	assert.True(t, sends[0].PressEnter)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestDeliverInitialPromptHonorsCancellation(t *testing.T) {
	fx := setupMessaging(t)
	fx.svc.promptSettleWait = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fx.svc.DeliverInitialPrompt(ctx, "chief", "You are the Chief.")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fx.sender.sent())
}

func TestMessagingStartStop(t *testing.T) {
	fx := setupMessaging(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.Start(ctx))
	require.True(t, fx.svc.IsRunning())
	require.ErrorIs(t, fx.svc.Start(ctx), ErrMessagingAlreadyRunning)

	require.NoError(t, fx.svc.Stop())
	require.False(t, fx.svc.IsRunning())
	require.ErrorIs(t, fx.svc.Stop(), ErrMessagingNotRunning)
}

func TestEllipsize(t *testing.T) {
	assert.Equal(t, "short", ellipsize("short", 10))
	assert.Equal(t, "exact", ellipsize("exact", 5))
	assert.Equal(t, "abcdefg...", ellipsize("abcdefghijklmno", 10))
	assert.Equal(t, "日本語...", ellipsize("日本語の長いタイトルです", 6))
	assert.Equal(t, "abc", ellipsize("abcdef", 3))
}
