package stream

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/session"
)

type activeStub struct {
	mu   sync.Mutex
	sess *session.Session
}

func (a *activeStub) set(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = s
}

func (a *activeStub) get(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess, nil
}

// sink collects stream events on a background goroutine.
type sink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func newSink(ch <-chan Event) *sink {
	s := &sink{}
	go func() {
		for ev := range ch {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}()
	return s
}

func (s *sink) byKind(kind string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *sink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sink) transcriptUUIDs() []string {
	var out []string
	for _, ev := range s.byKind(KindTranscript) {
		raw, ok := ev.Data.(json.RawMessage)
		if !ok {
			continue
		}
		var line struct {
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		out = append(out, line.UUID)
	}
	return out
}

type streamFixture struct {
	svc  *Service
	stub *activeStub
	dir  string
}

func setupStream(t *testing.T) *streamFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Home.Root = dir
	cfg.Home.Timezone = "UTC"

	svc := NewService(cfg, newTestLogger(t))
	svc.todosDir = filepath.Join(dir, "todos")
	require.NoError(t, os.MkdirAll(svc.todosDir, 0o755))
	svc.sessionPoll = 25 * time.Millisecond
	svc.drainTick = 10 * time.Millisecond
	svc.statePoll = 20 * time.Millisecond
	svc.todoPoll = 25 * time.Millisecond
	svc.endGrace = 200 * time.Millisecond

	return &streamFixture{svc: svc, stub: &activeStub{}, dir: dir}
}

func (fx *streamFixture) open(t *testing.T, opts Options) *sink {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := fx.svc.StreamConversation(ctx, "chief", fx.stub.get, opts)
	return newSink(ch)
}

func (fx *streamFixture) session(id, mode, transcript, agentUUID string) *session.Session {
	return &session.Session{
		ID:               id,
		ConversationID:   "chief",
		Role:             session.RoleChief,
		Mode:             mode,
		TranscriptPath:   transcript,
		AgentSessionUUID: agentUUID,
		StartedAt:        time.Now(),
		LastSeenAt:       time.Now(),
	}
}

func TestStreamSurvivesHandoff(t *testing.T) {
	fx := setupStream(t)

	s1Path := filepath.Join(fx.dir, "s1.jsonl")
	writeLines(t, s1Path, lineUser, lineAssistant)
	s1 := fx.session("s-1", session.ModeNormal, s1Path, "agent-1")
	fx.stub.set(s1)

	sk := fx.open(t, Options{IncludeThinking: true})

	require.Eventually(t, func() bool {
		return len(sk.byKind(KindConnected)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	conn := sk.byKind(KindConnected)[0].Data.(Connected)
	assert.Equal(t, "chief", conn.ConversationID)
	assert.Equal(t, "s-1", conn.SessionID)

	require.Eventually(t, func() bool {
		return len(sk.transcriptUUIDs()) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"u1", "u2"}, sk.transcriptUUIDs()[:2])

	// Force-reset: a replacement session takes over. Its transcript already
	// holds a line that predates the boundary and must never reach this consumer.
	s2Path := filepath.Join(fx.dir, "s2.jsonl")
	writeLines(t, s2Path, `{"uuid":"u-old","type":"user","message":{"content":"stale history"}}`)
	s2 := fx.session("s-2", session.ModeNormal, s2Path, "agent-2")
	fx.stub.set(s2)

	require.Eventually(t, func() bool {
		return len(sk.byKind(KindSessionBoundary)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	b := sk.byKind(KindSessionBoundary)[0].Data.(Boundary)
	assert.Equal(t, "s-1", b.OldSessionID)
	assert.Equal(t, "s-2", b.NewSessionID)
	assert.Equal(t, BoundaryReset, b.BoundaryType)
	assert.Equal(t, session.ModeNormal, b.PrevMode)
	assert.Equal(t, session.ModeNormal, b.NewMode)
	assert.Equal(t, session.RoleChief, b.NewRole)

	writeLines(t, s2Path, `{"uuid":"u-new","type":"assistant","message":{"content":[{"type":"text","text":"fresh"}]}}`)
	require.Eventually(t, func() bool {
		uuids := sk.transcriptUUIDs()
		return len(uuids) > 0 && uuids[len(uuids)-1] == "u-new"
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, sk.transcriptUUIDs(), "u-old", "post-boundary tailer must start at EOF")

	fx.stub.set(nil)
	require.Eventually(t, func() bool {
		return len(sk.byKind(KindConversationEnded)) == 1 && sk.isClosed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamEmitsActivityAndMeta(t *testing.T) {
	fx := setupStream(t)
	path := filepath.Join(fx.dir, "s1.jsonl")
	writeLines(t, path, lineUser)
	fx.stub.set(fx.session("s-1", session.ModeNormal, path, "agent-1"))

	sk := fx.open(t, Options{IncludeThinking: true})

	costLine := `{"uuid":"a1","type":"assistant","costUSD":0.02,"message":{"model":"claude-sonnet-4","content":[{"type":"tool_use","id":"t1","name":"WebSearch","input":{}}],"usage":{"input_tokens":900,"output_tokens":100,"cache_read_input_tokens":0,"cache_creation_input_tokens":0}}}`
	writeLines(t, path, costLine)

	require.Eventually(t, func() bool {
		for _, ev := range sk.byKind(KindActivity) {
			act := ev.Data.(Activity)
			if act.ActiveTask == "WebSearch" && act.TokenCount == 1000 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected an activity event for the in-flight tool")

	require.Eventually(t, func() bool {
		for _, ev := range sk.byKind(KindSessionMeta) {
			meta := ev.Data.(SessionMeta)
			if meta.Model == "claude-sonnet-4" && meta.CostUSD > 0.019 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected a session_meta event")

	writeLines(t, path, lineToolDone)
	require.Eventually(t, func() bool {
		events := sk.byKind(KindActivity)
		if len(events) == 0 {
			return false
		}
		act := events[len(events)-1].Data.(Activity)
		return act.ActiveTask == "" && act.LastTask == "WebSearch"
	}, 2*time.Second, 10*time.Millisecond, "tool result should clear the active task")
}

func TestStreamFiltersThinking(t *testing.T) {
	fx := setupStream(t)
	path := filepath.Join(fx.dir, "s1.jsonl")
	writeLines(t, path, lineThinking, lineAssistant)
	fx.stub.set(fx.session("s-1", session.ModeNormal, path, "agent-1"))

	sk := fx.open(t, Options{IncludeThinking: false})

	require.Eventually(t, func() bool {
		uuids := sk.transcriptUUIDs()
		return len(uuids) == 1 && uuids[0] == "u2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, sk.transcriptUUIDs(), "u5")
}

func TestStreamTodoSnapshots(t *testing.T) {
	fx := setupStream(t)
	path := filepath.Join(fx.dir, "s1.jsonl")
	writeLines(t, path, lineUser)
	fx.stub.set(fx.session("s-1", session.ModeNormal, path, "agent-1"))

	sk := fx.open(t, Options{IncludeThinking: true})

	todoPath := filepath.Join(fx.svc.todosDir, "agent-1-agent-agent-1.json")
	require.NoError(t, os.WriteFile(todoPath,
		[]byte(`[{"content":"write report","status":"in_progress","activeForm":"writing report"}]`), 0o644))

	require.Eventually(t, func() bool {
		events := sk.byKind(KindTasks)
		if len(events) == 0 {
			return false
		}
		tasks := events[len(events)-1].Data.(Tasks)
		return len(tasks.Todos) == 1 && tasks.Todos[0].Content == "write report"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(todoPath,
		[]byte(`[{"content":"write report","status":"completed","activeForm":"writing report"},{"content":"send it","status":"pending","activeForm":"sending it"}]`), 0o644))

	require.Eventually(t, func() bool {
		events := sk.byKind(KindTasks)
		if len(events) < 2 {
			return false
		}
		tasks := events[len(events)-1].Data.(Tasks)
		return len(tasks.Todos) == 2 && tasks.Todos[0].Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamEndsAfterGraceWithoutSession(t *testing.T) {
	fx := setupStream(t)
	sk := fx.open(t, Options{IncludeThinking: true})

	require.Eventually(t, func() bool {
		return len(sk.byKind(KindConnected)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, sk.byKind(KindConnected)[0].Data.(Connected).SessionID)

	require.Eventually(t, func() bool {
		return len(sk.byKind(KindConversationEnded)) == 1 && sk.isClosed()
	}, 2*time.Second, 10*time.Millisecond)
	ended := sk.byKind(KindConversationEnded)[0].Data.(Ended)
	assert.Equal(t, "chief", ended.ConversationID)
}

func TestStreamConsumerCancellation(t *testing.T) {
	fx := setupStream(t)
	path := filepath.Join(fx.dir, "s1.jsonl")
	writeLines(t, path, lineUser)
	fx.stub.set(fx.session("s-1", session.ModeNormal, path, "agent-1"))

	ctx, cancel := context.WithCancel(context.Background())
	ch := fx.svc.StreamConversation(ctx, "chief", fx.stub.get, Options{IncludeThinking: true})
	sk := newSink(ch)

	require.Eventually(t, func() bool {
		return len(sk.byKind(KindConnected)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, sk.isClosed, 2*time.Second, 10*time.Millisecond,
		"cancelling the consumer must close the stream and its tailer")
}

func TestBoundaryTypeRules(t *testing.T) {
	cases := []struct {
		prev, next, want string
	}{
		{session.ModeNormal, modeSummarizer, BoundarySummarizer},
		{modeSummarizer, session.ModeNormal, BoundaryReset},
		{session.ModeNormal, session.ModeDuty, BoundaryModeTransition},
		{session.ModeDuty, session.ModeNormal, BoundaryModeTransition},
		{session.ModeNormal, session.ModeNormal, BoundaryReset},
		{"", session.ModeDuty, BoundaryReset},
		{session.ModeDuty, "", BoundaryReset},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, boundaryTypeFor(tc.prev, tc.next),
			"prev=%q next=%q", tc.prev, tc.next)
	}
}

func TestContextWarningThresholds(t *testing.T) {
	quiet := contextWarningFor(10000)
	assert.False(t, quiet.ShouldWarn)
	assert.False(t, quiet.ShouldForceReset)
	assert.InDelta(t, 95.0, quiet.PercentRemaining, 0.01)

	warn := contextWarningFor(170000)
	assert.True(t, warn.ShouldWarn)
	assert.False(t, warn.ShouldForceReset)
	assert.InDelta(t, 85.0, warn.PercentUsed, 0.01)

	force := contextWarningFor(190000)
	assert.True(t, force.ShouldWarn)
	assert.True(t, force.ShouldForceReset)

	over := contextWarningFor(250000)
	assert.InDelta(t, 100.0, over.PercentUsed, 0.01)
	assert.InDelta(t, 0.0, over.PercentRemaining, 0.01)
}

func TestStreamEmitsContextWarning(t *testing.T) {
	fx := setupStream(t)
	path := filepath.Join(fx.dir, "s1.jsonl")
	writeLines(t, path, lineUser)
	fx.stub.set(fx.session("s-1", session.ModeNormal, path, "agent-1"))

	sk := fx.open(t, Options{IncludeThinking: true})

	heavy := `{"uuid":"h1","type":"assistant","message":{"usage":{"input_tokens":170000,"output_tokens":1000,"cache_read_input_tokens":14000,"cache_creation_input_tokens":0}}}`
	writeLines(t, path, heavy)

	require.Eventually(t, func() bool {
		for _, ev := range sk.byKind(KindContextWarning) {
			warn := ev.Data.(ContextWarning)
			if warn.ShouldWarn && warn.ShouldForceReset {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected a force-reset context warning at 92.5%% used")
}
