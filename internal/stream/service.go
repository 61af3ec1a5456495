// Package stream multiplexes everything a conversation produces (transcript
// lines, agent activity, context pressure, todo snapshots) into one ordered
// event channel that transparently survives session handoffs underneath the
// consumer.
package stream

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/session"
)

// Context window accounting. The claude CLI compacts on its own; these
// thresholds exist to warn the user and let the heartbeat force a reset
// before compaction eats the conversation.
const (
	contextWindowTokens = 200000
	contextWarnPercent  = 80.0
	contextForcePercent = 90.0
)

// maxTranscriptPerTick bounds how many transcript events one drain tick may
// emit, so a burst never starves activity and boundary events.
const maxTranscriptPerTick = 10

// ActiveSessionFunc resolves the conversation's current active session, or
// nil when none is live.
type ActiveSessionFunc func(ctx context.Context) (*session.Session, error)

// Options tune one StreamConversation call.
type Options struct {
	// IncludeThinking keeps assistant lines that are thinking-only.
	IncludeThinking bool
	// AfterUUID resumes the transcript just past this line. It applies to
	// the initial connection only; post-boundary tailers start at EOF.
	AfterUUID string
}

// Service builds conversation streams.
type Service struct {
	cfg      *config.Config
	logger   *logger.Logger
	todosDir string

	sessionPoll time.Duration
	drainTick   time.Duration
	statePoll   time.Duration
	todoPoll    time.Duration
	endGrace    time.Duration
}

// NewService wires a stream service. The todo directory follows the agent
// CLI convention under the invoking user's home.
func NewService(cfg *config.Config, log *logger.Logger) *Service {
	userHome, err := os.UserHomeDir()
	if err != nil {
		userHome = cfg.Home.Root
	}
	return &Service{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "conversation-stream")),
		todosDir:    filepath.Join(userHome, ".claude", "todos"),
		sessionPoll: time.Second,
		drainTick:   100 * time.Millisecond,
		statePoll:   500 * time.Millisecond,
		todoPoll:    time.Second,
		endGrace:    10 * time.Second,
	}
}

// StreamConversation opens a stream over the conversation. The channel
// closes when ctx is cancelled or the conversation ends (no active session
// for the grace period). Session handoffs surface as session_boundary
// events; the consumer never reconnects.
func (s *Service) StreamConversation(ctx context.Context, conversationID string, active ActiveSessionFunc, opts Options) <-chan Event {
	out := make(chan Event, 64)
	go s.stream(ctx, conversationID, active, opts, out)
	return out
}

func (s *Service) stream(ctx context.Context, conversationID string, active ActiveSessionFunc, opts Options, out chan<- Event) {
	defer close(out)
	log := s.logger.WithFields(zap.String("conversation_id", conversationID))

	send := func(kind string, data interface{}) bool {
		select {
		case out <- Event{Kind: kind, Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	cur, err := active(ctx)
	if err != nil {
		log.Warn("initial active-session lookup failed", zap.Error(err))
		cur = nil
	}

	connected := Connected{ConversationID: conversationID}
	if cur != nil {
		connected.SessionID = cur.ID
	}
	if !send(KindConnected, connected) {
		return
	}

	var tail *tailer
	defer func() {
		if tail != nil {
			tail.stop()
		}
	}()
	attach := func(sess *session.Session, initial bool) {
		if tail != nil {
			tail.stop()
		}
		after := ""
		if initial {
			after = opts.AfterUUID
		}
		tail = newTailer(sess.TranscriptPath, after, !initial, log)
		tail.start(ctx)
	}

	last := cur
	attached := false
	if cur != nil {
		attach(cur, true)
		attached = true
	}

	var noActiveSince *time.Time
	if cur == nil {
		now := time.Now()
		noActiveSince = &now
	}
	var busySince *time.Time
	var lastActivity *Activity
	var lastMeta *SessionMeta
	var lastWarn *ContextWarning
	var lastTodoHash uint64

	sessionTick := time.NewTicker(s.sessionPoll)
	defer sessionTick.Stop()
	drainTick := time.NewTicker(s.drainTick)
	defer drainTick.Stop()
	stateTick := time.NewTicker(s.statePoll)
	defer stateTick.Stop()
	todoTick := time.NewTicker(s.todoPoll)
	defer todoTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sessionTick.C:
			next, err := active(ctx)
			if err != nil {
				log.Warn("active-session lookup failed", zap.Error(err))
				continue
			}
			switch {
			case next == nil:
				cur = nil
				if noActiveSince == nil {
					now := time.Now()
					noActiveSince = &now
				}
				if time.Since(*noActiveSince) >= s.endGrace {
					send(KindConversationEnded, Ended{ConversationID: conversationID})
					return
				}
			case cur != nil && next.ID == cur.ID:
				cur = next
				noActiveSince = nil
			default:
				// The conversation moved to a new session.
				noActiveSince = nil
				if last != nil && last.ID != next.ID {
					if !send(KindSessionBoundary, Boundary{
						OldSessionID: last.ID,
						NewSessionID: next.ID,
						BoundaryType: boundaryTypeFor(last.Mode, next.Mode),
						PrevMode:     last.Mode,
						Mode:         next.Mode,
						NewRole:      next.Role,
						NewMode:      next.Mode,
					}) {
						return
					}
				}
				attach(next, !attached)
				attached = true
				cur, last = next, next
				busySince = nil
				lastActivity = nil
				lastMeta = nil
			}

		case <-drainTick.C:
			if tail == nil {
				continue
			}
			for _, ev := range tail.drain(maxTranscriptPerTick) {
				if !opts.IncludeThinking && ev.ThinkingOnly {
					continue
				}
				if !send(KindTranscript, json.RawMessage(ev.Raw)) {
					return
				}
			}

		case <-stateTick.C:
			if cur == nil || tail == nil {
				continue
			}
			st := tail.snapshot()

			busy := st.IsThinking || st.ActiveTask != ""
			switch {
			case busy && busySince == nil:
				now := time.Now()
				busySince = &now
			case !busy:
				busySince = nil
			}
			act := Activity{
				IsThinking: st.IsThinking,
				ActiveTask: st.ActiveTask,
				LastTask:   st.LastTask,
				TokenCount: st.TokenCount,
			}
			if busySince != nil {
				act.ElapsedTime = int64(time.Since(*busySince).Seconds())
			}
			if lastActivity == nil || *lastActivity != act {
				if !send(KindActivity, act) {
					return
				}
				snapshot := act
				lastActivity = &snapshot
			}

			if st.Model != "" {
				meta := SessionMeta{Model: st.Model, CostUSD: st.CostUSD}
				if lastMeta == nil || *lastMeta != meta {
					if !send(KindSessionMeta, meta) {
						return
					}
					snapshot := meta
					lastMeta = &snapshot
				}
			}

			warn := contextWarningFor(st.TokenCount)
			switch {
			case warn.ShouldWarn && (lastWarn == nil || !lastWarn.ShouldWarn || warn.PercentRemaining < lastWarn.PercentRemaining):
				if !send(KindContextWarning, warn) {
					return
				}
				snapshot := warn
				lastWarn = &snapshot
			case !warn.ShouldWarn && lastWarn != nil && lastWarn.ShouldWarn:
				if !send(KindContextWarning, warn) {
					return
				}
				snapshot := warn
				lastWarn = &snapshot
			}

		case <-todoTick.C:
			if cur == nil || cur.AgentSessionUUID == "" {
				continue
			}
			hash, todos := s.readTodos(cur.AgentSessionUUID)
			if hash == lastTodoHash {
				continue
			}
			if !send(KindTasks, Tasks{Todos: todos}) {
				return
			}
			lastTodoHash = hash
		}
	}
}

// contextWarningFor computes context pressure from the last seen usage.
func contextWarningFor(tokens int) ContextWarning {
	used := float64(tokens) / float64(contextWindowTokens) * 100
	if used > 100 {
		used = 100
	}
	return ContextWarning{
		PercentUsed:      used,
		PercentRemaining: 100 - used,
		ShouldWarn:       used >= contextWarnPercent,
		ShouldForceReset: used >= contextForcePercent,
	}
}

// readTodos hashes and parses the agent's todo file set. The agent CLI
// writes one or more <uuid>*.json files per session; the hash covers names
// and contents so any edit emits a fresh snapshot. Hash zero means no files.
func (s *Service) readTodos(agentUUID string) (uint64, []TodoItem) {
	entries, err := os.ReadDir(s.todosDir)
	if err != nil {
		return 0, nil
	}
	h := fnv.New64a()
	var todos []TodoItem
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.Contains(name, agentUUID) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.todosDir, name))
		if err != nil {
			continue
		}
		found = true
		h.Write([]byte(name))
		h.Write(data)
		var items []TodoItem
		if err := json.Unmarshal(data, &items); err != nil {
			s.logger.Debug("unparseable todo file", zap.String("file", name), zap.Error(err))
			continue
		}
		todos = append(todos, items...)
	}
	if !found {
		return 0, nil
	}
	if todos == nil {
		todos = []TodoItem{}
	}
	return h.Sum64(), todos
}
