package stream

import "encoding/json"

// Event kinds delivered on a conversation stream.
const (
	KindConnected         = "connected"
	KindTranscript        = "transcript"
	KindActivity          = "activity"
	KindContextWarning    = "context_warning"
	KindTasks             = "tasks"
	KindSessionMeta       = "session_meta"
	KindSessionBoundary   = "session_boundary"
	KindConversationEnded = "conversation_ended"
)

// Boundary types describing why the active session changed under a consumer.
const (
	BoundaryReset          = "reset"
	BoundarySummarizer     = "summarizer"
	BoundaryModeTransition = "mode_transition"
)

// modeSummarizer marks a compaction session. The engine itself never spawns
// one, but the boundary classification recognizes it so external spawns
// stream correctly.
const modeSummarizer = "summarizer"

// Event is one server-sent event on a conversation stream.
type Event struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data,omitempty"`
}

// Connected is the first event on every stream.
type Connected struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
}

// Activity describes what the agent is doing right now. Emitted on change.
type Activity struct {
	IsThinking  bool   `json:"is_thinking"`
	ActiveTask  string `json:"active_task"`
	LastTask    string `json:"last_task"`
	ElapsedTime int64  `json:"elapsed_time"`
	TokenCount  int    `json:"token_count"`
}

// ContextWarning reports how much of the agent's context window is left.
type ContextWarning struct {
	PercentRemaining float64 `json:"percent_remaining"`
	PercentUsed      float64 `json:"percent_used"`
	ShouldWarn       bool    `json:"should_warn"`
	ShouldForceReset bool    `json:"should_force_reset"`
}

// SessionMeta carries slow-changing session facts. Emitted on change.
type SessionMeta struct {
	Model   string  `json:"model"`
	CostUSD float64 `json:"cost_usd"`
}

// Boundary announces that the conversation's active session was replaced.
type Boundary struct {
	OldSessionID string `json:"old_session_id"`
	NewSessionID string `json:"new_session_id"`
	BoundaryType string `json:"boundary_type"`
	PrevMode     string `json:"prev_mode"`
	Mode         string `json:"mode"`
	NewRole      string `json:"new_role"`
	NewMode      string `json:"new_mode"`
}

// TodoItem is one entry of the agent's internal todo list.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm"`
}

// Tasks is a full snapshot of the agent's todo list.
type Tasks struct {
	Todos []TodoItem `json:"todos"`
}

// Ended closes the stream after the no-session grace period expires.
type Ended struct {
	ConversationID string `json:"conversation_id"`
}

// boundaryTypeFor classifies a session change by the modes on either side:
// entering a summarizer wins, leaving one is a reset, two differing real
// modes are a transition, anything else is a reset.
func boundaryTypeFor(prevMode, newMode string) string {
	switch {
	case newMode == modeSummarizer:
		return BoundarySummarizer
	case prevMode == modeSummarizer:
		return BoundaryReset
	case prevMode != "" && newMode != "" && prevMode != newMode:
		return BoundaryModeTransition
	default:
		return BoundaryReset
	}
}

// transcriptLine is the subset of an agent transcript JSONL line the stream
// cares about. Unknown fields pass through untouched in the raw event.
type transcriptLine struct {
	UUID      string             `json:"uuid"`
	Type      string             `json:"type"`
	Timestamp string             `json:"timestamp"`
	CostUSD   float64            `json:"costUSD"`
	Message   *transcriptMessage `json:"message"`
}

type transcriptMessage struct {
	Model   string           `json:"model"`
	Content json.RawMessage  `json:"content"`
	Usage   *transcriptUsage `json:"usage"`
}

type transcriptUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// total is the size of the agent's context after this turn.
func (u *transcriptUsage) total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

type transcriptBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// blocks parses the message content when it is a block array. A bare string
// (plain user input) yields nil.
func (m *transcriptMessage) blocks() []transcriptBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var bs []transcriptBlock
	if err := json.Unmarshal(m.Content, &bs); err != nil {
		return nil
	}
	return bs
}

// thinkingOnly reports whether an assistant line carries nothing but
// thinking blocks, so include_thinking=false streams can drop it whole.
func (l *transcriptLine) thinkingOnly() bool {
	if l.Type != "assistant" {
		return false
	}
	bs := l.Message.blocks()
	if len(bs) == 0 {
		return false
	}
	for _, b := range bs {
		if b.Type != "thinking" {
			return false
		}
	}
	return true
}
