package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Worker statuses.
const (
	StatusPending               = "pending"
	StatusRunning               = "running"
	StatusComplete              = "complete"
	StatusFailed                = "failed"
	StatusSnoozed               = "snoozed"
	StatusCancelled             = "cancelled"
	StatusAwaitingClarification = "awaiting_clarification"
	StatusClarificationAnswered = "clarification_answered"
)

// Attention kinds surfaced to the Chief and the user.
const (
	AttentionResult        = "result"
	AttentionClarification = "clarification"
	AttentionAlert         = "alert"
	AttentionFollowup      = "followup"
)

// Worker is one queued LLM invocation belonging to a conversation.
type Worker struct {
	ID                   string     `db:"id" json:"id"`
	ShortID              string     `db:"short_id" json:"short_id"`
	TaskType             string     `db:"task_type" json:"task_type"`
	Params               string     `db:"params" json:"params"`
	SpawnedBySession     *string    `db:"spawned_by_session" json:"spawned_by_session,omitempty"`
	ConversationID       string     `db:"conversation_id" json:"conversation_id"`
	DependsOn            *string    `db:"depends_on" json:"depends_on,omitempty"`
	ExecuteAt            *time.Time `db:"execute_at" json:"execute_at,omitempty"`
	SpawnShortID         *string    `db:"spawn_short_id" json:"spawn_short_id,omitempty"`
	Status               string     `db:"status" json:"status"`
	ReportMD             *string    `db:"report_md" json:"report_md,omitempty"`
	ReportSummary        *string    `db:"report_summary" json:"report_summary,omitempty"`
	LiveOutput           string     `db:"live_output" json:"live_output"`
	AgentSessionID       *string    `db:"agent_session_id" json:"agent_session_id,omitempty"`
	Metadata             *string    `db:"metadata" json:"metadata,omitempty"`
	HasDependentChildren bool       `db:"has_dependent_children" json:"has_dependent_children"`
	NotifyAfter          *time.Time `db:"notify_after" json:"notify_after,omitempty"`
	NeedsAttention       bool       `db:"needs_attention" json:"needs_attention"`
	AttentionKind        *string    `db:"attention_kind" json:"attention_kind,omitempty"`
	AttentionTitle       *string    `db:"attention_title" json:"attention_title,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	StartedAt            *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	LastError            *string    `db:"last_error" json:"last_error,omitempty"`
}

// Terminal reports whether the worker has reached a final status.
func (w *Worker) Terminal() bool {
	switch w.Status {
	case StatusComplete, StatusFailed, StatusCancelled, StatusSnoozed:
		return true
	}
	return false
}

// Reported reports whether the worker has a non-empty report_md.
func (w *Worker) Reported() bool {
	return w.ReportMD != nil && *w.ReportMD != ""
}

// DependsOnIDs parses the depends_on JSON list. Malformed values read as
// no dependencies.
func (w *Worker) DependsOnIDs() []string {
	if w.DependsOn == nil || *w.DependsOn == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(*w.DependsOn), &ids); err != nil {
		return nil
	}
	return ids
}

// ParamValues flattens the params JSON object to strings for prompt
// template substitution.
func (w *Worker) ParamValues() map[string]string {
	out := make(map[string]string)
	if w.Params == "" {
		return out
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(w.Params), &raw); err != nil {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Clarification is a question a worker asked mid-task and the eventual
// answer that lets it resume.
type Clarification struct {
	ID          string     `db:"id" json:"id"`
	WorkerID    string     `db:"worker_id" json:"worker_id"`
	Question    string     `db:"question" json:"question"`
	Options     *string    `db:"options" json:"options,omitempty"`
	Response    *string    `db:"response" json:"response,omitempty"`
	Status      string     `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	RespondedAt *time.Time `db:"responded_at" json:"responded_at,omitempty"`
}

// Clarification statuses.
const (
	ClarificationPending  = "pending"
	ClarificationAnswered = "answered"
)
