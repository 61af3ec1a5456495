package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chiefd/chiefd/internal/db"
)

// Repository persists sessions and handoffs.
type Repository struct {
	store *db.Store
}

// NewRepository creates a session repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

const sessionColumns = `id, conversation_id, parent_session_id, role, mode, window_name, pane_id,
	working_dir, transcript_path, description, status_text, state, agent_session_uuid,
	spec_path, mission_execution_id, started_at, last_seen_at, ended_at, end_reason`

// Create inserts a new active session row. The partial unique index on
// (conversation_id) WHERE ended_at IS NULL rejects a second live session in
// the same conversation; that surfaces as ErrConversationBusy.
func (r *Repository) Create(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.LastSeenAt.IsZero() {
		s.LastSeenAt = now
	}
	if s.State == "" {
		s.State = StateIdle
	}

	_, err := r.store.Execute(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ConversationID, s.ParentSessionID, s.Role, s.Mode, s.WindowName, s.PaneID,
		s.WorkingDir, s.TranscriptPath, s.Description, s.StatusText, s.State, s.AgentSessionUUID,
		s.SpecPath, s.MissionExecutionID, s.StartedAt, s.LastSeenAt, s.EndedAt, s.EndReason)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", ErrConversationBusy, s.ConversationID)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get returns a session by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.store.FetchOne(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// ActiveByConversation returns the live session in a conversation, if any.
func (r *Repository) ActiveByConversation(ctx context.Context, conversationID string) (*Session, error) {
	var s Session
	err := r.store.FetchOne(ctx, &s,
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? AND ended_at IS NULL`,
		conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active session in conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("active session lookup: %w", err)
	}
	return &s, nil
}

// ByPane returns the live session that owns a multiplexer pane.
func (r *Repository) ByPane(ctx context.Context, paneID string) (*Session, error) {
	var s Session
	err := r.store.FetchOne(ctx, &s,
		`SELECT `+sessionColumns+` FROM sessions WHERE pane_id = ? AND ended_at IS NULL`,
		paneID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active session in pane %s", ErrNotFound, paneID)
	}
	if err != nil {
		return nil, fmt.Errorf("pane session lookup: %w", err)
	}
	return &s, nil
}

// ActiveSessions returns every live session, oldest first.
func (r *Repository) ActiveSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := r.store.FetchAll(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM sessions WHERE ended_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// Recent returns the newest sessions, live or ended.
func (r *Repository) Recent(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []*Session
	err := r.store.FetchAll(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	return sessions, nil
}

// End closes a session with a reason. Already-ended sessions are left alone.
func (r *Repository) End(ctx context.Context, id, reason string) error {
	res, err := r.store.Execute(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), reason, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s (or already ended)", ErrNotFound, id)
	}
	return nil
}

// EndAllInConversation closes every live session in a conversation and
// returns how many rows it touched. Used by force reset, where stale rows
// from crashed predecessors may still look live.
func (r *Repository) EndAllInConversation(ctx context.Context, conversationID, reason string) (int64, error) {
	res, err := r.store.Execute(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE conversation_id = ? AND ended_at IS NULL`,
		time.Now().UTC(), reason, conversationID)
	if err != nil {
		return 0, fmt.Errorf("end conversation sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Touch refreshes last_seen_at. Called whenever the transcript tailer or
// status tool observes the session alive.
func (r *Repository) Touch(ctx context.Context, id string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE sessions SET last_seen_at = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), id)
	return err
}

// UpdateStatus sets the session's state machine position and the free-form
// status line the agent reported.
func (r *Repository) UpdateStatus(ctx context.Context, id, state, statusText string) error {
	res, err := r.store.Execute(ctx,
		`UPDATE sessions SET state = ?, status_text = ?, last_seen_at = ? WHERE id = ? AND ended_at IS NULL`,
		state, statusText, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s (or already ended)", ErrNotFound, id)
	}
	return nil
}

// SetStatusText updates only the free-form status line, preserving the
// session's state.
func (r *Repository) SetStatusText(ctx context.Context, id, statusText string) error {
	res, err := r.store.Execute(ctx,
		`UPDATE sessions SET status_text = ?, last_seen_at = ? WHERE id = ? AND ended_at IS NULL`,
		statusText, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set session status text: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s (or already ended)", ErrNotFound, id)
	}
	return nil
}

// UpdatePane records the tmux pane a session's agent landed in.
func (r *Repository) UpdatePane(ctx context.Context, id, paneID string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE sessions SET pane_id = ? WHERE id = ?`, paneID, id)
	return err
}

// StaleActive returns live sessions not seen since the cutoff.
func (r *Repository) StaleActive(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	var sessions []*Session
	err := r.store.FetchAll(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM sessions WHERE ended_at IS NULL AND last_seen_at < ? ORDER BY last_seen_at`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale session lookup: %w", err)
	}
	return sessions, nil
}

// CreateHandoff opens a handoff record in the executing state.
func (r *Repository) CreateHandoff(ctx context.Context, h *Handoff) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.RequestedAt.IsZero() {
		h.RequestedAt = time.Now().UTC()
	}
	if h.Status == "" {
		h.Status = HandoffExecuting
	}
	_, err := r.store.Execute(ctx, `
		INSERT INTO handoffs (id, session_id, role, mode, tmux_pane, document_path, reason, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.SessionID, h.Role, h.Mode, h.TmuxPane, h.DocumentPath, h.Reason, h.Status, h.RequestedAt)
	if err != nil {
		return fmt.Errorf("create handoff: %w", err)
	}
	return nil
}

// CompleteHandoff marks a handoff finished and links the successor session.
func (r *Repository) CompleteHandoff(ctx context.Context, id, newSessionID string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE handoffs SET status = ?, completed_at = ?, new_session_id = ? WHERE id = ?`,
		HandoffCompleted, time.Now().UTC(), newSessionID, id)
	if err != nil {
		return fmt.Errorf("complete handoff: %w", err)
	}
	return nil
}

// FailHandoff marks a handoff failed with an error message.
func (r *Repository) FailHandoff(ctx context.Context, id, errMsg string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE handoffs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		HandoffFailed, time.Now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("fail handoff: %w", err)
	}
	return nil
}

// GetHandoff returns a handoff by ID.
func (r *Repository) GetHandoff(ctx context.Context, id string) (*Handoff, error) {
	var h Handoff
	err := r.store.FetchOne(ctx, &h, `
		SELECT id, session_id, role, mode, tmux_pane, document_path, reason, status,
		       requested_at, completed_at, new_session_id, error
		FROM handoffs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handoff not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get handoff: %w", err)
	}
	return &h, nil
}
