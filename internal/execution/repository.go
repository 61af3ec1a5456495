// Package execution tracks duty and mission runs in the shared
// mission_executions ledger. Both schedulers write here; the kind column
// tells them apart.
package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chiefd/chiefd/internal/db"
)

// Execution kinds.
const (
	KindMission = "mission"
	KindDuty    = "duty"
)

// Execution statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Execution is one run of a duty or mission.
type Execution struct {
	ID              string     `db:"id" json:"id"`
	MissionID       string     `db:"mission_id" json:"mission_id"`
	Slug            string     `db:"slug" json:"slug"`
	Kind            string     `db:"kind" json:"kind"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	Status          string     `db:"status" json:"status"`
	SessionID       *string    `db:"session_id" json:"session_id,omitempty"`
	OutputSummary   *string    `db:"output_summary" json:"output_summary,omitempty"`
	Error           *string    `db:"error" json:"error,omitempty"`
	DurationSeconds *float64   `db:"duration_seconds" json:"duration_seconds,omitempty"`
}

// Running reports whether the execution is still open.
func (e *Execution) Running() bool { return e.Status == StatusRunning }

// StatusForEndReason maps a dead session's end reason onto the outcome of
// the execution it was running.
func StatusForEndReason(reason string) string {
	switch reason {
	case "exit", "completed":
		return StatusCompleted
	case "timeout":
		return StatusTimeout
	case "crash", "error":
		return StatusFailed
	default:
		return StatusCancelled
	}
}

// Repository persists executions.
type Repository struct {
	store *db.Store
}

// NewRepository creates an execution repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

const executionColumns = `id, mission_id, slug, kind, started_at, ended_at, status,
	session_id, output_summary, error, duration_seconds`

// Start opens a running execution.
func (r *Repository) Start(ctx context.Context, missionID, slug, kind string) (*Execution, error) {
	e := &Execution{
		ID:        uuid.New().String(),
		MissionID: missionID,
		Slug:      slug,
		Kind:      kind,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}
	_, err := r.store.Execute(ctx, `
		INSERT INTO mission_executions (id, mission_id, slug, kind, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.MissionID, e.Slug, e.Kind, e.StartedAt, e.Status)
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	return e, nil
}

// LinkSession attaches the session that is carrying this execution.
func (r *Repository) LinkSession(ctx context.Context, id, sessionID string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE mission_executions SET session_id = ? WHERE id = ?`, sessionID, id)
	return err
}

// Finish closes an execution with a status, optional summary and error.
// Already-closed executions are left alone.
func (r *Repository) Finish(ctx context.Context, id, status, summary, errMsg string) error {
	now := time.Now().UTC()
	_, err := r.store.Execute(ctx, `
		UPDATE mission_executions
		SET ended_at = ?, status = ?,
		    output_summary = CASE WHEN ? != '' THEN ? ELSE output_summary END,
		    error = CASE WHEN ? != '' THEN ? ELSE error END,
		    duration_seconds = (julianday(?) - julianday(started_at)) * 86400.0
		WHERE id = ? AND status = 'running'
	`, now, status, summary, summary, errMsg, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

// Get returns an execution by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	err := r.store.FetchOne(ctx, &e,
		`SELECT `+executionColumns+` FROM mission_executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &e, nil
}

// RunningExecutions returns all open executions, optionally filtered by kind.
func (r *Repository) RunningExecutions(ctx context.Context, kind string) ([]*Execution, error) {
	var execs []*Execution
	var err error
	if kind == "" {
		err = r.store.FetchAll(ctx, &execs,
			`SELECT `+executionColumns+` FROM mission_executions WHERE status = 'running' ORDER BY started_at`)
	} else {
		err = r.store.FetchAll(ctx, &execs,
			`SELECT `+executionColumns+` FROM mission_executions WHERE status = 'running' AND kind = ? ORDER BY started_at`, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	return execs, nil
}

// Recent returns the newest executions for one mission or duty.
func (r *Repository) Recent(ctx context.Context, missionID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	var execs []*Execution
	err := r.store.FetchAll(ctx, &execs,
		`SELECT `+executionColumns+` FROM mission_executions WHERE mission_id = ? ORDER BY started_at DESC LIMIT ?`,
		missionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	return execs, nil
}

// orphanRow joins a running execution with the state of its session.
type orphanRow struct {
	Execution
	SessionEnded  *time.Time `db:"session_ended_at"`
	SessionReason *string    `db:"session_end_reason"`
	SessionExists int        `db:"session_exists"`
}

// CloseOrphans finds running executions whose session is gone or ended and
// closes them with a status inferred from how the session died. Returns how
// many executions were closed. Called at engine boot, after crashes.
func (r *Repository) CloseOrphans(ctx context.Context) (int, error) {
	var rows []*orphanRow
	err := r.store.FetchAll(ctx, &rows, `
		SELECT e.id, e.mission_id, e.slug, e.kind, e.started_at, e.ended_at, e.status,
		       e.session_id, e.output_summary, e.error, e.duration_seconds,
		       s.ended_at AS session_ended_at,
		       s.end_reason AS session_end_reason,
		       CASE WHEN s.id IS NULL THEN 0 ELSE 1 END AS session_exists
		FROM mission_executions e
		LEFT JOIN sessions s ON s.id = e.session_id
		WHERE e.status = 'running'
	`)
	if err != nil {
		return 0, fmt.Errorf("orphan execution lookup: %w", err)
	}

	closed := 0
	for _, row := range rows {
		if row.SessionExists == 1 && row.SessionEnded == nil {
			// Session still live; not an orphan.
			continue
		}
		status := StatusCancelled
		errMsg := "session disappeared"
		if row.SessionReason != nil {
			status = StatusForEndReason(*row.SessionReason)
			errMsg = "session ended: " + *row.SessionReason
		}
		if status == StatusCompleted {
			errMsg = ""
		}
		if err := r.Finish(ctx, row.ID, status, "", errMsg); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}
