package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chiefd/chiefd/internal/db"
)

// ErrNotFound is returned when a worker id resolves to nothing.
var ErrNotFound = errors.New("worker not found")

// Repository persists workers and their clarifications.
type Repository struct {
	store *db.Store
}

// NewRepository creates a worker repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

const workerColumns = `id, short_id, task_type, params, spawned_by_session,
	conversation_id, depends_on, execute_at, spawn_short_id, status,
	report_md, report_summary, live_output, agent_session_id, metadata,
	has_dependent_children, notify_after, needs_attention, attention_kind,
	attention_title, created_at, started_at, completed_at, last_error`

// EnqueueOptions describe a worker to queue.
type EnqueueOptions struct {
	TaskType         string
	Params           map[string]interface{}
	SpawnedBySession string
	ConversationID   string
	DependsOn        []string
	ExecuteAt        *time.Time
	SpawnShortID     string
}

// Enqueue inserts a pending worker. Dependencies named in DependsOn are
// flagged as having dependent children so they are not announced
// individually.
func (r *Repository) Enqueue(ctx context.Context, opts EnqueueOptions) (*Worker, error) {
	if opts.TaskType == "" {
		return nil, fmt.Errorf("enqueue worker: task type required")
	}
	if opts.ConversationID == "" {
		return nil, fmt.Errorf("enqueue worker: conversation id required")
	}

	params := "{}"
	if len(opts.Params) > 0 {
		data, err := json.Marshal(opts.Params)
		if err != nil {
			return nil, fmt.Errorf("enqueue worker: marshal params: %w", err)
		}
		params = string(data)
	}

	var dependsOn *string
	if len(opts.DependsOn) > 0 {
		data, err := json.Marshal(opts.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("enqueue worker: marshal depends_on: %w", err)
		}
		s := string(data)
		dependsOn = &s
	}

	w := &Worker{
		ID:             uuid.New().String(),
		TaskType:       opts.TaskType,
		Params:         params,
		ConversationID: opts.ConversationID,
		DependsOn:      dependsOn,
		ExecuteAt:      opts.ExecuteAt,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	w.ShortID = w.ID[:8]
	if opts.SpawnedBySession != "" {
		w.SpawnedBySession = &opts.SpawnedBySession
	}
	if opts.SpawnShortID != "" {
		w.SpawnShortID = &opts.SpawnShortID
	}

	err := r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, short_id, task_type, params, spawned_by_session,
				conversation_id, depends_on, execute_at, spawn_short_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, w.ID, w.ShortID, w.TaskType, w.Params, w.SpawnedBySession,
			w.ConversationID, w.DependsOn, w.ExecuteAt, w.SpawnShortID, w.Status, w.CreatedAt); err != nil {
			return err
		}
		if len(opts.DependsOn) == 0 {
			return nil
		}
		query, args, err := sqlx.In(
			`UPDATE workers SET has_dependent_children = 1 WHERE id IN (?)`, opts.DependsOn)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue worker: %w", err)
	}
	return w, nil
}

// Get fetches a worker by id.
func (r *Repository) Get(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	err := r.store.FetchOne(ctx, &w,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

// GetByShortID fetches a worker by its 8-char short id.
func (r *Repository) GetByShortID(ctx context.Context, shortID string) (*Worker, error) {
	var w Worker
	err := r.store.FetchOne(ctx, &w,
		`SELECT `+workerColumns+` FROM workers WHERE short_id = ?`, shortID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", shortID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker by short id: %w", err)
	}
	return &w, nil
}

// ByStatus lists workers in a status, oldest first.
func (r *Repository) ByStatus(ctx context.Context, status string) ([]Worker, error) {
	var out []Worker
	err := r.store.FetchAll(ctx, &out,
		`SELECT `+workerColumns+` FROM workers WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list workers by status: %w", err)
	}
	return out, nil
}

// ForConversation lists a conversation's workers, newest first.
func (r *Repository) ForConversation(ctx context.Context, conversationID string) ([]Worker, error) {
	var out []Worker
	err := r.store.FetchAll(ctx, &out,
		`SELECT `+workerColumns+` FROM workers
		 WHERE conversation_id = ? ORDER BY created_at DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation workers: %w", err)
	}
	return out, nil
}

// Claimable returns queued workers eligible to run now: pending or
// clarification-answered, execute_at due, and every dependency complete.
func (r *Repository) Claimable(ctx context.Context, now time.Time) ([]Worker, error) {
	var candidates []Worker
	err := r.store.FetchAll(ctx, &candidates, `
		SELECT `+workerColumns+` FROM workers
		WHERE status IN (?, ?)
		  AND (execute_at IS NULL OR execute_at <= ?)
		ORDER BY created_at ASC
		LIMIT 25
	`, StatusPending, StatusClarificationAnswered, now)
	if err != nil {
		return nil, fmt.Errorf("list claimable workers: %w", err)
	}

	eligible := candidates[:0]
	for _, w := range candidates {
		ok, err := r.dependenciesComplete(ctx, w.DependsOnIDs())
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, w)
		}
	}
	return eligible, nil
}

func (r *Repository) dependenciesComplete(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	query, args, err := sqlx.In(
		`SELECT COUNT(*) FROM workers WHERE id IN (?) AND status = ?`, ids, StatusComplete)
	if err != nil {
		return false, fmt.Errorf("check worker dependencies: %w", err)
	}
	var n int
	if err := r.store.FetchOne(ctx, &n, query, args...); err != nil {
		return false, fmt.Errorf("check worker dependencies: %w", err)
	}
	return n == len(ids), nil
}

// Claim transitions a queued worker to running. Returns false when another
// pass already claimed it.
func (r *Repository) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.store.Execute(ctx, `
		UPDATE workers SET status = ?, started_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusRunning, time.Now().UTC(), id, StatusPending, StatusClarificationAnswered)
	if err != nil {
		return false, fmt.Errorf("claim worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetAgentSession stores the agent session id for later resume.
func (r *Repository) SetAgentSession(ctx context.Context, id, sessionID string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE workers SET agent_session_id = ? WHERE id = ?`, sessionID, id)
	return err
}

// SetLiveOutput persists the rolling live output buffer.
func (r *Repository) SetLiveOutput(ctx context.Context, id, buf string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE workers SET live_output = ? WHERE id = ?`, buf, id)
	return err
}

// SetMetadata stores the run metadata JSON.
func (r *Repository) SetMetadata(ctx context.Context, id, metadata string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE workers SET metadata = ? WHERE id = ?`, metadata, id)
	return err
}

// WriteReport applies a report tool call atomically: status, report
// document, attention fields, plus the pending clarification row when the
// worker asked for one.
func (r *Repository) WriteReport(ctx context.Context, rep Report) error {
	if err := rep.Validate(); err != nil {
		return err
	}
	md := ComposeReportMarkdown(rep)
	status := StatusForReport(rep.Status)
	kind := AttentionKindForReport(rep.Status)
	now := time.Now().UTC()

	return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if status == StatusAwaitingClarification {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers
				SET status = ?, report_md = ?, report_summary = ?,
				    needs_attention = 1, attention_kind = ?, attention_title = ?
				WHERE id = ?
			`, status, md, rep.Summary, kind, rep.Summary, rep.WorkerID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO worker_clarifications (id, worker_id, question, status, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, uuid.New().String(), rep.WorkerID, rep.Summary, ClarificationPending, now)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET status = ?, report_md = ?, report_summary = ?,
			    needs_attention = 1, attention_kind = ?, attention_title = ?,
			    completed_at = ?
			WHERE id = ?
		`, status, md, rep.Summary, kind, rep.Summary, now, rep.WorkerID)
		return err
	})
}

// Fail marks the worker failed and, if it never reported, synthesizes a
// failure report so the row still carries one.
func (r *Repository) Fail(ctx context.Context, id, reason, lastError string) error {
	md := ComposeReportMarkdown(Report{Status: ReportFailed, Summary: reason})
	now := time.Now().UTC()
	return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET status = ?,
			    last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
			    completed_at = COALESCE(completed_at, ?)
			WHERE id = ?
		`, StatusFailed, lastError, lastError, now, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET report_md = ?, report_summary = ?,
			    needs_attention = 1, attention_kind = ?, attention_title = ?
			WHERE id = ? AND (report_md IS NULL OR report_md = '')
		`, md, reason, AttentionAlert, reason, id)
		return err
	})
}

// Cancel withdraws a worker that has not started.
func (r *Repository) Cancel(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, `
		UPDATE workers SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, StatusCancelled, time.Now().UTC(), id,
		StatusPending, StatusAwaitingClarification, StatusClarificationAnswered)
	if err != nil {
		return fmt.Errorf("cancel worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("worker %s is not cancellable", id)
	}
	return nil
}

// Acknowledge clears the attention flag and drops the live output buffer
// once the result has been seen.
func (r *Repository) Acknowledge(ctx context.Context, id string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE workers SET needs_attention = 0, live_output = '' WHERE id = ?`, id)
	return err
}

// SnoozeAttention pushes the announce-not-before time without touching the
// worker status.
func (r *Repository) SnoozeAttention(ctx context.Context, id string, until time.Time) error {
	_, err := r.store.Execute(ctx,
		`UPDATE workers SET notify_after = ? WHERE id = ?`, until.UTC(), id)
	return err
}

// AnswerClarification records the answer to the worker's newest pending
// clarification and requeues the worker for a resume turn.
func (r *Repository) AnswerClarification(ctx context.Context, workerID, response string) (*Clarification, error) {
	var clar Clarification
	err := r.store.FetchOne(ctx, &clar, `
		SELECT id, worker_id, question, options, response, status, created_at, responded_at
		FROM worker_clarifications
		WHERE worker_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, workerID, ClarificationPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s has no pending clarification", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("find pending clarification: %w", err)
	}

	now := time.Now().UTC()
	err = r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE worker_clarifications
			SET response = ?, status = ?, responded_at = ?
			WHERE id = ?
		`, response, ClarificationAnswered, now, clar.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = ?
			WHERE id = ? AND status = ?
		`, StatusClarificationAnswered, workerID, StatusAwaitingClarification)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("answer clarification: %w", err)
	}
	clar.Response = &response
	clar.Status = ClarificationAnswered
	clar.RespondedAt = &now
	return &clar, nil
}

// LatestAnsweredClarification returns the newest answered clarification,
// used to build the resume prompt.
func (r *Repository) LatestAnsweredClarification(ctx context.Context, workerID string) (*Clarification, error) {
	var clar Clarification
	err := r.store.FetchOne(ctx, &clar, `
		SELECT id, worker_id, question, options, response, status, created_at, responded_at
		FROM worker_clarifications
		WHERE worker_id = ? AND status = ?
		ORDER BY responded_at DESC LIMIT 1
	`, workerID, ClarificationAnswered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s has no answered clarification", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("find answered clarification: %w", err)
	}
	return &clar, nil
}
