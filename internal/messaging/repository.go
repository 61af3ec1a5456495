package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chiefd/chiefd/internal/db"
	"github.com/chiefd/chiefd/internal/worker"
)

// ErrEmailNotFound is returned when an email id does not exist.
var ErrEmailNotFound = errors.New("email not found")

// PendingResult is one finished worker whose result the conversation has not
// been told about yet.
type PendingResult struct {
	WorkerID       string  `db:"id"`
	ShortID        string  `db:"short_id"`
	TaskType       string  `db:"task_type"`
	AttentionTitle *string `db:"attention_title"`
}

// Title returns the human line for the result, preferring the worker's own
// attention title over its task type.
func (r PendingResult) Title() string {
	if r.AttentionTitle != nil && *r.AttentionTitle != "" {
		return *r.AttentionTitle
	}
	return r.TaskType
}

// Repository reads worker attention state and owns all writes to the
// conversation_notifications and email tables.
type Repository struct {
	store *db.Store
}

// NewRepository creates a messaging repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

// UnannouncedResults returns completed result-kind workers of a conversation
// that still need attention, have no dependent children, are past any snooze
// and were never announced to this conversation.
func (r *Repository) UnannouncedResults(ctx context.Context, conversationID string, now time.Time) ([]PendingResult, error) {
	var rows []PendingResult
	err := r.store.FetchAll(ctx, &rows, `
		SELECT w.id, w.short_id, w.task_type, w.attention_title
		FROM workers w
		WHERE w.conversation_id = ?
		  AND w.status = ?
		  AND w.attention_kind = ?
		  AND w.needs_attention = 1
		  AND w.has_dependent_children = 0
		  AND (w.notify_after IS NULL OR w.notify_after <= ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM conversation_notifications n
		      WHERE n.conversation_id = w.conversation_id AND n.worker_id = w.id)
		ORDER BY w.completed_at, w.id
	`, conversationID, worker.StatusComplete, worker.AttentionResult, now)
	if err != nil {
		return nil, fmt.Errorf("query unannounced results: %w", err)
	}
	return rows, nil
}

// AnnouncedUnackedCount counts workers already announced to the conversation
// whose results are still waiting for acknowledgement.
func (r *Repository) AnnouncedUnackedCount(ctx context.Context, conversationID string, now time.Time) (int, error) {
	var count int
	err := r.store.FetchOne(ctx, &count, `
		SELECT COUNT(*)
		FROM workers w
		JOIN conversation_notifications n
		  ON n.conversation_id = ? AND n.worker_id = w.id
		WHERE w.conversation_id = ?
		  AND w.status = ?
		  AND w.attention_kind = ?
		  AND w.needs_attention = 1
		  AND (w.notify_after IS NULL OR w.notify_after <= ?)
	`, conversationID, conversationID, worker.StatusComplete, worker.AttentionResult, now)
	if err != nil {
		return 0, fmt.Errorf("count unacked results: %w", err)
	}
	return count, nil
}

// MarkAnnounced records that the conversation was told about these workers.
// Replays are harmless: the pair is the primary key and inserts ignore
// conflicts.
func (r *Repository) MarkAnnounced(ctx context.Context, conversationID string, workerIDs []string, now time.Time) error {
	if len(workerIDs) == 0 {
		return nil
	}
	argSets := make([][]interface{}, 0, len(workerIDs))
	for _, id := range workerIDs {
		argSets = append(argSets, []interface{}{conversationID, id, now})
	}
	if err := r.store.ExecuteMany(ctx, `
		INSERT OR IGNORE INTO conversation_notifications (conversation_id, worker_id, notified_at)
		VALUES (?, ?, ?)
	`, argSets); err != nil {
		return fmt.Errorf("record notifications: %w", err)
	}
	return nil
}

// PendingAttentionCount counts every worker of the conversation still waiting
// for attention of any kind, snoozes honored. The heartbeat uses it to decide
// whether a plain wake has anything to say.
func (r *Repository) PendingAttentionCount(ctx context.Context, conversationID string, now time.Time) (int, error) {
	var count int
	err := r.store.FetchOne(ctx, &count, `
		SELECT COUNT(*) FROM workers
		WHERE conversation_id = ?
		  AND needs_attention = 1
		  AND (notify_after IS NULL OR notify_after <= ?)
	`, conversationID, now)
	if err != nil {
		return 0, fmt.Errorf("count pending attention: %w", err)
	}
	return count, nil
}

// CreateEmail inserts a new outbox row.
func (r *Repository) CreateEmail(ctx context.Context, e *Email) error {
	_, err := r.store.Execute(ctx, `
		INSERT INTO email_log (id, account, recipients, subject, content, content_hash,
		                       status, queued_at, send_at, sent_at, hour_bucket)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Account, e.Recipients, e.Subject, e.Content, e.ContentHash,
		e.Status, e.QueuedAt, e.SendAt, e.SentAt, e.HourBucket)
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

// GetEmail returns one outbox row.
func (r *Repository) GetEmail(ctx context.Context, id string) (*Email, error) {
	var e Email
	err := r.store.FetchOne(ctx, &e, "SELECT * FROM email_log WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEmailNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DueEmails returns queued emails whose send_at has passed, oldest first.
func (r *Repository) DueEmails(ctx context.Context, now time.Time, limit int) ([]*Email, error) {
	var rows []*Email
	err := r.store.FetchAll(ctx, &rows, `
		SELECT * FROM email_log
		WHERE status = ? AND (send_at IS NULL OR send_at <= ?)
		ORDER BY queued_at
		LIMIT ?
	`, EmailStatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due emails: %w", err)
	}
	return rows, nil
}

// BucketLoad is how full one rate bucket is: emails already sent in it plus
// emails queued to go out in it.
func (r *Repository) BucketLoad(ctx context.Context, bucket string) (int, error) {
	var load int
	err := r.store.FetchOne(ctx, &load, `
		SELECT COALESCE((SELECT emails_sent FROM email_rate_buckets WHERE hour_bucket = ?), 0)
		     + (SELECT COUNT(*) FROM email_log WHERE hour_bucket = ? AND status = ?)
	`, bucket, bucket, EmailStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("read rate bucket: %w", err)
	}
	return load, nil
}

// ReserveSendSlot bumps the bucket's sent counter if it is still under the
// limit. Returns false with no side effect when the bucket is full.
func (r *Repository) ReserveSendSlot(ctx context.Context, bucket string, limit int) (bool, error) {
	res, err := r.store.Execute(ctx, `
		INSERT INTO email_rate_buckets (hour_bucket, emails_sent) VALUES (?, 1)
		ON CONFLICT(hour_bucket) DO UPDATE SET emails_sent = emails_sent + 1
		WHERE emails_sent < ?
	`, bucket, limit)
	if err != nil {
		return false, fmt.Errorf("reserve send slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEmailSent finalizes a delivered email.
func (r *Repository) MarkEmailSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := r.store.Execute(ctx,
		"UPDATE email_log SET status = ?, sent_at = ? WHERE id = ?",
		EmailStatusSent, sentAt, id)
	return err
}

// MarkEmailFailed records a delivery failure. The row is kept for the audit
// trail; it is not retried.
func (r *Repository) MarkEmailFailed(ctx context.Context, id string) error {
	_, err := r.store.Execute(ctx,
		"UPDATE email_log SET status = ? WHERE id = ?", EmailStatusFailed, id)
	return err
}

// DeferEmail pushes a queued email into a later bucket because the current
// one is full.
func (r *Repository) DeferEmail(ctx context.Context, id string, sendAt time.Time, bucket string) error {
	_, err := r.store.Execute(ctx, `
		UPDATE email_log SET send_at = ?, hour_bucket = ?
		WHERE id = ? AND status = ?
	`, sendAt, bucket, id, EmailStatusQueued)
	return err
}

// CancelEmail withdraws a queued email. Returns ErrEmailNotFound when the id
// does not exist or the email already left the queue.
func (r *Repository) CancelEmail(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx,
		"UPDATE email_log SET status = ? WHERE id = ? AND status = ?",
		EmailStatusCancelled, id, EmailStatusQueued)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s (or no longer queued)", ErrEmailNotFound, id)
	}
	return nil
}

// DuplicateQueuedOrSent reports whether an email with the same content hash
// was queued or sent within the window. Guards against an agent composing the
// same message twice.
func (r *Repository) DuplicateQueuedOrSent(ctx context.Context, contentHash string, since time.Time) (bool, error) {
	var count int
	err := r.store.FetchOne(ctx, &count, `
		SELECT COUNT(*) FROM email_log
		WHERE content_hash = ? AND status IN (?, ?) AND queued_at >= ?
	`, contentHash, EmailStatusQueued, EmailStatusSent, since)
	if err != nil {
		return false, fmt.Errorf("check duplicate email: %w", err)
	}
	return count > 0, nil
}
