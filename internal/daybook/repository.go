package daybook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chiefd/chiefd/internal/db"
)

// Repository owns the priorities, timers and reminders tables.
type Repository struct {
	store *db.Store
}

// NewRepository creates a daybook repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

// CreatePriority appends an entry to the end of a day's list.
func (r *Repository) CreatePriority(ctx context.Context, date, content, level string) (*Priority, error) {
	p := &Priority{
		ID:        uuid.New().String(),
		Date:      date,
		Content:   content,
		Level:     level,
		CreatedAt: time.Now().UTC(),
	}
	err := r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &p.Position,
			"SELECT COALESCE(MAX(position), -1) + 1 FROM priorities WHERE date = ?", date); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO priorities (id, date, content, level, completed, position, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`, p.ID, p.Date, p.Content, p.Level, p.Position, p.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create priority: %w", err)
	}
	return p, nil
}

// GetPriority returns one priority row.
func (r *Repository) GetPriority(ctx context.Context, id string) (*Priority, error) {
	var p Priority
	err := r.store.FetchOne(ctx, &p, "SELECT * FROM priorities WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: priority %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PrioritiesForDate lists a day's entries, level first, then list position.
func (r *Repository) PrioritiesForDate(ctx context.Context, date string) ([]Priority, error) {
	var rows []Priority
	err := r.store.FetchAll(ctx, &rows, `
		SELECT * FROM priorities
		WHERE date = ?
		ORDER BY CASE level WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, position
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list priorities: %w", err)
	}
	return rows, nil
}

// CompletePriority marks an entry done. Completing twice is harmless.
func (r *Repository) CompletePriority(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, "UPDATE priorities SET completed = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireHit(res, "priority", id)
}

// DeletePriority removes an entry.
func (r *Repository) DeletePriority(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, "DELETE FROM priorities WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireHit(res, "priority", id)
}

// ReorderPriorities rewrites a day's positions to match ids. Entries not
// named keep their relative order after the named ones.
func (r *Repository) ReorderPriorities(ctx context.Context, date string, ids []string) error {
	return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"UPDATE priorities SET position = ? WHERE id = ? AND date = ?", i, id, date); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateTimer starts a countdown.
func (r *Repository) CreateTimer(ctx context.Context, label string, minutes int, sessionID string, now time.Time) (*Timer, error) {
	t := &Timer{
		ID:        uuid.New().String(),
		Label:     label,
		Minutes:   minutes,
		StartedAt: now,
		EndsAt:    now.Add(time.Duration(minutes) * time.Minute),
	}
	if sessionID != "" {
		t.SessionID = &sessionID
	}
	_, err := r.store.Execute(ctx, `
		INSERT INTO timers (id, label, minutes, started_at, ends_at, session_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.Label, t.Minutes, t.StartedAt, t.EndsAt, t.SessionID)
	if err != nil {
		return nil, fmt.Errorf("create timer: %w", err)
	}
	return t, nil
}

// DeleteTimer stops a countdown.
func (r *Repository) DeleteTimer(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, "DELETE FROM timers WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireHit(res, "timer", id)
}

// RunningTimers lists countdowns that have not expired, soonest first.
func (r *Repository) RunningTimers(ctx context.Context, now time.Time) ([]Timer, error) {
	var rows []Timer
	err := r.store.FetchAll(ctx, &rows,
		"SELECT * FROM timers WHERE ends_at > ? ORDER BY ends_at", now)
	if err != nil {
		return nil, fmt.Errorf("list running timers: %w", err)
	}
	return rows, nil
}

// ExpiredTimersSince lists countdowns that ran out inside (since, now].
func (r *Repository) ExpiredTimersSince(ctx context.Context, since, now time.Time) ([]Timer, error) {
	var rows []Timer
	err := r.store.FetchAll(ctx, &rows,
		"SELECT * FROM timers WHERE ends_at > ? AND ends_at <= ? ORDER BY ends_at", since, now)
	if err != nil {
		return nil, fmt.Errorf("list expired timers: %w", err)
	}
	return rows, nil
}

// PruneExpiredTimers drops countdowns that ran out before the cutoff. They
// have been mentioned by then; the table stays small.
func (r *Repository) PruneExpiredTimers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.store.Execute(ctx, "DELETE FROM timers WHERE ends_at <= ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune timers: %w", err)
	}
	return res.RowsAffected()
}

// CreateReminder schedules a one-shot message.
func (r *Repository) CreateReminder(ctx context.Context, message string, remindAt time.Time, sessionID string) (*Reminder, error) {
	rem := &Reminder{
		ID:        uuid.New().String(),
		Message:   message,
		RemindAt:  remindAt,
		CreatedAt: time.Now().UTC(),
	}
	if sessionID != "" {
		rem.SessionID = &sessionID
	}
	_, err := r.store.Execute(ctx, `
		INSERT INTO reminders (id, message, remind_at, session_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rem.ID, rem.Message, rem.RemindAt, rem.SessionID, rem.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	return rem, nil
}

// DeleteReminder dismisses a reminder.
func (r *Repository) DeleteReminder(ctx context.Context, id string) error {
	res, err := r.store.Execute(ctx, "DELETE FROM reminders WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireHit(res, "reminder", id)
}

// DueReminders lists reminders whose time has come, oldest first. Due
// reminders stay listed until dismissed.
func (r *Repository) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	var rows []Reminder
	err := r.store.FetchAll(ctx, &rows,
		"SELECT * FROM reminders WHERE remind_at <= ? ORDER BY remind_at", now)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return rows, nil
}

// UpcomingReminders lists reminders due inside (now, now+window].
func (r *Repository) UpcomingReminders(ctx context.Context, now time.Time, window time.Duration) ([]Reminder, error) {
	var rows []Reminder
	err := r.store.FetchAll(ctx, &rows,
		"SELECT * FROM reminders WHERE remind_at > ? AND remind_at <= ? ORDER BY remind_at",
		now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("list upcoming reminders: %w", err)
	}
	return rows, nil
}

func requireHit(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}
