// Package daybook keeps the user's day: prioritized tasks, countdown timers
// and one-shot reminders. It renders the whole picture into Desktop/TODAY.md
// after every change and hands the heartbeat the lines worth waking the
// Chief for.
package daybook

import (
	"errors"
	"time"
)

// Priority levels, highest first in every listing.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// ErrNotFound is returned when a daybook row lookup misses.
var ErrNotFound = errors.New("daybook entry not found")

// Priority is one entry on a day's ordered task list. Date is a local
// YYYY-MM-DD day key.
type Priority struct {
	ID        string    `db:"id" json:"id"`
	Date      string    `db:"date" json:"date"`
	Content   string    `db:"content" json:"content"`
	Level     string    `db:"level" json:"level"`
	Completed bool      `db:"completed" json:"completed"`
	Position  int       `db:"position" json:"position"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Timer is a running countdown. Stopping a timer deletes its row; an expired
// row lingers so the next wake can mention it.
type Timer struct {
	ID        string    `db:"id" json:"id"`
	Label     string    `db:"label" json:"label"`
	Minutes   int       `db:"minutes" json:"minutes"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
	EndsAt    time.Time `db:"ends_at" json:"ends_at"`
	SessionID *string   `db:"session_id" json:"session_id,omitempty"`
}

// Remaining is how much of the countdown is left, zero once expired.
func (t *Timer) Remaining(now time.Time) time.Duration {
	if !t.EndsAt.After(now) {
		return 0
	}
	return t.EndsAt.Sub(now)
}

// Reminder is a one-shot message that becomes due at remind_at and stays
// listed until dismissed.
type Reminder struct {
	ID        string    `db:"id" json:"id"`
	Message   string    `db:"message" json:"message"`
	RemindAt  time.Time `db:"remind_at" json:"remind_at"`
	SessionID *string   `db:"session_id" json:"session_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Due reports whether the reminder's time has come.
func (r *Reminder) Due(now time.Time) bool { return !r.RemindAt.After(now) }

func validLevel(level string) bool {
	switch level {
	case LevelHigh, LevelMedium, LevelLow:
		return true
	}
	return false
}
