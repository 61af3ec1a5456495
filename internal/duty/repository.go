// Package duty schedules recurring Chief interrupts. Duties always run on
// Chief itself: when one comes due the current Chief is warned, reset, and
// the replacement starts with the duty prompt as its opening task.
package duty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chiefd/chiefd/internal/db"
)

// Run outcomes recorded in last_status.
const (
	RunSuccess = "success"
	RunFailure = "failure"
)

// Duty is one scheduled Chief interrupt.
type Duty struct {
	ID             string     `db:"id" json:"id"`
	Slug           string     `db:"slug" json:"slug"`
	Name           string     `db:"name" json:"name"`
	Description    string     `db:"description" json:"description"`
	PromptFile     *string    `db:"prompt_file" json:"prompt_file,omitempty"`
	PromptInline   *string    `db:"prompt_inline" json:"prompt_inline,omitempty"`
	ScheduleTime   string     `db:"schedule_time" json:"schedule_time"`
	ScheduleDays   *string    `db:"schedule_days" json:"schedule_days,omitempty"`
	TimeoutMinutes int        `db:"timeout_minutes" json:"timeout_minutes"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	LastRun        *time.Time `db:"last_run" json:"last_run,omitempty"`
	LastStatus     *string    `db:"last_status" json:"last_status,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Days returns the allowed weekdays, or nil when the duty runs every day.
// Day tokens are lowercase three-letter abbreviations.
func (d *Duty) Days() map[string]bool {
	if d.ScheduleDays == nil || strings.TrimSpace(*d.ScheduleDays) == "" {
		return nil
	}
	days := make(map[string]bool)
	for _, tok := range strings.Split(*d.ScheduleDays, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			days[tok] = true
		}
	}
	if len(days) == 0 {
		return nil
	}
	return days
}

// Repository persists duties.
type Repository struct {
	store *db.Store
}

// NewRepository creates a duty repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

const dutyColumns = `id, slug, name, description, prompt_file, prompt_inline,
	schedule_time, schedule_days, timeout_minutes, enabled, last_run, last_status,
	created_at, updated_at`

// All returns every duty, enabled or not.
func (r *Repository) All(ctx context.Context) ([]*Duty, error) {
	var duties []*Duty
	err := r.store.FetchAll(ctx, &duties,
		`SELECT `+dutyColumns+` FROM duties ORDER BY schedule_time, slug`)
	if err != nil {
		return nil, fmt.Errorf("list duties: %w", err)
	}
	return duties, nil
}

// Enabled returns duties the scheduler should consider.
func (r *Repository) Enabled(ctx context.Context) ([]*Duty, error) {
	var duties []*Duty
	err := r.store.FetchAll(ctx, &duties,
		`SELECT `+dutyColumns+` FROM duties WHERE enabled = 1 ORDER BY schedule_time, slug`)
	if err != nil {
		return nil, fmt.Errorf("list enabled duties: %w", err)
	}
	return duties, nil
}

// GetBySlug returns one duty.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*Duty, error) {
	var d Duty
	err := r.store.FetchOne(ctx, &d,
		`SELECT `+dutyColumns+` FROM duties WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("duty not found: %s", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get duty: %w", err)
	}
	return &d, nil
}

// RecordRun stamps the outcome of a run.
func (r *Repository) RecordRun(ctx context.Context, id, status string, ranAt time.Time) error {
	_, err := r.store.Execute(ctx, `
		UPDATE duties SET last_run = ?, last_status = ?, updated_at = ? WHERE id = ?
	`, ranAt.UTC(), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record duty run: %w", err)
	}
	return nil
}

// SetEnabled toggles a duty.
func (r *Repository) SetEnabled(ctx context.Context, slug string, enabled bool) error {
	res, err := r.store.Execute(ctx, `
		UPDATE duties SET enabled = ?, updated_at = ? WHERE slug = ?
	`, enabled, time.Now().UTC(), slug)
	if err != nil {
		return fmt.Errorf("toggle duty: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("duty not found: %s", slug)
	}
	return nil
}
