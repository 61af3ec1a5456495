// Package mission schedules non-chief agent runs and carries the Chief
// heartbeat. Missions get their own tmux window and report back through the
// engine's tools; the heartbeat nudges a quiet Chief when something needs
// attention.
package mission

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

// Schedule types.
const (
	ScheduleTypeTime = "time"
	ScheduleTypeCron = "cron"
)

// Mission is one schedulable agent task.
type Mission struct {
	ID             string     `db:"id" json:"id"`
	Slug           string     `db:"slug" json:"slug"`
	Name           string     `db:"name" json:"name"`
	Description    string     `db:"description" json:"description"`
	Source         string     `db:"source" json:"source"`
	AppSlug        *string    `db:"app_slug" json:"app_slug,omitempty"`
	PromptFile     *string    `db:"prompt_file" json:"prompt_file,omitempty"`
	PromptInline   *string    `db:"prompt_inline" json:"prompt_inline,omitempty"`
	ScheduleType   *string    `db:"schedule_type" json:"schedule_type,omitempty"`
	ScheduleTime   *string    `db:"schedule_time" json:"schedule_time,omitempty"`
	ScheduleDays   *string    `db:"schedule_days" json:"schedule_days,omitempty"`
	ScheduleCron   *string    `db:"schedule_cron" json:"schedule_cron,omitempty"`
	TriggerType    *string    `db:"trigger_type" json:"trigger_type,omitempty"`
	TriggerConfig  *string    `db:"trigger_config" json:"trigger_config,omitempty"`
	TimeoutMinutes int        `db:"timeout_minutes" json:"timeout_minutes"`
	Role           string     `db:"role" json:"role"`
	Mode           string     `db:"mode" json:"mode"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	NextRun        *time.Time `db:"next_run" json:"next_run,omitempty"`
	LastRun        *time.Time `db:"last_run" json:"last_run,omitempty"`
	LastStatus     *string    `db:"last_status" json:"last_status,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Recurring reports whether the mission reschedules itself after a run.
func (m *Mission) Recurring() bool {
	return m.ScheduleType != nil && *m.ScheduleType != ""
}

// Days returns the allowed weekdays for time schedules, or nil for any day.
func (m *Mission) Days() map[string]bool {
	if m.ScheduleDays == nil || strings.TrimSpace(*m.ScheduleDays) == "" {
		return nil
	}
	days := make(map[string]bool)
	for _, tok := range strings.Split(*m.ScheduleDays, ",") {
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

// Repository persists missions.
type Repository struct {
	store *db.Store
}

// NewRepository creates a mission repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

const missionColumns = `id, slug, name, description, source, app_slug, prompt_file,
	prompt_inline, schedule_type, schedule_time, schedule_days, schedule_cron,
	trigger_type, trigger_config, timeout_minutes, role, mode, enabled,
	next_run, last_run, last_status, created_at, updated_at`

// Get returns one mission by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Mission, error) {
	var m Mission
	err := r.store.FetchOne(ctx, &m,
		`SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	return &m, nil
}

// GetBySlug returns one mission by slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*Mission, error) {
	var m Mission
	err := r.store.FetchOne(ctx, &m,
		`SELECT `+missionColumns+` FROM missions WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission not found: %s", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	return &m, nil
}

// All returns every mission.
func (r *Repository) All(ctx context.Context) ([]*Mission, error) {
	var missions []*Mission
	err := r.store.FetchAll(ctx, &missions,
		`SELECT `+missionColumns+` FROM missions ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	return missions, nil
}

// Due returns enabled, non-chief missions whose next_run has arrived,
// soonest first.
func (r *Repository) Due(ctx context.Context, now time.Time) ([]*Mission, error) {
	var missions []*Mission
	err := r.store.FetchAll(ctx, &missions,
		`SELECT `+missionColumns+` FROM missions
		 WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ? AND role != 'chief'
		 ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due missions: %w", err)
	}
	return missions, nil
}

// NeedingNextRun returns enabled recurring missions with no next_run, i.e.
// fresh syncs and missions whose scheduling was interrupted.
func (r *Repository) NeedingNextRun(ctx context.Context) ([]*Mission, error) {
	var missions []*Mission
	err := r.store.FetchAll(ctx, &missions,
		`SELECT `+missionColumns+` FROM missions
		 WHERE enabled = 1 AND next_run IS NULL
		   AND schedule_type IS NOT NULL AND schedule_type != ''`)
	if err != nil {
		return nil, fmt.Errorf("list missions needing next_run: %w", err)
	}
	return missions, nil
}

// ClearNextRun removes the pending schedule so a due mission cannot be
// dispatched twice.
func (r *Repository) ClearNextRun(ctx context.Context, id string) error {
	_, err := r.store.Execute(ctx,
		`UPDATE missions SET next_run = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clear next_run: %w", err)
	}
	return nil
}

// SetNextRun schedules the next occurrence.
func (r *Repository) SetNextRun(ctx context.Context, id string, next time.Time) error {
	_, err := r.store.Execute(ctx,
		`UPDATE missions SET next_run = ?, updated_at = ? WHERE id = ?`,
		next.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set next_run: %w", err)
	}
	return nil
}

// RecordRun stamps the outcome of a run.
func (r *Repository) RecordRun(ctx context.Context, id, status string, ranAt time.Time) error {
	_, err := r.store.Execute(ctx,
		`UPDATE missions SET last_run = ?, last_status = ?, updated_at = ? WHERE id = ?`,
		ranAt.UTC(), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record mission run: %w", err)
	}
	return nil
}

// SetEnabled toggles a mission.
func (r *Repository) SetEnabled(ctx context.Context, slug string, enabled bool) error {
	res, err := r.store.Execute(ctx,
		`UPDATE missions SET enabled = ?, updated_at = ? WHERE slug = ?`,
		enabled, time.Now().UTC(), slug)
	if err != nil {
		return fmt.Errorf("toggle mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission not found: %s", slug)
	}
	return nil
}
