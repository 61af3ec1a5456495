package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
)

// SyncToDB upserts the catalog YAML into the duties and missions tables.
// Definitions win for names, prompts and schedules; runtime state (enabled,
// last_run, next_run) belongs to the schedulers and is left alone.
func SyncToDB(ctx context.Context, store *db.Store, cfg *config.Config, log *logger.Logger) error {
	duties, err := LoadDuties(DutiesPath(cfg))
	if err != nil {
		return err
	}
	missions, err := LoadMissions(MissionsPath(cfg))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, d := range duties {
		promptFile := promptFileFor(cfg.ScheduledDir(), d.Slug)
		_, err := store.Execute(ctx, `
			INSERT INTO duties (id, slug, name, description, prompt_file, prompt_inline,
			                    schedule_time, schedule_days, timeout_minutes, enabled,
			                    created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				name            = excluded.name,
				description     = excluded.description,
				prompt_file     = excluded.prompt_file,
				prompt_inline   = excluded.prompt_inline,
				schedule_time   = excluded.schedule_time,
				schedule_days   = excluded.schedule_days,
				timeout_minutes = excluded.timeout_minutes,
				updated_at      = excluded.updated_at
		`, uuid.New().String(), d.Slug, d.Name, d.Description, promptFile, d.Prompt,
			d.ScheduleTime, d.ScheduleDays, timeoutOrDefault(d.TimeoutMinutes, 60), now, now)
		if err != nil {
			return fmt.Errorf("sync duty %s: %w", d.Slug, err)
		}
	}

	for _, m := range missions {
		promptFile := promptFileFor(cfg.MissionsDir(), m.Slug)
		_, err := store.Execute(ctx, `
			INSERT INTO missions (id, slug, name, description, source, prompt_file, prompt_inline,
			                      schedule_type, schedule_time, schedule_days, schedule_cron,
			                      timeout_minutes, role, mode, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'core_default', ?, ?, ?, ?, ?, ?, ?, ?, 'mission', 1, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				name            = excluded.name,
				description     = excluded.description,
				prompt_file     = excluded.prompt_file,
				prompt_inline   = excluded.prompt_inline,
				schedule_type   = excluded.schedule_type,
				schedule_time   = excluded.schedule_time,
				schedule_days   = excluded.schedule_days,
				schedule_cron   = excluded.schedule_cron,
				timeout_minutes = excluded.timeout_minutes,
				role            = excluded.role,
				updated_at      = excluded.updated_at
		`, uuid.New().String(), m.Slug, m.Name, m.Description, promptFile, m.Prompt,
			nullable(m.ScheduleType), nullable(m.ScheduleTime), nullable(m.ScheduleDays),
			nullable(m.ScheduleCron), timeoutOrDefault(m.TimeoutMinutes, 30), m.Role, now, now)
		if err != nil {
			return fmt.Errorf("sync mission %s: %w", m.Slug, err)
		}
	}

	log.Info("catalog synced",
		zap.Int("duties", len(duties)),
		zap.Int("missions", len(missions)))
	return nil
}

// promptFileFor returns the markdown path for a slug, or "" when the
// scaffold never produced one.
func promptFileFor(dir, slug string) string {
	path := filepath.Join(dir, slug+".md")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func timeoutOrDefault(minutes, fallback int) int {
	if minutes <= 0 {
		return fallback
	}
	return minutes
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
