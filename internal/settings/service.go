// Package settings exposes the persistent key/value settings that tune
// engine behavior without a restart.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
)

// Well-known setting keys. Callers read these with typed getters and fall
// back to their own defaults when unset.
const (
	KeyUserName             = "user.name"
	KeyHeartbeatEnabled     = "heartbeat.enabled"
	KeyWakeIntervalMinutes  = "heartbeat.wake_interval_minutes"
	KeyWakeWindowUntil      = "heartbeat.wake_window_until"
	KeyWakePauseUntil       = "heartbeat.wake_pause_until"
	KeyLastHeartbeat        = "heartbeat.last_wake"
	KeyEmailHourlyLimit     = "email.hourly_limit"
	KeyInitialPromptMinutes = "messaging.initial_prompt_minutes"
)

// ModelKey returns the per-role agent model override key, e.g.
// "agent.model.chief".
func ModelKey(role string) string {
	return "agent.model." + strings.ToLower(role)
}

// Service reads and writes the settings table.
type Service struct {
	store  *db.Store
	logger *logger.Logger
}

// NewService creates a settings service.
func NewService(store *db.Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithFields(zap.String("component", "settings")),
	}
}

// Get returns the raw value for a key and whether it exists.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.store.FetchOne(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetString returns the value for a key or the fallback when unset.
func (s *Service) GetString(ctx context.Context, key, fallback string) string {
	value, ok, err := s.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Settings read failed", zap.String("key", key), zap.Error(err))
		return fallback
	}
	if !ok {
		return fallback
	}
	return value
}

// GetInt returns the value for a key parsed as an int, or the fallback when
// unset or unparseable.
func (s *Service) GetInt(ctx context.Context, key string, fallback int) int {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		s.logger.Warn("Setting is not an integer",
			zap.String("key", key),
			zap.String("value", value))
		return fallback
	}
	return n
}

// GetBool returns the value for a key parsed as a bool, or the fallback when
// unset or unparseable. Accepts 1/0, true/false, yes/no, on/off.
func (s *Service) GetBool(ctx context.Context, key string, fallback bool) bool {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// GetTime returns the value for a key parsed as RFC3339. The second return
// is false when the key is unset or unparseable.
func (s *Service) GetTime(ctx context.Context, key string) (time.Time, bool) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		s.logger.Warn("Setting is not a timestamp",
			zap.String("key", key),
			zap.String("value", value))
		return time.Time{}, false
	}
	return t, true
}

// SetTime stores a timestamp setting as RFC3339.
func (s *Service) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.Set(ctx, key, t.UTC().Format(time.RFC3339))
}

// Set upserts a key/value pair.
func (s *Service) Set(ctx context.Context, key, value string) error {
	_, err := s.store.Execute(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// Delete removes a key. Missing keys are not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	_, err := s.store.Execute(ctx, "DELETE FROM settings WHERE key = ?", key)
	return err
}

// All returns every setting as a map.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.store.FetchAll(ctx, &rows, "SELECT key, value FROM settings ORDER BY key"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}
