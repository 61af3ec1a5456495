package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chiefd/chiefd/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// setupMigratedStore scaffolds seed files into a temp config dir, opens a
// fresh database, and brings it fully up to date.
func setupMigratedStore(t *testing.T) (*Store, string) {
	t.Helper()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "config")
	if err := EnsureSeedFiles(configDir); err != nil {
		t.Fatalf("failed to scaffold seed files: %v", err)
	}

	pool, err := Open(filepath.Join(tmpDir, "data", "system.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	if err := Migrate(context.Background(), pool, configDir, testLogger(t)); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(pool), configDir
}

func TestOpen_CreatesFileAndDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "deeper", "system.db")

	pool, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer pool.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file to exist: %v", err)
	}
	if pool.Writer() == nil || pool.Reader() == nil {
		t.Error("expected writer and reader to be initialized")
	}
}

func TestEnsureSeedFiles(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "config")

	if err := EnsureSeedFiles(configDir); err != nil {
		t.Fatalf("failed to scaffold: %v", err)
	}

	if _, err := os.Stat(filepath.Join(configDir, "schema.sql")); err != nil {
		t.Errorf("expected schema.sql to be scaffolded: %v", err)
	}
	names, err := migrationNames(filepath.Join(configDir, "migrations"))
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	if len(names) != 6 {
		t.Errorf("expected 6 migration files (3 up, 3 down), got %d: %v", len(names), names)
	}

	// Local edits must survive a second scaffold pass.
	schemaPath := filepath.Join(configDir, "schema.sql")
	if err := os.WriteFile(schemaPath, []byte("-- locally edited\n"), 0o644); err != nil {
		t.Fatalf("failed to edit schema: %v", err)
	}
	if err := EnsureSeedFiles(configDir); err != nil {
		t.Fatalf("failed to re-scaffold: %v", err)
	}
	data, _ := os.ReadFile(schemaPath)
	if string(data) != "-- locally edited\n" {
		t.Error("expected existing schema.sql to be left alone")
	}
}

func TestMigrate_FreshDatabase(t *testing.T) {
	store, _ := setupMigratedStore(t)
	ctx := context.Background()

	for _, table := range []string{"sessions", "handoffs", "missions", "mission_executions", "duties", "workers", "conversation_notifications", "worker_clarifications", "settings", "email_log"} {
		var count int
		err := store.FetchOne(ctx, &count,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}

	// Migration 001 added the attention columns to workers.
	_, err := store.Execute(ctx,
		`INSERT INTO workers (id, short_id, task_type, created_at, needs_attention) VALUES (?, ?, ?, ?, 1)`,
		"w-1", "w1", "research", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Errorf("expected needs_attention column from migration 001: %v", err)
	}

	var version int
	if err := store.FetchOne(ctx, &version, `SELECT version FROM schema_migrations`); err != nil {
		t.Fatalf("failed to read recorded migration version: %v", err)
	}
	if version != 3 {
		t.Errorf("expected migration version 3, got %d", version)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store, configDir := setupMigratedStore(t)
	if err := Migrate(context.Background(), store.pool, configDir, testLogger(t)); err != nil {
		t.Fatalf("expected second migrate to be a no-op, got: %v", err)
	}
}

func TestStore_ExecuteAndFetch(t *testing.T) {
	store, _ := setupMigratedStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := store.Execute(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)`, "model.chief", "opus", now)
	if err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("expected 1 row affected, got %d", n)
	}

	var value string
	if err := store.FetchOne(ctx, &value, `SELECT value FROM settings WHERE key = ?`, "model.chief"); err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}
	if value != "opus" {
		t.Errorf("expected value 'opus', got %s", value)
	}

	var keys []string
	if err := store.FetchAll(ctx, &keys, `SELECT key FROM settings ORDER BY key`); err != nil {
		t.Fatalf("failed to fetch all: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("expected 1 key, got %d", len(keys))
	}
}

func TestStore_ExecuteMany(t *testing.T) {
	store, _ := setupMigratedStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	err := store.ExecuteMany(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
		[][]interface{}{
			{"a", "1", now},
			{"b", "2", now},
			{"c", "3", now},
		})
	if err != nil {
		t.Fatalf("failed to execute many: %v", err)
	}

	var count int
	_ = store.FetchOne(ctx, &count, `SELECT COUNT(*) FROM settings`)
	if count != 3 {
		t.Errorf("expected 3 settings, got %d", count)
	}
}

func TestStore_TransactionRollback(t *testing.T) {
	store, _ := setupMigratedStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	err := store.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)`, "tmp", "x", now); err != nil {
			return err
		}
		return os.ErrInvalid
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}

	var count int
	_ = store.FetchOne(ctx, &count, `SELECT COUNT(*) FROM settings WHERE key = 'tmp'`)
	if count != 0 {
		t.Error("expected insert to be rolled back")
	}
}

func TestActiveSessionUniquePerConversation(t *testing.T) {
	store, _ := setupMigratedStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	insert := func(id string) error {
		_, err := store.Execute(ctx,
			`INSERT INTO sessions (id, conversation_id, role, mode, started_at, last_seen_at)
			 VALUES (?, 'chief', 'chief', 'normal', ?, ?)`, id, now, now)
		return err
	}

	if err := insert("s-1"); err != nil {
		t.Fatalf("failed to insert first session: %v", err)
	}
	err := insert("s-2")
	if err == nil {
		t.Fatal("expected second active session in same conversation to be rejected")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "unique") {
		t.Errorf("expected unique constraint error, got: %v", err)
	}

	if _, err := store.Execute(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = 'handoff' WHERE id = 's-1'`, now); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}
	if err := insert("s-2"); err != nil {
		t.Errorf("expected insert to succeed after previous session ended: %v", err)
	}
}
