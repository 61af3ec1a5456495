package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/logger"
)

//go:embed schema/schema.sql schema/migrations
var seedFS embed.FS

const schemaFileName = "schema.sql"

// EnsureSeedFiles scaffolds the embedded schema and migration files into the
// engine config directory. Existing files are never overwritten, so local
// edits and user-added migrations survive upgrades.
func EnsureSeedFiles(configDir string) error {
	migrationsDir := filepath.Join(configDir, "migrations")
	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create migrations dir: %w", err)
	}

	if err := copySeedFile("schema/schema.sql", filepath.Join(configDir, schemaFileName)); err != nil {
		return err
	}

	entries, err := fs.ReadDir(seedFS, "schema/migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := "schema/migrations/" + entry.Name()
		if err := copySeedFile(src, filepath.Join(migrationsDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copySeedFile(embedded, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", dest, err)
	}
	data, err := seedFS.ReadFile(embedded)
	if err != nil {
		return fmt.Errorf("failed to read embedded %s: %w", embedded, err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}

// Migrate brings the database up to the current schema. A fresh database gets
// the base DDL first, then any numbered migrations are applied in filename
// order. Failure here is fatal for the caller: running against a half-migrated
// store is worse than not starting.
func Migrate(ctx context.Context, pool *Pool, configDir string, log *logger.Logger) error {
	fresh, err := isFreshDatabase(ctx, pool)
	if err != nil {
		return err
	}
	if fresh {
		log.Info("Fresh database, applying base schema")
		if err := applyBaseSchema(ctx, pool, configDir); err != nil {
			return err
		}
	}
	return runMigrations(pool, filepath.Join(configDir, "migrations"), log)
}

// isFreshDatabase reports whether the base DDL has ever been applied, keyed
// off the sessions table since it is part of the initial schema.
func isFreshDatabase(ctx context.Context, pool *Pool) (bool, error) {
	var count int
	err := pool.Writer().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sessions'`)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return count == 0, nil
}

func applyBaseSchema(ctx context.Context, pool *Pool, configDir string) error {
	ddl, err := os.ReadFile(filepath.Join(configDir, schemaFileName))
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := pool.Writer().ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("failed to apply base schema: %w", err)
	}
	return nil
}

// runMigrations applies pending numbered migrations from the on-disk
// migrations directory and records each applied version.
func runMigrations(pool *Pool, migrationsDir string, log *logger.Logger) error {
	names, err := migrationNames(migrationsDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	driver, err := sqlite3.WithInstance(pool.Writer().DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := (&file.File{}).Open("file://" + migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to open migrations dir: %w", err)
	}

	m, err := migrate.NewWithInstance("file", src, "chiefd", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err == nil {
		version, _, verr := m.Version()
		if verr == nil {
			log.Info("Applied migrations", zap.Uint("version", version))
		}
	}

	// Close only the source. m.Close() would also close the database driver,
	// which closes the shared writer connection out from under the pool.
	if err := src.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// migrationNames lists migration files in lexicographic order. Used both to
// short-circuit when the directory is empty and by callers that want to log
// what is present on disk.
func migrationNames(migrationsDir string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read migrations dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
