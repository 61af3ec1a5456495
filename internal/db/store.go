package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store is the thin transactional wrapper the rest of the engine talks to.
// Reads go to the reader pool, writes to the single writer connection.
type Store struct {
	pool *Pool
}

// NewStore wraps an open Pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Writer exposes the write connection for repositories that bind sqlx
// statements directly.
func (s *Store) Writer() *sqlx.DB { return s.pool.Writer() }

// Reader exposes the read-only pool.
func (s *Store) Reader() *sqlx.DB { return s.pool.Reader() }

// Execute runs a single write statement and returns its result.
func (s *Store) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.pool.Writer().ExecContext(ctx, query, args...)
}

// ExecuteMany runs one statement repeatedly inside a single transaction,
// once per argument tuple. All rows apply or none do.
func (s *Store) ExecuteMany(ctx context.Context, query string, argSets [][]interface{}) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare failed: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, args := range argSets {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchOne scans a single row into dest. Returns sql.ErrNoRows when the
// query matches nothing.
func (s *Store) FetchOne(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.pool.Reader().GetContext(ctx, dest, query, args...)
}

// FetchAll scans all matching rows into dest (a pointer to a slice).
func (s *Store) FetchAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.pool.Reader().SelectContext(ctx, dest, query, args...)
}

// Transaction runs fn inside a write transaction: commit on nil return,
// rollback on error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }
