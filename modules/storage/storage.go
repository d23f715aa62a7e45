// Package storage is the only writer to persistent state. Every other module
// goes through a Store to read or mutate printers, per-printer file
// inventories, the content-addressed library, and print job history.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/printernizer/printernizer/engine"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when an insert trips a uniqueness constraint.
// The library engine uses this as a first-class signal for concurrent ingests
// of the same content hash.
var ErrDuplicateKey = errors.New("duplicate key")

type Store struct {
	db *sql.DB
}

// New wraps an open database and applies all migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return s, nil
}

// Open opens the sqlite database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := engine.OpenDB(path)
	if err != nil {
		return nil, err
	}
	return New(db)
}

// DB exposes the underlying handle for the health probe and retention sweeps.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// migrate applies the ordered migration list. Re-runs are safe: statements
// that fail because the object already exists are skipped.
func (s *Store) migrate() error {
	for i, migration := range migrations {
		_, err := s.db.Exec(migration)
		if err == nil {
			continue
		}
		if migrationErrIgnorable(err) {
			slog.Debug("skipping already-applied migration", "index", i)
			continue
		}
		return fmt.Errorf("migration %d: %w", i, err)
	}
	return nil
}

func migrationErrIgnorable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
