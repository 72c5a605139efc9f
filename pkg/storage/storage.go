// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Storage wraps the sqlite database shared by the job queue and the
// unattributed-conversion log.
type Storage struct {
	db *sql.DB
}

// NewStorage opens (or creates) the sqlite database and runs migrations.
// Pass ":memory:" for an in-memory database.
func NewStorage(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The sqlite driver serializes writes; a single connection keeps
	// in-memory databases coherent as well.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Storage) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			entity_type     TEXT NOT NULL,
			change_type     TEXT NOT NULL,
			requested_value TEXT NOT NULL,
			payload         TEXT,
			status          TEXT NOT NULL,
			reason          TEXT,
			claimed_by      TEXT,
			attempts        INTEGER NOT NULL DEFAULT 0,
			jitter_min_ms   INTEGER NOT NULL DEFAULT 0,
			jitter_max_ms   INTEGER NOT NULL DEFAULT 0,
			run_after       INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			claimed_at      INTEGER,
			finished_at     INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, run_after, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_entity ON jobs(entity_id, updated_at)`,

		`CREATE TABLE IF NOT EXISTS unattributed_conversions (
			conversion_id TEXT PRIMARY KEY,
			value         TEXT NOT NULL,
			occurred_at   INTEGER NOT NULL,
			recorded_at   INTEGER NOT NULL,
			detail        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_unattributed_at ON unattributed_conversions(recorded_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:30], err)
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}
