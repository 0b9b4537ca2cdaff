// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package calsqlite is a SQLite implementation of calsync.Store used by the
// command line tool and by tests that need a real SQL engine.
package calsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-calsync/calsync"
)

// Store implements calsync.Store over a single SQLite database
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex // Serialize write transactions to avoid SQLITE_BUSY
}

var _ calsync.Store = (*Store)(nil)

// Open opens (or creates) the database file at path and initializes the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. The pool is pinned to one connection so
// that in-memory databases stay visible to every query.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database
func (s *Store) Close() error { return s.db.Close() }

func initializeDatabase(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			user_id            TEXT      NOT NULL,
			calendar_id        TEXT      NOT NULL,
			delta_token        TEXT,
			last_full_sync_at  TIMESTAMP,
			last_delta_sync_at TIMESTAMP,
			sync_in_progress   BOOLEAN   NOT NULL DEFAULT 0,
			total_events       INTEGER   NOT NULL DEFAULT 0,
			synced_events      INTEGER   NOT NULL DEFAULT 0,
			conflicted_events  INTEGER   NOT NULL DEFAULT 0,
			failed_events      INTEGER   NOT NULL DEFAULT 0,
			last_sync_status   TEXT      NOT NULL DEFAULT '',
			last_sync_error    TEXT      NOT NULL DEFAULT '',
			version            INTEGER   NOT NULL,
			updated_at         TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, calendar_id)
		)`,
		`CREATE TABLE IF NOT EXISTS local_event (
			id                 TEXT      PRIMARY KEY,
			user_id            TEXT      NOT NULL,
			calendar_id        TEXT      NOT NULL,
			provider_id        TEXT,
			etag               TEXT      NOT NULL DEFAULT '',
			subject            TEXT      NOT NULL DEFAULT '',
			description        TEXT      NOT NULL DEFAULT '',
			location           TEXT      NOT NULL DEFAULT '',
			start_at           TIMESTAMP NOT NULL,
			end_at             TIMESTAMP NOT NULL,
			time_zone          TEXT      NOT NULL DEFAULT '',
			is_all_day         BOOLEAN   NOT NULL DEFAULT 0,
			is_recurring       BOOLEAN   NOT NULL DEFAULT 0,
			recurrence_pattern TEXT      NOT NULL DEFAULT '',
			locally_modified   BOOLEAN   NOT NULL DEFAULT 0,
			remotely_modified  BOOLEAN   NOT NULL DEFAULT 0,
			deleted            BOOLEAN   NOT NULL DEFAULT 0,
			last_synced_at     TIMESTAMP,
			sync_status        TEXT      NOT NULL,
			created_at         TIMESTAMP NOT NULL,
			updated_at         TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS local_event_provider_uq
			ON local_event(user_id, provider_id) WHERE provider_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS local_event_dirty_idx
			ON local_event(user_id, locally_modified, updated_at)`,
		// Conflicts outlive the event row so resolved history survives remote deletes.
		`CREATE TABLE IF NOT EXISTS conflict (
			id               TEXT      PRIMARY KEY,
			user_id          TEXT      NOT NULL,
			event_id         TEXT      NOT NULL,
			conflict_type    TEXT      NOT NULL,
			changed_fields   TEXT      NOT NULL DEFAULT '[]',
			local_snapshot   TEXT      NOT NULL,
			remote_snapshot  TEXT,
			auto_resolvable  BOOLEAN   NOT NULL DEFAULT 0,
			resolution       TEXT      NOT NULL DEFAULT 'pending',
			merged_snapshot  TEXT,
			detected_at      TIMESTAMP NOT NULL,
			resolved_at      TIMESTAMP,
			resolved_by      TEXT      NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conflict_pending_uq
			ON conflict(event_id) WHERE resolution = 'pending'`,
		`CREATE INDEX IF NOT EXISTS conflict_user_idx
			ON conflict(user_id, detected_at)`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn in a write transaction
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return calsync.ErrNotFound
	}
	return err
}
