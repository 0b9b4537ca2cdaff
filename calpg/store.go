// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package calpg is the PostgreSQL implementation of calsync.Store. All tables
// live in the calsync schema, which is created on first use.
package calpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-calsync/calsync"
)

// Config holds store settings
type Config struct {
	MaxTxRetries uint64        // Retries of a serialization/deadlock failure (default 5)
	LockTimeout  time.Duration // SET LOCAL lock_timeout for resolution transactions (default 3s)
}

// Store implements calsync.Store and calsync.CredentialSource over a pgx pool
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config Config
	now    func() time.Time
}

var (
	_ calsync.Store            = (*Store)(nil)
	_ calsync.CredentialSource = (*Store)(nil)
)

// New creates the store and applies the schema migrations
func New(ctx context.Context, pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Store, error) {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxTxRetries == 0 {
		cfg.MaxTxRetries = 5
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger, config: cfg, now: time.Now}

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	}); err != nil {
		logger.Error("Failed to initialize database schema", "error", err)
		return nil, fmt.Errorf("initialize calsync schema: %w", err)
	}
	logger.Debug("Database schema initialized successfully")
	return s, nil
}

// Pool exposes the underlying pool
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS calsync`,

		// 1) Per-(user, calendar) bookkeeping with an optimistic version
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS calsync.sync_state (
			user_id            TEXT        NOT NULL,
			calendar_id        TEXT        NOT NULL,
			delta_token        TEXT,
			last_full_sync_at  TIMESTAMPTZ,
			last_delta_sync_at TIMESTAMPTZ,
			sync_in_progress   BOOLEAN     NOT NULL DEFAULT FALSE,
			total_events       BIGINT      NOT NULL DEFAULT 0,
			synced_events      BIGINT      NOT NULL DEFAULT 0,
			conflicted_events  BIGINT      NOT NULL DEFAULT 0,
			failed_events      BIGINT      NOT NULL DEFAULT 0,
			last_sync_status   TEXT        NOT NULL DEFAULT '',
			last_sync_error    TEXT        NOT NULL DEFAULT '',
			version            BIGINT      NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, calendar_id)
		)`,

		// 2) Local mirror of remote events
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS calsync.local_event (
			id                 UUID        PRIMARY KEY,
			user_id            TEXT        NOT NULL,
			calendar_id        TEXT        NOT NULL,
			provider_id        TEXT,
			etag               TEXT        NOT NULL DEFAULT '',
			subject            TEXT        NOT NULL DEFAULT '',
			description        TEXT        NOT NULL DEFAULT '',
			location           TEXT        NOT NULL DEFAULT '',
			start_at           TIMESTAMPTZ NOT NULL,
			end_at             TIMESTAMPTZ NOT NULL,
			time_zone          TEXT        NOT NULL DEFAULT '',
			is_all_day         BOOLEAN     NOT NULL DEFAULT FALSE,
			is_recurring       BOOLEAN     NOT NULL DEFAULT FALSE,
			recurrence_pattern TEXT        NOT NULL DEFAULT '',
			locally_modified   BOOLEAN     NOT NULL DEFAULT FALSE,
			remotely_modified  BOOLEAN     NOT NULL DEFAULT FALSE,
			deleted            BOOLEAN     NOT NULL DEFAULT FALSE,
			last_synced_at     TIMESTAMPTZ,
			sync_status        TEXT        NOT NULL CHECK (sync_status IN ('pending','completed','conflicted','failed')),
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (end_at >= start_at)
		)`,
		/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS local_event_provider_uq
			ON calsync.local_event(user_id, provider_id) WHERE provider_id IS NOT NULL`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS local_event_dirty_idx
			ON calsync.local_event(user_id, updated_at) WHERE locally_modified`,

		// 3) Conflicts; no FK to local_event so resolved history survives remote deletes
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS calsync.conflict (
			id              UUID        PRIMARY KEY,
			user_id         TEXT        NOT NULL,
			event_id        UUID        NOT NULL,
			conflict_type   TEXT        NOT NULL,
			changed_fields  TEXT[]      NOT NULL DEFAULT '{}',
			local_snapshot  JSONB       NOT NULL,
			remote_snapshot JSONB,
			auto_resolvable BOOLEAN     NOT NULL DEFAULT FALSE,
			resolution      TEXT        NOT NULL DEFAULT 'pending'
			                CHECK (resolution IN ('pending','use_local','use_remote','merge','skip')),
			merged_snapshot JSONB,
			detected_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at     TIMESTAMPTZ,
			resolved_by     TEXT        NOT NULL DEFAULT ''
		)`,
		/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS conflict_pending_uq
			ON calsync.conflict(event_id) WHERE resolution = 'pending'`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS conflict_user_idx
			ON calsync.conflict(user_id, detected_at DESC)`,

		// 4) Upstream bearer tokens handed to the provider client
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS calsync.provider_credential (
			user_id      TEXT        PRIMARY KEY,
			access_token TEXT        NOT NULL,
			expires_at   TIMESTAMPTZ,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// parseID converts a row id to the UUID column type. Ids that are not UUIDs can
// never match a row.
func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", id, calsync.ErrNotFound)
	}
	return u, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return calsync.ErrNotFound
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
