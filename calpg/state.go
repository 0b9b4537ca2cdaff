// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-calsync/calsync"
)

const stateColumns = `user_id, calendar_id, delta_token, last_full_sync_at, last_delta_sync_at, sync_in_progress,
	total_events, synced_events, conflicted_events, failed_events, last_sync_status, last_sync_error,
	version, updated_at`

func scanState(row pgx.Row) (*calsync.SyncState, error) {
	var st calsync.SyncState
	err := row.Scan(&st.UserID, &st.CalendarID, &st.DeltaToken, &st.LastFullSyncAt, &st.LastDeltaSyncAt,
		&st.SyncInProgress, &st.TotalEvents, &st.SyncedEvents, &st.ConflictedEvents, &st.FailedEvents,
		&st.LastSyncStatus, &st.LastSyncError, &st.Version, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.LastFullSyncAt = utcPtr(st.LastFullSyncAt)
	st.LastDeltaSyncAt = utcPtr(st.LastDeltaSyncAt)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

func (s *Store) GetSyncState(ctx context.Context, userID, calendarID string) (*calsync.SyncState, error) {
	st, err := scanState(s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM calsync.sync_state WHERE user_id = $1 AND calendar_id = $2`,
		userID, calendarID))
	return st, notFound(err)
}

func (s *Store) ListSyncStates(ctx context.Context, userID string) ([]calsync.SyncState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stateColumns+` FROM calsync.sync_state WHERE user_id = $1 ORDER BY updated_at DESC, calendar_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calsync.SyncState, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// SaveSyncState inserts a new row (Version 0) or updates the row only when its
// stored version still equals st.Version
func (s *Store) SaveSyncState(ctx context.Context, st *calsync.SyncState) error {
	if st.Version == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO calsync.sync_state (`+stateColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13)
			 ON CONFLICT (user_id, calendar_id) DO NOTHING`,
			st.UserID, st.CalendarID, st.DeltaToken, st.LastFullSyncAt, st.LastDeltaSyncAt, st.SyncInProgress,
			st.TotalEvents, st.SyncedEvents, st.ConflictedEvents, st.FailedEvents,
			st.LastSyncStatus, st.LastSyncError, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert sync state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return calsync.ErrStaleSyncState
		}
		st.Version = 1
		return nil
	}

	var version int64
	err := s.pool.QueryRow(ctx,
		`UPDATE calsync.sync_state SET
			delta_token = $3, last_full_sync_at = $4, last_delta_sync_at = $5, sync_in_progress = $6,
			total_events = $7, synced_events = $8, conflicted_events = $9, failed_events = $10,
			last_sync_status = $11, last_sync_error = $12, version = version + 1, updated_at = $13
		 WHERE user_id = $1 AND calendar_id = $2 AND version = $14
		 RETURNING version`,
		st.UserID, st.CalendarID, st.DeltaToken, st.LastFullSyncAt, st.LastDeltaSyncAt, st.SyncInProgress,
		st.TotalEvents, st.SyncedEvents, st.ConflictedEvents, st.FailedEvents,
		st.LastSyncStatus, st.LastSyncError, st.UpdatedAt, st.Version).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calsync.ErrStaleSyncState
		}
		return fmt.Errorf("update sync state: %w", err)
	}
	st.Version = version
	return nil
}

func (s *Store) DeleteSyncState(ctx context.Context, userID, calendarID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM calsync.sync_state WHERE user_id = $1 AND calendar_id = $2`, userID, calendarID)
	if err != nil {
		return fmt.Errorf("delete sync state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return calsync.ErrNotFound
	}
	return nil
}
