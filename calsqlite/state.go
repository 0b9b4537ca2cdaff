// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mobiletoly/go-calsync/calsync"
)

const stateColumns = `user_id, calendar_id, delta_token, last_full_sync_at, last_delta_sync_at, sync_in_progress,
	total_events, synced_events, conflicted_events, failed_events, last_sync_status, last_sync_error,
	version, updated_at`

func scanState(row rowScanner) (*calsync.SyncState, error) {
	var (
		st        calsync.SyncState
		token     sql.NullString
		lastFull  sql.NullTime
		lastDelta sql.NullTime
	)
	err := row.Scan(&st.UserID, &st.CalendarID, &token, &lastFull, &lastDelta, &st.SyncInProgress,
		&st.TotalEvents, &st.SyncedEvents, &st.ConflictedEvents, &st.FailedEvents,
		&st.LastSyncStatus, &st.LastSyncError, &st.Version, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if token.Valid {
		t := token.String
		st.DeltaToken = &t
	}
	if lastFull.Valid {
		t := lastFull.Time.UTC()
		st.LastFullSyncAt = &t
	}
	if lastDelta.Valid {
		t := lastDelta.Time.UTC()
		st.LastDeltaSyncAt = &t
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

func (s *Store) GetSyncState(ctx context.Context, userID, calendarID string) (*calsync.SyncState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM sync_state WHERE user_id = ? AND calendar_id = ?`, userID, calendarID)
	st, err := scanState(row)
	return st, notFound(err)
}

func (s *Store) ListSyncStates(ctx context.Context, userID string) ([]calsync.SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM sync_state WHERE user_id = ? ORDER BY updated_at DESC, calendar_id`, userID)
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

// SaveSyncState writes the row with an optimistic version check
func (s *Store) SaveSyncState(ctx context.Context, st *calsync.SyncState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if st.Version == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO sync_state (`+stateColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
				 ON CONFLICT (user_id, calendar_id) DO NOTHING`,
				st.UserID, st.CalendarID, nullString(st.DeltaToken), nullTime(st.LastFullSyncAt),
				nullTime(st.LastDeltaSyncAt), st.SyncInProgress, st.TotalEvents, st.SyncedEvents,
				st.ConflictedEvents, st.FailedEvents, st.LastSyncStatus, st.LastSyncError, st.UpdatedAt.UTC())
			if err != nil {
				return fmt.Errorf("insert sync state: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return calsync.ErrStaleSyncState
			}
			st.Version = 1
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE sync_state SET
				delta_token = ?, last_full_sync_at = ?, last_delta_sync_at = ?, sync_in_progress = ?,
				total_events = ?, synced_events = ?, conflicted_events = ?, failed_events = ?,
				last_sync_status = ?, last_sync_error = ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND calendar_id = ? AND version = ?`,
			nullString(st.DeltaToken), nullTime(st.LastFullSyncAt), nullTime(st.LastDeltaSyncAt), st.SyncInProgress,
			st.TotalEvents, st.SyncedEvents, st.ConflictedEvents, st.FailedEvents,
			st.LastSyncStatus, st.LastSyncError, st.UpdatedAt.UTC(),
			st.UserID, st.CalendarID, st.Version)
		if err != nil {
			return fmt.Errorf("update sync state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return calsync.ErrStaleSyncState
		}
		st.Version++
		return nil
	})
}

func (s *Store) DeleteSyncState(ctx context.Context, userID, calendarID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sync_state WHERE user_id = ? AND calendar_id = ?`, userID, calendarID)
		if err != nil {
			return fmt.Errorf("delete sync state: %w", err)
		}
		return expectOneRow(res)
	})
}
