// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mobiletoly/go-calsync/calsync"
)

const eventColumns = `id, user_id, calendar_id, provider_id, etag, subject, description, location,
	start_at, end_at, time_zone, is_all_day, is_recurring, recurrence_pattern,
	locally_modified, remotely_modified, deleted, last_synced_at, sync_status, created_at, updated_at`

func scanEvent(row rowScanner) (*calsync.LocalEvent, error) {
	var (
		ev         calsync.LocalEvent
		providerID sql.NullString
		lastSynced sql.NullTime
	)
	err := row.Scan(
		&ev.ID, &ev.UserID, &ev.CalendarID, &providerID, &ev.ETag,
		&ev.Subject, &ev.Description, &ev.Location,
		&ev.Start, &ev.End, &ev.TimeZone, &ev.IsAllDay, &ev.IsRecurring, &ev.RecurrencePattern,
		&ev.LocallyModified, &ev.RemotelyModified, &ev.Deleted, &lastSynced,
		&ev.SyncStatus, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if providerID.Valid {
		id := providerID.String
		ev.ProviderID = &id
	}
	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		ev.LastSyncedAt = &t
	}
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	return &ev, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]calsync.LocalEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]calsync.LocalEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (s *Store) GetEvent(ctx context.Context, id string) (*calsync.LocalEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM local_event WHERE id = ?`, id)
	ev, err := scanEvent(row)
	return ev, notFound(err)
}

func (s *Store) FindByUserAndProviderID(ctx context.Context, userID, providerID string) (*calsync.LocalEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM local_event WHERE user_id = ? AND provider_id = ?`, userID, providerID)
	ev, err := scanEvent(row)
	return ev, notFound(err)
}

func (s *Store) FindDirty(ctx context.Context, userID string) ([]calsync.LocalEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM local_event
		 WHERE user_id = ? AND locally_modified = 1
		 ORDER BY updated_at, id`, userID)
}

// ListEvents pages through a user's mirror ordered by start time. An empty
// calendarID lists every calendar; limit <= 0 returns all rows.
func (s *Store) ListEvents(ctx context.Context, userID, calendarID string, limit, offset int) ([]calsync.LocalEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM local_event
		 WHERE user_id = ? AND (? = '' OR calendar_id = ?)
		 ORDER BY start_at, id
		 LIMIT ? OFFSET ?`, userID, calendarID, calendarID, limit, offset)
}

func (s *Store) CreateEvent(ctx context.Context, ev *calsync.LocalEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, ev)
	})
}

func (s *Store) UpdateEvent(ctx context.Context, ev *calsync.LocalEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateEvent(ctx, tx, ev)
	})
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteEvent(ctx, tx, id)
	})
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *calsync.LocalEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO local_event (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.CalendarID, nullString(ev.ProviderID), ev.ETag,
		ev.Subject, ev.Description, ev.Location,
		ev.Start.UTC(), ev.End.UTC(), ev.TimeZone, ev.IsAllDay, ev.IsRecurring, ev.RecurrencePattern,
		ev.LocallyModified, ev.RemotelyModified, ev.Deleted, nullTime(ev.LastSyncedAt),
		ev.SyncStatus, ev.CreatedAt.UTC(), ev.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func updateEvent(ctx context.Context, tx *sql.Tx, ev *calsync.LocalEvent) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE local_event SET
			calendar_id = ?, provider_id = ?, etag = ?, subject = ?, description = ?, location = ?,
			start_at = ?, end_at = ?, time_zone = ?, is_all_day = ?, is_recurring = ?, recurrence_pattern = ?,
			locally_modified = ?, remotely_modified = ?, deleted = ?, last_synced_at = ?, sync_status = ?,
			updated_at = ?
		 WHERE id = ?`,
		ev.CalendarID, nullString(ev.ProviderID), ev.ETag, ev.Subject, ev.Description, ev.Location,
		ev.Start.UTC(), ev.End.UTC(), ev.TimeZone, ev.IsAllDay, ev.IsRecurring, ev.RecurrencePattern,
		ev.LocallyModified, ev.RemotelyModified, ev.Deleted, nullTime(ev.LastSyncedAt), ev.SyncStatus,
		ev.UpdatedAt.UTC(), ev.ID,
	)
	if err != nil {
		return fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	return expectOneRow(res)
}

func deleteEvent(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM local_event WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return calsync.ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
