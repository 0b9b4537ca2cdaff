// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-calsync/calsync"
)

const eventColumns = `id::text, user_id, calendar_id, provider_id, etag, subject, description, location,
	start_at, end_at, time_zone, is_all_day, is_recurring, recurrence_pattern,
	locally_modified, remotely_modified, deleted, last_synced_at, sync_status, created_at, updated_at`

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanEvent(row pgx.Row) (*calsync.LocalEvent, error) {
	var ev calsync.LocalEvent
	err := row.Scan(
		&ev.ID, &ev.UserID, &ev.CalendarID, &ev.ProviderID, &ev.ETag,
		&ev.Subject, &ev.Description, &ev.Location,
		&ev.Start, &ev.End, &ev.TimeZone, &ev.IsAllDay, &ev.IsRecurring, &ev.RecurrencePattern,
		&ev.LocallyModified, &ev.RemotelyModified, &ev.Deleted, &ev.LastSyncedAt,
		&ev.SyncStatus, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	ev.LastSyncedAt = utcPtr(ev.LastSyncedAt)
	return &ev, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]calsync.LocalEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	pk, err := parseID(id)
	if err != nil {
		return nil, err
	}
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM calsync.local_event WHERE id = $1`, pk))
	return ev, notFound(err)
}

func (s *Store) FindByUserAndProviderID(ctx context.Context, userID, providerID string) (*calsync.LocalEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM calsync.local_event WHERE user_id = $1 AND provider_id = $2`,
		userID, providerID))
	return ev, notFound(err)
}

func (s *Store) FindDirty(ctx context.Context, userID string) ([]calsync.LocalEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM calsync.local_event
		 WHERE user_id = $1 AND locally_modified
		 ORDER BY updated_at, id`, userID)
}

// ListEvents pages through a user's mirror ordered by start time. An empty
// calendarID lists every calendar; limit <= 0 returns all rows.
func (s *Store) ListEvents(ctx context.Context, userID, calendarID string, limit, offset int) ([]calsync.LocalEvent, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM calsync.local_event
		 WHERE user_id = $1 AND ($2::text = '' OR calendar_id = $2)
		 ORDER BY start_at, id
		 LIMIT $3 OFFSET $4`, userID, calendarID, lim, offset)
}

func (s *Store) CreateEvent(ctx context.Context, ev *calsync.LocalEvent) error {
	return insertEvent(ctx, s.pool, ev)
}

func (s *Store) UpdateEvent(ctx context.Context, ev *calsync.LocalEvent) error {
	return updateEvent(ctx, s.pool, ev)
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	return deleteEvent(ctx, s.pool, id)
}

func insertEvent(ctx context.Context, db execer, ev *calsync.LocalEvent) error {
	pk, err := parseID(ev.ID)
	if err != nil {
		return &calsync.ValidationError{Field: "id", Message: err.Error()}
	}
	_, err = db.Exec(ctx,
		`INSERT INTO calsync.local_event (
			id, user_id, calendar_id, provider_id, etag, subject, description, location,
			start_at, end_at, time_zone, is_all_day, is_recurring, recurrence_pattern,
			locally_modified, remotely_modified, deleted, last_synced_at, sync_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		pk, ev.UserID, ev.CalendarID, ev.ProviderID, ev.ETag, ev.Subject, ev.Description, ev.Location,
		ev.Start, ev.End, ev.TimeZone, ev.IsAllDay, ev.IsRecurring, ev.RecurrencePattern,
		ev.LocallyModified, ev.RemotelyModified, ev.Deleted, ev.LastSyncedAt, ev.SyncStatus, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func updateEvent(ctx context.Context, db execer, ev *calsync.LocalEvent) error {
	pk, err := parseID(ev.ID)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx,
		`UPDATE calsync.local_event SET
			calendar_id = $2, provider_id = $3, etag = $4, subject = $5, description = $6, location = $7,
			start_at = $8, end_at = $9, time_zone = $10, is_all_day = $11, is_recurring = $12,
			recurrence_pattern = $13, locally_modified = $14, remotely_modified = $15, deleted = $16,
			last_synced_at = $17, sync_status = $18, updated_at = $19
		 WHERE id = $1`,
		pk, ev.CalendarID, ev.ProviderID, ev.ETag, ev.Subject, ev.Description, ev.Location,
		ev.Start, ev.End, ev.TimeZone, ev.IsAllDay, ev.IsRecurring,
		ev.RecurrencePattern, ev.LocallyModified, ev.RemotelyModified, ev.Deleted,
		ev.LastSyncedAt, ev.SyncStatus, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return calsync.ErrNotFound
	}
	return nil
}

func deleteEvent(ctx context.Context, db execer, id string) error {
	pk, err := parseID(id)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `DELETE FROM calsync.local_event WHERE id = $1`, pk)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return calsync.ErrNotFound
	}
	return nil
}
