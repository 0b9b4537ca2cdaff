// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-calsync/calsync"
)

const conflictColumns = `id::text, user_id, event_id::text, conflict_type, changed_fields, local_snapshot,
	remote_snapshot, auto_resolvable, resolution, merged_snapshot, detected_at, resolved_at, resolved_by`

func scanConflict(row pgx.Row) (*calsync.Conflict, error) {
	var (
		c                     calsync.Conflict
		ctype, resolution     string
		local, remote, merged []byte
	)
	err := row.Scan(&c.ID, &c.UserID, &c.EventID, &ctype, &c.ChangedFields, &local,
		&remote, &c.AutoResolvable, &resolution, &merged, &c.DetectedAt, &c.ResolvedAt, &c.ResolvedBy)
	if err != nil {
		return nil, err
	}
	c.Type = calsync.ConflictType(ctype)
	c.Resolution = calsync.Resolution(resolution)
	c.LocalSnapshot = json.RawMessage(local)
	if remote != nil {
		c.RemoteSnapshot = json.RawMessage(remote)
	}
	if merged != nil {
		c.MergedSnapshot = json.RawMessage(merged)
	}
	c.DetectedAt = c.DetectedAt.UTC()
	c.ResolvedAt = utcPtr(c.ResolvedAt)
	return &c, nil
}

// jsonParam maps an empty or null snapshot to SQL NULL
func jsonParam(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}

func (s *Store) CreateConflict(ctx context.Context, c *calsync.Conflict) error {
	pk, err := parseID(c.ID)
	if err != nil {
		return &calsync.ValidationError{Field: "id", Message: err.Error()}
	}
	eventID, err := parseID(c.EventID)
	if err != nil {
		return &calsync.ValidationError{Field: "event_id", Message: err.Error()}
	}
	changed := c.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO calsync.conflict (
			id, user_id, event_id, conflict_type, changed_fields, local_snapshot, remote_snapshot,
			auto_resolvable, resolution, merged_snapshot, detected_at, resolved_at, resolved_by)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10::jsonb, $11, $12, $13)`,
		pk, c.UserID, eventID, string(c.Type), changed, string(c.LocalSnapshot), jsonParam(c.RemoteSnapshot),
		c.AutoResolvable, string(c.Resolution), jsonParam(c.MergedSnapshot), c.DetectedAt, c.ResolvedAt, c.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("insert conflict %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetConflict(ctx context.Context, id string) (*calsync.Conflict, error) {
	pk, err := parseID(id)
	if err != nil {
		return nil, err
	}
	c, err := scanConflict(s.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM calsync.conflict WHERE id = $1`, pk))
	return c, notFound(err)
}

func (s *Store) FindPendingConflict(ctx context.Context, eventID string) (*calsync.Conflict, error) {
	pk, err := parseID(eventID)
	if err != nil {
		return nil, err
	}
	c, err := scanConflict(s.pool.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM calsync.conflict WHERE event_id = $1 AND resolution = 'pending'`, pk))
	return c, notFound(err)
}

func (s *Store) ListConflicts(
	ctx context.Context, userID string, pendingOnly bool, limit, offset int,
) ([]calsync.Conflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conflictColumns+` FROM calsync.conflict
		 WHERE user_id = $1 AND (NOT $2::boolean OR resolution = 'pending')
		 ORDER BY detected_at DESC, id DESC
		 LIMIT $3 OFFSET $4`, userID, pendingOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calsync.Conflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ResolveConflict stamps the conflict while it is still pending and applies the
// event change in the same REPEATABLE READ transaction. Concurrent resolutions
// of one conflict serialize on the row: the loser sees no pending row.
func (s *Store) ResolveConflict(ctx context.Context, upd calsync.ConflictResolutionUpdate) error {
	pk, err := parseID(upd.ConflictID)
	if err != nil {
		return err
	}
	return s.withRetryableTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE calsync.conflict
			 SET resolution = $2, resolved_at = $3, resolved_by = $4, merged_snapshot = $5::jsonb
			 WHERE id = $1 AND resolution = 'pending'`,
			pk, string(upd.Resolution), upd.ResolvedAt, upd.ResolvedBy, jsonParam(upd.MergedSnapshot))
		if err != nil {
			return fmt.Errorf("stamp conflict %s: %w", upd.ConflictID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calsync.conflict WHERE id = $1)`, pk).Scan(&exists)
			if err != nil {
				return err
			}
			if !exists {
				return calsync.ErrNotFound
			}
			return calsync.ErrConflictAlreadyResolved
		}

		switch {
		case upd.UpsertEvent != nil:
			return updateEvent(ctx, tx, upd.UpsertEvent)
		case upd.DeleteEventID != "":
			if err := deleteEvent(ctx, tx, upd.DeleteEventID); err != nil && !errors.Is(err, calsync.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}
