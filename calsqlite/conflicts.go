// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-calsync/calsync"
)

const conflictColumns = `id, user_id, event_id, conflict_type, changed_fields, local_snapshot, remote_snapshot,
	auto_resolvable, resolution, merged_snapshot, detected_at, resolved_at, resolved_by`

func scanConflict(row rowScanner) (*calsync.Conflict, error) {
	var (
		c          calsync.Conflict
		changed    string
		local      string
		remote     sql.NullString
		merged     sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.EventID, &c.Type, &changed, &local, &remote,
		&c.AutoResolvable, &c.Resolution, &merged, &c.DetectedAt, &resolvedAt, &c.ResolvedBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changed), &c.ChangedFields); err != nil {
		return nil, fmt.Errorf("decode changed fields of conflict %s: %w", c.ID, err)
	}
	c.LocalSnapshot = json.RawMessage(local)
	if remote.Valid {
		c.RemoteSnapshot = json.RawMessage(remote.String)
	}
	if merged.Valid {
		c.MergedSnapshot = json.RawMessage(merged.String)
	}
	c.DetectedAt = c.DetectedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		c.ResolvedAt = &t
	}
	return &c, nil
}

func rawOrNull(b []byte) sql.NullString {
	if len(b) == 0 || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (s *Store) CreateConflict(ctx context.Context, c *calsync.Conflict) error {
	changed, err := json.Marshal(c.ChangedFields)
	if err != nil {
		return err
	}
	if c.ChangedFields == nil {
		changed = []byte("[]")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conflict (`+conflictColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.EventID, string(c.Type), string(changed), string(c.LocalSnapshot),
			rawOrNull(c.RemoteSnapshot), c.AutoResolvable, string(c.Resolution), rawOrNull(c.MergedSnapshot),
			c.DetectedAt.UTC(), nullTime(c.ResolvedAt), c.ResolvedBy,
		)
		if err != nil {
			return fmt.Errorf("insert conflict %s: %w", c.ID, err)
		}
		return nil
	})
}

func (s *Store) GetConflict(ctx context.Context, id string) (*calsync.Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict WHERE id = ?`, id)
	c, err := scanConflict(row)
	return c, notFound(err)
}

func (s *Store) FindPendingConflict(ctx context.Context, eventID string) (*calsync.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict WHERE event_id = ? AND resolution = 'pending'`, eventID)
	c, err := scanConflict(row)
	return c, notFound(err)
}

func (s *Store) ListConflicts(
	ctx context.Context, userID string, pendingOnly bool, limit, offset int,
) ([]calsync.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict
		 WHERE user_id = ? AND (? = 0 OR resolution = 'pending')
		 ORDER BY detected_at DESC, id DESC
		 LIMIT ? OFFSET ?`, userID, pendingOnly, limit, offset)
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

// ResolveConflict stamps the conflict only while it is still pending and applies
// the event change in the same transaction
func (s *Store) ResolveConflict(ctx context.Context, upd calsync.ConflictResolutionUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conflict
			 SET resolution = ?, resolved_at = ?, resolved_by = ?, merged_snapshot = ?
			 WHERE id = ? AND resolution = 'pending'`,
			string(upd.Resolution), upd.ResolvedAt.UTC(), upd.ResolvedBy, rawOrNull(upd.MergedSnapshot), upd.ConflictID)
		if err != nil {
			return fmt.Errorf("stamp conflict %s: %w", upd.ConflictID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM conflict WHERE id = ?`, upd.ConflictID).Scan(&exists)
			if err != nil {
				return notFound(err)
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
