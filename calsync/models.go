// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"encoding/json"
	"time"
)

// SyncState is the persisted per-user (and per-calendar) sync bookkeeping row
type SyncState struct {
	UserID           string     `json:"user_id" db:"user_id"`
	CalendarID       string     `json:"calendar_id" db:"calendar_id"`               // Never empty, see DefaultCalendarID
	DeltaToken       *string    `json:"delta_token,omitempty" db:"delta_token"`     // Final delta cursor of the last completed pull
	LastFullSyncAt   *time.Time `json:"last_full_sync_at,omitempty" db:"last_full_sync_at"`
	LastDeltaSyncAt  *time.Time `json:"last_delta_sync_at,omitempty" db:"last_delta_sync_at"`
	SyncInProgress   bool       `json:"sync_in_progress" db:"sync_in_progress"`
	TotalEvents      int64      `json:"total_events" db:"total_events"`
	SyncedEvents     int64      `json:"synced_events" db:"synced_events"`
	ConflictedEvents int64      `json:"conflicted_events" db:"conflicted_events"`
	FailedEvents     int64      `json:"failed_events" db:"failed_events"`
	LastSyncStatus   string     `json:"last_sync_status,omitempty" db:"last_sync_status"`
	LastSyncError    string     `json:"last_sync_error,omitempty" db:"last_sync_error"`
	Version          int64      `json:"version" db:"version"` // 0 = not yet stored
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// EventFields are the content fields shared by the local mirror and the remote provider
type EventFields struct {
	Subject           string    `json:"subject"`
	Description       string    `json:"description,omitempty"`
	Location          string    `json:"location,omitempty"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	TimeZone          string    `json:"time_zone,omitempty"`
	IsAllDay          bool      `json:"is_all_day"`
	IsRecurring       bool      `json:"is_recurring"`
	RecurrencePattern string    `json:"recurrence_pattern,omitempty"` // Opaque provider recurrence JSON
}

// LocalEvent is one row of the local mirror
type LocalEvent struct {
	ID         string  `json:"id" db:"id"`
	UserID     string  `json:"user_id" db:"user_id"`
	CalendarID string  `json:"calendar_id" db:"calendar_id"`
	ProviderID *string `json:"provider_id,omitempty" db:"provider_id"` // nil until first successful push
	ETag       string  `json:"etag,omitempty" db:"etag"`
	EventFields
	LocallyModified  bool       `json:"locally_modified" db:"locally_modified"`
	RemotelyModified bool       `json:"remotely_modified" db:"remotely_modified"`
	Deleted          bool       `json:"deleted" db:"deleted"` // Local tombstone awaiting upstream delete
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	SyncStatus       string     `json:"sync_status" db:"sync_status"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Dirty reports whether the row carries local changes not yet pushed
func (e *LocalEvent) Dirty() bool {
	return e.LocallyModified
}

// Conflict is a persisted divergence between the local and remote copy of an event
type Conflict struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	EventID        string          `json:"event_id" db:"event_id"`
	Type           ConflictType    `json:"conflict_type" db:"conflict_type"`
	ChangedFields  []string        `json:"changed_fields" db:"changed_fields"`
	LocalSnapshot  json.RawMessage `json:"local_snapshot" db:"local_snapshot"`
	RemoteSnapshot json.RawMessage `json:"remote_snapshot,omitempty" db:"remote_snapshot"` // null for deleted_remotely
	AutoResolvable bool            `json:"auto_resolvable" db:"auto_resolvable"`
	Resolution     Resolution      `json:"resolution" db:"resolution"`
	MergedSnapshot json.RawMessage `json:"merged_snapshot,omitempty" db:"merged_snapshot"`
	DetectedAt     time.Time       `json:"detected_at" db:"detected_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy     string          `json:"resolved_by,omitempty" db:"resolved_by"`
}

// Resolved reports whether a resolution has been stamped
func (c *Conflict) Resolved() bool {
	return c.Resolution != ResolutionPending && c.Resolution != ""
}

// Calendar is a remote calendar visible to the user
type Calendar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
	CanEdit   bool   `json:"can_edit"`
}

func normalizeCalendarID(id string) string {
	if id == "" {
		return DefaultCalendarID
	}
	return id
}
