// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"time"
)

// EventStore persists the local mirror. Lookups return ErrNotFound for absent rows.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*LocalEvent, error)
	FindByUserAndProviderID(ctx context.Context, userID, providerID string) (*LocalEvent, error)
	// FindDirty returns rows with LocallyModified set, oldest change first
	FindDirty(ctx context.Context, userID string) ([]LocalEvent, error)
	ListEvents(ctx context.Context, userID, calendarID string, limit, offset int) ([]LocalEvent, error)
	CreateEvent(ctx context.Context, ev *LocalEvent) error
	UpdateEvent(ctx context.Context, ev *LocalEvent) error
	DeleteEvent(ctx context.Context, id string) error
}

// ConflictResolutionUpdate stamps a pending conflict and applies its outcome to the
// mirror in one atomic step. Exactly one of UpsertEvent / DeleteEventID may be set.
type ConflictResolutionUpdate struct {
	ConflictID     string
	Resolution     Resolution
	ResolvedBy     string
	ResolvedAt     time.Time
	MergedSnapshot []byte
	UpsertEvent    *LocalEvent // Written with UpdateEvent semantics
	DeleteEventID  string
}

// ConflictStore persists conflicts
type ConflictStore interface {
	CreateConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	// FindPendingConflict returns the unresolved conflict for an event, or ErrNotFound
	FindPendingConflict(ctx context.Context, eventID string) (*Conflict, error)
	ListConflicts(ctx context.Context, userID string, pendingOnly bool, limit, offset int) ([]Conflict, error)
	// ResolveConflict must fail with ErrConflictAlreadyResolved unless the conflict is still pending
	ResolveConflict(ctx context.Context, upd ConflictResolutionUpdate) error
}

// SyncStateStore persists SyncState rows keyed by (userID, calendarID)
type SyncStateStore interface {
	GetSyncState(ctx context.Context, userID, calendarID string) (*SyncState, error)
	ListSyncStates(ctx context.Context, userID string) ([]SyncState, error)
	// SaveSyncState inserts when st.Version is 0, otherwise updates only when the
	// stored version equals st.Version. On success st.Version is advanced. A lost
	// race returns ErrStaleSyncState.
	SaveSyncState(ctx context.Context, st *SyncState) error
	DeleteSyncState(ctx context.Context, userID, calendarID string) error
}

// Store is the persistence collaborator of the sync engine
type Store interface {
	EventStore
	ConflictStore
	SyncStateStore
}
