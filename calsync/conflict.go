// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DetectedConflict is the classification of a local/remote divergence
type DetectedConflict struct {
	Type           ConflictType
	ChangedFields  []string
	AutoResolvable bool
}

// EventSnapshot is the serialized form of one side of a conflict
type EventSnapshot struct {
	ProviderID string `json:"provider_id,omitempty"`
	ETag       string `json:"etag,omitempty"`
	EventFields
}

var fieldConflictTypes = map[string]ConflictType{
	FieldSubject:     ConflictTitle,
	FieldDescription: ConflictDescription,
	FieldLocation:    ConflictLocation,
	FieldStart:       ConflictStartTime,
	FieldEnd:         ConflictEndTime,
	FieldAllDay:      ConflictAllDay,
	FieldRecurrence:  ConflictRecurrence,
}

// diffFields returns the differing compared fields in classification order
func diffFields(local, remote EventFields) []string {
	var changed []string
	if local.Subject != remote.Subject {
		changed = append(changed, FieldSubject)
	}
	if local.Description != remote.Description {
		changed = append(changed, FieldDescription)
	}
	if local.Location != remote.Location {
		changed = append(changed, FieldLocation)
	}
	if !local.Start.Equal(remote.Start) {
		changed = append(changed, FieldStart)
	}
	if !local.End.Equal(remote.End) {
		changed = append(changed, FieldEnd)
	}
	if local.IsAllDay != remote.IsAllDay {
		changed = append(changed, FieldAllDay)
	}
	if local.IsRecurring != remote.IsRecurring {
		changed = append(changed, FieldRecurrence)
	}
	return changed
}

// DetectConflicts compares a dirty local row with the remote copy. It returns nil
// when the compared fields match, or when the remote copy has not been modified
// after since (the row's last sync time); a zero since always compares.
func DetectConflicts(local *LocalEvent, remote *RemoteEvent, since time.Time) *DetectedConflict {
	if !since.IsZero() && !remote.LastModified.IsZero() && !remote.LastModified.After(since) {
		return nil
	}
	changed := diffFields(local.EventFields, remote.EventFields)
	if len(changed) == 0 {
		return nil
	}
	t := fieldConflictTypes[changed[0]]
	auto := len(changed) == 1 && (t == ConflictTitle || t == ConflictDescription || t == ConflictLocation)
	return &DetectedConflict{
		Type:           t,
		ChangedFields:  changed,
		AutoResolvable: auto,
	}
}

func localSnapshot(ev *LocalEvent) json.RawMessage {
	snap := EventSnapshot{ETag: ev.ETag, EventFields: ev.EventFields}
	if ev.ProviderID != nil {
		snap.ProviderID = *ev.ProviderID
	}
	b, _ := json.Marshal(snap)
	return b
}

func remoteSnapshot(ev *RemoteEvent) json.RawMessage {
	b, _ := json.Marshal(EventSnapshot{ProviderID: ev.ProviderID, ETag: ev.ETag, EventFields: ev.EventFields})
	return b
}

// ConflictResolver persists detected conflicts and applies manual resolutions
type ConflictResolver struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewConflictResolver creates a resolver over the given store
func NewConflictResolver(store Store, logger *slog.Logger) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictResolver{store: store, logger: logger, now: time.Now}
}

// StoreConflict persists a pending conflict for the event. When the event already
// has a pending conflict no new record is written and the existing one is returned
// with created=false.
func (r *ConflictResolver) StoreConflict(
	ctx context.Context, local *LocalEvent, remote *RemoteEvent, detected *DetectedConflict,
) (c *Conflict, created bool, err error) {
	existing, err := r.store.FindPendingConflict(ctx, local.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("find pending conflict: %w", err)
	}

	c = &Conflict{
		ID:             uuid.NewString(),
		UserID:         local.UserID,
		EventID:        local.ID,
		Type:           detected.Type,
		ChangedFields:  detected.ChangedFields,
		LocalSnapshot:  localSnapshot(local),
		AutoResolvable: detected.AutoResolvable,
		Resolution:     ResolutionPending,
		DetectedAt:     r.now().UTC(),
	}
	if remote != nil {
		c.RemoteSnapshot = remoteSnapshot(remote)
	}
	if err := r.store.CreateConflict(ctx, c); err != nil {
		return nil, false, fmt.Errorf("create conflict: %w", err)
	}
	r.logger.Info("Conflict detected",
		"conflict_id", c.ID,
		"event_id", c.EventID,
		"type", c.Type,
		"changed_fields", c.ChangedFields,
		"auto_resolvable", c.AutoResolvable)
	return c, true, nil
}

// GetConflict returns a conflict owned by userID
func (r *ConflictResolver) GetConflict(ctx context.Context, userID, conflictID string) (*Conflict, error) {
	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListConflicts pages through a user's conflicts, newest first
func (r *ConflictResolver) ListConflicts(
	ctx context.Context, userID string, pendingOnly bool, limit, offset int,
) ([]Conflict, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return r.store.ListConflicts(ctx, userID, pendingOnly, limit, offset)
}

// ResolveConflictManually applies a resolution to the mirror and stamps the
// conflict. A conflict that already carries a resolution yields
// ErrConflictAlreadyResolved and nothing is changed.
func (r *ConflictResolver) ResolveConflictManually(
	ctx context.Context, userID, conflictID string, resolution Resolution, merged *EventFields, resolvedBy string,
) (*Conflict, error) {
	if !resolution.Valid() {
		return nil, &ValidationError{Field: "resolution", Message: fmt.Sprintf("unsupported resolution %q", resolution)}
	}
	if resolution == ResolutionMerge {
		if merged == nil {
			return nil, &ValidationError{Field: "merged", Message: "merge resolution requires merged event data"}
		}
		if err := validateFields(merged); err != nil {
			return nil, err
		}
	}

	c, err := r.GetConflict(ctx, userID, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, ErrConflictAlreadyResolved
	}

	now := r.now().UTC()
	upd := ConflictResolutionUpdate{
		ConflictID: c.ID,
		Resolution: resolution,
		ResolvedBy: resolvedBy,
		ResolvedAt: now,
	}

	ev, err := r.store.GetEvent(ctx, c.EventID)
	switch {
	case errors.Is(err, ErrNotFound):
		if resolution == ResolutionUseLocal || resolution == ResolutionMerge {
			return nil, fmt.Errorf("conflicted event %s no longer exists: %w", c.EventID, ErrNotFound)
		}
		ev = nil
	case err != nil:
		return nil, fmt.Errorf("load conflicted event: %w", err)
	}

	var remote *EventSnapshot
	if len(c.RemoteSnapshot) > 0 && string(c.RemoteSnapshot) != "null" {
		remote = &EventSnapshot{}
		if err := json.Unmarshal(c.RemoteSnapshot, remote); err != nil {
			return nil, fmt.Errorf("decode remote snapshot: %w", err)
		}
	}
	deletedRemotely := c.Type == ConflictDeletedRemotely

	if ev != nil {
		switch resolution {
		case ResolutionUseLocal:
			r.keepLocal(ev, remote, deletedRemotely)
			upd.UpsertEvent = ev
		case ResolutionMerge:
			ev.EventFields = *merged
			r.keepLocal(ev, remote, deletedRemotely)
			upd.MergedSnapshot, _ = json.Marshal(merged)
			upd.UpsertEvent = ev
		case ResolutionUseRemote:
			if deletedRemotely || remote == nil {
				upd.DeleteEventID = ev.ID
				break
			}
			ev.EventFields = remote.EventFields
			ev.ETag = remote.ETag
			ev.LocallyModified = false
			ev.RemotelyModified = false
			ev.SyncStatus = EventCompleted
			ev.LastSyncedAt = &now
			upd.UpsertEvent = ev
		case ResolutionSkip:
			if ev.SyncStatus == EventConflicted {
				ev.SyncStatus = EventPending
			}
			upd.UpsertEvent = ev
		}
		if upd.UpsertEvent != nil {
			upd.UpsertEvent.UpdatedAt = now
		}
	}

	if err := r.store.ResolveConflict(ctx, upd); err != nil {
		return nil, err
	}

	c.Resolution = resolution
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	c.MergedSnapshot = upd.MergedSnapshot
	r.logger.Info("Conflict resolved",
		"conflict_id", c.ID,
		"event_id", c.EventID,
		"resolution", resolution,
		"resolved_by", resolvedBy)
	return c, nil
}

// keepLocal marks the local content for the next push. A remotely deleted
// event is unbound so the push recreates it.
func (r *ConflictResolver) keepLocal(ev *LocalEvent, remote *EventSnapshot, deletedRemotely bool) {
	ev.LocallyModified = true
	ev.RemotelyModified = false
	ev.SyncStatus = EventPending
	switch {
	case deletedRemotely:
		ev.ProviderID = nil
		ev.ETag = ""
	case remote != nil:
		ev.ETag = remote.ETag
	}
}

// validateFields checks the invariants every stored or pushed event must hold
func validateFields(f *EventFields) error {
	if f.Start.IsZero() {
		return &ValidationError{Field: FieldStart, Message: "start time is required"}
	}
	if f.End.IsZero() {
		return &ValidationError{Field: FieldEnd, Message: "end time is required"}
	}
	if f.End.Before(f.Start) {
		return &ValidationError{Field: FieldEnd, Message: "end time precedes start time"}
	}
	return nil
}
