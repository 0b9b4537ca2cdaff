// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type applyOutcome int

const (
	outcomeUnchanged applyOutcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeDeleted
	outcomeConflict
	outcomeKnownConflict // event already has a pending conflict
)

// pullOutcome carries what the terminal SyncState update needs from a pull
type pullOutcome struct {
	result      *SyncResult
	finalCursor string
	fullSync    bool
	completed   bool // every fetched entry was processed
}

// pull fetches the delta feed and reconciles it into the mirror
func (o *Orchestrator) pull(ctx context.Context, rc *runContext) (*pullOutcome, error) {
	totalStart := o.stageStart()

	fetchStart := o.stageStart()
	batch, err := o.fetchDelta(ctx, rc)
	if err != nil {
		o.observeStage(ctx, MetricsOpPull, MetricsStageDeltaFetch, fetchStart, 0, true)
		o.observeStage(ctx, MetricsOpPull, MetricsStageTotal, totalStart, 0, true)
		return nil, err
	}
	o.observeStage(ctx, MetricsOpPull, MetricsStageDeltaFetch, fetchStart, len(batch.entries), false)

	reconcileStart := o.stageStart()
	res := o.reconcile(ctx, rc, batch.entries)
	res.FullSync = batch.fullSync
	o.observeStage(ctx, MetricsOpPull, MetricsStageReconcile, reconcileStart, res.Processed, res.ErrorCount > 0)
	o.observeStage(ctx, MetricsOpPull, MetricsStageTotal, totalStart, res.Processed, res.ErrorCount > 0)

	return &pullOutcome{
		result:      res,
		finalCursor: batch.finalCursor,
		fullSync:    batch.fullSync,
		completed:   !res.Cancelled,
	}, nil
}

// reconcile applies entries in delivered order. Per-event failures are recorded
// and never stop the batch.
func (o *Orchestrator) reconcile(ctx context.Context, rc *runContext, entries []DeltaEntry) *SyncResult {
	res := &SyncResult{}
	for i, entry := range entries {
		if rc.cancelled() {
			res.Cancelled = true
			break
		}
		res.Processed++

		outcome, eventID, err := o.applyEntry(ctx, rc, entry)
		if err != nil {
			o.logger.Warn("Failed to apply remote entry",
				"user_id", rc.userID,
				"provider_id", entry.ProviderID(),
				"kind", entry.Kind(),
				"error", err)
			res.fail(eventID, entry.ProviderID(), err)
		} else {
			switch outcome {
			case outcomeCreated:
				res.Created++
				res.Synced++
			case outcomeUpdated:
				res.Updated++
				res.Synced++
			case outcomeDeleted:
				res.Deleted++
				res.Synced++
			case outcomeConflict:
				res.ConflictCount++
			case outcomeKnownConflict:
				res.Skipped++
			default:
				res.Synced++
			}
		}
		rc.progress(i+1, len(entries))
	}
	res.finish()
	return res
}

func (o *Orchestrator) applyEntry(ctx context.Context, rc *runContext, entry DeltaEntry) (applyOutcome, string, error) {
	switch entry.Kind() {
	case EntryRemoved:
		return o.applyRemoved(ctx, rc, entry.ProviderID())
	case EntryActive:
		remote, _ := entry.Active()
		return o.applyActive(ctx, rc, &remote)
	case EntryMalformed:
		return outcomeUnchanged, "", &ValidationError{Message: entry.Reason()}
	default:
		return outcomeUnchanged, "", &ValidationError{Message: fmt.Sprintf("unknown delta entry kind %d", entry.Kind())}
	}
}

// applyRemoved deletes a clean mirror row or a pending local delete. A row with
// unpushed edits is never deleted; it raises a deleted_remotely conflict instead.
func (o *Orchestrator) applyRemoved(ctx context.Context, rc *runContext, providerID string) (applyOutcome, string, error) {
	if providerID == "" {
		return outcomeUnchanged, "", &ValidationError{Field: "id", Message: "removed entry without provider id"}
	}
	local, err := o.store.FindByUserAndProviderID(ctx, rc.userID, providerID)
	if errors.Is(err, ErrNotFound) {
		return outcomeUnchanged, "", nil
	}
	if err != nil {
		return outcomeUnchanged, "", fmt.Errorf("lookup event: %w", err)
	}

	if local.Dirty() && !local.Deleted {
		detected := &DetectedConflict{Type: ConflictDeletedRemotely}
		return o.raiseConflict(ctx, local, nil, detected)
	}

	if err := o.store.DeleteEvent(ctx, local.ID); err != nil {
		return outcomeUnchanged, local.ID, fmt.Errorf("delete event: %w", err)
	}
	return outcomeDeleted, local.ID, nil
}

func (o *Orchestrator) applyActive(ctx context.Context, rc *runContext, remote *RemoteEvent) (applyOutcome, string, error) {
	if remote.ProviderID == "" {
		return outcomeUnchanged, "", &ValidationError{Field: "id", Message: "event without provider id"}
	}
	if err := validateFields(&remote.EventFields); err != nil {
		return outcomeUnchanged, "", err
	}

	now := o.config.Now().UTC()
	local, err := o.store.FindByUserAndProviderID(ctx, rc.userID, remote.ProviderID)
	if errors.Is(err, ErrNotFound) {
		providerID := remote.ProviderID
		ev := &LocalEvent{
			ID:           uuid.NewString(),
			UserID:       rc.userID,
			CalendarID:   rc.calendarID,
			ProviderID:   &providerID,
			ETag:         remote.ETag,
			EventFields:  remote.EventFields,
			SyncStatus:   EventCompleted,
			LastSyncedAt: &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := o.store.CreateEvent(ctx, ev); err != nil {
			return outcomeUnchanged, "", fmt.Errorf("create event: %w", err)
		}
		return outcomeCreated, ev.ID, nil
	}
	if err != nil {
		return outcomeUnchanged, "", fmt.Errorf("lookup event: %w", err)
	}

	if !local.Dirty() {
		if local.ETag == remote.ETag && !local.RemotelyModified && local.SyncStatus == EventCompleted &&
			len(diffFields(local.EventFields, remote.EventFields)) == 0 {
			return outcomeUnchanged, local.ID, nil
		}
		o.adoptRemote(local, remote, now)
		if err := o.store.UpdateEvent(ctx, local); err != nil {
			return outcomeUnchanged, local.ID, fmt.Errorf("update event: %w", err)
		}
		return outcomeUpdated, local.ID, nil
	}

	var since = local.CreatedAt
	if local.LastSyncedAt != nil {
		since = *local.LastSyncedAt
	}
	detected := DetectConflicts(local, remote, since)
	if detected != nil {
		return o.raiseConflict(ctx, local, remote, detected)
	}

	if local.Deleted || len(diffFields(local.EventFields, remote.EventFields)) > 0 {
		// Remote untouched since the last sync: the local edit or delete waits for push.
		return outcomeUnchanged, local.ID, nil
	}
	// Remote already carries the local edit.
	o.adoptRemote(local, remote, now)
	local.LocallyModified = false
	if err := o.store.UpdateEvent(ctx, local); err != nil {
		return outcomeUnchanged, local.ID, fmt.Errorf("update event: %w", err)
	}
	return outcomeUpdated, local.ID, nil
}

func (o *Orchestrator) adoptRemote(local *LocalEvent, remote *RemoteEvent, now time.Time) {
	local.EventFields = remote.EventFields
	local.ETag = remote.ETag
	local.RemotelyModified = false
	local.SyncStatus = EventCompleted
	local.LastSyncedAt = &now
	local.UpdatedAt = now
}

// raiseConflict persists the conflict and flags the row; the remote values are not applied
func (o *Orchestrator) raiseConflict(
	ctx context.Context, local *LocalEvent, remote *RemoteEvent, detected *DetectedConflict,
) (applyOutcome, string, error) {
	_, created, err := o.resolver.StoreConflict(ctx, local, remote, detected)
	if err != nil {
		return outcomeUnchanged, local.ID, err
	}
	if local.SyncStatus != EventConflicted || !local.RemotelyModified {
		local.SyncStatus = EventConflicted
		local.RemotelyModified = true
		local.UpdatedAt = o.config.Now().UTC()
		if err := o.store.UpdateEvent(ctx, local); err != nil {
			return outcomeUnchanged, local.ID, fmt.Errorf("flag conflicted event: %w", err)
		}
	}
	if !created {
		return outcomeKnownConflict, local.ID, nil
	}
	return outcomeConflict, local.ID, nil
}
