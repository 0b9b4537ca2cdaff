// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"errors"
	"fmt"
)

// push publishes the user's dirty rows upstream. Per-row failures are recorded and
// the batch continues; a job-level provider error aborts the remaining rows.
func (o *Orchestrator) push(ctx context.Context, rc *runContext) (*SyncResult, error) {
	totalStart := o.stageStart()
	res := &SyncResult{}

	scanStart := o.stageStart()
	dirty, err := o.store.FindDirty(ctx, rc.userID)
	if err != nil {
		o.observeStage(ctx, MetricsOpPush, MetricsStageScanDirty, scanStart, 0, true)
		return nil, fmt.Errorf("find dirty events: %w", err)
	}
	rows := dirty[:0]
	for _, ev := range dirty {
		if ev.CalendarID == rc.calendarID {
			rows = append(rows, ev)
		}
	}
	o.observeStage(ctx, MetricsOpPush, MetricsStageScanDirty, scanStart, len(rows), false)

	uploadStart := o.stageStart()
	defer func() {
		o.observeStage(ctx, MetricsOpPush, MetricsStageUpload, uploadStart, res.Pushed, res.ErrorCount > 0)
		o.observeStage(ctx, MetricsOpPush, MetricsStageTotal, totalStart, res.Processed, res.ErrorCount > 0)
	}()

	for i := range rows {
		if rc.cancelled() {
			res.Cancelled = true
			break
		}
		ev := &rows[i]
		res.Processed++

		if ev.SyncStatus == EventConflicted {
			// Pending conflict must be resolved before the row goes upstream.
			res.Skipped++
			rc.progress(i+1, len(rows))
			continue
		}

		deleted, err := o.pushEvent(ctx, rc, ev)
		if err != nil {
			res.fail(ev.ID, derefString(ev.ProviderID), err)
			if isJobLevel(err) {
				res.finish()
				return res, err
			}
			o.logger.Warn("Failed to push event",
				"user_id", rc.userID,
				"event_id", ev.ID,
				"error", err)
			ev.SyncStatus = EventFailed
			ev.UpdatedAt = o.config.Now().UTC()
			if uerr := o.store.UpdateEvent(ctx, ev); uerr != nil {
				o.logger.Error("Failed to mark event as failed", "event_id", ev.ID, "error", uerr)
			}
			rc.progress(i+1, len(rows))
			continue
		}

		res.Pushed++
		res.Synced++
		if deleted {
			res.Deleted++
		}
		rc.progress(i+1, len(rows))
	}

	res.finish()
	return res, nil
}

// pushEvent sends one dirty row upstream and records the outcome locally.
// It reports whether the row was a tombstone that is now gone.
func (o *Orchestrator) pushEvent(ctx context.Context, rc *runContext, ev *LocalEvent) (bool, error) {
	if ev.Deleted {
		if ev.ProviderID != nil {
			token, err := o.accessToken(ctx, rc.userID)
			if err != nil {
				return false, err
			}
			if err := o.provider.DeleteEvent(ctx, token, *ev.ProviderID); err != nil && !errors.Is(err, ErrNotFound) {
				return false, err
			}
		}
		if err := o.store.DeleteEvent(ctx, ev.ID); err != nil {
			return false, fmt.Errorf("delete pushed tombstone: %w", err)
		}
		return true, nil
	}

	if err := validateFields(&ev.EventFields); err != nil {
		return false, err
	}
	token, err := o.accessToken(ctx, rc.userID)
	if err != nil {
		return false, err
	}

	if ev.ProviderID == nil {
		ref, err := o.provider.CreateEvent(ctx, token, rc.calendarID, ev.EventFields)
		if err != nil {
			return false, err
		}
		id := ref.ID
		ev.ProviderID = &id
		ev.ETag = ref.ETag
	} else {
		etag, err := o.provider.UpdateEvent(ctx, token, *ev.ProviderID, ev.ETag, ev.EventFields)
		if err != nil {
			return false, err
		}
		ev.ETag = etag
	}

	now := o.config.Now().UTC()
	ev.LocallyModified = false
	ev.SyncStatus = EventCompleted
	ev.LastSyncedAt = &now
	ev.UpdatedAt = now
	if err := o.store.UpdateEvent(ctx, ev); err != nil {
		o.logger.Error("Event pushed but local bookkeeping failed",
			"event_id", ev.ID,
			"provider_id", derefString(ev.ProviderID),
			"error", err)
		return false, fmt.Errorf("record pushed event: %w", err)
	}
	return false, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
