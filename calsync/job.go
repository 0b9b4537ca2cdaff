// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"errors"
	"time"
)

// StartOptions are the caller-supplied parameters of a sync request
type StartOptions struct {
	Direction     Direction `json:"direction"`
	Trigger       Trigger   `json:"trigger,omitempty"`
	CalendarID    string    `json:"calendar_id,omitempty"`     // Empty means DefaultCalendarID
	ForceFullSync bool      `json:"force_full_sync,omitempty"` // Ignore the stored delta cursor
}

// SyncJob is an in-memory snapshot of one sync run
type SyncJob struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	CalendarID  string      `json:"calendar_id"`
	Direction   Direction   `json:"direction"`
	Trigger     Trigger     `json:"trigger"`
	Status      JobStatus   `json:"status"`
	Progress    int         `json:"progress"` // 0..100
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      *SyncResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Duration is the wall time of a finished job, zero otherwise
func (j *SyncJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// EventFailure is a per-event error recorded without aborting the batch
type EventFailure struct {
	EventID    string `json:"event_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	Message    string `json:"message"`
	Validation bool   `json:"validation,omitempty"`
}

// SyncResult aggregates the outcome of one or both sync phases
type SyncResult struct {
	Success       bool           `json:"success"`
	FullSync      bool           `json:"full_sync"`
	Cancelled     bool           `json:"cancelled,omitempty"`
	Processed     int            `json:"processed"`
	Synced        int            `json:"synced"`
	Created       int            `json:"created"`
	Updated       int            `json:"updated"`
	Deleted       int            `json:"deleted"`
	Pushed        int            `json:"pushed"`
	Skipped       int            `json:"skipped"`
	ConflictCount int            `json:"conflict_count"`
	ErrorCount    int            `json:"error_count"`
	Failures      []EventFailure `json:"failures,omitempty"`
}

func (r *SyncResult) fail(eventID, providerID string, err error) {
	var vErr *ValidationError
	r.ErrorCount++
	r.Failures = append(r.Failures, EventFailure{
		EventID:    eventID,
		ProviderID: providerID,
		Message:    err.Error(),
		Validation: errors.As(err, &vErr),
	})
}

func (r *SyncResult) finish() {
	r.Success = r.ErrorCount == 0 && !r.Cancelled
}

// merge folds a later phase into r; used by the bidirectional strategy
func (r *SyncResult) merge(o *SyncResult) {
	if o == nil {
		return
	}
	r.FullSync = r.FullSync || o.FullSync
	r.Cancelled = r.Cancelled || o.Cancelled
	r.Processed += o.Processed
	r.Synced += o.Synced
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Pushed += o.Pushed
	r.Skipped += o.Skipped
	r.ConflictCount += o.ConflictCount
	r.ErrorCount += o.ErrorCount
	r.Failures = append(r.Failures, o.Failures...)
}

// SyncHistory is returned by Orchestrator.GetSyncHistory
type SyncHistory struct {
	States []SyncState `json:"states"`
	Jobs   []SyncJob   `json:"jobs"`
	Total  int         `json:"total"` // Retained jobs before limit/offset
}

// SyncMetrics is returned by Orchestrator.GetSyncMetrics
type SyncMetrics struct {
	WindowDays      int           `json:"window_days"`
	TotalJobs       int           `json:"total_jobs"`
	CompletedJobs   int           `json:"completed_jobs"`
	FailedJobs      int           `json:"failed_jobs"`
	SuccessfulJobs  int           `json:"successful_jobs"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration_ns"`
	EventsProcessed int           `json:"events_processed"`
	EventsCreated   int           `json:"events_created"`
	EventsUpdated   int           `json:"events_updated"`
	EventsDeleted   int           `json:"events_deleted"`
	EventsPushed    int           `json:"events_pushed"`
	Conflicts       int           `json:"conflicts"`
	Errors          int           `json:"errors"`

	// Lifetime counters summed over the user's SyncState rows
	TotalEvents      int64      `json:"total_events"`
	SyncedEvents     int64      `json:"synced_events"`
	ConflictedEvents int64      `json:"conflicted_events"`
	FailedEvents     int64      `json:"failed_events"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
}
