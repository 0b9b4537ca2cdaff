// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

// DefaultCalendarID is the calendar scope used when a request does not name one.
// Sync state is always keyed by a non-empty calendar id.
const DefaultCalendarID = "primary"

// Direction selects which strategy a sync job runs
type Direction string

const (
	DirectionPull          Direction = "pull"
	DirectionPush          Direction = "push"
	DirectionBidirectional Direction = "bidirectional"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	switch d {
	case DirectionPull, DirectionPush, DirectionBidirectional:
		return true
	}
	return false
}

// Trigger records what initiated a sync job
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerWebhook   Trigger = "webhook"
	TriggerCLI       Trigger = "cli"
)

// JobStatus is the lifecycle state of a sync job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Event sync status constants
const (
	EventPending    = "pending"
	EventCompleted  = "completed"
	EventConflicted = "conflicted"
	EventFailed     = "failed"
)

// Sync state status constants (SyncState.LastSyncStatus)
const (
	SyncStatusSuccess        = "success"
	SyncStatusPartialFailure = "partial_failure"
	SyncStatusFailed         = "failed"
	SyncStatusCancelled      = "cancelled"
	SyncStatusRunning        = "running"
)

// ConflictType classifies a conflict by the first differing field category
type ConflictType string

const (
	ConflictTitle           ConflictType = "title"
	ConflictDescription     ConflictType = "description"
	ConflictLocation        ConflictType = "location"
	ConflictStartTime       ConflictType = "start_time"
	ConflictEndTime         ConflictType = "end_time"
	ConflictAllDay          ConflictType = "all_day"
	ConflictRecurrence      ConflictType = "recurrence"
	ConflictDeletedRemotely ConflictType = "deleted_remotely"
)

// Resolution is the persisted resolution state of a conflict
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionUseLocal  Resolution = "use_local"
	ResolutionUseRemote Resolution = "use_remote"
	ResolutionMerge     Resolution = "merge"
	ResolutionSkip      Resolution = "skip"
)

// Valid reports whether r is a resolution a caller may apply
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionUseLocal, ResolutionUseRemote, ResolutionMerge, ResolutionSkip:
		return true
	}
	return false
}

// Compared field names, in classification order
const (
	FieldSubject     = "subject"
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldStart       = "start"
	FieldEnd         = "end"
	FieldAllDay      = "is_all_day"
	FieldRecurrence  = "recurrence"
)

// JobCancelledMessage is the error recorded on a job cancelled by its owner
const JobCancelledMessage = "cancelled"
