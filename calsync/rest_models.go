// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

// REST/JSON models for the admin HTTP API

// StartSyncRequest is the body of POST /sync/jobs
type StartSyncRequest struct {
	Direction     Direction `json:"direction"`                 // pull, push or bidirectional (default)
	Trigger       Trigger   `json:"trigger,omitempty"`         // Defaults to manual
	CalendarID    string    `json:"calendar_id,omitempty"`     // Defaults to "primary"
	ForceFullSync bool      `json:"force_full_sync,omitempty"` // Ignore the stored delta cursor
}

// StartSyncResponse is returned with 202 Accepted
type StartSyncResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// ResolveConflictRequest is the body of POST /conflicts/{id}/resolve
type ResolveConflictRequest struct {
	Resolution Resolution   `json:"resolution"`       // use_local, use_remote, merge, skip
	Merged     *EventFields `json:"merged,omitempty"` // Required for merge
}

// ConflictListResponse wraps a page of conflicts
type ConflictListResponse struct {
	Conflicts []Conflict `json:"conflicts"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// CalendarListResponse wraps the user's remote calendars
type CalendarListResponse struct {
	Calendars []Calendar `json:"calendars"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
