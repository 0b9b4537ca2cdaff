// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"time"

	"github.com/google/uuid"
)

// NewLocalEvent builds a locally created event awaiting its first push
func NewLocalEvent(userID, calendarID string, fields EventFields, now time.Time) (*LocalEvent, error) {
	if err := validateFields(&fields); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &LocalEvent{
		ID:              uuid.NewString(),
		UserID:          userID,
		CalendarID:      normalizeCalendarID(calendarID),
		EventFields:     fields,
		LocallyModified: true,
		SyncStatus:      EventPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ApplyLocalEdit replaces the content of the row and marks it dirty
func (e *LocalEvent) ApplyLocalEdit(fields EventFields, now time.Time) error {
	if err := validateFields(&fields); err != nil {
		return err
	}
	e.EventFields = fields
	e.LocallyModified = true
	if e.SyncStatus != EventConflicted {
		e.SyncStatus = EventPending
	}
	e.UpdatedAt = now.UTC()
	return nil
}

// MarkDeleted turns the row into a tombstone the next push deletes upstream
func (e *LocalEvent) MarkDeleted(now time.Time) {
	e.Deleted = true
	e.LocallyModified = true
	if e.SyncStatus != EventConflicted {
		e.SyncStatus = EventPending
	}
	e.UpdatedAt = now.UTC()
}
