// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"time"
)

// RemoteProvider is the calendar provider boundary. Every call receives a
// ready-to-use bearer token; providers never refresh credentials.
type RemoteProvider interface {
	// FetchDelta returns one page of changes. An empty cursor starts a full enumeration.
	FetchDelta(ctx context.Context, token, calendarID, cursor string) (*DeltaPage, error)
	CreateEvent(ctx context.Context, token, calendarID string, fields EventFields) (*RemoteRef, error)
	// UpdateEvent returns the new version stamp. A non-empty etag is sent as a precondition.
	UpdateEvent(ctx context.Context, token, providerID, etag string, fields EventFields) (string, error)
	DeleteEvent(ctx context.Context, token, providerID string) error
	ListCalendars(ctx context.Context, token string) ([]Calendar, error)
}

// CredentialSource hands out bearer tokens for the remote provider
type CredentialSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// CredentialSourceFunc adapts a function to CredentialSource
type CredentialSourceFunc func(ctx context.Context, userID string) (string, error)

func (f CredentialSourceFunc) AccessToken(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// RemoteRef identifies an event created upstream
type RemoteRef struct {
	ID   string
	ETag string
}

// RemoteEvent is the provider's view of an active event
type RemoteEvent struct {
	ProviderID string
	ETag       string
	EventFields
	LastModified time.Time // zero when the provider does not report it
}

// DeltaPage is one page of the provider's delta feed. Exactly one of
// NextPageCursor and FinalDeltaCursor is set on a well-formed page.
type DeltaPage struct {
	Entries          []DeltaEntry
	NextPageCursor   string
	FinalDeltaCursor string
}

// EntryKind discriminates delta entries
type EntryKind int

const (
	EntryActive EntryKind = iota + 1
	EntryRemoved
	EntryMalformed
)

func (k EntryKind) String() string {
	switch k {
	case EntryActive:
		return "active"
	case EntryRemoved:
		return "removed"
	case EntryMalformed:
		return "malformed"
	}
	return "unknown"
}

// DeltaEntry is a tagged variant: an active event payload, a removal marker
// carrying only the provider id, or an item the provider client could not decode.
// Content is reachable only through Active.
type DeltaEntry struct {
	kind       EntryKind
	providerID string
	event      *RemoteEvent
	reason     string
}

// ActiveEntry wraps a full remote event
func ActiveEntry(ev RemoteEvent) DeltaEntry {
	return DeltaEntry{kind: EntryActive, providerID: ev.ProviderID, event: &ev}
}

// RemovedEntry marks a provider id as removed upstream
func RemovedEntry(providerID, reason string) DeltaEntry {
	return DeltaEntry{kind: EntryRemoved, providerID: providerID, reason: reason}
}

// MalformedEntry records an item that failed decoding or schema validation
func MalformedEntry(providerID, reason string) DeltaEntry {
	return DeltaEntry{kind: EntryMalformed, providerID: providerID, reason: reason}
}

func (e DeltaEntry) Kind() EntryKind    { return e.kind }
func (e DeltaEntry) ProviderID() string { return e.providerID }

// Reason is the removal reason or the malformed-item cause
func (e DeltaEntry) Reason() string { return e.reason }

// Active returns the event payload when the entry is tagged active
func (e DeltaEntry) Active() (RemoteEvent, bool) {
	if e.kind != EntryActive || e.event == nil {
		return RemoteEvent{}, false
	}
	return *e.event, true
}
