// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by stores and lookups for absent rows
	ErrNotFound = errors.New("not found")
	// ErrSyncInProgress rejects a sync request while the user has an active job
	ErrSyncInProgress = errors.New("sync already in progress for user")
	// ErrConflictAlreadyResolved rejects a second resolution of the same conflict
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	// ErrStaleSyncState is returned by SaveSyncState when the stored version moved
	ErrStaleSyncState = errors.New("sync state was modified concurrently")
	// ErrCursorExpired is returned by providers that no longer accept a delta cursor
	ErrCursorExpired = errors.New("delta cursor expired")
	// ErrNoCredential is returned by credential sources with no token for the user
	ErrNoCredential = errors.New("no provider credential")
	// ErrRemoteChanged is returned when an update is rejected by an etag precondition
	ErrRemoteChanged = errors.New("remote event changed since last sync")

	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// AuthenticationError reports a missing or rejected upstream credential
type AuthenticationError struct {
	UserID string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed for user %s", e.UserID)
	}
	return fmt.Sprintf("authentication failed for user %s: %v", e.UserID, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ProviderError is a job-level failure talking to the remote provider.
// It matches ErrProviderRateLimited or ErrProviderUnavailable with errors.Is.
type ProviderError struct {
	StatusCode  int
	RateLimited bool
	RetryAfter  time.Duration
	Message     string
}

func (e *ProviderError) Error() string {
	kind := "unavailable"
	if e.RateLimited {
		kind = "rate limited"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", kind, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderRateLimited:
		return e.RateLimited
	case ErrProviderUnavailable:
		return !e.RateLimited
	}
	return false
}

// ValidationError reports a malformed individual event
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Message
	}
	return fmt.Sprintf("invalid event %s: %s", e.Field, e.Message)
}

// isJobLevel reports whether err must abort the remaining batch
func isJobLevel(err error) bool {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return true
	}
	return errors.Is(err, ErrProviderRateLimited) || errors.Is(err, ErrProviderUnavailable)
}
