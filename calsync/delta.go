// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"errors"
	"fmt"
)

// deltaBatch is the accumulated result of following a delta feed to its end
type deltaBatch struct {
	entries     []DeltaEntry
	finalCursor string // Cursor of the last page only
	fullSync    bool
	pages       int
}

// needsFullSync decides between a full enumeration and an incremental pull
func needsFullSync(state *SyncState, force bool) bool {
	if force || state == nil {
		return true
	}
	if state.DeltaToken == nil || *state.DeltaToken == "" {
		return true
	}
	return state.LastDeltaSyncAt == nil
}

// fetchDelta pulls every page of the user's delta feed. An expired cursor falls
// back to one full enumeration.
func (o *Orchestrator) fetchDelta(ctx context.Context, rc *runContext) (*deltaBatch, error) {
	full := needsFullSync(rc.state, rc.forceFull)
	cursor := ""
	if !full {
		cursor = *rc.state.DeltaToken
	}

	batch, err := o.fetchAllPages(ctx, rc, cursor)
	if err != nil && !full && errors.Is(err, ErrCursorExpired) {
		o.logger.Warn("Delta cursor expired, falling back to full sync",
			"user_id", rc.userID, "calendar_id", rc.calendarID)
		full = true
		batch, err = o.fetchAllPages(ctx, rc, "")
	}
	if err != nil {
		return nil, err
	}
	batch.fullSync = full
	return batch, nil
}

func (o *Orchestrator) fetchAllPages(ctx context.Context, rc *runContext, cursor string) (*deltaBatch, error) {
	batch := &deltaBatch{}
	seen := make(map[string]struct{})
	for {
		if rc.cancelled() {
			return nil, errJobCancelled
		}
		if batch.pages >= o.config.MaxDeltaPages {
			return nil, &ProviderError{Message: fmt.Sprintf("delta feed exceeded %d pages", o.config.MaxDeltaPages)}
		}

		token, err := o.accessToken(ctx, rc.userID)
		if err != nil {
			return nil, err
		}
		page, err := o.provider.FetchDelta(ctx, token, rc.calendarID, cursor)
		if err != nil {
			return nil, err
		}
		batch.pages++
		batch.entries = append(batch.entries, page.Entries...)

		if page.NextPageCursor == "" {
			batch.finalCursor = page.FinalDeltaCursor
			o.logger.Debug("Delta feed exhausted",
				"user_id", rc.userID,
				"pages", batch.pages,
				"entries", len(batch.entries),
				"full", cursor == "")
			return batch, nil
		}
		if _, dup := seen[page.NextPageCursor]; dup {
			return nil, &ProviderError{Message: "delta feed repeated a page cursor"}
		}
		seen[page.NextPageCursor] = struct{}{}
		cursor = page.NextPageCursor
	}
}

// accessToken asks the credential source for a token, mapping any failure to
// an AuthenticationError
func (o *Orchestrator) accessToken(ctx context.Context, userID string) (string, error) {
	token, err := o.creds.AccessToken(ctx, userID)
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return "", err
		}
		return "", &AuthenticationError{UserID: userID, Err: err}
	}
	if token == "" {
		return "", &AuthenticationError{UserID: userID, Err: ErrNoCredential}
	}
	return token, nil
}
