// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-calsync/calsync"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvent(userID, providerID string, start time.Time) *calsync.LocalEvent {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	ev := &calsync.LocalEvent{
		ID:         "ev-" + providerID,
		UserID:     userID,
		CalendarID: calsync.DefaultCalendarID,
		ETag:       "etag-1",
		EventFields: calsync.EventFields{
			Subject:  "Standup",
			Location: "Room 1",
			Start:    start,
			End:      start.Add(30 * time.Minute),
			TimeZone: "UTC",
		},
		SyncStatus: calsync.EventCompleted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if providerID != "" {
		id := providerID
		ev.ProviderID = &id
	}
	return ev
}

func TestInitializeDatabase(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"sync_state", "local_event", "conflict"} {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var foreignKeys int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	// Re-running the migrations is a no-op
	require.NoError(t, initializeDatabase(context.Background(), s.DB()))
}

func TestEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	ev := sampleEvent("u1", "p1", start)
	synced := start.Add(-time.Hour)
	ev.LastSyncedAt = &synced
	require.NoError(t, s.CreateEvent(ctx, ev))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "Standup", got.Subject)
	require.NotNil(t, got.ProviderID)
	require.Equal(t, "p1", *got.ProviderID)
	require.True(t, got.Start.Equal(start))
	require.NotNil(t, got.LastSyncedAt)
	require.True(t, got.LastSyncedAt.Equal(synced))

	byProvider, err := s.FindByUserAndProviderID(ctx, "u1", "p1")
	require.NoError(t, err)
	require.Equal(t, ev.ID, byProvider.ID)

	_, err = s.FindByUserAndProviderID(ctx, "u2", "p1")
	require.ErrorIs(t, err, calsync.ErrNotFound)

	got.Subject = "Retro"
	got.LocallyModified = true
	got.ProviderID = nil
	require.NoError(t, s.UpdateEvent(ctx, got))

	again, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "Retro", again.Subject)
	require.Nil(t, again.ProviderID)
	require.True(t, again.LocallyModified)

	require.NoError(t, s.DeleteEvent(ctx, ev.ID))
	_, err = s.GetEvent(ctx, ev.ID)
	require.ErrorIs(t, err, calsync.ErrNotFound)
	require.ErrorIs(t, s.DeleteEvent(ctx, ev.ID), calsync.ErrNotFound)
	require.ErrorIs(t, s.UpdateEvent(ctx, ev), calsync.ErrNotFound)
}

func TestProviderIDUniquePerUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateEvent(ctx, sampleEvent("u1", "p1", start)))

	dup := sampleEvent("u1", "p1", start)
	dup.ID = "other"
	require.Error(t, s.CreateEvent(ctx, dup))

	otherUser := sampleEvent("u2", "p1", start)
	otherUser.ID = "other-user"
	require.NoError(t, s.CreateEvent(ctx, otherUser))

	// Unbound rows never collide
	a := sampleEvent("u1", "", start)
	a.ID = "local-a"
	b := sampleEvent("u1", "", start)
	b.ID = "local-b"
	require.NoError(t, s.CreateEvent(ctx, a))
	require.NoError(t, s.CreateEvent(ctx, b))
}

func TestFindDirtyAndListEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	for i, pid := range []string{"p1", "p2", "p3"} {
		ev := sampleEvent("u1", pid, base.Add(time.Duration(2-i)*time.Hour))
		ev.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		ev.LocallyModified = pid != "p2"
		require.NoError(t, s.CreateEvent(ctx, ev))
	}
	work := sampleEvent("u1", "p4", base)
	work.CalendarID = "work"
	require.NoError(t, s.CreateEvent(ctx, work))

	dirty, err := s.FindDirty(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	require.Equal(t, "ev-p1", dirty[0].ID)
	require.Equal(t, "ev-p3", dirty[1].ID)

	primary, err := s.ListEvents(ctx, "u1", calsync.DefaultCalendarID, 0, 0)
	require.NoError(t, err)
	require.Len(t, primary, 3)
	require.Equal(t, "ev-p3", primary[0].ID, "ordered by start time")

	all, err := s.ListEvents(ctx, "u1", "", 2, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	ev := sampleEvent("u1", "p1", start)
	ev.LocallyModified = true
	ev.SyncStatus = calsync.EventConflicted
	require.NoError(t, s.CreateEvent(ctx, ev))

	c := &calsync.Conflict{
		ID:             "c1",
		UserID:         "u1",
		EventID:        ev.ID,
		Type:           calsync.ConflictTitle,
		ChangedFields:  []string{calsync.FieldSubject},
		LocalSnapshot:  json.RawMessage(`{"subject":"Local"}`),
		RemoteSnapshot: json.RawMessage(`{"subject":"Remote"}`),
		AutoResolvable: true,
		Resolution:     calsync.ResolutionPending,
		DetectedAt:     start,
	}
	require.NoError(t, s.CreateConflict(ctx, c))

	// Only one pending conflict per event
	dup := *c
	dup.ID = "c2"
	require.Error(t, s.CreateConflict(ctx, &dup))

	pending, err := s.FindPendingConflict(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "c1", pending.ID)
	require.Equal(t, []string{calsync.FieldSubject}, pending.ChangedFields)
	require.JSONEq(t, `{"subject":"Remote"}`, string(pending.RemoteSnapshot))

	ev.SyncStatus = calsync.EventPending
	upd := calsync.ConflictResolutionUpdate{
		ConflictID:  "c1",
		Resolution:  calsync.ResolutionUseLocal,
		ResolvedBy:  "u1",
		ResolvedAt:  start.Add(time.Hour),
		UpsertEvent: ev,
	}
	require.NoError(t, s.ResolveConflict(ctx, upd))
	require.ErrorIs(t, s.ResolveConflict(ctx, upd), calsync.ErrConflictAlreadyResolved)

	upd.ConflictID = "missing"
	require.ErrorIs(t, s.ResolveConflict(ctx, upd), calsync.ErrNotFound)

	resolved, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, calsync.ResolutionUseLocal, resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, "u1", resolved.ResolvedBy)

	_, err = s.FindPendingConflict(ctx, ev.ID)
	require.ErrorIs(t, err, calsync.ErrNotFound)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, calsync.EventPending, got.SyncStatus)

	all, err := s.ListConflicts(ctx, "u1", false, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	open, err := s.ListConflicts(ctx, "u1", true, 10, 0)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestResolveConflictDeletesEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	ev := sampleEvent("u1", "p1", start)
	require.NoError(t, s.CreateEvent(ctx, ev))
	require.NoError(t, s.CreateConflict(ctx, &calsync.Conflict{
		ID: "c1", UserID: "u1", EventID: ev.ID, Type: calsync.ConflictDeletedRemotely,
		LocalSnapshot: json.RawMessage(`{}`), Resolution: calsync.ResolutionPending, DetectedAt: start,
	}))

	require.NoError(t, s.ResolveConflict(ctx, calsync.ConflictResolutionUpdate{
		ConflictID:    "c1",
		Resolution:    calsync.ResolutionUseRemote,
		ResolvedAt:    start,
		DeleteEventID: ev.ID,
	}))

	_, err := s.GetEvent(ctx, ev.ID)
	require.ErrorIs(t, err, calsync.ErrNotFound)

	// The conflict record outlives the event
	c, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, c.RemoteSnapshot)
	require.True(t, c.Resolved())
}

func TestSaveSyncStateVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	st := &calsync.SyncState{UserID: "u1", CalendarID: calsync.DefaultCalendarID, UpdatedAt: now}
	require.NoError(t, s.SaveSyncState(ctx, st))
	require.EqualValues(t, 1, st.Version)

	// A second insert of the same key loses
	again := &calsync.SyncState{UserID: "u1", CalendarID: calsync.DefaultCalendarID, UpdatedAt: now}
	require.ErrorIs(t, s.SaveSyncState(ctx, again), calsync.ErrStaleSyncState)

	token := "delta-1"
	stale := *st
	st.DeltaToken = &token
	st.LastDeltaSyncAt = &now
	st.TotalEvents = 4
	require.NoError(t, s.SaveSyncState(ctx, st))
	require.EqualValues(t, 2, st.Version)

	stale.LastSyncStatus = calsync.SyncStatusFailed
	require.ErrorIs(t, s.SaveSyncState(ctx, &stale), calsync.ErrStaleSyncState)

	got, err := s.GetSyncState(ctx, "u1", calsync.DefaultCalendarID)
	require.NoError(t, err)
	require.NotNil(t, got.DeltaToken)
	require.Equal(t, "delta-1", *got.DeltaToken)
	require.EqualValues(t, 4, got.TotalEvents)
	require.EqualValues(t, 2, got.Version)
	require.Empty(t, got.LastSyncStatus)

	states, err := s.ListSyncStates(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, states, 1)

	require.NoError(t, s.DeleteSyncState(ctx, "u1", calsync.DefaultCalendarID))
	_, err = s.GetSyncState(ctx, "u1", calsync.DefaultCalendarID)
	require.ErrorIs(t, err, calsync.ErrNotFound)
}

// staticProvider serves a fixed single-page delta feed and records pushes
type staticProvider struct {
	mu      sync.Mutex
	entries []calsync.DeltaEntry
	created []calsync.EventFields
}

func (p *staticProvider) FetchDelta(ctx context.Context, token, calendarID, cursor string) (*calsync.DeltaPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cursor != "" {
		return &calsync.DeltaPage{FinalDeltaCursor: cursor}, nil
	}
	return &calsync.DeltaPage{Entries: p.entries, FinalDeltaCursor: "delta-final"}, nil
}

func (p *staticProvider) CreateEvent(ctx context.Context, token, calendarID string, f calsync.EventFields) (*calsync.RemoteRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, f)
	return &calsync.RemoteRef{ID: "remote-new", ETag: "etag-new"}, nil
}

func (p *staticProvider) UpdateEvent(ctx context.Context, token, providerID, etag string, f calsync.EventFields) (string, error) {
	return etag + "+", nil
}

func (p *staticProvider) DeleteEvent(ctx context.Context, token, providerID string) error {
	return nil
}

func (p *staticProvider) ListCalendars(ctx context.Context, token string) ([]calsync.Calendar, error) {
	return nil, errors.New("not supported")
}

func TestOrchestratorOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	provider := &staticProvider{entries: []calsync.DeltaEntry{
		calsync.ActiveEntry(calsync.RemoteEvent{
			ProviderID:  "p1",
			ETag:        "e1",
			EventFields: calsync.EventFields{Subject: "Planning", Start: start, End: start.Add(time.Hour)},
		}),
		calsync.RemovedEntry("unknown", "deleted"),
	}}
	creds := calsync.CredentialSourceFunc(func(ctx context.Context, userID string) (string, error) {
		return "token", nil
	})
	orch := calsync.NewOrchestrator(s, provider, creds, nil, nil)

	local, err := calsync.NewLocalEvent("u1", "", calsync.EventFields{
		Subject: "Dentist", Start: start.Add(24 * time.Hour), End: start.Add(25 * time.Hour),
	}, start)
	require.NoError(t, err)
	require.NoError(t, s.CreateEvent(ctx, local))

	jobID, err := orch.StartSync(ctx, "u1", calsync.StartOptions{Direction: calsync.DirectionBidirectional})
	require.NoError(t, err)
	job, err := orch.AwaitJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, calsync.JobCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.True(t, job.Result.Success)
	require.Equal(t, 1, job.Result.Created)
	require.Equal(t, 1, job.Result.Pushed)

	pulled, err := s.FindByUserAndProviderID(ctx, "u1", "p1")
	require.NoError(t, err)
	require.Equal(t, "Planning", pulled.Subject)

	pushed, err := s.GetEvent(ctx, local.ID)
	require.NoError(t, err)
	require.False(t, pushed.Dirty())
	require.NotNil(t, pushed.ProviderID)
	require.Equal(t, "remote-new", *pushed.ProviderID)

	st, err := s.GetSyncState(ctx, "u1", calsync.DefaultCalendarID)
	require.NoError(t, err)
	require.False(t, st.SyncInProgress)
	require.Equal(t, calsync.SyncStatusSuccess, st.LastSyncStatus)
	require.NotNil(t, st.DeltaToken)
	require.Equal(t, "delta-final", *st.DeltaToken)
	require.NotNil(t, st.LastFullSyncAt)
}
