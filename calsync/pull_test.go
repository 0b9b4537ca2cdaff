// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pulled runs a full pull of the given entries and returns the finished job
func pulled(t *testing.T, h *harness, entries ...DeltaEntry) SyncJob {
	t.Helper()
	h.provider.feed("cursor", entries...)
	return h.runSync(t, "alice", StartOptions{Direction: DirectionPull, ForceFullSync: true})
}

func findByProvider(t *testing.T, h *harness, providerID string) *LocalEvent {
	t.Helper()
	ev, err := h.store.FindByUserAndProviderID(context.Background(), "alice", providerID)
	require.NoError(t, err)
	return ev
}

func TestPull_MalformedEntryDoesNotStopBatch(t *testing.T) {
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)

	bad := remoteEvent("p-bad", "backwards", start)
	bad.End = start.Add(-time.Hour)

	job := pulled(t, h,
		ActiveEntry(remoteEvent("p1", "one", start)),
		MalformedEntry("p-garbled", "missing start"),
		ActiveEntry(bad),
		ActiveEntry(remoteEvent("p2", "two", start)),
	)
	require.Equal(t, JobCompleted, job.Status)
	res := job.Result
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.ErrorCount)
	assert.False(t, res.Success)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "p-garbled", res.Failures[0].ProviderID)
	assert.True(t, res.Failures[0].Validation)
	assert.Equal(t, "p-bad", res.Failures[1].ProviderID)

	events, err := h.store.ListEvents(context.Background(), "alice", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	st := h.state(t, "alice")
	assert.Equal(t, SyncStatusPartialFailure, st.LastSyncStatus)
	assert.Equal(t, int64(4), st.TotalEvents)
	assert.Equal(t, int64(2), st.SyncedEvents)
	assert.Equal(t, int64(2), st.FailedEvents)
	require.NotNil(t, st.DeltaToken, "a partial failure still completes the pull")
	assert.Equal(t, "cursor", *st.DeltaToken)
}

func TestPull_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)
	entries := []DeltaEntry{
		ActiveEntry(remoteEvent("p1", "one", start)),
		ActiveEntry(remoteEvent("p2", "two", start)),
	}

	first := pulled(t, h, entries...)
	assert.Equal(t, 2, first.Result.Created)
	before := findByProvider(t, h, "p1")

	h.clock.Advance(time.Minute)
	second := pulled(t, h, entries...)
	assert.Equal(t, 0, second.Result.Created)
	assert.Equal(t, 0, second.Result.Updated)
	assert.Equal(t, 2, second.Result.Synced)
	assert.True(t, second.Result.Success)

	after := findByProvider(t, h, "p1")
	assert.Equal(t, before, after)

	events, err := h.store.ListEvents(context.Background(), "alice", DefaultCalendarID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPull_RemoteUpdateOverwritesCleanRow(t *testing.T) {
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)
	pulled(t, h, ActiveEntry(remoteEvent("p1", "one", start)))

	changed := remoteEvent("p1", "one, renamed", start)
	changed.ETag = "etag-p1-v2"
	job := pulled(t, h, ActiveEntry(changed))
	assert.Equal(t, 1, job.Result.Updated)

	ev := findByProvider(t, h, "p1")
	assert.Equal(t, "one, renamed", ev.Subject)
	assert.Equal(t, "etag-p1-v2", ev.ETag)
	assert.Equal(t, EventCompleted, ev.SyncStatus)
}

func TestPull_RemovedEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("clean row is deleted", func(t *testing.T) {
		h := newHarness(t, nil)
		start := h.clock.Now().Add(24 * time.Hour)
		pulled(t, h, ActiveEntry(remoteEvent("p1", "one", start)))

		job := pulled(t, h, RemovedEntry("p1", "deleted"), RemovedEntry("p-unknown", "deleted"))
		assert.Equal(t, 1, job.Result.Deleted)
		assert.Equal(t, 2, job.Result.Synced)
		_, err := h.store.FindByUserAndProviderID(ctx, "alice", "p1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("dirty row raises a conflict", func(t *testing.T) {
		h := newHarness(t, nil)
		start := h.clock.Now().Add(24 * time.Hour)
		pulled(t, h, ActiveEntry(remoteEvent("p1", "one", start)))

		ev := findByProvider(t, h, "p1")
		edited := ev.EventFields
		edited.Subject = "one, edited locally"
		require.NoError(t, ev.ApplyLocalEdit(edited, h.clock.Now()))
		require.NoError(t, h.store.UpdateEvent(ctx, ev))

		job := pulled(t, h, RemovedEntry("p1", "deleted"))
		assert.Equal(t, 1, job.Result.ConflictCount)
		assert.Equal(t, 0, job.Result.Deleted)

		got := h.store.event(t, ev.ID)
		assert.Equal(t, "one, edited locally", got.Subject)
		assert.Equal(t, EventConflicted, got.SyncStatus)

		conflicts := h.store.conflictList()
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictDeletedRemotely, conflicts[0].Type)
		assert.Equal(t, ev.ID, conflicts[0].EventID)
	})
}

func TestPull_RemovedEntryForPendingLocalDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)
	pulled(t, h, ActiveEntry(remoteEvent("p1", "one", start)))

	ev := findByProvider(t, h, "p1")
	ev.MarkDeleted(h.clock.Now())
	require.NoError(t, h.store.UpdateEvent(ctx, ev))

	job := pulled(t, h, RemovedEntry("p1", "deleted"))
	require.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 1, job.Result.Deleted)
	assert.Equal(t, 0, job.Result.ConflictCount)
	assert.True(t, job.Result.Success)

	_, err := h.store.GetEvent(ctx, ev.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.store.conflictList())
}

func TestPull_PendingLocalDeleteSurvivesFullPull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)
	unchanged := ActiveEntry(remoteEvent("p1", "one", start))
	pulled(t, h, unchanged)

	h.clock.Advance(time.Minute)
	ev := findByProvider(t, h, "p1")
	ev.MarkDeleted(h.clock.Now())
	require.NoError(t, h.store.UpdateEvent(ctx, ev))

	job := pulled(t, h, unchanged)
	require.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 0, job.Result.Updated)
	assert.Equal(t, 0, job.Result.ConflictCount)

	got := h.store.event(t, ev.ID)
	assert.True(t, got.Deleted)
	assert.True(t, got.LocallyModified, "the local delete still waits for push")
	dirty, err := h.store.FindDirty(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, ev.ID, dirty[0].ID)

	// A bidirectional run re-delivers the event on pull and still deletes it upstream.
	h.provider.feed("cursor", unchanged)
	both := h.runSync(t, "alice", StartOptions{Direction: DirectionBidirectional, ForceFullSync: true})
	require.Equal(t, JobCompleted, both.Status)
	assert.True(t, both.Result.Success)
	assert.Equal(t, []string{"p1"}, h.provider.deleted)
	_, err = h.store.GetEvent(ctx, ev.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPull_FirstSyncWithUnknownRemoval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)

	h.provider.feed("d1",
		ActiveEntry(remoteEvent("e1", "first", start)),
		RemovedEntry("never-seen", "deleted"),
	)
	job := h.runSync(t, "alice", StartOptions{Direction: DirectionPull})
	require.Equal(t, JobCompleted, job.Status)
	res := job.Result
	assert.True(t, res.FullSync)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ConflictCount)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Deleted)

	events, err := h.store.ListEvents(ctx, "alice", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ProviderID)
	assert.Equal(t, "e1", *events[0].ProviderID)
	assert.Empty(t, h.store.conflictList())

	st := h.state(t, "alice")
	require.NotNil(t, st.DeltaToken)
	assert.Equal(t, "d1", *st.DeltaToken)
}

func TestPull_ConcurrentEditRaisesConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)
	pulled(t, h, ActiveEntry(remoteEvent("p1", "Planning", start)))

	h.clock.Advance(time.Hour)
	ev := findByProvider(t, h, "p1")
	edited := ev.EventFields
	edited.Subject = "Planning (local)"
	require.NoError(t, ev.ApplyLocalEdit(edited, h.clock.Now()))
	require.NoError(t, h.store.UpdateEvent(ctx, ev))

	remote := remoteEvent("p1", "Planning (remote)", start)
	remote.ETag = "etag-p1-v2"
	remote.LastModified = h.clock.Now()

	job := pulled(t, h, ActiveEntry(remote))
	require.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 1, job.Result.ConflictCount)
	assert.Equal(t, 0, job.Result.Updated)

	got := h.store.event(t, ev.ID)
	assert.Equal(t, "Planning (local)", got.Subject, "remote values are not applied to a conflicted row")
	assert.Equal(t, EventConflicted, got.SyncStatus)
	assert.True(t, got.RemotelyModified)
	assert.True(t, got.LocallyModified)

	conflicts := h.store.conflictList()
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, ConflictTitle, c.Type)
	assert.Equal(t, []string{FieldSubject}, c.ChangedFields)
	assert.True(t, c.AutoResolvable)
	assert.Equal(t, ResolutionPending, c.Resolution)

	// The same divergence on the next pull does not duplicate the conflict.
	again := pulled(t, h, ActiveEntry(remote))
	assert.Equal(t, 0, again.Result.ConflictCount)
	assert.Equal(t, 1, again.Result.Skipped)
	assert.Len(t, h.store.conflictList(), 1)

	st := h.state(t, "alice")
	assert.Equal(t, int64(1), st.ConflictedEvents)
}

func TestPull_DirtyRowMatchingRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)
	pulled(t, h, ActiveEntry(remoteEvent("p1", "Review", start)))

	h.clock.Advance(time.Hour)
	ev := findByProvider(t, h, "p1")
	edited := ev.EventFields
	edited.Subject = "Review v2"
	require.NoError(t, ev.ApplyLocalEdit(edited, h.clock.Now()))
	require.NoError(t, h.store.UpdateEvent(ctx, ev))

	remote := remoteEvent("p1", "Review v2", start)
	remote.ETag = "etag-p1-v2"
	remote.LastModified = h.clock.Now()

	job := pulled(t, h, ActiveEntry(remote))
	assert.Equal(t, 1, job.Result.Updated)
	assert.Equal(t, 0, job.Result.ConflictCount)

	got := h.store.event(t, ev.ID)
	assert.False(t, got.LocallyModified)
	assert.Equal(t, "etag-p1-v2", got.ETag)
	assert.Equal(t, EventCompleted, got.SyncStatus)
	assert.Empty(t, h.store.conflictList())
}

func TestPull_RemoteUnchangedKeepsLocalEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	start := h.clock.Now().Add(24 * time.Hour)
	original := remoteEvent("p1", "Lunch", start)
	original.LastModified = h.clock.Now().Add(-time.Hour)
	pulled(t, h, ActiveEntry(original))

	h.clock.Advance(time.Hour)
	ev := findByProvider(t, h, "p1")
	edited := ev.EventFields
	edited.Location = "Cafe"
	require.NoError(t, ev.ApplyLocalEdit(edited, h.clock.Now()))
	require.NoError(t, h.store.UpdateEvent(ctx, ev))

	job := pulled(t, h, ActiveEntry(original))
	assert.Equal(t, 0, job.Result.ConflictCount)
	assert.Equal(t, 0, job.Result.Updated)

	got := h.store.event(t, ev.ID)
	assert.Equal(t, "Cafe", got.Location)
	assert.True(t, got.LocallyModified)
	assert.Equal(t, EventPending, got.SyncStatus)
	assert.Empty(t, h.store.conflictList())
}

func TestPull_StageMetrics(t *testing.T) {
	var stages []string
	recorder := StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		stages = append(stages, timing.Operation+"/"+timing.Stage)
	})
	h := newHarness(t, &Config{StageMetrics: recorder})
	h.provider.feed("d1", ActiveEntry(remoteEvent("p1", "one", h.clock.Now())))

	h.runSync(t, "alice", StartOptions{Direction: DirectionPull})
	assert.Equal(t, []string{
		"pull/delta_fetch",
		"pull/reconcile",
		"pull/total",
		"job/total",
		"job/finalize",
	}, stages)
}
