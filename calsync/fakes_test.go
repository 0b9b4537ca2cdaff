// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store with the same contracts as the SQL adapters
type memStore struct {
	mu        sync.Mutex
	events    map[string]LocalEvent
	conflicts map[string]Conflict
	states    map[string]SyncState

	failUpdate func(ev *LocalEvent) error // Optional injected UpdateEvent failure
	saves      int
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string]LocalEvent),
		conflicts: make(map[string]Conflict),
		states:    make(map[string]SyncState),
	}
}

func stateKey(userID, calendarID string) string { return userID + "|" + calendarID }

func (s *memStore) GetEvent(ctx context.Context, id string) (*LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (s *memStore) FindByUserAndProviderID(ctx context.Context, userID, providerID string) (*LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.UserID == userID && ev.ProviderID != nil && *ev.ProviderID == providerID {
			return &ev, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) FindDirty(ctx context.Context, userID string) ([]LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalEvent
	for _, ev := range s.events {
		if ev.UserID == userID && ev.LocallyModified {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *memStore) ListEvents(ctx context.Context, userID, calendarID string, limit, offset int) ([]LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalEvent
	for _, ev := range s.events {
		if ev.UserID == userID && (calendarID == "" || ev.CalendarID == calendarID) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CreateEvent(ctx context.Context, ev *LocalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("duplicate event id %s", ev.ID)
	}
	if ev.ProviderID != nil {
		for _, other := range s.events {
			if other.UserID == ev.UserID && other.ProviderID != nil && *other.ProviderID == *ev.ProviderID {
				return fmt.Errorf("duplicate provider id %s", *ev.ProviderID)
			}
		}
	}
	s.events[ev.ID] = *ev
	return nil
}

func (s *memStore) UpdateEvent(ctx context.Context, ev *LocalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ev)
}

func (s *memStore) updateLocked(ev *LocalEvent) error {
	if s.failUpdate != nil {
		if err := s.failUpdate(ev); err != nil {
			return err
		}
	}
	if _, ok := s.events[ev.ID]; !ok {
		return ErrNotFound
	}
	s.events[ev.ID] = *ev
	return nil
}

func (s *memStore) DeleteEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return ErrNotFound
	}
	delete(s.events, id)
	return nil
}

func (s *memStore) CreateConflict(ctx context.Context, c *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.conflicts {
		if other.EventID == c.EventID && !other.Resolved() {
			return fmt.Errorf("event %s already has a pending conflict", c.EventID)
		}
	}
	s.conflicts[c.ID] = *c
	return nil
}

func (s *memStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *memStore) FindPendingConflict(ctx context.Context, eventID string) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conflicts {
		if c.EventID == eventID && !c.Resolved() {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) ListConflicts(ctx context.Context, userID string, pendingOnly bool, limit, offset int) ([]Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conflict
	for _, c := range s.conflicts {
		if c.UserID == userID && (!pendingOnly || !c.Resolved()) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ResolveConflict(ctx context.Context, upd ConflictResolutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[upd.ConflictID]
	if !ok {
		return ErrNotFound
	}
	if c.Resolved() {
		return ErrConflictAlreadyResolved
	}
	switch {
	case upd.UpsertEvent != nil:
		if err := s.updateLocked(upd.UpsertEvent); err != nil {
			return err
		}
	case upd.DeleteEventID != "":
		delete(s.events, upd.DeleteEventID)
	}
	resolvedAt := upd.ResolvedAt
	c.Resolution = upd.Resolution
	c.ResolvedAt = &resolvedAt
	c.ResolvedBy = upd.ResolvedBy
	c.MergedSnapshot = upd.MergedSnapshot
	s.conflicts[c.ID] = c
	return nil
}

func (s *memStore) GetSyncState(ctx context.Context, userID, calendarID string) (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(userID, calendarID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *memStore) ListSyncStates(ctx context.Context, userID string) ([]SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SyncState
	for _, st := range s.states {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *memStore) SaveSyncState(ctx context.Context, st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(st.UserID, st.CalendarID)
	cur, exists := s.states[key]
	switch {
	case st.Version == 0 && exists:
		return ErrStaleSyncState
	case st.Version != 0 && (!exists || cur.Version != st.Version):
		return ErrStaleSyncState
	}
	st.Version++
	s.states[key] = *st
	s.saves++
	return nil
}

func (s *memStore) DeleteSyncState(ctx context.Context, userID, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(userID, calendarID)
	if _, ok := s.states[key]; !ok {
		return ErrNotFound
	}
	delete(s.states, key)
	return nil
}

func (s *memStore) put(ev LocalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
}

func (s *memStore) event(t *testing.T, id string) LocalEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		t.Fatalf("event %s not found", id)
	}
	return ev
}

func (s *memStore) conflictList() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, c)
	}
	return out
}

// fakeProvider serves scripted delta pages keyed by cursor and records writes
type fakeProvider struct {
	mu sync.Mutex

	pages        map[string]*DeltaPage // cursor -> page; "" is the full enumeration
	deltaErr     map[string]error
	fetches      []string
	gate         chan struct{} // When set, FetchDelta blocks until it is closed
	panicOnFetch bool

	created   []EventFields
	updated   map[string]EventFields
	deleted   []string
	updateErr map[string]error
	createErr error
	deleteErr error
	nextID    int
	calendars []Calendar
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:     make(map[string]*DeltaPage),
		deltaErr:  make(map[string]error),
		updated:   make(map[string]EventFields),
		updateErr: make(map[string]error),
	}
}

// feed installs a single-page full enumeration ending with finalCursor
func (p *fakeProvider) feed(finalCursor string, entries ...DeltaEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[""] = &DeltaPage{Entries: entries, FinalDeltaCursor: finalCursor}
}

func (p *fakeProvider) FetchDelta(ctx context.Context, token, calendarID, cursor string) (*DeltaPage, error) {
	p.mu.Lock()
	gate := p.gate
	p.fetches = append(p.fetches, cursor)
	shouldPanic := p.panicOnFetch
	p.mu.Unlock()

	if shouldPanic {
		panic("provider exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.deltaErr[cursor]; err != nil {
		return nil, err
	}
	page, ok := p.pages[cursor]
	if !ok {
		return &DeltaPage{FinalDeltaCursor: cursor}, nil
	}
	cp := *page
	return &cp, nil
}

func (p *fakeProvider) CreateEvent(ctx context.Context, token, calendarID string, fields EventFields) (*RemoteRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.nextID++
	p.created = append(p.created, fields)
	return &RemoteRef{ID: fmt.Sprintf("remote-%d", p.nextID), ETag: "etag-created"}, nil
}

func (p *fakeProvider) UpdateEvent(ctx context.Context, token, providerID, etag string, fields EventFields) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.updateErr[providerID]; err != nil {
		return "", err
	}
	p.updated[providerID] = fields
	return etag + "-next", nil
}

func (p *fakeProvider) DeleteEvent(ctx context.Context, token, providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, providerID)
	return nil
}

func (p *fakeProvider) ListCalendars(ctx context.Context, token string) ([]Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calendars, nil
}

func (p *fakeProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fetches)
}

// fakeCreds hands out a token per user; users without an entry have no credential
type fakeCreds struct {
	mu     sync.Mutex
	tokens map[string]string
	err    error
}

func (c *fakeCreds) AccessToken(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	token, ok := c.tokens[userID]
	if !ok {
		return "", ErrNoCredential
	}
	return token, nil
}

// testClock is a settable clock shared by the orchestrator and resolver
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    *memStore
	provider *fakeProvider
	creds    *fakeCreds
	clock    *testClock
	orch     *Orchestrator
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		provider: newFakeProvider(),
		creds:    &fakeCreds{tokens: map[string]string{"alice": "tok-alice", "bob": "tok-bob"}},
		clock:    &testClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.Now = h.clock.Now
	h.orch = NewOrchestrator(h.store, h.provider, h.creds, &c, discardLogger)
	t.Cleanup(func() {
		h.provider.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
	})
	return h
}

// hold makes subsequent FetchDelta calls block until open is called
func (p *fakeProvider) hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
}

func (p *fakeProvider) open() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

// waitFetch blocks until the provider saw at least n FetchDelta calls
func (p *fakeProvider) waitFetch(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.fetchCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d delta fetches", n)
		}
		time.Sleep(time.Millisecond)
	}
}

// runSync starts a job and waits for its goroutine to exit
func (h *harness) runSync(t *testing.T, userID string, opts StartOptions) SyncJob {
	t.Helper()
	jobID, err := h.orch.StartSync(context.Background(), userID, opts)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.orch.AwaitJob(ctx, jobID)
	if err != nil {
		t.Fatalf("AwaitJob: %v", err)
	}
	return job
}

func (h *harness) state(t *testing.T, userID string) SyncState {
	t.Helper()
	st, err := h.store.GetSyncState(context.Background(), userID, DefaultCalendarID)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	return *st
}

var errBoom = errors.New("boom")

func remoteEvent(providerID, subject string, start time.Time) RemoteEvent {
	return RemoteEvent{
		ProviderID: providerID,
		ETag:       "etag-" + providerID,
		EventFields: EventFields{
			Subject: subject,
			Start:   start,
			End:     start.Add(time.Hour),
		},
	}
}

func ptr[T any](v T) *T { return &v }
