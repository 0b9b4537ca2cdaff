// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by StartSync after Close
	ErrClosed = errors.New("orchestrator closed")

	errJobCancelled = errors.New("sync job cancelled")
)

// Config holds orchestrator settings. Zero values select the defaults.
type Config struct {
	JobRetention    time.Duration // How long terminal jobs stay queryable (default 1h)
	JanitorInterval time.Duration // Eviction period used by Run (default 1m)
	MaxDeltaPages   int           // Ceiling on pages followed in one pull (default 1000)

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Debug-log stage timings

	Now func() time.Time // Clock, for tests
}

func (c *Config) applyDefaults() {
	if c.JobRetention <= 0 {
		c.JobRetention = time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	if c.MaxDeltaPages <= 0 {
		c.MaxDeltaPages = 1000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type jobEntry struct {
	job       SyncJob
	cancelled atomic.Bool
	done      chan struct{}
}

func (e *jobEntry) snapshot() SyncJob {
	j := e.job
	if j.Result != nil {
		r := *j.Result
		j.Result = &r
	}
	return j
}

// runContext is the per-job view handed to the strategies
type runContext struct {
	userID     string
	calendarID string
	forceFull  bool
	state      *SyncState // Loaded when the job starts; nil if it could not be read

	cancelled func() bool
	progress  func(done, total int)
}

// runOutcome is everything the terminal transition needs
type runOutcome struct {
	result        *SyncResult
	finalCursor   string
	fullSync      bool
	pullCompleted bool
	err           error
}

// Orchestrator owns the in-memory job table and runs sync jobs, at most one
// per user at a time
type Orchestrator struct {
	store    Store
	provider RemoteProvider
	creds    CredentialSource
	resolver *ConflictResolver
	logger   *slog.Logger
	config   Config

	mu       sync.Mutex
	jobs     map[string]*jobEntry
	active   map[string]string // userID -> job id, held until the job goroutine exits
	watchers map[string][]chan SyncJob
	closed   bool
	wg       sync.WaitGroup
}

// NewOrchestrator wires the engine to its collaborators
func NewOrchestrator(store Store, provider RemoteProvider, creds CredentialSource, config *Config, logger *slog.Logger) *Orchestrator {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	resolver := NewConflictResolver(store, logger)
	resolver.now = cfg.Now

	return &Orchestrator{
		store:    store,
		provider: provider,
		creds:    creds,
		resolver: resolver,
		logger:   logger,
		config:   cfg,
		jobs:     make(map[string]*jobEntry),
		active:   make(map[string]string),
		watchers: make(map[string][]chan SyncJob),
	}
}

// Resolver exposes the conflict resolver sharing this orchestrator's store
func (o *Orchestrator) Resolver() *ConflictResolver {
	return o.resolver
}

// StartSync admits a sync job for the user and returns its id without waiting
// for it. A user with an active job gets ErrSyncInProgress; a user without a
// usable provider credential gets an *AuthenticationError. No job is created
// in either case.
func (o *Orchestrator) StartSync(ctx context.Context, userID string, opts StartOptions) (string, error) {
	if userID == "" {
		return "", &ValidationError{Field: "user_id", Message: "user id is required"}
	}
	if opts.Direction == "" {
		opts.Direction = DirectionBidirectional
	}
	if !opts.Direction.Valid() {
		return "", &ValidationError{Field: "direction", Message: fmt.Sprintf("unsupported direction %q", opts.Direction)}
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	opts.CalendarID = normalizeCalendarID(opts.CalendarID)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	if _, busy := o.active[userID]; busy {
		o.mu.Unlock()
		return "", ErrSyncInProgress
	}
	o.active[userID] = "" // reserved while the credential is checked
	o.mu.Unlock()

	if _, err := o.accessToken(ctx, userID); err != nil {
		o.release(userID, "")
		o.recordAdmissionFailure(ctx, userID, opts.CalendarID, err)
		o.logger.Warn("Sync rejected at admission", "user_id", userID, "error", err)
		return "", err
	}

	now := o.config.Now().UTC()
	entry := &jobEntry{
		job: SyncJob{
			ID:         uuid.NewString(),
			UserID:     userID,
			CalendarID: opts.CalendarID,
			Direction:  opts.Direction,
			Trigger:    opts.Trigger,
			Status:     JobPending,
			CreatedAt:  now,
		},
		done: make(chan struct{}),
	}

	o.mu.Lock()
	o.jobs[entry.job.ID] = entry
	o.active[userID] = entry.job.ID
	o.evictExpiredLocked(now)
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("Sync job admitted",
		"job_id", entry.job.ID,
		"user_id", userID,
		"calendar_id", opts.CalendarID,
		"direction", opts.Direction,
		"trigger", opts.Trigger)

	go o.run(entry, opts)
	return entry.job.ID, nil
}

// GetSyncStatus returns a snapshot of the job; ok is false for unknown or evicted ids
func (o *Orchestrator) GetSyncStatus(jobID string) (SyncJob, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.jobs[jobID]
	if !ok {
		return SyncJob{}, false
	}
	return entry.snapshot(), true
}

// CancelSync marks a running job of the user failed with reason "cancelled".
// The job loop stops at its next per-event check. Terminal jobs are left as is.
func (o *Orchestrator) CancelSync(userID, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.jobs[jobID]
	if !ok || entry.job.UserID != userID {
		return ErrNotFound
	}
	if entry.job.Status.Terminal() {
		return nil
	}
	entry.cancelled.Store(true)
	now := o.config.Now().UTC()
	entry.job.Status = JobFailed
	entry.job.Error = JobCancelledMessage
	entry.job.CompletedAt = &now
	o.publishLocked(entry, false)
	o.logger.Info("Sync job cancelled", "job_id", jobID, "user_id", userID)
	return nil
}

// GetSyncHistory returns the user's sync state rows and retained jobs, newest first
func (o *Orchestrator) GetSyncHistory(ctx context.Context, userID string, limit, offset int) (*SyncHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	states, err := o.store.ListSyncStates(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}

	jobs := o.userJobs(userID)
	history := &SyncHistory{States: states, Total: len(jobs), Jobs: []SyncJob{}}
	if offset < len(jobs) {
		end := offset + limit
		if end > len(jobs) {
			end = len(jobs)
		}
		history.Jobs = jobs[offset:end]
	}
	return history, nil
}

// GetSyncMetrics aggregates retained jobs created within the window and the
// user's lifetime sync state counters
func (o *Orchestrator) GetSyncMetrics(ctx context.Context, userID string, windowDays int) (*SyncMetrics, error) {
	if windowDays <= 0 || windowDays > 90 {
		windowDays = 7
	}
	states, err := o.store.ListSyncStates(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}

	cutoff := o.config.Now().UTC().Add(-time.Duration(windowDays) * 24 * time.Hour)
	m := &SyncMetrics{WindowDays: windowDays}
	var totalDuration time.Duration
	var timed int
	for _, j := range o.userJobs(userID) {
		if j.CreatedAt.Before(cutoff) {
			continue
		}
		m.TotalJobs++
		switch j.Status {
		case JobCompleted:
			m.CompletedJobs++
		case JobFailed:
			m.FailedJobs++
		}
		if d := j.Duration(); d > 0 {
			totalDuration += d
			timed++
		}
		if r := j.Result; r != nil {
			if j.Status == JobCompleted && r.Success {
				m.SuccessfulJobs++
			}
			m.EventsProcessed += r.Processed
			m.EventsCreated += r.Created
			m.EventsUpdated += r.Updated
			m.EventsDeleted += r.Deleted
			m.EventsPushed += r.Pushed
			m.Conflicts += r.ConflictCount
			m.Errors += r.ErrorCount
		}
	}
	if finished := m.CompletedJobs + m.FailedJobs; finished > 0 {
		m.SuccessRate = float64(m.SuccessfulJobs) / float64(finished)
	}
	if timed > 0 {
		m.AverageDuration = totalDuration / time.Duration(timed)
	}

	for _, st := range states {
		m.TotalEvents += st.TotalEvents
		m.SyncedEvents += st.SyncedEvents
		m.ConflictedEvents += st.ConflictedEvents
		m.FailedEvents += st.FailedEvents
		for _, t := range []*time.Time{st.LastDeltaSyncAt, st.LastFullSyncAt} {
			if t != nil && (m.LastSyncAt == nil || t.After(*m.LastSyncAt)) {
				ts := *t
				m.LastSyncAt = &ts
			}
		}
	}
	return m, nil
}

// GetSyncState returns the stored state for a user's calendar scope
func (o *Orchestrator) GetSyncState(ctx context.Context, userID, calendarID string) (*SyncState, error) {
	return o.store.GetSyncState(ctx, userID, normalizeCalendarID(calendarID))
}

// ResetSyncState deletes the stored state so the next pull is a full sync.
// It is rejected while the user has an active job.
func (o *Orchestrator) ResetSyncState(ctx context.Context, userID, calendarID string) error {
	o.mu.Lock()
	if _, busy := o.active[userID]; busy {
		o.mu.Unlock()
		return ErrSyncInProgress
	}
	o.active[userID] = ""
	o.mu.Unlock()
	defer o.release(userID, "")

	err := o.store.DeleteSyncState(ctx, userID, normalizeCalendarID(calendarID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	o.logger.Info("Sync state reset", "user_id", userID, "calendar_id", normalizeCalendarID(calendarID))
	return nil
}

// ListCalendars lists the user's remote calendars
func (o *Orchestrator) ListCalendars(ctx context.Context, userID string) ([]Calendar, error) {
	token, err := o.accessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return o.provider.ListCalendars(ctx, token)
}

// Watch subscribes to snapshots of a job. The channel receives the current state
// immediately and is closed after the terminal snapshot. ok is false for unknown jobs.
func (o *Orchestrator) Watch(jobID string) (updates <-chan SyncJob, unsubscribe func(), ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, found := o.jobs[jobID]
	if !found {
		return nil, func() {}, false
	}
	ch := make(chan SyncJob, 16)
	ch <- entry.snapshot()
	if o.finishedLocked(entry) {
		close(ch)
		return ch, func() {}, true
	}
	o.watchers[jobID] = append(o.watchers[jobID], ch)
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		subs := o.watchers[jobID]
		for i, c := range subs {
			if c == ch {
				o.watchers[jobID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}, true
}

// AwaitJob blocks until the job's goroutine has finished or ctx is done
func (o *Orchestrator) AwaitJob(ctx context.Context, jobID string) (SyncJob, error) {
	o.mu.Lock()
	entry, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return SyncJob{}, ErrNotFound
	}
	select {
	case <-entry.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return entry.snapshot(), nil
	case <-ctx.Done():
		return SyncJob{}, ctx.Err()
	}
}

// Run evicts expired jobs until ctx is done
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.config.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.mu.Lock()
			n := o.evictExpiredLocked(o.config.Now().UTC())
			o.mu.Unlock()
			if n > 0 {
				o.logger.Debug("Evicted expired sync jobs", "count", n)
			}
		}
	}
}

// Close stops admitting jobs, cancels running ones and waits for them to exit
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, id := range o.active {
		if entry, ok := o.jobs[id]; ok {
			entry.cancelled.Store(true)
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(entry *jobEntry, opts StartOptions) {
	defer o.wg.Done()
	ctx := context.Background()
	out := &runOutcome{}
	var rc *runContext

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Sync job panicked", "job_id", entry.job.ID, "panic", r)
			out.err = fmt.Errorf("sync job panicked: %v", r)
		}
		var state *SyncState
		if rc != nil {
			state = rc.state
		}
		o.finish(ctx, entry, state, out)
	}()

	rc = o.start(ctx, entry, opts)
	if rc.state == nil {
		out.err = errors.New("sync state unavailable")
		return
	}

	jobStart := o.stageStart()
	switch opts.Direction {
	case DirectionPull:
		o.runPull(ctx, rc, out)
	case DirectionPush:
		out.result, out.err = o.push(ctx, rc)
	case DirectionBidirectional:
		// Pull completes before push starts so the push never clobbers freshly pulled data.
		pullProgress := rc.progress
		rc.progress = func(done, total int) { pullProgress(done, total*2) }
		o.runPull(ctx, rc, out)
		if out.err != nil || out.result == nil || out.result.Cancelled {
			break
		}
		rc.progress = func(done, total int) {
			if total > 0 {
				pullProgress(total+done, total*2)
			}
		}
		pushRes, err := o.push(ctx, rc)
		out.result.merge(pushRes)
		out.err = err
	}
	o.observeStage(ctx, MetricsOpJob, MetricsStageTotal, jobStart, 0, out.err != nil)
}

func (o *Orchestrator) runPull(ctx context.Context, rc *runContext, out *runOutcome) {
	po, err := o.pull(ctx, rc)
	if err != nil {
		out.err = err
		return
	}
	out.result = po.result
	out.finalCursor = po.finalCursor
	out.fullSync = po.fullSync
	out.pullCompleted = po.completed
}

// start moves the job to running and marks the sync state in progress
func (o *Orchestrator) start(ctx context.Context, entry *jobEntry, opts StartOptions) *runContext {
	now := o.config.Now().UTC()
	o.mu.Lock()
	if !entry.job.Status.Terminal() {
		entry.job.Status = JobRunning
		entry.job.StartedAt = &now
		o.publishLocked(entry, false)
	}
	userID := entry.job.UserID
	o.mu.Unlock()

	rc := &runContext{
		userID:     userID,
		calendarID: opts.CalendarID,
		forceFull:  opts.ForceFullSync,
		cancelled:  entry.cancelled.Load,
	}
	rc.progress = func(done, total int) {
		if total <= 0 {
			return
		}
		pct := done * 100 / total
		o.mu.Lock()
		defer o.mu.Unlock()
		if entry.job.Status == JobRunning && pct > entry.job.Progress {
			entry.job.Progress = pct
			o.publishLocked(entry, false)
		}
	}

	state, err := o.store.GetSyncState(ctx, userID, opts.CalendarID)
	switch {
	case errors.Is(err, ErrNotFound):
		state = &SyncState{UserID: userID, CalendarID: opts.CalendarID}
	case err != nil:
		o.logger.Error("Failed to load sync state", "user_id", userID, "error", err)
		return rc
	}

	state, err = o.saveState(ctx, userID, opts.CalendarID, state, func(st *SyncState) {
		st.SyncInProgress = true
		st.LastSyncStatus = SyncStatusRunning
		st.UpdatedAt = now
	})
	if err != nil {
		o.logger.Error("Failed to mark sync state in progress", "user_id", userID, "error", err)
		return rc
	}
	rc.state = state
	return rc
}

// finish performs the terminal transition: one SyncState write, then job status,
// then release of the user's single-flight slot
func (o *Orchestrator) finish(ctx context.Context, entry *jobEntry, state *SyncState, out *runOutcome) {
	finalizeStart := o.stageStart()
	cancelled := entry.cancelled.Load() || errors.Is(out.err, errJobCancelled)
	if errors.Is(out.err, errJobCancelled) {
		out.err = nil
	}
	if out.result != nil {
		if cancelled {
			out.result.Cancelled = true
		}
		out.result.finish()
	}

	o.mu.Lock()
	userID, calendarID := entry.job.UserID, entry.job.CalendarID
	o.mu.Unlock()

	now := o.config.Now().UTC()
	_, serr := o.saveState(ctx, userID, calendarID, state, func(st *SyncState) {
		st.SyncInProgress = false
		st.UpdatedAt = now
		if r := out.result; r != nil {
			st.TotalEvents += int64(r.Processed)
			st.SyncedEvents += int64(r.Synced)
			st.ConflictedEvents += int64(r.ConflictCount)
			st.FailedEvents += int64(r.ErrorCount)
		}
		if out.pullCompleted && !cancelled {
			if out.finalCursor != "" {
				cursor := out.finalCursor
				st.DeltaToken = &cursor
			} else {
				st.DeltaToken = nil
			}
			st.LastDeltaSyncAt = &now
			if out.fullSync {
				st.LastFullSyncAt = &now
			}
		}
		switch {
		case cancelled:
			st.LastSyncStatus = SyncStatusCancelled
			st.LastSyncError = JobCancelledMessage
		case out.err != nil:
			st.LastSyncStatus = SyncStatusFailed
			st.LastSyncError = out.err.Error()
		case out.result != nil && out.result.Success:
			st.LastSyncStatus = SyncStatusSuccess
			st.LastSyncError = ""
		default:
			st.LastSyncStatus = SyncStatusPartialFailure
			if out.result != nil {
				st.LastSyncError = fmt.Sprintf("%d event(s) failed to sync", out.result.ErrorCount)
			}
		}
	})
	if serr != nil {
		o.logger.Error("Failed to persist terminal sync state", "user_id", userID, "error", serr)
	}
	o.observeStage(ctx, MetricsOpJob, MetricsStageFinalize, finalizeStart, 0, serr != nil)

	o.mu.Lock()
	if !entry.job.Status.Terminal() {
		switch {
		case out.err != nil:
			entry.job.Status = JobFailed
			entry.job.Error = out.err.Error()
		case cancelled:
			entry.job.Status = JobFailed
			entry.job.Error = JobCancelledMessage
		default:
			entry.job.Status = JobCompleted
			entry.job.Progress = 100
		}
		entry.job.CompletedAt = &now
	}
	entry.job.Result = out.result
	if o.active[userID] == entry.job.ID {
		delete(o.active, userID)
	}
	close(entry.done)
	snap := entry.snapshot()
	o.publishLocked(entry, true)
	o.mu.Unlock()

	attrs := []any{"job_id", snap.ID, "user_id", snap.UserID, "status", snap.Status, "duration", snap.Duration()}
	if r := snap.Result; r != nil {
		attrs = append(attrs,
			"success", r.Success,
			"processed", r.Processed,
			"synced", r.Synced,
			"conflicts", r.ConflictCount,
			"errors", r.ErrorCount)
	}
	if snap.Status == JobFailed {
		o.logger.Warn("Sync job failed", append(attrs, "error", snap.Error)...)
	} else {
		o.logger.Info("Sync job completed", attrs...)
	}
}

// saveState applies mutate and writes the row conditionally. A concurrent
// writer causes a reload and re-application, at most three attempts in total.
func (o *Orchestrator) saveState(
	ctx context.Context, userID, calendarID string, base *SyncState, mutate func(*SyncState),
) (*SyncState, error) {
	st := base
	for attempt := 0; attempt < 3; attempt++ {
		if st == nil {
			fresh, err := o.store.GetSyncState(ctx, userID, calendarID)
			switch {
			case errors.Is(err, ErrNotFound):
				fresh = &SyncState{UserID: userID, CalendarID: calendarID}
			case err != nil:
				return nil, err
			}
			st = fresh
		}
		mutate(st)
		err := o.store.SaveSyncState(ctx, st)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrStaleSyncState) {
			return nil, err
		}
		st = nil
	}
	return nil, ErrStaleSyncState
}

func (o *Orchestrator) recordAdmissionFailure(ctx context.Context, userID, calendarID string, cause error) {
	now := o.config.Now().UTC()
	_, err := o.saveState(ctx, userID, calendarID, nil, func(st *SyncState) {
		st.LastSyncStatus = SyncStatusFailed
		st.LastSyncError = cause.Error()
		st.UpdatedAt = now
	})
	if err != nil {
		o.logger.Error("Failed to record admission failure", "user_id", userID, "error", err)
	}
}

func (o *Orchestrator) release(userID, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[userID] == jobID {
		delete(o.active, userID)
	}
}

func (o *Orchestrator) userJobs(userID string) []SyncJob {
	o.mu.Lock()
	jobs := make([]SyncJob, 0)
	for _, e := range o.jobs {
		if e.job.UserID == userID {
			jobs = append(jobs, e.snapshot())
		}
	}
	o.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// finishedLocked reports whether the job goroutine has exited
func (o *Orchestrator) finishedLocked(entry *jobEntry) bool {
	select {
	case <-entry.done:
		return true
	default:
		return false
	}
}

// evictExpiredLocked drops jobs whose goroutine exited more than JobRetention ago
func (o *Orchestrator) evictExpiredLocked(now time.Time) int {
	n := 0
	for id, e := range o.jobs {
		if !o.finishedLocked(e) || e.job.CompletedAt == nil {
			continue
		}
		if now.Sub(*e.job.CompletedAt) > o.config.JobRetention {
			delete(o.jobs, id)
			n++
		}
	}
	return n
}

// publishLocked fans a snapshot out to watchers without blocking. The final
// snapshot closes and drops every subscription of the job.
func (o *Orchestrator) publishLocked(entry *jobEntry, final bool) {
	subs := o.watchers[entry.job.ID]
	if len(subs) == 0 {
		return
	}
	snap := entry.snapshot()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
	if final {
		for _, ch := range subs {
			close(ch)
		}
		delete(o.watchers, entry.job.ID)
	}
}
