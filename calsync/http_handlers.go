// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mobiletoly/go-calsync/internal/auth"
)

// ClientAuthenticator extracts the calling user's identity from HTTP requests
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
}

// HTTPSyncHandlers exposes the orchestrator and conflict resolver over HTTP
type HTTPSyncHandlers struct {
	orchestrator  *Orchestrator
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(orchestrator *Orchestrator, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		orchestrator:  orchestrator,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register mounts every handler on mux behind the given middleware
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	routes := map[string]http.HandlerFunc{
		"POST /sync/jobs":              h.HandleStartSync,
		"GET /sync/jobs/{id}":          h.HandleGetJob,
		"DELETE /sync/jobs/{id}":       h.HandleCancelJob,
		"GET /sync/jobs/{id}/watch":    h.HandleWatchJob,
		"GET /sync/history":            h.HandleHistory,
		"GET /sync/metrics":            h.HandleMetrics,
		"GET /sync/state":              h.HandleGetState,
		"DELETE /sync/state":           h.HandleResetState,
		"GET /conflicts":               h.HandleListConflicts,
		"GET /conflicts/{id}":          h.HandleGetConflict,
		"POST /conflicts/{id}/resolve": h.HandleResolveConflict,
		"GET /calendars":               h.HandleListCalendars,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, wrap(handler))
	}
}

// userID resolves the user the request acts on. Operators may name another
// user with ?user_id=.
func (h *HTTPSyncHandlers) userID(w http.ResponseWriter, r *http.Request) (caller, target string, ok bool) {
	caller, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	target = caller
	if other := r.URL.Query().Get("user_id"); other != "" && other != caller {
		if !auth.IsOperator(r.Context()) {
			h.writeError(w, http.StatusForbidden, "forbidden", "only operators may act for other users")
			return "", "", false
		}
		target = other
	}
	return caller, target, true
}

// HandleStartSync admits a sync job; POST /sync/jobs
func (h *HTTPSyncHandlers) HandleStartSync(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	// An empty body starts a default bidirectional sync.
	var req StartSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}

	jobID, err := h.orchestrator.StartSync(r.Context(), userID, StartOptions{
		Direction:     req.Direction,
		Trigger:       req.Trigger,
		CalendarID:    req.CalendarID,
		ForceFullSync: req.ForceFullSync,
	})
	if err != nil {
		h.writeServiceError(w, "start_sync_failed", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, StartSyncResponse{JobID: jobID, Status: JobPending})
}

// HandleGetJob returns a job snapshot; GET /sync/jobs/{id}
func (h *HTTPSyncHandlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	job, found := h.orchestrator.GetSyncStatus(r.PathValue("id"))
	if !found || job.UserID != userID {
		h.writeError(w, http.StatusNotFound, "not_found", "sync job not found")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// HandleCancelJob cancels a running job; DELETE /sync/jobs/{id}
func (h *HTTPSyncHandlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	jobID := r.PathValue("id")
	if err := h.orchestrator.CancelSync(userID, jobID); err != nil {
		h.writeServiceError(w, "cancel_failed", err)
		return
	}
	job, _ := h.orchestrator.GetSyncStatus(jobID)
	h.writeJSON(w, http.StatusOK, job)
}

// HandleHistory lists sync state and retained jobs; GET /sync/history
func (h *HTTPSyncHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, ok := h.intParam(w, r, "limit", 20, 1, 100)
	if !ok {
		return
	}
	offset, ok := h.intParam(w, r, "offset", 0, 0, 1<<30)
	if !ok {
		return
	}
	history, err := h.orchestrator.GetSyncHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "history_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// HandleMetrics aggregates job metrics; GET /sync/metrics?window_days=
func (h *HTTPSyncHandlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	days, ok := h.intParam(w, r, "window_days", 7, 1, 90)
	if !ok {
		return
	}
	metrics, err := h.orchestrator.GetSyncMetrics(r.Context(), userID, days)
	if err != nil {
		h.writeServiceError(w, "metrics_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

// HandleGetState returns the stored sync state; GET /sync/state?calendar_id=
func (h *HTTPSyncHandlers) HandleGetState(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	state, err := h.orchestrator.GetSyncState(r.Context(), userID, r.URL.Query().Get("calendar_id"))
	if err != nil {
		h.writeServiceError(w, "state_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// HandleResetState deletes the stored sync state; DELETE /sync/state?calendar_id=
func (h *HTTPSyncHandlers) HandleResetState(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.orchestrator.ResetSyncState(r.Context(), userID, r.URL.Query().Get("calendar_id")); err != nil {
		h.writeServiceError(w, "reset_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListConflicts pages through conflicts; GET /conflicts?status=pending|all
func (h *HTTPSyncHandlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	pendingOnly := true
	switch r.URL.Query().Get("status") {
	case "", "pending":
	case "all":
		pendingOnly = false
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "status must be pending or all")
		return
	}
	limit, ok := h.intParam(w, r, "limit", 50, 1, 500)
	if !ok {
		return
	}
	offset, ok := h.intParam(w, r, "offset", 0, 0, 1<<30)
	if !ok {
		return
	}
	conflicts, err := h.orchestrator.Resolver().ListConflicts(r.Context(), userID, pendingOnly, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_conflicts_failed", err)
		return
	}
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	h.writeJSON(w, http.StatusOK, ConflictListResponse{Conflicts: conflicts, Limit: limit, Offset: offset})
}

// HandleGetConflict returns one conflict; GET /conflicts/{id}
func (h *HTTPSyncHandlers) HandleGetConflict(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	c, err := h.orchestrator.Resolver().GetConflict(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "get_conflict_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// HandleResolveConflict applies a manual resolution; POST /conflicts/{id}/resolve
func (h *HTTPSyncHandlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	caller, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse resolve request")
		return
	}
	c, err := h.orchestrator.Resolver().ResolveConflictManually(
		r.Context(), userID, r.PathValue("id"), req.Resolution, req.Merged, caller)
	if err != nil {
		h.writeServiceError(w, "resolve_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// HandleListCalendars lists remote calendars; GET /calendars
func (h *HTTPSyncHandlers) HandleListCalendars(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	calendars, err := h.orchestrator.ListCalendars(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list_calendars_failed", err)
		return
	}
	if calendars == nil {
		calendars = []Calendar{}
	}
	h.writeJSON(w, http.StatusOK, CalendarListResponse{Calendars: calendars})
}

func (h *HTTPSyncHandlers) intParam(w http.ResponseWriter, r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", name+" must be an integer")
		return 0, false
	}
	if v < lo || v > hi {
		h.writeError(w, http.StatusBadRequest, "invalid_request",
			name+" must be between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
		return 0, false
	}
	return v, true
}

// writeServiceError maps engine errors to HTTP status codes
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, fallbackCode string, err error) {
	var (
		authErr  *AuthenticationError
		validErr *ValidationError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrSyncInProgress):
		h.writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
	case errors.Is(err, ErrConflictAlreadyResolved):
		h.writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.As(err, &authErr):
		h.writeError(w, http.StatusPreconditionFailed, "provider_auth_required", err.Error())
	case errors.As(err, &validErr):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrProviderRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "provider_rate_limited", err.Error())
	case errors.Is(err, ErrProviderUnavailable):
		h.writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
	case errors.Is(err, ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		h.logger.Error("Request failed", "code", fallbackCode, "error", err)
		h.writeError(w, http.StatusInternalServerError, fallbackCode, "internal error")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})
}
