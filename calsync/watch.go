// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const watchWriteTimeout = 5 * time.Second

// HandleWatchJob streams job snapshots over a websocket until the job reaches a
// terminal state; GET /sync/jobs/{id}/watch
func (h *HTTPSyncHandlers) HandleWatchJob(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	jobID := r.PathValue("id")
	job, found := h.orchestrator.GetSyncStatus(jobID)
	if !found || job.UserID != userID {
		h.writeError(w, http.StatusNotFound, "not_found", "sync job not found")
		return
	}

	updates, unsubscribe, found := h.orchestrator.Watch(jobID)
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "sync job not found")
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case snap, open := <-updates:
			if !open {
				// The terminal snapshot may have been dropped on a full buffer.
				if final, ok := h.orchestrator.GetSyncStatus(jobID); ok && final.Status.Terminal() {
					if data, err := json.Marshal(final); err == nil && !bytes.Equal(data, last) {
						_ = h.writeSnapshot(ctx, conn, data)
					}
				}
				_ = conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				h.logger.Error("Failed to encode job snapshot", "job_id", jobID, "error", err)
				return
			}
			if err := h.writeSnapshot(ctx, conn, data); err != nil {
				h.logger.Debug("Job watcher disconnected", "job_id", jobID, "error", err)
				return
			}
			last = data
		}
	}
}

func (h *HTTPSyncHandlers) writeSnapshot(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
