// SSE Implementation Note:
//
// This file contains a custom Server-Sent Events implementation rather
// than a third-party package, for the same reasons the teacher's: it is
// small, integrates directly with the Progress Bus's per-session channel,
// and a generic SSE framework would add a layer without buying anything
// over http.ResponseController's native flush support.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autorefactor/pipeline/internal/progress"
	"github.com/autorefactor/pipeline/pkg/types"
)

const sseHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// completeEvent is the payload of the SSE stream's final event.
type completeEvent struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
}

// refactorEvents handles GET /api/refactor/{id}/sse: drains the Progress
// Bus as server-sent events. On first connect it flushes the replay
// buffer in order; on the sentinel it emits a final complete event and
// closes.
func (s *Server) refactorEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	if _, err := s.store.Snapshot(sessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	deliveries := s.bus.Subscribe(r.Context(), sessionID)

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if delivery.End {
				view, _ := s.store.Snapshot(sessionID)
				success := view.Status == types.StatusCompleted
				if err := sse.writeEvent("complete", completeEvent{SessionID: sessionID, Success: success}); err != nil {
					return
				}
				return
			}

			eventName := "progress"
			if delivery.Event.EventType == types.EventError {
				eventName = "error"
			}
			if err := sse.writeEvent(eventName, delivery.Event); err != nil {
				return
			}

		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
