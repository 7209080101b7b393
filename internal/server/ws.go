package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/autorefactor/pipeline/internal/logging"
	"github.com/autorefactor/pipeline/pkg/types"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the frame shape both directions of /ws/refactor/{id} use.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsResponseData is the payload of a client "response" frame, answering
// whatever confirmation the server's last "confirmation" frame posed.
type wsResponseData struct {
	Response          string `json:"response"`
	AdditionalContext string `json:"additional_context,omitempty"`
}

// refactorWS handles WS /ws/refactor/{id}, the alternative transport to
// SSE-plus-confirm-endpoints for interactive mode: the client sends a
// "start" frame to begin receiving this connection's progress/confirmation
// frames, then a "response" frame for each confirmation frame the server
// sends; the server forwards the session's Progress Bus as "progress",
// "confirmation", "error", and a closing "complete" frame.
func (s *Server) refactorWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	if _, err := s.store.Snapshot(sessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("server: websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Wait for the client's "start" frame before forwarding any bus
	// events; a connection that never starts never consumes the replay
	// buffer, the same semantics an SSE client that never connects has.
	if !awaitStartFrame(conn) {
		return
	}

	done := make(chan struct{})
	go s.pumpInboundWS(conn, sessionID, done)

	deliveries := s.bus.Subscribe(r.Context(), sessionID)
	for {
		select {
		case <-done:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if delivery.End {
				view, _ := s.store.Snapshot(sessionID)
				_ = conn.WriteJSON(wsMessage{Type: "complete", Data: completeEvent{
					SessionID: sessionID,
					Success:   view.Status == types.StatusCompleted,
				}})
				return
			}

			frameType := "progress"
			switch {
			case delivery.Event.EventType == types.EventError:
				frameType = "error"
			case delivery.Event.RequiresConfirmation:
				frameType = "confirmation"
			}
			if err := conn.WriteJSON(wsMessage{Type: frameType, Data: delivery.Event}); err != nil {
				return
			}
		}
	}
}

// awaitStartFrame blocks for exactly one client frame and reports whether
// it was a well-formed "start" frame.
func awaitStartFrame(conn *websocket.Conn) bool {
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return false
	}
	return msg.Type == "start"
}

// pumpInboundWS reads "response" frames from the client for the lifetime
// of the connection and delivers each as a ConfirmationPayload to whatever
// confirmation the session is currently awaiting; it closes done on read
// error or client disconnect.
func (s *Server) pumpInboundWS(conn *websocket.Conn, sessionID string, done chan<- struct{}) {
	defer close(done)
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "response" {
			continue
		}

		raw, err := json.Marshal(msg.Data)
		if err != nil {
			continue
		}
		var data wsResponseData
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}

		pending, ok := s.confirmCh.Pending(sessionID)
		if !ok {
			continue
		}
		payload := types.ConfirmationPayload{UserResponse: data.Response}
		if err := s.confirmCh.Respond(sessionID, pending, payload); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("server: websocket confirmation delivery failed")
		}
	}
}
