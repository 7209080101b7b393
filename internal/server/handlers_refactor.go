package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autorefactor/pipeline/pkg/types"
)

// StartRefactorRequest is the body of POST /api/refactor.
type StartRefactorRequest struct {
	UserID            string                    `json:"user_id"`
	UserPrompt        string                    `json:"user_prompt"`
	Mode              types.Mode                `json:"mode"`
	MaxRetries        int                       `json:"max_retries"`
	GitHubCredentials *types.GitHubCredentials  `json:"github_credentials,omitempty"`
}

// StartRefactorResponse is the body of POST /api/refactor's 200 response.
type StartRefactorResponse struct {
	SessionID      string     `json:"session_id"`
	Status         types.Status `json:"status"`
	StatusURL      string     `json:"status_url"`
	SSEURL         string     `json:"sse_url"`
	WebsocketURL   string     `json:"websocket_url,omitempty"`
}

// ConfirmResponse is the body every confirm-* endpoint returns on success.
type ConfirmResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// startRefactor handles POST /api/refactor: allocates a session, schedules
// the Pipeline Controller on a background worker, and returns the URLs a
// client uses to follow it.
func (s *Server) startRefactor(w http.ResponseWriter, r *http.Request) {
	var req StartRefactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.UserPrompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "user_prompt is required")
		return
	}
	if req.Mode == "" {
		req.Mode = types.ModeInteractive
	}

	session := s.controller.NewSession(req.UserID, req.UserPrompt, req.Mode, req.MaxRetries, req.GitHubCredentials)

	// The background worker's lifetime is independent of this request's
	// context, which ends the moment the handler returns.
	s.controller.Start(context.Background(), session.SessionID)

	resp := StartRefactorResponse{
		SessionID: session.SessionID,
		Status:    session.Status,
		StatusURL: fmt.Sprintf("/api/refactor/%s", session.SessionID),
		SSEURL:    fmt.Sprintf("/api/refactor/%s/sse", session.SessionID),
	}
	if req.Mode == types.ModeInteractive {
		resp.WebsocketURL = fmt.Sprintf("/ws/refactor/%s", session.SessionID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// getRefactorStatus handles GET /api/refactor/{id}: projects the Session
// into a typed status response.
func (s *Server) getRefactorStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	view, err := s.store.Snapshot(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// confirmPlan handles POST /api/refactor/{id}/confirm-plan.
func (s *Server) confirmPlan(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, types.AwaitingPlan, func(body map[string]any) types.ConfirmationPayload {
		action, _ := body["action"].(string)
		modifications, _ := body["modifications"].(string)
		userResponse, _ := body["user_response"].(string)
		return types.ConfirmationPayload{
			PlanAction:        action,
			PlanModifications: modifications,
			UserResponse:      userResponse,
		}
	})
}

// confirmValidation handles POST /api/refactor/{id}/confirm-validation.
func (s *Server) confirmValidation(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, types.AwaitingValidation, func(body map[string]any) types.ConfirmationPayload {
		mode, _ := body["validation_mode"].(string)
		userResponse, _ := body["user_response"].(string)
		return types.ConfirmationPayload{
			ValidationMode: mode,
			UserResponse:   userResponse,
		}
	})
}

// confirmPush handles POST /api/refactor/{id}/confirm-push.
func (s *Server) confirmPush(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, types.AwaitingPush, func(body map[string]any) types.ConfirmationPayload {
		action, _ := body["action"].(string)
		branchOverride, _ := body["branch_name_override"].(string)
		commitOverride, _ := body["commit_message_override"].(string)
		userResponse, _ := body["user_response"].(string)
		return types.ConfirmationPayload{
			PushAction:            action,
			BranchNameOverride:    branchOverride,
			CommitMessageOverride: commitOverride,
			UserResponse:          userResponse,
		}
	})
}

// confirm is shared by all three confirm-* handlers: it validates that the
// session is actually awaiting confirmType before decoding the body, builds
// the typed payload via extract, and checks the exactly-one-field
// invariant before delivering it to the Confirmation Channel.
func (s *Server) confirm(w http.ResponseWriter, r *http.Request, confirmType types.AwaitingConfirmation, extract func(map[string]any) types.ConfirmationPayload) {
	sessionID := chi.URLParam(r, "id")

	pending, err := s.store.Pending(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	if pending != confirmType {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			fmt.Sprintf("session is not awaiting a %s confirmation", confirmType))
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	payload := extract(body)
	if payload.IsNaturalLanguage() && payload.HasStructuredField() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "payload may not mix a natural-language reply with a structured field")
		return
	}
	if !payload.IsNaturalLanguage() && !payload.HasStructuredField() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "payload must carry either a natural-language reply or a structured field")
		return
	}

	if err := s.confirmCh.Respond(sessionID, confirmType, payload); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ConfirmResponse{Status: "ok", Message: "confirmation delivered"})
}
