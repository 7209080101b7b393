package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/pkg/types"
)

func TestRefactorEventsStreamsPublishedEventsThenComplete(t *testing.T) {
	s := newTestServer()
	session := s.controller.NewSession("user-1", "rename Foo to Bar", types.ModeAutonomous, 1, nil)

	s.bus.Publish(session.SessionID, types.ProgressEvent{
		Stage: types.StagePlanning, Status: types.StatusRunning, Message: "planning started",
	})
	require.NoError(t, s.store.Mutate(session.SessionID, func(sess *types.Session) {
		sess.Status = types.StatusCompleted
	}))
	s.bus.End(session.SessionID)

	httpServer := httptest.NewServer(s.Router())
	defer httpServer.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(httpServer.URL + "/api/refactor/" + session.SessionID + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	body := strings.Join(lines, "\n")

	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "planning started")
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"success":true`)
}

func TestRefactorEventsReturns404ForUnknownSession(t *testing.T) {
	s := newTestServer()

	httpServer := httptest.NewServer(s.Router())
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/api/refactor/does-not-exist/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
