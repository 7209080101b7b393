// Package confirm implements the Confirmation Channel (C8): a per-session,
// single-slot rendezvous that delivers a typed confirmation payload from an
// HTTP endpoint to the paused pipeline goroutine. Grounded on the teacher's
// internal/permission.Checker (pending map[string]chan Response, Ask/Respond,
// a ctx-vs-channel select on the wait side), generalized from "one pending
// ask per request ID" to "one pending confirmation per session ID", since a
// session has at most one outstanding confirmation at a time by
// construction (the pipeline serializes its own stages).
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autorefactor/pipeline/pkg/types"
)

// Timeout is how long Await blocks before failing the pipeline with a
// timeout error. A package-level var, not a const, so tests can shrink it
// rather than waiting out a real hour.
var Timeout = time.Hour

// ErrTimeout is returned by Await when no response arrives within Timeout.
var ErrTimeout = errors.New("confirmation timeout")

type waiter struct {
	confirmType types.AwaitingConfirmation
	respCh      chan types.ConfirmationPayload
}

// Channel is the Confirmation Channel. One Channel instance serves every
// session in the process; state is keyed by session ID.
type Channel struct {
	mu      sync.Mutex
	pending map[string]*waiter
}

// New constructs an empty Channel.
func New() *Channel {
	return &Channel{pending: make(map[string]*waiter)}
}

// Await arms a single-slot wait for sessionID expecting a confirmType
// payload, then blocks until Respond delivers one, ctx is cancelled (the
// session was cancelled), or Timeout elapses. Only one Await may be
// outstanding per session at a time.
func (c *Channel) Await(ctx context.Context, sessionID string, confirmType types.AwaitingConfirmation) (types.ConfirmationPayload, error) {
	w := &waiter{confirmType: confirmType, respCh: make(chan types.ConfirmationPayload, 1)}

	c.mu.Lock()
	if _, exists := c.pending[sessionID]; exists {
		c.mu.Unlock()
		return types.ConfirmationPayload{}, fmt.Errorf("confirm: session %s already has a pending confirmation", sessionID)
	}
	c.pending[sessionID] = w
	c.mu.Unlock()

	defer c.clear(sessionID, w)

	timer := time.NewTimer(Timeout)
	defer timer.Stop()

	select {
	case payload := <-w.respCh:
		return payload, nil
	case <-ctx.Done():
		return types.ConfirmationPayload{}, ctx.Err()
	case <-timer.C:
		return types.ConfirmationPayload{}, ErrTimeout
	}
}

// Respond delivers payload to sessionID's armed waiter. It fails if no
// confirmation is pending for the session, if confirmType doesn't match
// what Await armed, or if payload violates the exactly-one-field
// invariant (both or neither of natural-language/structured set).
func (c *Channel) Respond(sessionID string, confirmType types.AwaitingConfirmation, payload types.ConfirmationPayload) error {
	if payload.IsNaturalLanguage() && payload.HasStructuredField() {
		return fmt.Errorf("confirm: payload may not mix a natural-language reply with a structured field")
	}
	if !payload.IsNaturalLanguage() && !payload.HasStructuredField() {
		return fmt.Errorf("confirm: payload carries neither a natural-language reply nor a structured field")
	}

	c.mu.Lock()
	w, ok := c.pending[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("confirm: session %s has no pending confirmation", sessionID)
	}
	if w.confirmType != confirmType {
		return fmt.Errorf("confirm: session %s is awaiting a %s confirmation, not %s", sessionID, w.confirmType, confirmType)
	}

	select {
	case w.respCh <- payload:
		return nil
	default:
		return fmt.Errorf("confirm: session %s's confirmation was already delivered", sessionID)
	}
}

// Pending reports the confirmation type a session is currently armed for,
// if any. Used by the status endpoint / HTTP handler to validate an
// incoming request's type before calling Respond.
func (c *Channel) Pending(sessionID string) (types.AwaitingConfirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[sessionID]
	if !ok {
		return types.AwaitingNone, false
	}
	return w.confirmType, true
}

// clear removes sessionID's waiter if it is still the one that was armed
// (guards against a stale clear racing a new Await for the same session).
func (c *Channel) clear(sessionID string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[sessionID] == w {
		delete(c.pending, sessionID)
	}
}
