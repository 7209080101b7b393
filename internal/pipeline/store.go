// Package pipeline implements the Session State Store (C7) and the
// Pipeline Controller (C10): the in-memory session registry and the
// stage-sequencing state machine that drives a session from intake to a
// terminal stage.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/autorefactor/pipeline/pkg/types"
)

// Store is the process-local, in-memory session registry. Each session is
// owned by exactly one worker goroutine (the Controller running its
// pipeline); every other reader goes through Snapshot, which never hands
// out the live pointer. Grounded on internal/storage.FileLock's
// per-key-locking shape (lock acquired around one key's mutation), adapted
// here to an in-memory per-session mutex instead of a file lock, since
// sessions never outlive the process.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	session *types.Session
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Create registers a new session. The caller must not mutate session after
// this call except through Mutate.
func (s *Store) Create(session *types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[session.SessionID] = &entry{session: session}
}

func (s *Store) lookup(sessionID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionID]
	return e, ok
}

// Mutate locks sessionID's entry, applies fn to its live Session, stamps
// UpdatedAt, and unlocks. This is the only path through which the
// Controller may change a session's fields, so it has a single
// serialization point per session even though stage methods run on that
// session's one worker goroutine.
func (s *Store) Mutate(sessionID string, fn func(*types.Session)) error {
	e, ok := s.lookup(sessionID)
	if !ok {
		return fmt.Errorf("pipeline: no such session %q", sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.session)
	e.session.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Snapshot returns a read-only projection of sessionID's current state.
func (s *Store) Snapshot(sessionID string) (types.StatusView, error) {
	e, ok := s.lookup(sessionID)
	if !ok {
		return types.StatusView{}, fmt.Errorf("pipeline: no such session %q", sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Snapshot(), nil
}

// Delete removes a session from the registry entirely, once it has reached
// a terminal stage and its artifacts are no longer needed.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// Pending returns the confirmation type a session is currently blocked on,
// used by the transport layer to validate an incoming confirm-* request
// without reaching into internal/confirm directly.
func (s *Store) Pending(sessionID string) (types.AwaitingConfirmation, error) {
	e, ok := s.lookup(sessionID)
	if !ok {
		return types.AwaitingNone, fmt.Errorf("pipeline: no such session %q", sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.AwaitingConfirmation, nil
}
