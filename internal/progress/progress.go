// Package progress implements the Progress Bus (C9): a per-session FIFO
// event stream with a replay buffer for late subscribers and a sentinel
// terminal marker. Grounded on the teacher's internal/event.Bus (direct
// Subscriber-callback pub/sub, unsubscribe-by-token), generalized here to
// one ordered, replayable queue per session instead of one process-wide
// fan-out bus, since each refactor session's timeline must be replayable
// independently for a client that connects after the pipeline has already
// produced events.
package progress

import (
	"context"
	"sync"

	"github.com/autorefactor/pipeline/internal/logging"
	"github.com/autorefactor/pipeline/pkg/types"
)

// Delivery is one item handed to a subscriber: either a ProgressEvent, or
// the terminal marker (End=true, Event zero-valued) that closes the
// stream.
type Delivery struct {
	Event types.ProgressEvent
	End   bool
}

// Bus holds one stream per session.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buffer  []Delivery
	ended   bool
	evicted bool
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{streams: make(map[string]*stream)}
}

func (b *Bus) streamFor(sessionID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sessionID]
	if !ok {
		s = &stream{}
		s.cond = sync.NewCond(&s.mu)
		b.streams[sessionID] = s
	}
	return s
}

// Publish appends event to sessionID's stream, waking any blocked
// subscriber. Emission is best-effort: publishing to an already-ended or
// evicted stream is a silent no-op, logged at debug level, per the
// transport-exception-swallowing contract.
func (b *Bus) Publish(sessionID string, event types.ProgressEvent) {
	s := b.streamFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.evicted {
		logging.Debug().Str("session_id", sessionID).Msg("progress: publish after stream end/eviction, dropping")
		return
	}
	s.buffer = append(s.buffer, Delivery{Event: event})
	s.cond.Broadcast()
}

// End appends the terminal sentinel to sessionID's stream. Further
// Publish calls are dropped.
func (b *Bus) End(sessionID string) {
	s := b.streamFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.evicted {
		return
	}
	s.ended = true
	s.buffer = append(s.buffer, Delivery{End: true})
	s.cond.Broadcast()
}

// Subscribe returns a channel delivering sessionID's buffered events (the
// replay buffer, for a subscriber attaching after some events already
// published) followed by live events in FIFO order. The channel closes
// after the terminal Delivery is sent, or immediately if ctx is cancelled
// first. Either termination evicts the stream's buffer; the Session
// itself is unaffected, per the Store owning it independently.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) <-chan Delivery {
	s := b.streamFor(sessionID)
	out := make(chan Delivery, 16)
	stop := make(chan struct{})

	// Wake the waiting reader below as soon as ctx is cancelled; sync.Cond
	// has no native context support, so cancellation has to arrive as just
	// another Broadcast.
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	go func() {
		defer close(out)
		defer close(stop)
		index := 0
		for {
			s.mu.Lock()
			for index >= len(s.buffer) && !s.evicted && ctx.Err() == nil {
				s.cond.Wait()
			}
			if ctx.Err() != nil || s.evicted {
				s.mu.Unlock()
				b.evictAndClear(sessionID)
				return
			}
			delivery := s.buffer[index]
			index++
			s.mu.Unlock()

			select {
			case out <- delivery:
			case <-ctx.Done():
				b.evictAndClear(sessionID)
				return
			}

			if delivery.End {
				b.evictAndClear(sessionID)
				return
			}
		}
	}()

	return out
}

func (b *Bus) evictAndClear(sessionID string) {
	s := b.streamFor(sessionID)
	s.mu.Lock()
	s.evicted = true
	s.buffer = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	b.evict(sessionID)
}

// evict removes sessionID's stream from the bus entirely. A subsequent
// Subscribe/Publish for the same session ID starts a fresh, empty stream.
func (b *Bus) evict(sessionID string) {
	b.mu.Lock()
	delete(b.streams, sessionID)
	b.mu.Unlock()
}
