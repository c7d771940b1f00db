// Package fanout implements the FanoutServer of spec §4.G: a long-lived
// server that accepts bidirectional, stateful subscriber sessions and
// relays a filtered subset of cache-bus traffic to each. Grounded on the
// ndrandal-feed-simulator retrieval pack's internal/session
// Manager/Client/Handler split (register/unregister, a per-client send
// channel, a read pump and write pump), transposed from gorilla/websocket
// onto nhooyr.io/websocket — the library the teacher already uses for its
// own WebSocket client (internal/clients/tradernet/websocket_client.go) —
// and from binary ITCH framing onto the spec's {event, data} JSON
// envelope. Session IDs use google/uuid, matching the teacher's opaque-ID
// convention.
package fanout

import (
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// sessionState is the state-machine position of spec §4.G's per-session
// diagram.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateIdle
	stateActive
	stateClosed
)

// outboundItem is one queued relay frame, tagged with its bus channel so
// backpressure handling can selectively drop price_updates.
type outboundItem struct {
	channel string
	payload []byte
}

// Session is one connected subscriber. Its queue, not a raw Go channel,
// backs outbound delivery so backpressure can drop the oldest
// price_updates entry specifically rather than whatever is at the head.
type Session struct {
	ID   string
	conn *websocket.Conn

	mu          sync.Mutex
	state       sessionState
	instruments map[string]bool
	wildcard    bool
	queue       []outboundItem
	dropped     uint64

	notify chan struct{}
	done   chan struct{}

	capacity       int
	dropThreshold  uint64
}

// NewSession wraps an upgraded WebSocket connection as a CONNECTING
// session with a fresh opaque client ID.
func NewSession(conn *websocket.Conn, queueCapacity int, dropThreshold uint64) *Session {
	return &Session{
		ID:            uuid.NewString(),
		conn:          conn,
		state:         stateConnecting,
		instruments:   make(map[string]bool),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		capacity:      queueCapacity,
		dropThreshold: dropThreshold,
	}
}

// Activate transitions CONNECTING/IDLE -> ACTIVE once the handshake
// completes.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateClosed {
		s.state = stateActive
	}
}

// Subscribe adds instruments (or, for wildcard, all rooms) to the
// session's room set. No-op on an already-closed session.
func (s *Session) Subscribe(instruments []string, wildcard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}
	if wildcard {
		s.wildcard = true
		return
	}
	for _, i := range instruments {
		s.instruments[i] = true
	}
}

// Unsubscribe removes instruments, or all of them for wildcard.
func (s *Session) Unsubscribe(instruments []string, wildcard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wildcard {
		s.wildcard = false
		s.instruments = make(map[string]bool)
		return
	}
	for _, i := range instruments {
		delete(s.instruments, i)
	}
}

// Subscriptions returns the current subscription set. A true wildcard
// return means "all instruments".
func (s *Session) Subscriptions() (instruments []string, wildcard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wildcard {
		return nil, true
	}
	out := make([]string, 0, len(s.instruments))
	for i := range s.instruments {
		out = append(out, i)
	}
	return out, false
}

// Matches reports whether a bus message for the given instrument should
// be relayed to this session. An empty instrument (e.g. data_ready) always
// matches, per spec §4.G relay filtering.
func (s *Session) Matches(instrument string) bool {
	if instrument == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wildcard {
		return true
	}
	return s.instruments[instrument]
}

// Enqueue queues an outbound frame for delivery. When the queue is full,
// the oldest queued price_updates entry is dropped to make room, per spec
// §4.G backpressure, and the drop counter is incremented. Other channels
// are never dropped: with no price_updates entry queued, the queue grows
// past capacity. Only dropped price_updates count toward the drop
// threshold. Returns false once the session has crossed its drop threshold and
// should be closed with reason "slow-consumer".
func (s *Session) Enqueue(channel string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return true
	}

	if len(s.queue) >= s.capacity {
		if idx := s.oldestIndex("price_updates"); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.dropped++
		} else if channel != "price_updates" {
			// Nothing droppable; grow rather than silently lose an alert.
		}
	}
	s.queue = append(s.queue, outboundItem{channel: channel, payload: payload})

	select {
	case s.notify <- struct{}{}:
	default:
	}

	return s.dropped < s.dropThreshold
}

func (s *Session) oldestIndex(channel string) int {
	for i, item := range s.queue {
		if item.channel == channel {
			return i
		}
	}
	return -1
}

// Drain atomically empties the queue for the write pump to flush.
func (s *Session) Drain() []outboundItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	return out
}

// Dropped returns the session's price_updates drop counter.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close transitions the session to CLOSED. Safe to call more than once.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.Close(code, reason)
}

// Done reports when the session has closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Notify signals the write pump that new items are queued.
func (s *Session) Notify() <-chan struct{} { return s.notify }
