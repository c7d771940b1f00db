package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/fxpulse/engine/internal/domain"
)

// Config bounds the FanoutServer's behavior per spec §4.G.
type Config struct {
	MaxSessions      int
	QueueCapacity    int           // per-session outbound queue depth before price_updates drop
	DropThreshold    uint64        // cumulative drops after which a session is closed as a slow consumer
	PingInterval     time.Duration
	PingTimeout      time.Duration
}

// DefaultConfig mirrors the conservative bounds a single-process fan-out
// server can sustain without external scaling.
func DefaultConfig() Config {
	return Config{
		MaxSessions:   1000,
		QueueCapacity: 256,
		DropThreshold: 100,
		PingInterval:  30 * time.Second,
		PingTimeout:   10 * time.Second,
	}
}

// Server is the FanoutServer of spec §4.G: it accepts subscriber
// connections, relays filtered cache-bus traffic to them, and answers a
// small request/response protocol over the same socket. Grounded on
// ndrandal-feed-simulator's session Manager (register/unregister under a
// mutex, a relay goroutine reading off a shared broadcast source) adapted
// from its ticker-symbol rooms to instrument-symbol rooms and from
// gorilla/websocket to nhooyr.io/websocket.
type Server struct {
	cfg   Config
	cache domain.Cache
	log   zerolog.Logger

	tracked     map[string]bool // valid instrument symbols, for request_price validation
	trackedList []string        // same set, ordered, for connection_established

	mu       sync.RWMutex
	sessions map[string]*Session

	startedAt time.Time
	cancel    context.CancelFunc
}

// New builds a Server. trackedInstruments restricts which symbols
// request_price/subscribe will accept.
func New(cache domain.Cache, log zerolog.Logger, trackedInstruments []string, cfg Config) *Server {
	tracked := make(map[string]bool, len(trackedInstruments))
	for _, i := range trackedInstruments {
		tracked[i] = true
	}
	return &Server{
		cfg:         cfg,
		cache:       cache,
		log:         log.With().Str("component", "fanout_server").Logger(),
		tracked:     tracked,
		trackedList: trackedInstruments,
		sessions:    make(map[string]*Session),
	}
}

// Run starts the bus-relay goroutine and blocks until ctx is done. Call
// it from a background goroutine in main; Stop (via ctx cancellation)
// closes every live session.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now().UTC()

	msgs, err := s.cache.Subscribe(ctx, domain.ChannelPriceUpdates, domain.ChannelVolatilityAlerts,
		domain.ChannelCorrelationAlerts, domain.ChannelDataReady)
	if err != nil {
		return fmt.Errorf("subscribe to bus: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.closeAll(websocket.StatusGoingAway, "server shutting down")
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			s.relay(m)
		}
	}
}

// Stop cancels the relay loop and closes all sessions.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// relay fans one bus message out to every session whose room set matches
// the message's instrument(s), per spec §4.G's "Relay filtering" ("A bus
// message containing an instrument is relayed to a session iff that
// instrument is in the session's room set ... data_ready is relayed to
// all sessions"). price_updates carries a single Instrument,
// correlation_alerts carries a pair (Pair1/Pair2, either one matching is
// enough), volatility_alerts carries a single Instrument, and data_ready
// carries none and so always matches.
func (s *Server) relay(m domain.BusMessage) {
	event := ""
	var matchInstruments []string
	switch m.Channel {
	case domain.ChannelPriceUpdates:
		event = eventPriceUpdate
		var pu domain.PriceUpdateMessage
		if err := json.Unmarshal(m.Payload, &pu); err == nil {
			matchInstruments = []string{pu.Instrument}
		}
	case domain.ChannelVolatilityAlerts:
		event = eventVolatilityAlert
		var va domain.VolatilityAlertMessage
		if err := json.Unmarshal(m.Payload, &va); err == nil {
			matchInstruments = []string{va.Instrument}
		}
	case domain.ChannelCorrelationAlerts:
		event = eventCorrelationAlert
		var ca domain.CorrelationAlertMessage
		if err := json.Unmarshal(m.Payload, &ca); err == nil {
			matchInstruments = []string{ca.Pair1, ca.Pair2}
		}
	case domain.ChannelDataReady:
		event = eventDataReady
		// no instrument to filter on; always matches, per Session.Matches("").
	default:
		return
	}

	frame, err := json.Marshal(envelope{Event: event, Data: json.RawMessage(m.Payload)})
	if err != nil {
		s.log.Warn().Err(err).Str("channel", m.Channel).Msg("failed to marshal relay frame")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !matchesAny(sess, matchInstruments) {
			continue
		}
		if !sess.Enqueue(m.Channel, frame) {
			go s.evictSlowConsumer(sess)
		}
	}
}

// matchesAny reports whether sess's room set matches any of instruments
// (or unconditionally, if instruments is empty — the data_ready case).
func matchesAny(sess *Session, instruments []string) bool {
	if len(instruments) == 0 {
		return sess.Matches("")
	}
	for _, inst := range instruments {
		if sess.Matches(inst) {
			return true
		}
	}
	return false
}

func (s *Server) evictSlowConsumer(sess *Session) {
	s.log.Warn().Str("session", sess.ID).Uint64("dropped", sess.Dropped()).Msg("closing slow-consumer session")
	s.unregister(sess)
	sess.Close(websocket.StatusPolicyViolation, "slow-consumer")
}

// Accept upgrades an HTTP request to a WebSocket session, enforcing the
// capacity cap before the upgrade so a full server can reject with a
// plain HTTP status rather than a protocol-level message.
func (s *Server) Accept(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := len(s.sessions) >= s.cfg.MaxSessions
	s.mu.RUnlock()
	if full {
		http.Error(w, `{"reason":"capacity"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := NewSession(conn, s.cfg.QueueCapacity, s.cfg.DropThreshold)
	s.register(sess)
	sess.Activate()

	s.sendEnvelope(sess, eventConnectionEstablished, connectionEstablishedData{
		ClientID:           sess.ID,
		TrackedInstruments: s.trackedList,
		Timestamp:          time.Now().UTC(),
	})

	ctx := r.Context()
	go s.writePump(ctx, sess)
	s.readPump(ctx, sess)
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID)
}

func (s *Server) closeAll(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(code, reason)
	}
}

func (s *Server) sendEnvelope(sess *Session, event string, data any) {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("failed to marshal outbound frame")
		return
	}
	sess.Enqueue("control", frame)
}

// ActiveSessions reports the current connected-session count, used by
// get_server_stats and by the teacher-style health endpoint.
func (s *Server) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
