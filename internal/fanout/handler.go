package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"github.com/fxpulse/engine/internal/domain"
)

// readPump blocks reading inbound control frames until the connection
// closes, dispatching each to handleInbound. It owns the session's
// lifecycle: when it returns, the session is unregistered and closed.
func (s *Server) readPump(ctx context.Context, sess *Session) {
	defer func() {
		s.unregister(sess)
		sess.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	go s.keepalive(ctx, sess)

	for {
		_, raw, err := sess.conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.log.Debug().Err(err).Str("session", sess.ID).Msg("read pump exiting")
			}
			return
		}

		var in inboundEnvelope
		if err := json.Unmarshal(raw, &in); err != nil {
			s.sendEnvelope(sess, eventError, errorData{Reason: "bad_request", Message: "malformed frame"})
			continue
		}
		s.handleInbound(ctx, sess, in)
	}
}

// writePump drains the session's outbound queue whenever notified,
// writing each frame over the wire in order.
func (s *Server) writePump(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-sess.Notify():
			for _, item := range sess.Drain() {
				if err := sess.conn.Write(ctx, websocket.MessageText, item.payload); err != nil {
					s.log.Debug().Err(err).Str("session", sess.ID).Msg("write pump exiting")
					return
				}
			}
		}
	}
}

// keepalive pings the peer on an interval and closes the session if a
// pong isn't observed within PingTimeout, matching spec §4.G's
// keep-alive/timeout requirement.
func (s *Server) keepalive(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
			err := sess.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Str("session", sess.ID).Msg("ping timeout, closing session")
				s.unregister(sess)
				sess.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

// handleInbound dispatches one decoded control frame per spec §4.G's
// request/response table.
func (s *Server) handleInbound(ctx context.Context, sess *Session, in inboundEnvelope) {
	switch in.Event {
	case eventSubscribe:
		s.handleSubscribe(sess, in.Data, true)
	case eventUnsubscribe:
		s.handleSubscribe(sess, in.Data, false)
	case eventGetSubscriptions:
		instruments, wildcard := sess.Subscriptions()
		s.sendEnvelope(sess, eventSubscriptionsInfo, subscriptionsInfoData{Instruments: instruments, Wildcard: wildcard})
	case eventRequestPrice:
		s.handleRequestPrice(ctx, sess, in.Data)
	case eventRequestAllPrices:
		s.handleRequestAllPrices(ctx, sess)
	case eventGetServerStats:
		s.handleServerStats(sess)
	case eventPing:
		s.sendEnvelope(sess, eventPong, pongData{Timestamp: time.Now().UTC()})
	default:
		s.sendEnvelope(sess, eventError, errorData{Reason: "unknown_event", Message: fmt.Sprintf("unrecognized event %q", in.Event)})
	}
}

func (s *Server) handleSubscribe(sess *Session, raw json.RawMessage, subscribing bool) {
	var req subscribeRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			s.sendEnvelope(sess, eventError, errorData{Reason: "bad_request", Message: "malformed subscribe payload"})
			return
		}
	}

	if !req.Wildcard {
		for _, inst := range req.Instruments {
			if !s.tracked[inst] {
				s.sendEnvelope(sess, eventSubscriptionError, errorData{
					Reason:  "invalid_instrument",
					Message: fmt.Sprintf("%q is not in the tracked universe", inst),
				})
				return
			}
		}
	}

	if subscribing {
		sess.Subscribe(req.Instruments, req.Wildcard)
		instruments, wildcard := sess.Subscriptions()
		s.sendEnvelope(sess, eventSubscriptionConfirmed, subscriptionConfirmedData{Instruments: instruments, Wildcard: wildcard})
		return
	}
	sess.Unsubscribe(req.Instruments, req.Wildcard)
	instruments, wildcard := sess.Subscriptions()
	s.sendEnvelope(sess, eventUnsubscriptionConfirm, subscriptionConfirmedData{Instruments: instruments, Wildcard: wildcard})
}

func (s *Server) handleRequestPrice(ctx context.Context, sess *Session, raw json.RawMessage) {
	var req requestPriceRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Instrument == "" {
		s.sendEnvelope(sess, eventError, errorData{Reason: "bad_request", Message: "missing instrument"})
		return
	}
	if !s.tracked[req.Instrument] {
		s.sendEnvelope(sess, eventError, errorData{Reason: "invalid_instrument", Message: fmt.Sprintf("%q is not in the tracked universe", req.Instrument)})
		return
	}

	var price domain.PricePoint
	found, err := s.cache.Get(ctx, fmt.Sprintf(domain.CacheKeyPrices, req.Instrument), &price)
	if err != nil {
		s.sendEnvelope(sess, eventError, errorData{Reason: "cache_unavailable", Message: "price lookup failed"})
		return
	}
	if !found {
		s.sendEnvelope(sess, eventError, errorData{Reason: "not-found", Message: fmt.Sprintf("no cached price for %q", req.Instrument)})
		return
	}
	s.sendEnvelope(sess, eventPriceResponse, priceResponseData{Instrument: req.Instrument, Price: &price, Found: true})
}

func (s *Server) handleRequestAllPrices(ctx context.Context, sess *Session) {
	prices := make(map[string]domain.PricePoint, len(s.tracked))
	for inst := range s.tracked {
		var p domain.PricePoint
		found, err := s.cache.Get(ctx, fmt.Sprintf(domain.CacheKeyPrices, inst), &p)
		if err != nil || !found {
			continue
		}
		prices[inst] = p
	}
	s.sendEnvelope(sess, eventAllPricesResponse, allPricesResponseData{Prices: prices})
}

func (s *Server) handleServerStats(sess *Session) {
	s.sendEnvelope(sess, eventServerStats, serverStatsData{
		ActiveSessions:     s.ActiveSessions(),
		TrackedInstruments: len(s.tracked),
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
	})
}
