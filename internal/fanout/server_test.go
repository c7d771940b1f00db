package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/fxpulse/engine/internal/domain"
)

// fakeCache is a minimal in-memory domain.Cache for fanout tests: Get/Put
// back a plain map, Subscribe hands back a channel the test controls
// directly, matching the fake used by internal/jobs.
type fakeCache struct {
	values map[string][]byte
	feed   chan domain.BusMessage
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string][]byte), feed: make(chan domain.BusMessage, 16)}
}

func (c *fakeCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.values[key] = payload
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	payload, ok := c.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(payload, dest)
}

func (c *fakeCache) Publish(ctx context.Context, channel string, message any) error { return nil }

func (c *fakeCache) Subscribe(ctx context.Context, channels ...string) (<-chan domain.BusMessage, error) {
	return c.feed, nil
}

func (c *fakeCache) Close() error { return nil }

var _ domain.Cache = (*fakeCache)(nil)

func startTestServer(t *testing.T, cache *fakeCache) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxSessions = 2
	cfg.PingInterval = time.Hour // keep pings out of the way of these tests
	srv := New(cache, zerolog.Nop(), []string{"EUR_USD", "GBP_USD"}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.Accept)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(envelope{Event: event, Data: data})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

func TestServer_ConnectionEstablishedOnAccept(t *testing.T) {
	_, url := startTestServer(t, newFakeCache())
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	env := readEnvelope(t, conn)
	require.Equal(t, eventConnectionEstablished, env.Event)
}

func TestServer_SubscribeConfirmedAndFiltersRelay(t *testing.T) {
	cache := newFakeCache()
	srv, url := startTestServer(t, cache)
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readEnvelope(t, conn) // connection_established

	sendEnvelope(t, conn, eventSubscribe, subscribeRequest{Instruments: []string{"EUR_USD"}})
	confirmed := readEnvelope(t, conn)
	require.Equal(t, eventSubscriptionConfirmed, confirmed.Event)

	waitForSessions(t, srv, 1)

	payload, _ := json.Marshal(domain.PriceUpdateMessage{Instrument: "GBP_USD"})
	cache.feed <- domain.BusMessage{Channel: domain.ChannelPriceUpdates, Payload: payload}
	payload2, _ := json.Marshal(domain.PriceUpdateMessage{Instrument: "EUR_USD"})
	cache.feed <- domain.BusMessage{Channel: domain.ChannelPriceUpdates, Payload: payload2}

	env := readEnvelope(t, conn)
	require.Equal(t, eventPriceUpdate, env.Event)
	var pu domain.PriceUpdateMessage
	dataBytes, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(dataBytes, &pu))
	require.Equal(t, "EUR_USD", pu.Instrument, "unsubscribed GBP_USD update must not arrive before the EUR_USD one")
}

// Alerts are filtered by the session's room set exactly like
// price_updates (spec §4.G "Relay filtering"); only data_ready broadcasts
// unconditionally. A session subscribed to EUR_USD must receive a
// volatility_alerts message for EUR_USD but not one for GBP_USD, and must
// receive every data_ready regardless of subscription.
func TestServer_AlertsAreFilteredBySubscription(t *testing.T) {
	cache := newFakeCache()
	srv, url := startTestServer(t, cache)
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readEnvelope(t, conn) // connection_established

	sendEnvelope(t, conn, eventSubscribe, subscribeRequest{Instruments: []string{"EUR_USD"}})
	_ = readEnvelope(t, conn) // subscription_confirmed

	waitForSessions(t, srv, 1)

	unmatched, _ := json.Marshal(domain.VolatilityAlertMessage{Instrument: "GBP_USD"})
	cache.feed <- domain.BusMessage{Channel: domain.ChannelVolatilityAlerts, Payload: unmatched}
	matched, _ := json.Marshal(domain.VolatilityAlertMessage{Instrument: "EUR_USD"})
	cache.feed <- domain.BusMessage{Channel: domain.ChannelVolatilityAlerts, Payload: matched}

	env := readEnvelope(t, conn)
	require.Equal(t, eventVolatilityAlert, env.Event)
	var va domain.VolatilityAlertMessage
	dataBytes, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(dataBytes, &va))
	require.Equal(t, "EUR_USD", va.Instrument, "unsubscribed GBP_USD alert must not arrive before the EUR_USD one")

	dataReady, _ := json.Marshal(domain.DataReadyMessage{DataType: domain.DataTypePrices})
	cache.feed <- domain.BusMessage{Channel: domain.ChannelDataReady, Payload: dataReady}
	env2 := readEnvelope(t, conn)
	require.Equal(t, eventDataReady, env2.Event, "data_ready reaches every session regardless of subscription")
}

func TestServer_PingPong(t *testing.T) {
	_, url := startTestServer(t, newFakeCache())
	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readEnvelope(t, conn)

	sendEnvelope(t, conn, eventPing, nil)
	env := readEnvelope(t, conn)
	require.Equal(t, eventPong, env.Event)
}

func TestServer_RejectsBeyondCapacity(t *testing.T) {
	_, url := startTestServer(t, newFakeCache()) // MaxSessions: 2
	conn1 := dial(t, url)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	conn2 := dial(t, url)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	_ = readEnvelope(t, conn1)
	_ = readEnvelope(t, conn2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func waitForSessions(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ActiveSessions() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d active sessions", n)
}
