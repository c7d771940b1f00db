package fanout

import (
	"encoding/json"
	"time"

	"github.com/fxpulse/engine/internal/domain"
)

// envelope is the wire shape for every frame in both directions: a named
// event plus its payload, matching spec §4.G's message table.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// inboundEnvelope defers payload decoding until the event name is known.
// Data tolerates frames that omit it entirely (ping, get_subscriptions,
// request_all_prices, get_server_stats) since json.RawMessage unmarshals
// a missing key as nil.
type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// subscribeRequest drives both "subscribe" and "unsubscribe". Wildcard is
// explicit rather than a sentinel string in Instruments, so decoding never
// depends on a magic value.
type subscribeRequest struct {
	Instruments []string `json:"instruments"`
	Wildcard    bool     `json:"wildcard"`
}

type requestPriceRequest struct {
	Instrument string `json:"instrument"`
}

type connectionEstablishedData struct {
	ClientID           string    `json:"client_id"`
	TrackedInstruments []string  `json:"tracked_instruments"`
	Timestamp          time.Time `json:"timestamp"`
}

type subscriptionConfirmedData struct {
	Instruments []string `json:"instruments"`
	Wildcard    bool     `json:"wildcard"`
}

type subscriptionsInfoData struct {
	Instruments []string `json:"instruments"`
	Wildcard    bool     `json:"wildcard"`
}

type priceResponseData struct {
	Instrument string            `json:"instrument"`
	Price      *domain.PricePoint `json:"price,omitempty"`
	Found      bool              `json:"found"`
}

type allPricesResponseData struct {
	Prices map[string]domain.PricePoint `json:"prices"`
}

type serverStatsData struct {
	ActiveSessions      int    `json:"active_sessions"`
	TrackedInstruments  int    `json:"tracked_instruments"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

type pongData struct {
	Timestamp time.Time `json:"timestamp"`
}

type errorData struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Event names, fixed by spec §4.G's protocol table.
const (
	eventSubscribe           = "subscribe"
	eventUnsubscribe         = "unsubscribe"
	eventGetSubscriptions    = "get_subscriptions"
	eventRequestPrice        = "request_price"
	eventRequestAllPrices    = "request_all_prices"
	eventGetServerStats      = "get_server_stats"
	eventPing                = "ping"

	eventConnectionEstablished  = "connection_established"
	eventSubscriptionConfirmed  = "subscription_confirmed"
	eventUnsubscriptionConfirm  = "unsubscription_confirmed"
	eventSubscriptionsInfo      = "subscriptions_info"
	eventPriceResponse          = "price_response"
	eventAllPricesResponse      = "all_prices_response"
	eventServerStats            = "server_stats"
	eventPong                   = "pong"
	eventPriceUpdate            = "price_update"
	eventVolatilityAlert        = "volatility_alert"
	eventCorrelationAlert       = "correlation_alert"
	eventDataReady              = "data_ready"
	eventError                  = "error"
	eventSubscriptionError      = "subscription_error"
)
