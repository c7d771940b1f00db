// Package broker implements the BrokerClient contract of spec §4.A: an
// authenticated, rate-limited, retrying HTTP client over the upstream
// candle-batch endpoint.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/fxpulse/engine/internal/domain"
)

const maxCandleCount = 5000

// Client is the HTTP BrokerClient implementation. It satisfies
// domain.BrokerClient.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	tracked    map[string]bool
	maxRetries int
	baseBackoff time.Duration
	capBackoff  time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPTimeout overrides the per-call HTTP timeout (default 10s, per
// spec §5 "Cancellation & timeouts").
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxRetries overrides the bounded retry-attempt count (default 5).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff overrides the retry backoff base and cap (defaults 1s/60s
// per spec §4.A); tests use this to avoid real sleeps.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Client) { c.baseBackoff = base; c.capBackoff = cap }
}

// New builds a Client. baseURL is the environment-selected broker root
// (e.g. "https://api-fxpractice.example.com"); token is the bearer
// secret, read once at startup and never logged. requests/window
// parameterize the process-wide token bucket gating outbound calls.
func New(baseURL, token string, tracked []string, requests int, window time.Duration, opts ...Option) *Client {
	trackedSet := make(map[string]bool, len(tracked))
	for _, t := range tracked {
		trackedSet[t] = true
	}

	refillPerSecond := float64(requests) / window.Seconds()

	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(refillPerSecond), requests),
		tracked:    trackedSet,
		maxRetries: 5,
		baseBackoff: time.Second,
		capBackoff:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type candleBatchResponse struct {
	Instrument  string            `json:"instrument"`
	Granularity string            `json:"granularity"`
	Candles     []candleWire      `json:"candles"`
}

type candleWire struct {
	Time     string       `json:"time"`
	Complete bool         `json:"complete"`
	Bid      *ohlcWire    `json:"bid,omitempty"`
	Ask      *ohlcWire    `json:"ask,omitempty"`
	Mid      *ohlcWire    `json:"mid,omitempty"`
	Volume   int64        `json:"volume"`
}

type ohlcWire struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

func (w *ohlcWire) toOHLC() (*domain.OHLC, error) {
	if w == nil {
		return nil, nil
	}
	o, err := decimal.NewFromString(w.O)
	if err != nil {
		return nil, fmt.Errorf("parse open: %w", err)
	}
	h, err := decimal.NewFromString(w.H)
	if err != nil {
		return nil, fmt.Errorf("parse high: %w", err)
	}
	l, err := decimal.NewFromString(w.L)
	if err != nil {
		return nil, fmt.Errorf("parse low: %w", err)
	}
	c, err := decimal.NewFromString(w.C)
	if err != nil {
		return nil, fmt.Errorf("parse close: %w", err)
	}
	return &domain.OHLC{Open: o, High: h, Low: l, Close: c}, nil
}

func sidesParam(sides []domain.PriceSide) string {
	var b strings.Builder
	for _, s := range sides {
		switch s {
		case domain.PriceSideMid:
			b.WriteByte('M')
		case domain.PriceSideBid:
			b.WriteByte('B')
		case domain.PriceSideAsk:
			b.WriteByte('A')
		}
	}
	if b.Len() == 0 {
		return "M"
	}
	return b.String()
}

// FetchCandles issues GET {base}/v3/instruments/{instrument}/candles and
// parses the response into domain.Candle values, with arbitrary-precision
// decimal parsing for every numeric field.
func (c *Client) FetchCandles(ctx context.Context, instrument string, gran domain.Granularity, count int, sides []domain.PriceSide) ([]domain.Candle, error) {
	if !c.tracked[instrument] {
		return nil, domain.NewError(domain.KindBrokerBadRequest, instrument, fmt.Errorf("instrument not in tracked universe"))
	}
	if count > maxCandleCount {
		count = maxCandleCount
	}

	url := fmt.Sprintf("%s/v3/instruments/%s/candles?count=%d&granularity=%s&price=%s",
		c.baseURL, instrument, count, gran, sidesParam(sides))

	body, err := c.doWithRetry(ctx, instrument, url)
	if err != nil {
		return nil, err
	}

	var resp candleBatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewError(domain.KindBrokerParse, instrument, err)
	}

	out := make([]domain.Candle, 0, len(resp.Candles))
	for _, cw := range resp.Candles {
		t, err := time.Parse(time.RFC3339Nano, cw.Time)
		if err != nil {
			return nil, domain.NewError(domain.KindBrokerParse, instrument, fmt.Errorf("parse time %q: %w", cw.Time, err))
		}
		bid, err := cw.Bid.toOHLC()
		if err != nil {
			return nil, domain.NewError(domain.KindBrokerParse, instrument, err)
		}
		ask, err := cw.Ask.toOHLC()
		if err != nil {
			return nil, domain.NewError(domain.KindBrokerParse, instrument, err)
		}
		mid, err := cw.Mid.toOHLC()
		if err != nil {
			return nil, domain.NewError(domain.KindBrokerParse, instrument, err)
		}

		candle := domain.Candle{
			Instrument:  instrument,
			Time:        t.UTC(),
			Granularity: gran,
			Bid:         bid,
			Ask:         ask,
			Mid:         mid,
			Volume:      cw.Volume,
			Complete:    cw.Complete,
		}
		candle.FillMid()
		out = append(out, candle)
	}
	return out, nil
}

// doWithRetry performs the rate-limited GET with exponential backoff (base
// 1s, cap 60s) on BrokerUnavailable/BrokerRateLimited, per spec §4.A.
func (c *Client) doWithRetry(ctx context.Context, instrument, url string) ([]byte, error) {
	backoff := c.baseBackoff

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.NewError(domain.KindBrokerUnavailable, instrument, err)
		}

		body, err := c.doOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.KindBrokerUnavailable, instrument, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.capBackoff {
			backoff = c.capBackoff
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindBrokerBadRequest, "", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindBrokerUnavailable, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindBrokerParse, "", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.NewError(domain.KindBrokerAuth, "", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewError(domain.KindBrokerRateLimited, "", fmt.Errorf("status %d, retry-after %s", resp.StatusCode, resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return nil, domain.NewError(domain.KindBrokerUnavailable, "", fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, domain.NewError(domain.KindBrokerBadRequest, "", fmt.Errorf("status %d", resp.StatusCode))
	}
}
