package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxpulse/engine/internal/domain"
)

func TestFetchCandles_ParsesDecimalsAndTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"instrument": "EUR_USD",
			"granularity": "H1",
			"candles": [
				{"time": "2026-07-30T10:00:00.000000000Z", "complete": true, "volume": 120,
				 "mid": {"o": "1.10000", "h": "1.10500", "l": "1.09800", "c": "1.10200"}}
			]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token", []string{"EUR_USD"}, 100, time.Minute)

	candles, err := c.FetchCandles(context.Background(), "EUR_USD", domain.GranularityH1, 2, []domain.PriceSide{domain.PriceSideMid})
	require.NoError(t, err)
	require.Len(t, candles, 1)

	got := candles[0]
	assert.Equal(t, "EUR_USD", got.Instrument)
	assert.True(t, got.Complete)
	assert.Equal(t, int64(120), got.Volume)
	require.NotNil(t, got.Mid)
	assert.Equal(t, "1.10200", got.Mid.Close.String())
	assert.True(t, got.Valid())
}

func TestFetchCandles_RejectsUntrackedInstrument(t *testing.T) {
	c := New("https://example.com", "tok", []string{"EUR_USD"}, 100, time.Minute)
	_, err := c.FetchCandles(context.Background(), "XYZ_ABC", domain.GranularityH1, 2, []domain.PriceSide{domain.PriceSideMid})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBrokerBadRequest))
}

func TestFetchCandles_AuthFailureIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-token", []string{"EUR_USD"}, 100, time.Minute)
	_, err := c.FetchCandles(context.Background(), "EUR_USD", domain.GranularityH1, 2, []domain.PriceSide{domain.PriceSideMid})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBrokerAuth))
	assert.Equal(t, 1, calls)
}

func TestFetchCandles_ServerErrorRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"instrument":"EUR_USD","granularity":"H1","candles":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", []string{"EUR_USD"}, 100, time.Minute, WithBackoff(time.Millisecond, 10*time.Millisecond))
	candles, err := c.FetchCandles(context.Background(), "EUR_USD", domain.GranularityH1, 2, []domain.PriceSide{domain.PriceSideMid})
	require.NoError(t, err)
	assert.Empty(t, candles)
	assert.Equal(t, 3, calls)
}
