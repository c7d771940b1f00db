package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxpulse/engine/internal/domain"
)

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func flatMidCandle(t *testing.T, instrument string, at time.Time, close string) domain.Candle {
	mid := &domain.OHLC{Open: mustDec(t, close), High: mustDec(t, close), Low: mustDec(t, close), Close: mustDec(t, close)}
	return domain.Candle{Instrument: instrument, Time: at, Granularity: domain.GranularityH1, Mid: mid, Complete: true}
}

// S5 — Idempotent upsert: running HourlyJob twice with the same broker
// stub response leaves exactly one row per (instrument, time, H1).
func TestHourlyJob_IdempotentUpsert(t *testing.T) {
	bucket := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	broker := &fakeBroker{candles: map[string][]domain.Candle{
		"EUR_USD": {flatMidCandle(t, "EUR_USD", bucket.Add(-time.Hour), "1.10000"), flatMidCandle(t, "EUR_USD", bucket, "1.10200")},
	}}
	store := newFakeStore()
	cache := newFakeCache()
	instruments := []domain.Instrument{{Symbol: "EUR_USD", AssetClass: domain.AssetClassFX}}

	job := NewHourlyJob(broker, store, cache, zerolog.Nop(), instruments, 2.0, 300*time.Second, 3600*time.Second, 1)

	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, job.Run(context.Background()))

	rows, err := store.GetRecentCandles(context.Background(), "EUR_USD", domain.GranularityH1, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	updated1 := rows[0].UpdatedAt
	require.NoError(t, job.Run(context.Background()))
	rows2, _ := store.GetRecentCandles(context.Background(), "EUR_USD", domain.GranularityH1, 10)
	assert.True(t, !rows2[0].UpdatedAt.Before(updated1))
}

func TestHourlyJob_EmptyBrokerResponseDoesNotAffectOtherInstruments(t *testing.T) {
	bucket := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	broker := &fakeBroker{candles: map[string][]domain.Candle{
		"EUR_USD": {flatMidCandle(t, "EUR_USD", bucket, "1.10000")},
		// GBP_USD deliberately absent from the broker stub's map -> empty slice, processed as a no-op, not a failure.
	}}
	store := newFakeStore()
	cache := newFakeCache()
	instruments := []domain.Instrument{
		{Symbol: "EUR_USD", AssetClass: domain.AssetClassFX},
		{Symbol: "GBP_USD", AssetClass: domain.AssetClassFX},
	}

	job := NewHourlyJob(broker, store, cache, zerolog.Nop(), instruments, 2.0, 300*time.Second, 3600*time.Second, 2)
	require.NoError(t, job.Run(context.Background()))

	rows, err := store.GetRecentCandles(context.Background(), "EUR_USD", domain.GranularityH1, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// S7 — Volatility-alert threshold: an instrument whose HV20 exceeds the
// configured threshold publishes one volatility_alerts message.
func TestHourlyJob_PublishesVolatilityAlertAboveThreshold(t *testing.T) {
	bucket := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	var candles []domain.Candle
	price := 1.0
	for i := 0; i < 25; i++ {
		// Alternate to build non-zero variance in log-returns so HV20 > 0.
		if i%2 == 0 {
			price *= 1.02
		} else {
			price *= 0.97
		}
		at := bucket.Add(time.Duration(i-24) * time.Hour)
		candles = append(candles, flatMidCandle(t, "GBP_JPY", at, decimalString(price)))
	}
	broker := &fakeBroker{candles: map[string][]domain.Candle{"GBP_JPY": candles}}
	store := newFakeStore()
	// Pre-seed the store so GetRecentCandles has the full window available
	// (HourlyJob only fetches the last 2 from the broker but reads the
	// window back from the store for analytics).
	require.NoError(t, store.UpsertCandles(context.Background(), candles))
	cache := newFakeCache()
	instruments := []domain.Instrument{{Symbol: "GBP_JPY", AssetClass: domain.AssetClassFX}}

	job := NewHourlyJob(broker, store, cache, zerolog.Nop(), instruments, 0.01, 300*time.Second, 3600*time.Second, 1)
	require.NoError(t, job.Run(context.Background()))

	require.NotEmpty(t, cache.published[domain.ChannelVolatilityAlerts])
	assert.NotEmpty(t, cache.published[domain.ChannelDataReady])

	var alert domain.VolatilityAlertMessage
	require.NoError(t, json.Unmarshal(cache.published[domain.ChannelVolatilityAlerts][0], &alert))
	assert.NotEqual(t, domain.SeverityInfo, alert.Severity, "HV20 well past threshold must classify at least warning")
}

// S7 (exact numbers) — HV20=2.45 against threshold=2.0 (ratio 1.225) must
// classify as warning or higher, not info.
func TestSeverityFromExcess_S7(t *testing.T) {
	assert.NotEqual(t, domain.SeverityInfo, domain.SeverityFromExcess(2.45, 2.0))
}

func decimalString(f float64) string {
	d := decimal.NewFromFloat(f).Round(5)
	return d.String()
}
