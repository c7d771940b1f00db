// Package jobs implements the spec §4.E scheduled units of work:
// HourlyJob (fetch + derive + persist + cache + publish) and
// DailyCorrelationJob (matrix + ranking + persist + cache + publish).
// Grounded on the teacher's scheduler job shape (tradernet_metadata_sync_job.go:
// a struct holding its dependencies plus Name()/Run() methods) generalized
// to the market-data domain, with per-instrument fan-out bounded by
// golang.org/x/sync/errgroup the way the pack's flow/client.go bounds
// concurrent upstream calls.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fxpulse/engine/internal/analytics"
	"github.com/fxpulse/engine/internal/domain"
)

// partialCoverageThreshold is the fraction of the tracked universe that
// may fail per-instrument before the whole run is marked failed, per
// spec §4.E ("Instrument failures <= threshold (e.g., 30%) -> success
// with partial-coverage note; beyond threshold -> failed").
const partialCoverageThreshold = 0.30

// hourlyAnalyticsWindow is how many H1 candles HourlyJob loads to derive
// metrics (spec §4.E step 3: limit=300).
const hourlyAnalyticsWindow = 300

// HourlyJob implements domain.Job for the top-of-the-hour ingestion and
// analytics pass.
type HourlyJob struct {
	broker domain.BrokerClient
	store  domain.Store
	cache  domain.Cache
	log    zerolog.Logger

	instruments    []domain.Instrument
	volThreshold   float64
	ttlPrices      time.Duration
	ttlMetrics     time.Duration
	maxConcurrency int
}

// NewHourlyJob constructs an HourlyJob over the tracked universe.
func NewHourlyJob(broker domain.BrokerClient, store domain.Store, cache domain.Cache, log zerolog.Logger,
	instruments []domain.Instrument, volThreshold float64, ttlPrices, ttlMetrics time.Duration, maxConcurrency int) *HourlyJob {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &HourlyJob{
		broker:         broker,
		store:          store,
		cache:          cache,
		log:            log.With().Str("component", "hourly_job").Logger(),
		instruments:    instruments,
		volThreshold:   volThreshold,
		ttlPrices:      ttlPrices,
		ttlMetrics:     ttlMetrics,
		maxConcurrency: maxConcurrency,
	}
}

// Name identifies this job in the JobRun log and scheduler.
func (j *HourlyJob) Name() string { return "hourly_ingestion" }

type hourlyOutcome struct {
	priceUpdates []domain.PriceUpdateMessage
	volAlerts    []domain.VolatilityAlertMessage
	records      int
}

// Run executes steps 1-9 of spec §4.E's HourlyJob: pull, upsert, derive,
// upsert metrics, cache, and publish — per instrument, bounded by a
// worker pool, with per-instrument failures isolated.
func (j *HourlyJob) Run(ctx context.Context) error {
	handle, err := j.store.BeginJob(ctx, j.Name())
	if err != nil {
		return fmt.Errorf("begin job: %w", err)
	}

	var mu sync.Mutex
	outcome := &hourlyOutcome{}
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.maxConcurrency)
	for _, inst := range j.instruments {
		inst := inst
		g.Go(func() error {
			if err := j.processInstrument(gctx, inst, &mu, outcome); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				j.log.Warn().Err(err).Str("instrument", inst.Symbol).Msg("instrument processing failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	coverage := float64(failures) / float64(len(j.instruments))
	status := domain.JobStatusSuccess
	errMsg := ""
	if len(j.instruments) > 0 && coverage > partialCoverageThreshold {
		status = domain.JobStatusFailed
		errMsg = fmt.Sprintf("%d/%d instruments failed (%.0f%%), exceeding partial-coverage threshold", failures, len(j.instruments), coverage*100)
	} else if failures > 0 {
		errMsg = fmt.Sprintf("partial coverage: %d/%d instruments failed", failures, len(j.instruments))
	}

	if status == domain.JobStatusSuccess {
		j.publishPriceUpdates(ctx, outcome.priceUpdates)
		j.publishVolatilityAlerts(ctx, outcome.volAlerts)
		j.publishDataReady(ctx, domain.DataTypePrices, outcome.records)
	}

	if endErr := j.store.EndJob(ctx, handle, status, errMsg, outcome.records); endErr != nil {
		j.log.Error().Err(endErr).Msg("failed to finalize job run")
	}

	if status == domain.JobStatusFailed {
		return fmt.Errorf("%s", errMsg)
	}
	return nil
}

func (j *HourlyJob) processInstrument(ctx context.Context, inst domain.Instrument, mu *sync.Mutex, outcome *hourlyOutcome) error {
	candles, err := j.broker.FetchCandles(ctx, inst.Symbol, domain.GranularityH1, 2, []domain.PriceSide{domain.PriceSideBid, domain.PriceSideAsk, domain.PriceSideMid})
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}
	if len(candles) == 0 {
		return nil
	}

	if err := j.store.UpsertCandles(ctx, candles); err != nil {
		return fmt.Errorf("upsert candles: %w", err)
	}

	latest := candles[len(candles)-1]
	changed, err := j.cachePrice(ctx, inst.Symbol, latest)
	if err != nil {
		j.log.Warn().Err(err).Str("instrument", inst.Symbol).Msg("cache write failed (non-fatal)")
	}

	window, err := j.store.GetRecentCandles(ctx, inst.Symbol, domain.GranularityH1, hourlyAnalyticsWindow)
	if err != nil {
		return fmt.Errorf("load analytics window: %w", err)
	}
	metric, ok := deriveVolatilityMetric(inst, window)

	mu.Lock()
	defer mu.Unlock()
	outcome.records++
	if changed && latest.Mid != nil {
		outcome.priceUpdates = append(outcome.priceUpdates, domain.PriceUpdateMessage{
			Instrument: inst.Symbol,
			Price:      pricePointOf(latest),
			Timestamp:  time.Now().UTC(),
		})
	}
	if ok {
		if err := j.store.UpsertVolatility(ctx, []domain.VolatilityMetric{metric}); err != nil {
			j.log.Warn().Err(err).Str("instrument", inst.Symbol).Msg("upsert volatility failed")
		} else if err := j.cache.Put(ctx, fmt.Sprintf(domain.CacheKeyMetrics, inst.Symbol), metric, j.ttlMetrics); err != nil {
			j.log.Warn().Err(err).Str("instrument", inst.Symbol).Msg("cache metrics write failed (non-fatal)")
		}
		if metric.HV20 != nil {
			hv, _ := metric.HV20.Float64()
			if hv > j.volThreshold {
				sev := domain.SeverityFromExcess(hv, j.volThreshold)
				outcome.volAlerts = append(outcome.volAlerts, domain.VolatilityAlertMessage{
					Instrument: inst.Symbol,
					Volatility: hv,
					Threshold:  j.volThreshold,
					Severity:   sev,
					Message:    fmt.Sprintf("%s HV20 %.2f%% exceeds threshold %.2f%%", inst.Symbol, hv, j.volThreshold),
					Timestamp:  time.Now().UTC(),
				})
			}
		}
	}
	return nil
}

// cachePrice writes the prices:<instrument> cache key and reports whether
// the mid close differs from the previously cached value.
func (j *HourlyJob) cachePrice(ctx context.Context, instrument string, candle domain.Candle) (bool, error) {
	point := pricePointOf(candle)
	key := fmt.Sprintf(domain.CacheKeyPrices, instrument)

	var prev domain.PricePoint
	hadPrev, _ := j.cache.Get(ctx, key, &prev)
	changed := !hadPrev || prev.Mid != point.Mid

	if err := j.cache.Put(ctx, key, point, j.ttlPrices); err != nil {
		return changed, domain.NewError(domain.KindCacheUnavailable, instrument, err)
	}
	return changed, nil
}

func pricePointOf(c domain.Candle) domain.PricePoint {
	p := domain.PricePoint{Time: c.Time}
	if c.Bid != nil {
		p.Bid = c.Bid.Close.String()
	}
	if c.Ask != nil {
		p.Ask = c.Ask.Close.String()
	}
	if c.Mid != nil {
		p.Mid = c.Mid.Close.String()
	}
	return p
}

// deriveVolatilityMetric computes HV20/HV50, SMA15/30/50, Bollinger(20,2),
// and ATR(14) over a newest-first candle window, skipping the metric
// entirely (ok=false) when any candle lacks a mid side or fewer than 16
// closes (SMA15's window plus one) are available.
func deriveVolatilityMetric(inst domain.Instrument, newestFirst []domain.Candle) (domain.VolatilityMetric, bool) {
	if len(newestFirst) == 0 {
		return domain.VolatilityMetric{}, false
	}
	n := len(newestFirst)
	closes := make([]float64, n)
	points := make([]analytics.OHLCPoint, n)
	for i, c := range newestFirst {
		oldestIdx := n - 1 - i // reverse to oldest-first
		mid := c.Mid
		if mid == nil {
			return domain.VolatilityMetric{}, false
		}
		f, _ := mid.Close.Float64()
		closes[oldestIdx] = f
		h, _ := mid.High.Float64()
		l, _ := mid.Low.Float64()
		points[oldestIdx] = analytics.OHLCPoint{High: h, Low: l, Close: f}
	}

	if len(closes) < 16 { // SMA15 is the smallest window this metric carries, plus one close
		return domain.VolatilityMetric{}, false
	}

	upper, middle, lower := analytics.BollingerBands(closes, 20, 2)
	metric := domain.VolatilityMetric{
		Instrument: inst.Symbol,
		AssetClass: inst.AssetClass,
		Time:       newestFirst[0].Time,
		HV20:       analytics.HistoricalVolatility(closes, 20),
		HV50:       analytics.HistoricalVolatility(closes, 50),
		SMA15:      analytics.SMA(closes, 15),
		SMA30:      analytics.SMA(closes, 30),
		SMA50:      analytics.SMA(closes, 50),
		BBUpper:    upper,
		BBMiddle:   middle,
		BBLower:    lower,
		ATR:        analytics.ATR(points, 14),
	}
	return metric, true
}

func (j *HourlyJob) publishPriceUpdates(ctx context.Context, msgs []domain.PriceUpdateMessage) {
	for _, m := range msgs {
		if err := j.cache.Publish(ctx, domain.ChannelPriceUpdates, m); err != nil {
			j.log.Warn().Err(err).Str("instrument", m.Instrument).Msg("publish price_updates failed (non-fatal)")
		}
	}
}

func (j *HourlyJob) publishVolatilityAlerts(ctx context.Context, msgs []domain.VolatilityAlertMessage) {
	for _, m := range msgs {
		if err := j.cache.Publish(ctx, domain.ChannelVolatilityAlerts, m); err != nil {
			j.log.Warn().Err(err).Str("instrument", m.Instrument).Msg("publish volatility_alerts failed (non-fatal)")
		}
	}
}

func (j *HourlyJob) publishDataReady(ctx context.Context, dataType domain.DataReadyDataType, count int) {
	msg := domain.DataReadyMessage{DataType: dataType, Count: count, Timestamp: time.Now().UTC()}
	if err := j.cache.Publish(ctx, domain.ChannelDataReady, msg); err != nil {
		j.log.Warn().Err(err).Msg("publish data_ready failed (non-fatal)")
	}
}

var _ domain.Job = (*HourlyJob)(nil)
