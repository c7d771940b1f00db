package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fxpulse/engine/internal/analytics"
	"github.com/fxpulse/engine/internal/domain"
)

// correlationWindowSize is the default window of aligned H1 closes used
// for pairwise correlation, per spec §3 CorrelationEntry default.
const correlationWindowSize = 100

// DailyCorrelationJob implements domain.Job for the 00:00 UTC correlation
// matrix and best-pairs ranking pass (spec §4.E).
type DailyCorrelationJob struct {
	store domain.Store
	cache domain.Cache
	log   zerolog.Logger

	instruments         []domain.Instrument // filtered to FX union METAL by caller
	correlationThreshold float64
	ttlCorrelation      time.Duration
}

// NewDailyCorrelationJob constructs a DailyCorrelationJob. instruments
// must already be restricted to the FX ∪ METAL subset that participates
// in correlation, per spec §3.
func NewDailyCorrelationJob(store domain.Store, cache domain.Cache, log zerolog.Logger,
	instruments []domain.Instrument, correlationThreshold float64, ttlCorrelation time.Duration) *DailyCorrelationJob {
	return &DailyCorrelationJob{
		store:                store,
		cache:                cache,
		log:                  log.With().Str("component", "daily_correlation_job").Logger(),
		instruments:          instruments,
		correlationThreshold: correlationThreshold,
		ttlCorrelation:       ttlCorrelation,
	}
}

// Name identifies this job in the JobRun log and scheduler.
func (j *DailyCorrelationJob) Name() string { return "daily_correlation" }

// Run executes spec §4.E's DailyCorrelationJob steps 1-8: load closes,
// align by time, compute pairwise correlation, persist, classify & rank,
// cache, and publish.
func (j *DailyCorrelationJob) Run(ctx context.Context) error {
	handle, err := j.store.BeginJob(ctx, j.Name())
	if err != nil {
		return fmt.Errorf("begin job: %w", err)
	}

	series := make(map[string][]domain.ClosePoint, len(j.instruments))
	for _, inst := range j.instruments {
		closes, err := j.store.GetRecentCloses(ctx, inst.Symbol, domain.GranularityH1, correlationWindowSize)
		if err != nil {
			j.log.Warn().Err(err).Str("instrument", inst.Symbol).Msg("failed to load closes")
			continue
		}
		series[inst.Symbol] = closes
	}

	now := time.Now().UTC()
	var entries []domain.CorrelationEntry
	var ranked []analytics.RankedPair
	missingCoverage := 0

	for i := 0; i < len(j.instruments); i++ {
		for k := i + 1; k < len(j.instruments); k++ {
			a, b := j.instruments[i].Symbol, j.instruments[k].Symbol
			xs, ys, ok := alignByTime(series[a], series[b])
			if !ok || len(xs) < correlationWindowSize {
				missingCoverage++
				j.log.Debug().Str("pair1", a).Str("pair2", b).Msg("MissingCoverage: insufficient aligned samples")
				continue
			}
			rho, err := analytics.Correlation(xs, ys)
			if err != nil {
				missingCoverage++
				j.log.Debug().Str("pair1", a).Str("pair2", b).Msg("MissingCoverage: zero-variance series")
				continue
			}
			entry := domain.NewCorrelationEntry(a, b, now, rho, correlationWindowSize)
			entries = append(entries, entry)
			ranked = append(ranked, analytics.RankedPair{Pair1: entry.Pair1, Pair2: entry.Pair2, Correlation: rho})
		}
	}

	if err := j.store.InsertCorrelation(ctx, entries); err != nil {
		_ = j.store.EndJob(ctx, handle, domain.JobStatusFailed, err.Error(), len(entries))
		return fmt.Errorf("insert correlation: %w", err)
	}

	bestPairs := analytics.RankBestPairs(ranked)
	for i := range bestPairs {
		bestPairs[i].Time = now
	}
	if err := j.store.AppendBestPairs(ctx, bestPairs); err != nil {
		_ = j.store.EndJob(ctx, handle, domain.JobStatusFailed, err.Error(), len(entries))
		return fmt.Errorf("append best pairs: %w", err)
	}

	j.cacheResults(ctx, entries, bestPairs)
	j.publishCorrelationAlerts(ctx, entries)
	j.publishDataReady(ctx, domain.DataTypeCorrelations, len(entries))

	errMsg := ""
	if missingCoverage > 0 {
		errMsg = fmt.Sprintf("%d pairs skipped for missing coverage", missingCoverage)
	}
	if err := j.store.EndJob(ctx, handle, domain.JobStatusSuccess, errMsg, len(entries)); err != nil {
		j.log.Error().Err(err).Msg("failed to finalize job run")
	}
	return nil
}

// alignByTime inner-joins two oldest-first (time, close) series on
// shared timestamps, returning their aligned close values oldest-first.
func alignByTime(a, b []domain.ClosePoint) (xs, ys []float64, ok bool) {
	if len(a) == 0 || len(b) == 0 {
		return nil, nil, false
	}
	byTime := make(map[time.Time]float64, len(b))
	for _, p := range b {
		byTime[p.Time] = p.Close
	}
	for _, p := range a {
		if v, found := byTime[p.Time]; found {
			xs = append(xs, p.Close)
			ys = append(ys, v)
		}
	}
	return xs, ys, len(xs) > 0
}

func (j *DailyCorrelationJob) cacheResults(ctx context.Context, entries []domain.CorrelationEntry, bestPairs []domain.BestPairEntry) {
	if err := j.cache.Put(ctx, domain.CacheKeyCorrelationMtx, entries, j.ttlCorrelation); err != nil {
		j.log.Warn().Err(err).Msg("cache correlation:matrix write failed (non-fatal)")
	}

	byCategory := make(map[domain.BestPairCategory][]domain.BestPairEntry)
	for _, bp := range bestPairs {
		byCategory[bp.Category] = append(byCategory[bp.Category], bp)
	}
	for cat, rows := range byCategory {
		key := fmt.Sprintf(domain.CacheKeyBestPairsByCat, string(cat))
		if err := j.cache.Put(ctx, key, rows, j.ttlCorrelation); err != nil {
			j.log.Warn().Err(err).Str("category", string(cat)).Msg("cache best_pairs write failed (non-fatal)")
		}
	}
	if err := j.cache.Put(ctx, domain.CacheKeyBestPairsAll, bestPairs, j.ttlCorrelation); err != nil {
		j.log.Warn().Err(err).Msg("cache best_pairs:all write failed (non-fatal)")
	}
}

func (j *DailyCorrelationJob) publishCorrelationAlerts(ctx context.Context, entries []domain.CorrelationEntry) {
	for _, e := range entries {
		if abs(e.Correlation) < j.correlationThreshold {
			continue
		}
		sev := domain.SeverityFromExcess(abs(e.Correlation), j.correlationThreshold)
		msg := domain.CorrelationAlertMessage{
			Pair1:       e.Pair1,
			Pair2:       e.Pair2,
			Correlation: e.Correlation,
			Threshold:   j.correlationThreshold,
			Severity:    sev,
			Message:     fmt.Sprintf("%s/%s correlation %.3f exceeds threshold %.3f", e.Pair1, e.Pair2, e.Correlation, j.correlationThreshold),
			Timestamp:   time.Now().UTC(),
		}
		if err := j.cache.Publish(ctx, domain.ChannelCorrelationAlerts, msg); err != nil {
			j.log.Warn().Err(err).Str("pair1", e.Pair1).Str("pair2", e.Pair2).Msg("publish correlation_alerts failed (non-fatal)")
		}
	}
}

func (j *DailyCorrelationJob) publishDataReady(ctx context.Context, dataType domain.DataReadyDataType, count int) {
	msg := domain.DataReadyMessage{DataType: dataType, Count: count, Timestamp: time.Now().UTC()}
	if err := j.cache.Publish(ctx, domain.ChannelDataReady, msg); err != nil {
		j.log.Warn().Err(err).Msg("publish data_ready failed (non-fatal)")
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

var _ domain.Job = (*DailyCorrelationJob)(nil)
