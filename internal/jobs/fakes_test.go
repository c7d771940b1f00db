package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fxpulse/engine/internal/domain"
)

// fakeBroker returns a fixed, scripted set of candles per instrument,
// the same stub shape the teacher uses for its tradernet client tests.
type fakeBroker struct {
	mu      sync.Mutex
	candles map[string][]domain.Candle
	calls   int
}

func (f *fakeBroker) FetchCandles(ctx context.Context, instrument string, gran domain.Granularity, count int, sides []domain.PriceSide) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.candles[instrument], nil
}

// fakeStore is an in-memory domain.Store sufficient to exercise job
// logic without a real database.
type fakeStore struct {
	mu           sync.Mutex
	candles      map[string]map[time.Time]domain.Candle // instrument -> time -> candle
	volatility   []domain.VolatilityMetric
	correlations []domain.CorrelationEntry
	bestPairs    []domain.BestPairEntry
	nextJobID    int64
	jobs         map[int64]domain.JobRun
	closes       map[string][]domain.ClosePoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		candles: make(map[string]map[time.Time]domain.Candle),
		jobs:    make(map[int64]domain.JobRun),
		closes:  make(map[string][]domain.ClosePoint),
	}
}

func (s *fakeStore) UpsertCandles(ctx context.Context, rows []domain.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range rows {
		if _, ok := s.candles[c.Instrument]; !ok {
			s.candles[c.Instrument] = make(map[time.Time]domain.Candle)
		}
		c.UpdatedAt = time.Now().UTC()
		s.candles[c.Instrument][c.Time] = c
	}
	return nil
}

func (s *fakeStore) UpsertVolatility(ctx context.Context, rows []domain.VolatilityMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volatility = append(s.volatility, rows...)
	return nil
}

func (s *fakeStore) InsertCorrelation(ctx context.Context, rows []domain.CorrelationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if r.Pair1 >= r.Pair2 {
			return domain.NewError(domain.KindStoreInvariant, r.Pair1+"/"+r.Pair2, nil)
		}
	}
	s.correlations = append(s.correlations, rows...)
	return nil
}

func (s *fakeStore) AppendBestPairs(ctx context.Context, rows []domain.BestPairEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bestPairs = append(s.bestPairs, rows...)
	return nil
}

func (s *fakeStore) GetRecentCandles(ctx context.Context, instrument string, gran domain.Granularity, limit int) ([]domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTime := s.candles[instrument]
	out := make([]domain.Candle, 0, len(byTime))
	for _, c := range byTime {
		out = append(out, c)
	}
	// newest-first
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].Time.After(out[i].Time) {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetRecentCloses(ctx context.Context, instrument string, gran domain.Granularity, window int) ([]domain.ClosePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := s.closes[instrument]
	if len(pts) > window {
		pts = pts[len(pts)-window:]
	}
	out := make([]domain.ClosePoint, len(pts))
	copy(out, pts)
	return out, nil
}

func (s *fakeStore) BeginJob(ctx context.Context, name string) (domain.JobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	id := s.nextJobID
	start := time.Now().UTC()
	s.jobs[id] = domain.JobRun{ID: id, JobName: name, StartTime: start, Status: domain.JobStatusRunning}
	return domain.JobHandle{ID: id, JobName: name, StartTime: start}, nil
}

func (s *fakeStore) EndJob(ctx context.Context, handle domain.JobHandle, status domain.JobStatus, errMsg string, records int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.jobs[handle.ID]
	run.Status = status
	run.ErrorMessage = errMsg
	run.RecordsProcessed = records
	run.EndTime = time.Now().UTC()
	s.jobs[handle.ID] = run
	return nil
}

var _ domain.Store = (*fakeStore)(nil)

// fakeCache is an in-memory domain.Cache.
type fakeCache struct {
	mu        sync.Mutex
	values    map[string][]byte
	published map[string][][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string][]byte), published: make(map[string][][]byte)}
}

func (c *fakeCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = payload
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	payload, ok := c.values[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(payload, dest)
}

func (c *fakeCache) Publish(ctx context.Context, channel string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[channel] = append(c.published[channel], payload)
	return nil
}

func (c *fakeCache) Subscribe(ctx context.Context, channels ...string) (<-chan domain.BusMessage, error) {
	out := make(chan domain.BusMessage)
	close(out)
	return out, nil
}

func (c *fakeCache) Close() error { return nil }

var _ domain.Cache = (*fakeCache)(nil)
