package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingJob struct {
	name    string
	started chan struct{}
	release chan struct{}
	runs    int32
}

func (j *blockingJob) Name() string { return j.name }

func (j *blockingJob) Run(ctx context.Context) error {
	atomic.AddInt32(&j.runs, 1)
	close(j.started)
	<-j.release
	return nil
}

type countingJob struct {
	name string
	mu   sync.Mutex
	runs int
	err  error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	return j.err
}

func (j *countingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func TestScheduler_FireDropsTickWhilePreviousRunInFlight(t *testing.T) {
	s := New(zerolog.Nop())
	job := &blockingJob{name: "slow", started: make(chan struct{}), release: make(chan struct{})}
	spec := JobSpec{Job: job, Grace: time.Hour, Deadline: time.Minute}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.fire(job.Name(), spec)
	}()

	<-job.started
	// Second tick while the first is still blocked in Run: must be dropped,
	// not queued or run concurrently.
	s.fire(job.Name(), spec)
	assert.EqualValues(t, 1, atomic.LoadInt32(&job.runs))

	close(job.release)
	wg.Wait()
}

func TestScheduler_FireAbandonsTickPastMisfireGrace(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "daily"}
	spec := JobSpec{
		Job:   job,
		Grace: time.Millisecond,
		Nominal: func(actual time.Time) time.Time {
			return actual.Add(-time.Hour) // always "late" by an hour
		},
	}

	s.fire(job.Name(), spec)
	assert.Equal(t, 0, job.count(), "tick older than its grace window must not run")
}

func TestScheduler_FireRunsWithinGrace(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "hourly"}
	spec := JobSpec{
		Job:     job,
		Grace:   time.Hour,
		Nominal: HourlyNominal,
	}

	s.fire(job.Name(), spec)
	assert.Equal(t, 1, job.count())
}

func TestScheduler_RunNowHonorsConcurrencyGuard(t *testing.T) {
	s := New(zerolog.Nop())
	job := &blockingJob{name: "manual", started: make(chan struct{}), release: make(chan struct{})}

	go func() { _ = s.RunNow(context.Background(), job) }()
	<-job.started

	require.NoError(t, s.RunNow(context.Background(), job))
	assert.EqualValues(t, 1, atomic.LoadInt32(&job.runs), "a second RunNow while one is in flight must be a no-op")

	close(job.release)
}

func TestScheduler_StopWaitsForInFlightRunsWithinGrace(t *testing.T) {
	s := New(zerolog.Nop())
	s.Start()
	job := &blockingJob{name: "draining", started: make(chan struct{}), release: make(chan struct{})}
	spec := JobSpec{Job: job, Grace: time.Hour, Deadline: time.Minute}

	go s.fire(job.Name(), spec)
	<-job.started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(job.release)
	}()

	stopped := make(chan struct{})
	go func() {
		s.Stop(time.Second)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after in-flight job finished")
	}
	_ = spec
}

func TestHourlyNominal_TruncatesToTopOfHour(t *testing.T) {
	actual := time.Date(2026, 7, 31, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC), HourlyNominal(actual))
}

func TestDailyNominal_TruncatesToMidnightUTC(t *testing.T) {
	actual := time.Date(2026, 7, 31, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), DailyNominal(actual))
}
