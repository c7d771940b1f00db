// Package scheduler drives time-triggered job execution per spec §4.F:
// cron-triggered ticks with at-most-one-concurrent-execution per job,
// misfire grace windows, a per-run deadline, and graceful shutdown.
// Grounded on the teacher's internal/scheduler package (cron wrapper,
// Info/Error logging idiom) generalized from a bare fire-and-forget
// AddJob into the concurrency-guarded, misfire-aware runner the spec
// requires.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fxpulse/engine/internal/domain"
)

// JobSpec registers one schedulable job with the runner.
type JobSpec struct {
	// Job is the unit of work. Its Run(ctx) is expected to own its own
	// JobRun audit row (begin at start, finalize at end), per spec §4.E.
	Job domain.Job
	// CronExpr is a standard 5-field (minute hour dom month dow)
	// expression, UTC, e.g. "0 * * * *" or "0 0 * * *".
	CronExpr string
	// Grace is the misfire window: a tick firing within Grace of its
	// nominal time executes; beyond Grace the tick is abandoned. The
	// nominal time is logged with the run but not passed to Job.Run, so
	// jobs take their timestamps from the wall clock.
	Grace time.Duration
	// Deadline bounds one run's total wall-clock; on expiry the run's
	// context is cancelled.
	Deadline time.Duration
	// Nominal computes the schedule-aligned time a tick fired at
	// `actual` was meant to represent (e.g. truncate to the hour).
	Nominal func(actual time.Time) time.Time
}

// Scheduler is the cron-driven job runner.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	running map[string]bool

	wg sync.WaitGroup
}

// New creates a Scheduler with a UTC, 5-field cron parser.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		log:     log.With().Str("component", "scheduler").Logger(),
		running: make(map[string]bool),
	}
}

// Start begins dispatching cron ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Register adds a job to the cron schedule. The tick handler enforces the
// at-most-one-in-flight guard, the misfire grace window, and the per-run
// deadline before calling spec.Job.Run.
func (s *Scheduler) Register(spec JobSpec) error {
	name := spec.Job.Name()
	_, err := s.cron.AddFunc(spec.CronExpr, func() {
		s.fire(name, spec)
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("job", name).Str("schedule", spec.CronExpr).Msg("job registered")
	return nil
}

func (s *Scheduler) fire(name string, spec JobSpec) {
	if !s.tryAcquire(name) {
		s.log.Warn().Str("job", name).Msg("tick dropped: previous run still in flight")
		return
	}
	s.wg.Add(1)
	defer func() {
		s.release(name)
		s.wg.Done()
	}()

	now := time.Now().UTC()
	nominal := now
	if spec.Nominal != nil {
		nominal = spec.Nominal(now)
	}
	if lag := now.Sub(nominal); lag > spec.Grace {
		s.log.Warn().
			Str("job", name).
			Dur("lag", lag).
			Dur("grace", spec.Grace).
			Msg("tick abandoned: missed misfire grace window")
		return
	}

	ctx := context.Background()
	if spec.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Deadline)
		defer cancel()
	}

	start := time.Now()
	s.log.Info().Str("job", name).Time("nominal_time", nominal).Msg("job run starting")
	if err := spec.Job.Run(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("job run failed")
		return
	}
	s.log.Info().Str("job", name).Dur("duration", time.Since(start)).Msg("job run completed")
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

// RunNow executes a job immediately, bypassing the cron trigger and
// misfire check but still honoring the concurrency guard.
func (s *Scheduler) RunNow(ctx context.Context, job domain.Job) error {
	name := job.Name()
	if !s.tryAcquire(name) {
		s.log.Warn().Str("job", name).Msg("run-now skipped: job already in flight")
		return nil
	}
	defer s.release(name)
	s.log.Info().Str("job", name).Msg("running job immediately")
	return job.Run(ctx)
}

// Stop stops accepting new ticks, waits up to grace for in-flight runs to
// finish, then returns. Per spec §4.F shutdown discipline.
func (s *Scheduler) Stop(grace time.Duration) {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn().Dur("grace", grace).Msg("shutdown grace window elapsed with jobs still in flight")
	}
	s.log.Info().Msg("scheduler stopped")
}

// HourlyNominal truncates a fired time down to the top of its hour, the
// nominal trigger time for HourlyJob.
func HourlyNominal(actual time.Time) time.Time {
	return actual.Truncate(time.Hour)
}

// DailyNominal truncates a fired time down to 00:00 UTC of its day, the
// nominal trigger time for DailyCorrelationJob.
func DailyNominal(actual time.Time) time.Time {
	y, m, d := actual.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
