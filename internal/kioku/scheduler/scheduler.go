// Package scheduler triggers Kioku's nightly jobs on cron schedules.
//
// Every job runs its own loop goroutine. A tick that arrives while the
// previous run of the same job is still in flight is skipped and logged,
// so a job never overlaps with itself inside one process. The clock is
// injectable so tests can advance time without sleeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Clock abstracts time.Now and time.After.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule *Schedule
	fn       JobFunc
	running  atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	clk    Clock
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	inRuns  sync.WaitGroup
	started bool
}

// New returns a Scheduler on the wall clock.
func New(logger *slog.Logger) *Scheduler {
	return NewWithClock(realClock{}, logger)
}

// NewWithClock returns a Scheduler driven by clk.
func NewWithClock(clk Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clk: clk, logger: logger, jobs: make(map[string]*job)}
}

// Add registers fn under name on the cron expression expr, evaluated in
// loc (UTC when nil). Jobs must be added before Start.
func (s *Scheduler) Add(name, expr string, loc *time.Location, fn JobFunc) error {
	sched, err := Parse(expr, loc)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: cannot add jobs after start")
	}
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("scheduler: duplicate job %s", name)
	}
	s.jobs[name] = &job{name: name, schedule: sched, fn: fn}
	return nil
}

// Start launches every job loop. They stop when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.logger.Info("scheduler: starting job", "job", j.name, "schedule", j.schedule.String())
		s.loops.Add(1)
		go s.loop(ctx, j)
	}
}

// Stop cancels the loops and in-flight runs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	s.inRuns.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.loops.Done()
	for {
		next := j.schedule.Next(s.clk.Now())
		if next.IsZero() {
			s.logger.Error("scheduler: no next tick; stopping job", "job", j.name)
			return
		}
		delay := max(next.Sub(s.clk.Now()), 0)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: job stopped", "job", j.name)
			return
		case <-s.clk.After(delay):
			s.fire(ctx, j)
		}
	}
}

// fire starts a run unless the previous one is still going.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.logger.Warn("scheduler: previous run still in flight; skipping tick", "job", j.name)
		return
	}
	s.inRuns.Add(1)
	go func() {
		defer s.inRuns.Done()
		defer j.running.Store(false)
		start := s.clk.Now()
		n := j.runs.Add(1)
		s.logger.Info("scheduler: job run started", "job", j.name, "run", n)
		if err := j.fn(ctx); err != nil {
			s.logger.Error("scheduler: job run failed", "job", j.name, "run", n, "err", err)
			return
		}
		s.logger.Info("scheduler: job run finished", "job", j.name, "run", n, "elapsed", s.clk.Now().Sub(start).String())
	}()
}

// Stats reports how often name has run and how many ticks were skipped.
func (s *Scheduler) Stats(name string) (runs, skipped int64) {
	s.mu.Lock()
	j := s.jobs[name]
	s.mu.Unlock()
	if j == nil {
		return 0, 0
	}
	return j.runs.Load(), j.skipped.Load()
}
