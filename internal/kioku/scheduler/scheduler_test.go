package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []fakeWaiter
	total   int // After calls ever made
}

type fakeWaiter struct {
	fireAt time.Time
	ch     chan time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{fireAt: c.current.Add(d), ch: ch})
	c.total++
	return ch
}

// Advance moves the clock and fires every waiter whose deadline passed.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.current.Before(w.fireAt) {
			w.ch <- w.fireAt
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// waitForWaiters blocks until at least n After calls were made in total.
func (c *fakeClock) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		have := c.total
		c.mu.Unlock()
		if have >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters", n)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	clk := &fakeClock{current: time.Date(2026, 6, 15, 1, 59, 0, 0, time.UTC)}
	s := NewWithClock(clk, nil)
	var runs atomic.Int32
	if err := s.Add("decay", "0 2 * * *", nil, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	clk.waitForWaiters(t, 1)
	clk.Advance(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("job ran before its tick")
	}

	clk.Advance(30 * time.Second)
	waitFor(t, func() bool { return runs.Load() == 1 })

	clk.waitForWaiters(t, 2)
	clk.Advance(24 * time.Hour)
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func TestScheduler_SkipsOverlappingTick(t *testing.T) {
	clk := &fakeClock{current: time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := NewWithClock(clk, nil)
	release := make(chan struct{})
	var started atomic.Int32
	s.Add("summarize", "* * * * *", nil, func(ctx context.Context) error {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	clk.waitForWaiters(t, 1)
	clk.Advance(time.Minute)
	waitFor(t, func() bool { return started.Load() == 1 })

	clk.waitForWaiters(t, 2)
	clk.Advance(time.Minute)
	waitFor(t, func() bool { _, skipped := s.Stats("summarize"); return skipped == 1 })
	if started.Load() != 1 {
		t.Errorf("overlapping run started: %d runs", started.Load())
	}

	close(release)
	waitFor(t, func() bool { return !s.jobs["summarize"].running.Load() })
	clk.waitForWaiters(t, 3)
	clk.Advance(time.Minute)
	waitFor(t, func() bool { return started.Load() == 2 })
}

func TestScheduler_StopCancelsRuns(t *testing.T) {
	clk := &fakeClock{current: time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := NewWithClock(clk, nil)
	cancelled := make(chan struct{})
	s.Add("long", "* * * * *", nil, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	s.Start(context.Background())

	clk.waitForWaiters(t, 1)
	clk.Advance(time.Minute)
	waitFor(t, func() bool { runs, _ := s.Stats("long"); return runs == 1 })

	done := make(chan struct{})
	go func() { s.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case <-cancelled:
	default:
		t.Error("in-flight run was not cancelled")
	}
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add("bad", "not cron", nil, noop); err == nil {
		t.Error("expected error for invalid expression")
	}
	if err := s.Add("a", "0 2 * * *", nil, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("a", "0 3 * * *", nil, noop); err == nil {
		t.Error("expected error for duplicate job")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()
	if err := s.Add("late", "0 3 * * *", nil, noop); err == nil {
		t.Error("expected error for add after start")
	}
}
