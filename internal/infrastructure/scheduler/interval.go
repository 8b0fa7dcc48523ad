package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"IntelScanner/internal/ports"
)

// IntervalScheduler fires a job on a fixed interval using time.Ticker.
type IntervalScheduler struct {
	interval time.Duration

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	steps chan time.Time
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a driver; a non-positive interval only fires on Step.
func NewIntervalScheduler(interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{interval: interval}
}

// Start begins ticking. The first tick fires one interval after Start.
func (s *IntervalScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return errors.New("scheduler: job is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.steps = make(chan time.Time)
	go s.loop(ctx, job, s.stop, s.done, s.steps)
	return nil
}

func (s *IntervalScheduler) loop(ctx context.Context, job func(time.Time), stop, done chan struct{}, steps chan time.Time) {
	defer close(done)

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case t := <-tick:
			job(t)
		case t := <-steps:
			job(t)
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// Step delivers one tick at t and returns once the loop has accepted it.
// It reports false when the scheduler is not running.
func (s *IntervalScheduler) Step(t time.Time) bool {
	s.mu.Lock()
	steps, done := s.steps, s.done
	s.mu.Unlock()
	if steps == nil {
		return false
	}

	select {
	case steps <- t:
		return true
	case <-done:
		return false
	}
}

// Stop halts the ticker goroutine and waits for it to exit.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done, s.steps = nil, nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
