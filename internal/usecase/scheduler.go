package usecase

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/ports"
)

// CycleRunner is the part of Pipeline the scheduler drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) *domain.CycleReport
	RunCollection(ctx context.Context) *domain.CycleReport
	RunProcessing(ctx context.Context) *domain.CycleReport
}

var _ CycleRunner = (*Pipeline)(nil)

// Scheduler wires two interval drivers with the pipeline use case.
// A tick that arrives while the same kind of run is in flight is skipped, never queued.
type Scheduler struct {
	collection ports.Scheduler
	processing ports.Scheduler
	pipeline   CycleRunner
	logger     *slog.Logger

	collecting atomic.Bool
	enriching  atomic.Bool
	wg         sync.WaitGroup
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(collection, processing ports.Scheduler, pipeline CycleRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		collection: collection,
		processing: processing,
		pipeline:   pipeline,
		logger:     logger,
	}
}

// Start runs a full cycle immediately, then hands the two halves to their drivers.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.pipeline == nil {
		return nil
	}

	s.launch(ctx, "cycle", s.pipeline.RunCycle, &s.collecting, &s.enriching)

	if s.collection != nil {
		if err := s.collection.Start(ctx, func(time.Time) {
			s.launch(ctx, "collection", s.pipeline.RunCollection, &s.collecting)
		}); err != nil {
			return err
		}
	}
	if s.processing != nil {
		if err := s.processing.Start(ctx, func(time.Time) {
			s.launch(ctx, "processing", s.pipeline.RunProcessing, &s.enriching)
		}); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce executes one full cycle synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) *domain.CycleReport {
	return s.pipeline.RunCycle(ctx)
}

// launch starts run in the background unless one of its guards is already held.
func (s *Scheduler) launch(ctx context.Context, kind string, run func(context.Context) *domain.CycleReport, guards ...*atomic.Bool) bool {
	for i, g := range guards {
		if !g.CompareAndSwap(false, true) {
			for _, held := range guards[:i] {
				held.Store(false)
			}
			s.logger.Warn("tick skipped: previous run still in flight", "kind", kind)
			return false
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			for _, g := range guards {
				g.Store(false)
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("run panicked", "kind", kind, "panic", r)
			}
		}()
		run(ctx)
	}()
	return true
}

// Stop tears down both drivers and waits for in-flight runs.
func (s *Scheduler) Stop(ctx context.Context) error {
	var firstErr error
	for _, d := range []ports.Scheduler{s.collection, s.processing} {
		if d == nil {
			continue
		}
		if err := d.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
