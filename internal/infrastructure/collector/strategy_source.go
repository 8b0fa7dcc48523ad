package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/metrics"
	"IntelScanner/internal/ports"
	"IntelScanner/internal/source"
)

// StrategySource implements ItemSource by running every registered collector.
type StrategySource struct {
	registry *source.Registry
	query    source.Query
	logger   *slog.Logger
}

var _ ports.ItemSource = (*StrategySource)(nil)

// NewStrategySource wires the collector registry with the configured query.
func NewStrategySource(reg *source.Registry, query source.Query, log *slog.Logger) *StrategySource {
	if log == nil {
		log = slog.Default()
	}
	return &StrategySource{
		registry: reg,
		query:    query,
		logger:   log,
	}
}

type collectorRun struct {
	items []domain.RawItem
	err   error
}

// Collect runs all collectors concurrently. One collector failing never aborts the
// others; a hard failure of the primary collector is returned as PrimaryFailureError
// alongside whatever the remaining collectors produced.
func (s *StrategySource) Collect(ctx context.Context) (domain.CollectionResult, error) {
	result := domain.CollectionResult{Counts: map[string]int{}}
	if s.registry == nil {
		return result, fmt.Errorf("collector registry is not configured")
	}

	collectors := s.registry.All()
	s.debug("collect", "collectors", len(collectors), "topics", len(s.query.Topics))

	runs := make([]collectorRun, len(collectors))
	var g errgroup.Group
	for i, c := range collectors {
		g.Go(func() error {
			runs[i] = s.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	var primaryErr error
	for i, c := range collectors {
		run := runs[i]
		result.Counts[c.Name()] = len(run.items)
		result.Items = append(result.Items, run.items...)
		metrics.CollectedItems.WithLabelValues(c.Name()).Add(float64(len(run.items)))

		if run.err == nil {
			s.debug("collector produced items", "collector", c.Name(), "count", len(run.items))
			continue
		}
		result.Failed = append(result.Failed, c.Name())
		var pf *source.PrimaryFailureError
		if c.Primary() || errors.As(run.err, &pf) {
			result.PrimaryFailed = true
			primaryErr = run.err
			if !errors.As(run.err, &pf) {
				primaryErr = &source.PrimaryFailureError{Collector: c.Name(), Err: run.err}
			}
			s.logger.Error("primary collector failed", "collector", c.Name(), "error", run.err)
			continue
		}
		s.logger.Warn("collector failed", "collector", c.Name(), "error", run.err, "kept", len(run.items))
	}

	s.debug("strategy source done", "total_items", len(result.Items))
	return result, primaryErr
}

func (s *StrategySource) run(ctx context.Context, c source.Collector) (out collectorRun) {
	defer func() {
		if r := recover(); r != nil {
			out = collectorRun{err: fmt.Errorf("collector %s panicked: %v", c.Name(), r)}
		}
	}()
	items, err := c.Collect(ctx, s.query)
	return collectorRun{items: items, err: err}
}

func (s *StrategySource) debug(msg string, args ...any) {
	s.logger.Debug(msg, args...)
}
