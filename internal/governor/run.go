package governor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"IntelScanner/internal/metrics"
)

// Task processes one input item.
type Task[T, R any] func(ctx context.Context, item T) (R, error)

// ProgressFunc is called after every task settles.
type ProgressFunc func(completed, total int)

// Failure pairs an input with the error that exhausted its attempts.
type Failure[T any] struct {
	Item T
	Err  error
}

// Outcome is the structural result of RunAll.
type Outcome[T, R any] struct {
	// Results holds successful results in input order.
	Results   []R
	Failures  []Failure[T]
	Succeeded int
}

// RunAll executes task for every item using the profile registered for api.
// It only returns an error for an invalid configuration; task failures are
// reported in the outcome and never abort the run.
func RunAll[T, R any](ctx context.Context, g *Governor, api string, items []T, task Task[T, R], onProgress ProgressFunc) (Outcome[T, R], error) {
	return RunAllWith(ctx, g, api, g.Profile(api), items, task, onProgress)
}

// RunAllWith is RunAll with an explicit config.
func RunAllWith[T, R any](ctx context.Context, g *Governor, api string, cfg Config, items []T, task Task[T, R], onProgress ProgressFunc) (Outcome[T, R], error) {
	var outcome Outcome[T, R]
	if err := cfg.Validate(); err != nil {
		return outcome, err
	}
	if task == nil {
		return outcome, fmt.Errorf("%w: task is nil", ErrInvalidConfig)
	}

	total := len(items)
	results := make([]R, total)
	errs := make([]error, total)

	var (
		progressMu sync.Mutex
		completed  int
	)
	settle := func(i int, err error) {
		errs[i] = err
		label := "succeeded"
		if err != nil {
			label = "failed"
		}
		metrics.GovernorTasks.WithLabelValues(api, label).Inc()

		progressMu.Lock()
		completed++
		if onProgress != nil {
			onProgress(completed, total)
		}
		progressMu.Unlock()
	}

	for start := 0; start < total; start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > total {
			end = total
		}

		if start > 0 {
			if err := sleep(ctx, cfg.RateLimitBuffer); err != nil {
				for i := start; i < total; i++ {
					settle(i, err)
				}
				break
			}
		}

		var eg errgroup.Group
		eg.SetLimit(cfg.MaxConcurrency)
		for i := start; i < end; i++ {
			eg.Go(func() error {
				r, err := runTask(ctx, g, api, cfg, items[i], task)
				if err == nil {
					results[i] = r
				}
				settle(i, err)
				return nil
			})
		}
		_ = eg.Wait()

		g.logger.Debug("batch settled", "api", api, "batch_start", start, "batch_end", end, "total", total)
	}

	for i := range items {
		if errs[i] != nil {
			outcome.Failures = append(outcome.Failures, Failure[T]{Item: items[i], Err: errs[i]})
			continue
		}
		outcome.Results = append(outcome.Results, results[i])
		outcome.Succeeded++
	}

	if len(outcome.Failures) > 0 {
		g.logger.Warn("tasks failed", "api", api, "failed", len(outcome.Failures), "succeeded", outcome.Succeeded)
	}

	return outcome, nil
}

func runTask[T, R any](ctx context.Context, g *Governor, api string, cfg Config, item T, task Task[T, R]) (result R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()

	err = g.do(ctx, api, cfg, func(ctx context.Context) error {
		r, taskErr := task(ctx, item)
		if taskErr != nil {
			return taskErr
		}
		result = r
		return nil
	})
	return result, err
}
