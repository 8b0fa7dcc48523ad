// Package metrics exposes Prometheus instruments for the ingestion pipeline.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intelscanner"

var (
	// GovernorTasks counts settled governor tasks by API and outcome.
	GovernorTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governor_tasks_total",
			Help:      "Tasks settled by the execution governor",
		},
		[]string{"api", "outcome"},
	)

	// RateLimitHits counts rate-limit signals observed per API.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Rate-limit responses observed per API",
		},
		[]string{"api"},
	)

	// CollectedItems counts raw items returned per collector.
	CollectedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collected_items_total",
			Help:      "Raw items returned by each collector",
		},
		[]string{"collector"},
	)

	// StageItems counts per-stage item outcomes.
	StageItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_items_total",
			Help:      "Items per stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// StageFailures counts stages that failed as a whole.
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stages that failed as a whole",
		},
		[]string{"stage"},
	)

	// CycleDuration measures the wall time of a cycle.
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of orchestration cycles",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind"},
	)

	// ItemsByTier counts scored items per tier.
	ItemsByTier = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scored_items_total",
			Help:      "Scored items per tier",
		},
		[]string{"tier"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
