// Package governor runs outbound API calls with bounded concurrency, batching,
// retries and adaptive backoff on rate-limit signals.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"IntelScanner/internal/metrics"
)

// Config declares how calls against one API are executed.
type Config struct {
	MaxConcurrency int
	BatchSize      int
	// RetryAttempts is the number of retries after the first try.
	RetryAttempts int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// RateLimitBuffer is the pause between consecutive batches.
	RateLimitBuffer time.Duration
	AttemptTimeout  time.Duration
	// RequestsPerSecond paces attempts across all callers of the API; zero disables pacing.
	RequestsPerSecond float64
}

// DefaultConfig is used for APIs without an explicit profile.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  3,
		BatchSize:       10,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		MaxRetryDelay:   30 * time.Second,
		RateLimitBuffer: 500 * time.Millisecond,
		AttemptTimeout:  10 * time.Second,
	}
}

// Validate rejects configurations the governor cannot run.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency <= 0:
		return fmt.Errorf("%w: maxConcurrency must be positive, got %d", ErrInvalidConfig, c.MaxConcurrency)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batchSize must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case c.RetryAttempts < 0:
		return fmt.Errorf("%w: retryAttempts must not be negative, got %d", ErrInvalidConfig, c.RetryAttempts)
	case c.RetryDelay < 0 || c.RateLimitBuffer < 0 || c.AttemptTimeout < 0 || c.MaxRetryDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	case c.RequestsPerSecond < 0:
		return fmt.Errorf("%w: requestsPerSecond must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Policy converts the config into a retry policy.
func (c Config) Policy() Policy {
	return Policy{
		Attempts:       c.RetryAttempts + 1,
		BaseDelay:      c.RetryDelay,
		Multiplier:     2,
		Cap:            c.MaxRetryDelay,
		AttemptTimeout: c.AttemptTimeout,
	}
}

// Governor owns per-API execution profiles and rate-limit state.
type Governor struct {
	mu       sync.Mutex
	profiles map[string]Config
	fallback Config
	managers map[string]*RateLimitManager
	limiters map[string]*rate.Limiter
	rlOpts   []RateLimitOption
	logger   *slog.Logger
}

// Option customizes a Governor.
type Option func(*Governor)

// WithFallback sets the config used for APIs without a profile.
func WithFallback(cfg Config) Option {
	return func(g *Governor) { g.fallback = cfg }
}

// WithRateLimitOptions configures every per-API RateLimitManager.
func WithRateLimitOptions(opts ...RateLimitOption) Option {
	return func(g *Governor) { g.rlOpts = append(g.rlOpts, opts...) }
}

// New builds a governor from per-API profiles.
func New(profiles map[string]Config, logger *slog.Logger, opts ...Option) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		profiles: make(map[string]Config, len(profiles)),
		fallback: DefaultConfig(),
		managers: make(map[string]*RateLimitManager),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
	for api, cfg := range profiles {
		g.profiles[api] = cfg
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Profile returns the config for api, falling back to the default.
func (g *Governor) Profile(api string) Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg, ok := g.profiles[api]; ok {
		return cfg
	}
	return g.fallback
}

// RateLimits returns the shared rate-limit manager of api.
func (g *Governor) RateLimits(api string) *RateLimitManager {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.managers[api]
	if !ok {
		m = NewRateLimitManager(g.rlOpts...)
		g.managers[api] = m
	}
	return m
}

// Reset clears all rate-limit state.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.managers {
		m.Reset()
	}
	g.limiters = make(map[string]*rate.Limiter)
}

func (g *Governor) limiter(api string, rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[api]
	if !ok {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		g.limiters[api] = l
	}
	return l
}

func (g *Governor) do(ctx context.Context, api string, cfg Config, op func(ctx context.Context) error) error {
	pacer := g.limiter(api, cfg.RequestsPerSecond)
	manager := g.RateLimits(api)

	// Held outside the attempt timeout; retries after a hit already wait inside Do.
	if err := manager.Throttle(ctx); err != nil {
		return err
	}

	attempt := func(ctx context.Context) error {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return err
			}
		}
		return op(ctx)
	}

	return Do(ctx, cfg.Policy(), attempt, Hooks{
		RateLimitWait: func(err error, backoff time.Duration) time.Duration {
			metrics.RateLimitHits.WithLabelValues(api).Inc()
			shared := manager.RecordHit()
			g.logger.Warn("rate limited", "api", api, "backoff", backoff, "shared_delay", shared)
			if shared > backoff {
				return shared
			}
			return backoff
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			g.logger.Debug("retrying call", "api", api, "attempt", attempt, "wait", wait, "error", err)
		},
	})
}

// Call runs a single operation against api under its retry policy.
func Call[R any](ctx context.Context, g *Governor, api string, fn func(ctx context.Context) (R, error)) (R, error) {
	cfg := g.Profile(api)
	var out R
	if err := cfg.Validate(); err != nil {
		return out, err
	}
	err := g.do(ctx, api, cfg, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		metrics.GovernorTasks.WithLabelValues(api, "failed").Inc()
		return out, err
	}
	metrics.GovernorTasks.WithLabelValues(api, "succeeded").Inc()
	return out, nil
}
