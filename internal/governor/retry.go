package governor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is an exponential backoff retry policy.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	Cap        time.Duration
	// AttemptTimeout bounds every single try; zero disables it.
	AttemptTimeout time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.Cap > 0 && delay >= float64(p.Cap) {
			return p.Cap
		}
	}
	if p.Cap > 0 && delay > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(delay)
}

// Hooks observe the retry loop. Any field may be nil.
type Hooks struct {
	// OnRetry runs before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
	// RateLimitWait lets the caller stretch the wait after a rate-limit error.
	RateLimitWait func(err error, backoff time.Duration) time.Duration
}

// Do runs op until it succeeds, returns a non-retryable error or the attempts run out.
// Rate-limit and transient errors share one pool of attempts.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error, hooks Hooks) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, errors.Join(err, lastErr))
			}
			return err
		}

		lastErr = runAttempt(ctx, policy.AttemptTimeout, op)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(lastErr) || attempt == attempts {
			break
		}

		wait := policy.Delay(attempt)
		if IsRateLimit(lastErr) {
			var rl *RateLimitError
			if errors.As(lastErr, &rl) && rl.RetryAfter > wait {
				wait = rl.RetryAfter
			}
			if hooks.RateLimitWait != nil {
				wait = hooks.RateLimitWait(lastErr, wait)
			}
		}
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempt, lastErr, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry cancelled: %w", errors.Join(err, lastErr))
		}
	}

	return lastErr
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(attemptCtx)
	if err == nil {
		return nil
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("attempt timed out after %s: %w", timeout, errors.Join(context.DeadlineExceeded, err))
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
