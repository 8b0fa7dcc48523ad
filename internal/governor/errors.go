package governor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidConfig is returned for governor configurations that cannot run.
var ErrInvalidConfig = errors.New("governor: invalid config")

// RateLimitError signals provider-side throttling.
type RateLimitError struct {
	API        string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s rate limited: %v", e.API, e.Err)
	}
	return e.API + " rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// StatusError carries a non-success HTTP status from a provider.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %s: %s", e.Status, e.Body)
}

// NewStatusError converts a response status into an error, mapping 429 to RateLimitError.
func NewStatusError(api string, resp *http.Response, body string) error {
	statusErr := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{API: api, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Err: statusErr}
	}
	return statusErr
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// IsRateLimit reports whether err is a rate-limit-shaped error.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// IsRetryable reports whether a failed attempt may be tried again.
// Client errors other than 408/429 are permanent; everything else is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || IsRateLimit(err) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusRequestTimeout || se.StatusCode >= 500
	}
	return true
}

// PermanentError marks a failure that retrying cannot fix (malformed request, bad credentials).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry combinator stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
