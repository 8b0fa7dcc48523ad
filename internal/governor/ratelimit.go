package governor

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	defaultMinDelay    = 100 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
	defaultDecayFactor = 0.9
	decayInterval      = time.Minute
)

// RateLimitManager tracks one delay shared by every caller of a quota. The delay
// doubles on each rate-limit hit and shrinks by 10% for every full minute without one.
type RateLimitManager struct {
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	delay    time.Duration
	lastHit  time.Time
	hits     int64
	now      func() time.Time
}

// RateLimitOption customizes a RateLimitManager.
type RateLimitOption func(*RateLimitManager)

// WithBounds sets the floor and cap of the shared delay.
func WithBounds(minDelay, maxDelay time.Duration) RateLimitOption {
	return func(m *RateLimitManager) {
		if minDelay > 0 {
			m.minDelay = minDelay
		}
		if maxDelay >= m.minDelay {
			m.maxDelay = maxDelay
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) RateLimitOption {
	return func(m *RateLimitManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewRateLimitManager starts at the floor delay.
func NewRateLimitManager(opts ...RateLimitOption) *RateLimitManager {
	m := &RateLimitManager{
		minDelay: defaultMinDelay,
		maxDelay: defaultMaxDelay,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.delay = m.minDelay
	return m
}

// RecordHit doubles the shared delay and returns the new value.
func (m *RateLimitManager) RecordHit() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current := m.decayedLocked(now)
	next := current * 2
	if next > m.maxDelay {
		next = m.maxDelay
	}
	m.delay = next
	m.lastHit = now
	m.hits++
	return next
}

// Delay returns the current shared delay with decay applied.
func (m *RateLimitManager) Delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decayedLocked(m.now())
}

// Hits returns the number of rate-limit hits since construction or Reset.
func (m *RateLimitManager) Hits() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits
}

// Reset restores the floor delay.
func (m *RateLimitManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = m.minDelay
	m.lastHit = time.Time{}
	m.hits = 0
}

// Wait sleeps for the current delay unless ctx ends first.
func (m *RateLimitManager) Wait(ctx context.Context) error {
	return sleep(ctx, m.Delay())
}

// Throttle holds a new call back by the shared delay while the quota is
// recovering from a hit. It returns at once when the delay is back at the floor.
func (m *RateLimitManager) Throttle(ctx context.Context) error {
	m.mu.Lock()
	delay := m.decayedLocked(m.now())
	active := m.hits > 0 && delay > m.minDelay
	m.mu.Unlock()
	if !active {
		return nil
	}
	return sleep(ctx, delay)
}

func (m *RateLimitManager) decayedLocked(now time.Time) time.Duration {
	if m.lastHit.IsZero() {
		return m.delay
	}
	minutes := int(now.Sub(m.lastHit) / decayInterval)
	if minutes <= 0 {
		return m.delay
	}
	decayed := time.Duration(float64(m.delay) * math.Pow(defaultDecayFactor, float64(minutes)))
	if decayed < m.minDelay {
		decayed = m.minDelay
	}
	return decayed
}
