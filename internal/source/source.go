package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"IntelScanner/internal/domain"
)

// ErrNotRegistered is returned by Resolve for unknown collectors.
var ErrNotRegistered = errors.New("collector is not registered")

// Topic is one coarse category with the keywords that describe it.
type Topic struct {
	Category string
	Keywords []string
}

// Query carries all parameters required to execute one collection run.
type Query struct {
	Topics      []Topic
	RecencyDays int
	MaxResults  int
	MinScore    float64
	Options     map[string]string
}

// Keywords flattens topics into (category, keyword) pairs in config order.
func (q Query) Keywords() []KeywordQuery {
	var out []KeywordQuery
	for _, topic := range q.Topics {
		for _, kw := range topic.Keywords {
			if kw == "" {
				continue
			}
			out = append(out, KeywordQuery{Category: topic.Category, Keyword: kw})
		}
	}
	return out
}

// KeywordQuery is a single provider request unit.
type KeywordQuery struct {
	Category string
	Keyword  string
}

// Collector captures a single provider implementation.
type Collector interface {
	Name() string
	// Primary marks the source whose total failure is alerted on separately.
	Primary() bool
	Collect(ctx context.Context, q Query) ([]domain.RawItem, error)
}

// PrimaryFailureError signals that every request of the primary collector failed.
type PrimaryFailureError struct {
	Collector string
	Err       error
}

func (e *PrimaryFailureError) Error() string {
	return fmt.Sprintf("primary collector %s failed: %v", e.Collector, e.Err)
}

func (e *PrimaryFailureError) Unwrap() error { return e.Err }

// Registry keeps collectors in registration order.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	collectors map[string]Collector
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: map[string]Collector{}}
}

// Register adds or replaces a collector implementation.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.collectors == nil {
		r.collectors = map[string]Collector{}
	}
	if _, exists := r.collectors[c.Name()]; !exists {
		r.order = append(r.order, c.Name())
	}
	r.collectors[c.Name()] = c
}

// Resolve returns a collector by name.
func (r *Registry) Resolve(name string) (Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.collectors[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotRegistered)
}

// Select returns a registry holding only the named collectors, in the order given.
// An empty list selects every collector; an unknown name is an error.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	out := NewRegistry()
	for _, name := range names {
		c, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out.Register(c)
	}
	return out, nil
}

// All lists collectors in registration order.
func (r *Registry) All() []Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Collector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.collectors[name])
	}
	return out
}
