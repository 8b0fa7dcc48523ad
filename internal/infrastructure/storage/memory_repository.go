package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/ports"
)

// MemoryRepository keeps items in process memory. It backs runs without a database.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[domain.NaturalKey]domain.CanonicalItem
}

var _ ports.ItemRepository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[domain.NaturalKey]domain.CanonicalItem)}
}

// Upsert stores item by natural key, keeping any enrichment already attached.
func (r *MemoryRepository) Upsert(_ context.Context, item domain.CanonicalItem) (ports.UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := item.Key()
	existing, ok := r.items[key]
	if ok {
		item.Language = existing.Language
		item.PublishedAt = existing.PublishedAt
		item.Annotation = existing.Annotation
		item.Pressure = existing.Pressure
		item.EnrichedAt = existing.EnrichedAt
		item.EnrichAttempts = existing.EnrichAttempts
	} else {
		item.Annotation = ""
		item.Pressure = nil
		item.EnrichedAt = time.Time{}
		item.EnrichAttempts = 0
	}
	r.items[key] = item
	return ports.UpsertResult{Inserted: !ok}, nil
}

// PendingEnrichment mirrors the SQL ordering: score desc, then newest first.
func (r *MemoryRepository) PendingEnrichment(_ context.Context, filter ports.PendingFilter) ([]domain.CanonicalItem, error) {
	tiers := make(map[domain.Tier]bool, len(filter.Tiers))
	for _, t := range filter.Tiers {
		tiers[t] = true
	}

	r.mu.RLock()
	var out []domain.CanonicalItem
	for _, item := range r.items {
		if !item.EnrichedAt.IsZero() || !tiers[item.Tier] {
			continue
		}
		if filter.MaxAttempts <= 0 || item.EnrichAttempts < filter.MaxAttempts {
			out = append(out, item)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AttachEnrichment updates the stored item in place.
func (r *MemoryRepository) AttachEnrichment(_ context.Context, e domain.Enrichment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[e.Key]
	if !ok {
		return fmt.Errorf("attach enrichment %s: %w", e.Key, ErrNotFound)
	}
	item.Annotation = e.Annotation
	item.Pressure = e.Pressure
	item.EnrichedAt = e.EnrichedAt
	if item.EnrichedAt.IsZero() {
		item.EnrichedAt = time.Now().UTC()
	}
	r.items[e.Key] = item
	return nil
}

// RecordEnrichmentFailure counts one failed enrichment try.
func (r *MemoryRepository) RecordEnrichmentFailure(_ context.Context, key domain.NaturalKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[key]
	if !ok {
		return fmt.Errorf("record enrichment failure %s: %w", key, ErrNotFound)
	}
	item.EnrichAttempts++
	r.items[key] = item
	return nil
}

// Get returns the stored item for key.
func (r *MemoryRepository) Get(key domain.NaturalKey) (domain.CanonicalItem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[key]
	return item, ok
}

// Len reports how many items are stored.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
