package ports

import (
	"context"
	"time"

	"IntelScanner/internal/domain"
)

// ItemSource pulls fresh raw items from every upstream provider.
type ItemSource interface {
	Collect(ctx context.Context) (domain.CollectionResult, error)
}

// UpsertResult tells whether an upsert inserted a new row or updated an existing one.
type UpsertResult struct {
	Inserted bool
}

// PendingFilter selects persisted items not yet enriched. Items that already
// failed MaxAttempts times are left out; zero means no cap.
type PendingFilter struct {
	Tiers       []domain.Tier
	Limit       int
	MaxAttempts int
}

// ItemRepository persists canonical items by natural key.
type ItemRepository interface {
	Upsert(ctx context.Context, item domain.CanonicalItem) (UpsertResult, error)
	PendingEnrichment(ctx context.Context, filter PendingFilter) ([]domain.CanonicalItem, error)
	AttachEnrichment(ctx context.Context, enrichment domain.Enrichment) error
	RecordEnrichmentFailure(ctx context.Context, key domain.NaturalKey) error
}

// Enricher is the opaque language-model capability. An empty result means skip.
type Enricher interface {
	Enrich(ctx context.Context, text string, hint EnrichmentContext) (string, error)
}

// EnrichmentContext is the structured hint passed along with the item text.
type EnrichmentContext struct {
	Category  string
	Tier      domain.Tier
	Consensus domain.Consensus
	Concepts  []string
	Score     int
}

// FeatureExtractor derives pressure features from item text.
type FeatureExtractor interface {
	Extract(ctx context.Context, item domain.CanonicalItem) (domain.PressureFeatures, error)
}

// Notifier streams selected digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
