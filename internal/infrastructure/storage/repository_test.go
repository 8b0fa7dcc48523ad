package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/ports"
)

func sampleItem(id string, score int, tier domain.Tier) domain.CanonicalItem {
	return domain.CanonicalItem{
		Source:         domain.SourceWebSearch,
		SourceID:       id,
		Title:          "Sanctions widen on " + id,
		PublishedAt:    time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC),
		Language:       "en",
		Category:       "trade",
		Concepts:       []domain.Concept{{Label: "sanctions", Salience: 0.8}},
		RelevanceScore: score,
		Tier:           tier,
		Consensus:      domain.ConsensusDisputed,
	}
}

func TestUpsertQueryUsesNaturalKeyConflict(t *testing.T) {
	t.Parallel()

	query, args, err := upsertQuery(sampleItem("https://a.example/1", 95, domain.TierCritical))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(query, "INSERT INTO intel_items (source,source_id,title,"))
	assert.Contains(t, query, "VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)")
	assert.Contains(t, query, "ON CONFLICT (source, source_id) DO UPDATE SET")
	assert.Contains(t, query, "RETURNING (xmax = 0)")
	assert.NotContains(t, query, "annotation = EXCLUDED")
	require.Len(t, args, 16)
	assert.Equal(t, "websearch", args[0])
	assert.Equal(t, `[{"label":"sanctions","salience":0.8}]`, args[10])
	assert.Equal(t, "critical", args[14])
}

func TestUpsertQueryEncodesMissingConceptsAsEmptyArray(t *testing.T) {
	t.Parallel()

	item := sampleItem("x", 10, domain.TierBackground)
	item.Concepts = nil
	_, args, err := upsertQuery(item)
	require.NoError(t, err)
	assert.Equal(t, "[]", args[10])
}

func TestPendingQuerySelectsUnenrichedTiers(t *testing.T) {
	t.Parallel()

	query, args, err := pendingQuery(ports.PendingFilter{
		Tiers:       []domain.Tier{domain.TierCritical, domain.TierStrategic},
		Limit:       25,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	assert.Contains(t, query, "FROM intel_items WHERE enriched_at IS NULL AND tier = ANY($1) AND enrich_attempts < $2")
	assert.Contains(t, query, "ORDER BY relevance_score DESC, published_at DESC LIMIT 25")
	require.Len(t, args, 2)
	assert.Equal(t, pq.StringArray{"critical", "strategic"}, args[0])
	assert.Equal(t, 3, args[1])
}

func TestPendingQueryWithoutAttemptCap(t *testing.T) {
	t.Parallel()

	query, args, err := pendingQuery(ports.PendingFilter{Tiers: []domain.Tier{domain.TierCritical}})
	require.NoError(t, err)
	assert.NotContains(t, query, "enrich_attempts")
	assert.NotContains(t, query, "LIMIT")
	require.Len(t, args, 1)
}

func TestFailureQueryIncrementsAttempts(t *testing.T) {
	t.Parallel()

	query, args, err := failureQuery(domain.NaturalKey{Source: domain.SourceFeed, SourceID: "guid-1"})
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE intel_items SET enrich_attempts = enrich_attempts + 1, updated_at = NOW() WHERE source = $1 AND source_id = $2",
		query)
	assert.Equal(t, []any{"feed", "guid-1"}, args)
}

func TestAttachQueryUpdatesByNaturalKey(t *testing.T) {
	t.Parallel()

	query, args, err := attachQuery(domain.Enrichment{
		Key:        domain.NaturalKey{Source: domain.SourceFeed, SourceID: "guid-1"},
		Annotation: "Escalation risk is rising.",
		Pressure:   &domain.PressureScore{Probability: 0.5, Magnitude: 0.7, Confidence: 0.6},
		EnrichedAt: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t,
		"UPDATE intel_items SET annotation = $1, pressure = $2, enriched_at = $3, updated_at = NOW() WHERE source = $4 AND source_id = $5",
		query)
	require.Len(t, args, 5)
	assert.Equal(t, `{"probability":0.5,"magnitude":0.7,"confidence":0.6}`, args[1])
	assert.Equal(t, "feed", args[3])
}

func TestClassifyMarksConstraintViolationsPermanent(t *testing.T) {
	t.Parallel()

	perm := classify(&pq.Error{Code: "23505"})
	var permanent *governor.PermanentError
	assert.True(t, errors.As(perm, &permanent))

	transient := classify(&pq.Error{Code: "57P01"})
	assert.False(t, errors.As(transient, &permanent))
}

func TestNilDatabaseIsNoop(t *testing.T) {
	t.Parallel()

	repo := NewPostgresRepository(nil)
	ctx := context.Background()

	res, err := repo.Upsert(ctx, sampleItem("a", 90, domain.TierStrategic))
	require.NoError(t, err)
	assert.False(t, res.Inserted)

	items, err := repo.PendingEnrichment(ctx, ports.PendingFilter{Tiers: []domain.Tier{domain.TierCritical}})
	require.NoError(t, err)
	assert.Empty(t, items)
	require.NoError(t, repo.AttachEnrichment(ctx, domain.Enrichment{}))
	require.NoError(t, repo.RecordEnrichmentFailure(ctx, domain.NaturalKey{}))
}

func TestMemoryUpsertIsIdempotentByKey(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.Upsert(ctx, sampleItem("k", 80, domain.TierStrategic))
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	rescored := sampleItem("k", 93, domain.TierCritical)
	second, err := repo.Upsert(ctx, rescored)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, 1, repo.Len())

	stored, ok := repo.Get(rescored.Key())
	require.True(t, ok)
	assert.Equal(t, 93, stored.RelevanceScore)
	assert.Equal(t, domain.TierCritical, stored.Tier)
}

func TestMemoryEnrichmentSurvivesRecollection(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	item := sampleItem("k", 95, domain.TierCritical)

	_, err := repo.Upsert(ctx, item)
	require.NoError(t, err)
	require.NoError(t, repo.AttachEnrichment(ctx, domain.Enrichment{Key: item.Key(), Annotation: "note"}))

	_, err = repo.Upsert(ctx, item)
	require.NoError(t, err)

	stored, _ := repo.Get(item.Key())
	assert.Equal(t, "note", stored.Annotation)

	pending, err := repo.PendingEnrichment(ctx, ports.PendingFilter{Tiers: []domain.Tier{domain.TierCritical}})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryPendingOrdersByScoreAndLimits(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	for _, it := range []domain.CanonicalItem{
		sampleItem("low", 91, domain.TierCritical),
		sampleItem("high", 99, domain.TierCritical),
		sampleItem("mid", 75, domain.TierStrategic),
		sampleItem("bg", 30, domain.TierBackground),
	} {
		_, err := repo.Upsert(ctx, it)
		require.NoError(t, err)
	}

	pending, err := repo.PendingEnrichment(ctx, ports.PendingFilter{
		Tiers: []domain.Tier{domain.TierCritical, domain.TierStrategic},
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "high", pending[0].SourceID)
	assert.Equal(t, "low", pending[1].SourceID)
}

func TestMemoryPendingSkipsEmptyAnnotationAndExhaustedItems(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	silent := sampleItem("silent", 99, domain.TierCritical)
	flaky := sampleItem("flaky", 98, domain.TierCritical)
	fresh := sampleItem("fresh", 91, domain.TierCritical)
	for _, it := range []domain.CanonicalItem{silent, flaky, fresh} {
		_, err := repo.Upsert(ctx, it)
		require.NoError(t, err)
	}

	require.NoError(t, repo.AttachEnrichment(ctx, domain.Enrichment{Key: silent.Key()}))
	for range 3 {
		require.NoError(t, repo.RecordEnrichmentFailure(ctx, flaky.Key()))
	}

	_, err := repo.Upsert(ctx, flaky)
	require.NoError(t, err)
	stored, _ := repo.Get(flaky.Key())
	assert.Equal(t, 3, stored.EnrichAttempts, "attempts survive re-collection")

	filter := ports.PendingFilter{Tiers: []domain.Tier{domain.TierCritical}, Limit: 1, MaxAttempts: 3}
	pending, err := repo.PendingEnrichment(ctx, filter)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].SourceID)

	filter.MaxAttempts = 0
	pending, err = repo.PendingEnrichment(ctx, filter)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "flaky", pending[0].SourceID, "no cap keeps retrying")
}

func TestMemoryRecordFailureUnknownKey(t *testing.T) {
	t.Parallel()

	err := NewMemoryRepository().RecordEnrichmentFailure(context.Background(),
		domain.NaturalKey{Source: domain.SourceFeed, SourceID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAttachUnknownKey(t *testing.T) {
	t.Parallel()

	err := NewMemoryRepository().AttachEnrichment(context.Background(), domain.Enrichment{
		Key: domain.NaturalKey{Source: domain.SourceFeed, SourceID: "missing"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
