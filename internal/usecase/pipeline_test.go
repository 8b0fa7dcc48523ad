package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/infrastructure/storage"
	"IntelScanner/internal/ports"
)

var cycleNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastGovernor() *governor.Governor {
	return governor.New(nil, quietLogger(), governor.WithFallback(governor.Config{
		MaxConcurrency: 4,
		BatchSize:      50,
		RetryAttempts:  0,
		RetryDelay:     time.Millisecond,
		MaxRetryDelay:  time.Millisecond,
		AttemptTimeout: 2 * time.Second,
	}))
}

type fakeSource struct {
	items []domain.RawItem
	err   error
	panic bool
}

func (f *fakeSource) Collect(context.Context) (domain.CollectionResult, error) {
	if f.panic {
		panic("collector exploded")
	}
	return domain.CollectionResult{Items: f.items, Counts: map[string]int{"fake": len(f.items)}}, f.err
}

type fakeEnricher struct {
	mu    sync.Mutex
	calls []string
	reply func(text string) (string, error)
}

func (f *fakeEnricher) Enrich(_ context.Context, text string, hint ports.EnrichmentContext) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, string(hint.Tier)+":"+strings.SplitN(text, "\n", 2)[0])
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(text)
	}
	return "Analyst note.", nil
}

func (f *fakeEnricher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	digests []string
	err     error
}

func (f *fakeNotifier) PublishDigest(_ context.Context, digest string) error {
	f.digests = append(f.digests, digest)
	return f.err
}

type fakeExtractor struct {
	features domain.PressureFeatures
	err      error
}

func (f fakeExtractor) Extract(context.Context, domain.CanonicalItem) (domain.PressureFeatures, error) {
	return f.features, f.err
}

type recordingRepo struct {
	*storage.MemoryRepository
	mu      sync.Mutex
	filters []ports.PendingFilter
}

func (r *recordingRepo) PendingEnrichment(ctx context.Context, f ports.PendingFilter) ([]domain.CanonicalItem, error) {
	r.mu.Lock()
	r.filters = append(r.filters, f)
	r.mu.Unlock()
	return r.MemoryRepository.PendingEnrichment(ctx, f)
}

func scenarioBatch() []domain.RawItem {
	sentiment := -0.5
	return []domain.RawItem{
		domain.GraphEvent{
			Category:          "energy",
			URI:               "evt-tanker",
			Title:             "Oil tanker seized in Strait",
			EventDate:         "2025-03-10T10:00:00Z",
			TotalArticleCount: 12,
			Concepts:          []domain.GraphConcept{{Label: "Sanctions", Score: 80}},
			Sentiment:         &sentiment,
		},
		domain.SearchResult{
			Category:      "energy",
			Title:         "Celebrity wedding photos leak",
			URL:           "https://gossip.example/wedding",
			Score:         0.95,
			PublishedDate: "2025-03-10T11:00:00Z",
		},
		domain.FeedEntry{
			Category:   "macro",
			GUID:       "fed-1",
			Title:      "Fed holds rates steady",
			Link:       "https://wire.example/fed-1",
			Published:  "2025-03-10T08:00:00Z",
			Categories: []string{"Interest rates"},
		},
		domain.FeedEntry{
			Category:   "macro",
			GUID:       "fed-2",
			Title:      "Fed holds rates steady",
			Link:       "https://wire.example/fed-2",
			Published:  "2025-03-10T09:00:00Z",
			Categories: []string{"Interest rates"},
		},
	}
}

func newTestPipeline(deps PipelineDeps) *Pipeline {
	if deps.Governor == nil {
		deps.Governor = fastGovernor()
	}
	deps.Logger = quietLogger()
	deps.Clock = func() time.Time { return cycleNow }
	return NewPipeline(deps)
}

func TestRunCycleScenario(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	enricher := &fakeEnricher{}
	notifier := &fakeNotifier{}
	p := newTestPipeline(PipelineDeps{
		Source:     &fakeSource{items: scenarioBatch()},
		Repository: repo,
		Enricher:   enricher,
		Notifier:   notifier,
		Extractor:  fakeExtractor{features: domain.PressureFeatures{EvidenceStrength: 1, Citations: 10, Novelty: 1, ImpactOrder: 1}},
	})

	report := p.RunCycle(context.Background())
	require.False(t, report.HardErrors(), "failed stages: %v", report.Failed)

	assert.Equal(t, 4, report.Stages[domain.StageCollect].Collected)
	assert.Zero(t, report.Stages[domain.StageCollect].Inserted, "collection stores nothing")
	filter := report.Stages[domain.StageFilter]
	assert.Equal(t, 1, filter.Filtered, "celebrity item is rejected")
	assert.Equal(t, 1, filter.Skipped, "duplicate headline is collapsed")
	assert.Equal(t, 2, report.Stages[domain.StagePersist].Inserted)
	assert.Equal(t, 2, repo.Len())

	tanker, ok := repo.Get(domain.NaturalKey{Source: domain.SourceGraphEvent, SourceID: "evt-tanker"})
	require.True(t, ok)
	assert.Equal(t, 96, tanker.RelevanceScore)
	assert.Equal(t, domain.TierCritical, tanker.Tier)
	assert.Equal(t, domain.ConsensusFragmented, tanker.Consensus)
	assert.Equal(t, "Analyst note.", tanker.Annotation)
	require.NotNil(t, tanker.Pressure)
	assert.Equal(t, 1.0, tanker.Pressure.Probability)

	_, ok = repo.Get(domain.NaturalKey{Source: domain.SourceFeed, SourceID: "fed-1"})
	assert.False(t, ok, "lower-scored duplicate never reaches the store")
	fed, ok := repo.Get(domain.NaturalKey{Source: domain.SourceFeed, SourceID: "fed-2"})
	require.True(t, ok)
	assert.Equal(t, domain.TierStrategic, fed.Tier)

	assert.Equal(t, 2, report.Stages[domain.StageEnrich].Updated, "first run includes strategic")
	require.Len(t, notifier.digests, 1)
	assert.Contains(t, notifier.digests[0], "Oil tanker seized in Strait")
	assert.NotContains(t, notifier.digests[0], "Fed holds rates steady")
	assert.Equal(t, 1, report.Stages[domain.StageDigest].Inserted)
}

func TestRunCycleIsIdempotentAcrossCycles(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	enricher := &fakeEnricher{}
	p := newTestPipeline(PipelineDeps{
		Source:     &fakeSource{items: scenarioBatch()},
		Repository: repo,
		Enricher:   enricher,
	})

	first := p.RunCycle(context.Background())
	second := p.RunCycle(context.Background())

	assert.Equal(t, 2, first.Stages[domain.StagePersist].Inserted)
	assert.Equal(t, 0, second.Stages[domain.StagePersist].Inserted)
	assert.Equal(t, 2, second.Stages[domain.StagePersist].Updated)
	assert.Equal(t, 2, repo.Len())
	assert.Equal(t, 2, enricher.count(), "annotated items are not enriched again")
}

func TestPrimaryFailureMarksCollectButCycleContinues(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	p := newTestPipeline(PipelineDeps{
		Source:     &fakeSource{items: scenarioBatch(), err: errors.New("websearch: all queries failed")},
		Repository: repo,
	})

	report := p.RunCycle(context.Background())
	assert.True(t, report.HardErrors())
	assert.Equal(t, []domain.Stage{domain.StageCollect}, report.Failed)
	assert.Equal(t, 2, report.Stages[domain.StagePersist].Inserted, "items from other collectors still persist")
}

func TestStagePanicIsContained(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(PipelineDeps{
		Source:     &fakeSource{panic: true},
		Repository: storage.NewMemoryRepository(),
	})

	var report *domain.CycleReport
	require.NotPanics(t, func() { report = p.RunCycle(context.Background()) })
	assert.Equal(t, []domain.Stage{domain.StageCollect}, report.Failed)
	assert.Equal(t, domain.StageCounts{}, report.Stages[domain.StagePersist])
}

func TestMissingRepositoryFailsPersistOnly(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(PipelineDeps{Source: &fakeSource{items: scenarioBatch()}})
	report := p.RunCollection(context.Background())
	assert.Equal(t, []domain.Stage{domain.StagePersist}, report.Failed)
	assert.Equal(t, 2, report.Stages[domain.StageFilter].Inserted)
}

func TestStrategicTierEveryThirdProcessingRun(t *testing.T) {
	t.Parallel()

	repo := &recordingRepo{MemoryRepository: storage.NewMemoryRepository()}
	p := newTestPipeline(PipelineDeps{
		Repository: repo,
		Enricher:   &fakeEnricher{},
		Options:    PipelineOptions{StrategicEvery: 3, BatchSize: 7},
	})

	for i := 0; i < 4; i++ {
		p.RunProcessing(context.Background())
	}

	require.Len(t, repo.filters, 4)
	both := []domain.Tier{domain.TierCritical, domain.TierStrategic}
	only := []domain.Tier{domain.TierCritical}
	assert.Equal(t, both, repo.filters[0].Tiers)
	assert.Equal(t, only, repo.filters[1].Tiers)
	assert.Equal(t, only, repo.filters[2].Tiers)
	assert.Equal(t, both, repo.filters[3].Tiers)
	assert.Equal(t, 7, repo.filters[0].Limit)
	assert.Equal(t, defaultMaxAttempts, repo.filters[0].MaxAttempts)
}

func TestEmptyEnrichmentIsSkippedAndFailuresCounted(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	ctx := context.Background()
	for _, id := range []string{"skip", "fail", "ok"} {
		_, err := repo.Upsert(ctx, domain.CanonicalItem{
			Source: domain.SourceWebSearch, SourceID: id, Title: id,
			PublishedAt: cycleNow, RelevanceScore: 95, Tier: domain.TierCritical,
		})
		require.NoError(t, err)
	}

	enricher := &fakeEnricher{reply: func(text string) (string, error) {
		switch {
		case strings.HasPrefix(text, "skip"):
			return "   ", nil
		case strings.HasPrefix(text, "fail"):
			return "", governor.Permanent(errors.New("bad request"))
		}
		return "note", nil
	}}
	notifier := &fakeNotifier{}
	p := newTestPipeline(PipelineDeps{Repository: repo, Enricher: enricher, Notifier: notifier})

	report := p.RunProcessing(ctx)
	enrich := report.Stages[domain.StageEnrich]
	assert.Equal(t, 1, enrich.Updated)
	assert.Equal(t, 1, enrich.Skipped)
	assert.Equal(t, 1, enrich.Errors)
	assert.False(t, report.HardErrors())

	skipped, _ := repo.Get(domain.NaturalKey{Source: domain.SourceWebSearch, SourceID: "skip"})
	assert.Empty(t, skipped.Annotation)
	assert.False(t, skipped.EnrichedAt.IsZero(), "an empty reply still marks the item as processed")
	failed, _ := repo.Get(domain.NaturalKey{Source: domain.SourceWebSearch, SourceID: "fail"})
	assert.Equal(t, 1, failed.EnrichAttempts)
	assert.True(t, failed.EnrichedAt.IsZero())

	require.Len(t, notifier.digests, 1)
	assert.Contains(t, notifier.digests[0], "- [] ok")
	assert.NotContains(t, notifier.digests[0], "skip")
}

func seedCritical(t *testing.T, repo *storage.MemoryRepository, titles map[string]int) {
	t.Helper()
	for title, score := range titles {
		_, err := repo.Upsert(context.Background(), domain.CanonicalItem{
			Source: domain.SourceWebSearch, SourceID: title, Title: title,
			PublishedAt: cycleNow, RelevanceScore: score, Tier: domain.TierCritical,
		})
		require.NoError(t, err)
	}
}

func TestEmptyReplyDoesNotStarveLowerItems(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	seedCritical(t, repo, map[string]int{"Top": 99, "next": 91})

	enricher := &fakeEnricher{reply: func(text string) (string, error) {
		if strings.HasPrefix(text, "Top") {
			return "", nil
		}
		return "note", nil
	}}
	p := newTestPipeline(PipelineDeps{
		Repository: repo,
		Enricher:   enricher,
		Options:    PipelineOptions{BatchSize: 1},
	})

	for range 3 {
		p.RunProcessing(context.Background())
	}

	assert.Equal(t, []string{"critical:Top", "critical:next"}, enricher.calls)
	next, _ := repo.Get(domain.NaturalKey{Source: domain.SourceWebSearch, SourceID: "next"})
	assert.Equal(t, "note", next.Annotation)
}

func TestFailingItemLeavesQueueAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	seedCritical(t, repo, map[string]int{"Top": 99, "next": 91})

	enricher := &fakeEnricher{reply: func(text string) (string, error) {
		if strings.HasPrefix(text, "Top") {
			return "", errors.New("upstream 500")
		}
		return "note", nil
	}}
	p := newTestPipeline(PipelineDeps{
		Repository: repo,
		Enricher:   enricher,
		Options:    PipelineOptions{BatchSize: 1, MaxAttempts: 2},
	})

	first := p.RunProcessing(context.Background())
	assert.Equal(t, []domain.Stage{domain.StageEnrich}, first.Failed)
	for range 3 {
		p.RunProcessing(context.Background())
	}

	assert.Equal(t, []string{"critical:Top", "critical:Top", "critical:next"}, enricher.calls)
	top, _ := repo.Get(domain.NaturalKey{Source: domain.SourceWebSearch, SourceID: "Top"})
	assert.Equal(t, 2, top.EnrichAttempts)
	next, _ := repo.Get(domain.NaturalKey{Source: domain.SourceWebSearch, SourceID: "next"})
	assert.Equal(t, "note", next.Annotation)
}

func TestDigestFailureIsAStageFailure(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository()
	_, err := repo.Upsert(context.Background(), domain.CanonicalItem{
		Source: domain.SourceFeed, SourceID: "x", Title: "Strait closed",
		PublishedAt: cycleNow, RelevanceScore: 99, Tier: domain.TierCritical,
	})
	require.NoError(t, err)

	p := newTestPipeline(PipelineDeps{
		Repository: repo,
		Enricher:   &fakeEnricher{},
		Notifier:   &fakeNotifier{err: governor.Permanent(errors.New("chat not found"))},
	})
	report := p.RunProcessing(context.Background())
	assert.Equal(t, []domain.Stage{domain.StageDigest}, report.Failed)

	stored, _ := repo.Get(domain.NaturalKey{Source: domain.SourceFeed, SourceID: "x"})
	assert.Equal(t, "Analyst note.", stored.Annotation, "enrichment is kept when the digest fails")
}

func TestBuildDigestCapsItems(t *testing.T) {
	t.Parallel()

	items := []domain.CanonicalItem{
		{Title: "A", Category: "energy", RelevanceScore: 99, Consensus: domain.ConsensusHigh, URL: "https://a"},
		{Title: "B", Category: "energy", RelevanceScore: 95},
		{Title: "C", Category: "energy", RelevanceScore: 92},
	}
	got := BuildDigest(items, 2)
	assert.True(t, strings.HasPrefix(got, "Critical signals (2)"))
	assert.Contains(t, got, "- [energy] A\nScore: 99, consensus: high\nhttps://a")
	assert.NotContains(t, got, "- [energy] C")
	assert.Empty(t, BuildDigest(nil, 5))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("websearch:https://a.example/1")
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, km.size(), "idle keys are released")
}
