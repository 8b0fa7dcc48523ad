package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/metrics"
	"IntelScanner/internal/ports"
	"IntelScanner/internal/triage"
)

// Governor API names used by the pipeline.
const (
	apiStorage = "storage"
	apiLLM     = "llm"
	apiML      = "ml"
)

const (
	defaultBatchSize      = 20
	defaultStrategicEvery = 3
	defaultDigestMax      = 10
	defaultMaxAttempts    = 3
)

// PipelineOptions tunes the processing half of the cycle.
type PipelineOptions struct {
	// BatchSize caps how many pending items one processing run enriches.
	BatchSize int
	// StrategicEvery includes strategic items on every Nth processing run.
	StrategicEvery int
	// DigestMaxItems caps the items listed in one digest.
	DigestMaxItems int
	// MaxAttempts stops offering an item for enrichment after that many failures.
	MaxAttempts int
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Source     ports.ItemSource
	Repository ports.ItemRepository
	Enricher   ports.Enricher
	Extractor  ports.FeatureExtractor
	Notifier   ports.Notifier
	Governor   *governor.Governor
	Normalizer *triage.Normalizer
	Filter     *triage.Filter
	Scorer     *triage.Scorer
	Options    PipelineOptions
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Pipeline implements the collect, triage, persist, enrich and digest workflow.
type Pipeline struct {
	source     ports.ItemSource
	repository ports.ItemRepository
	enricher   ports.Enricher
	extractor  ports.FeatureExtractor
	notifier   ports.Notifier
	gov        *governor.Governor
	normalizer *triage.Normalizer
	filter     *triage.Filter
	scorer     *triage.Scorer
	opts       PipelineOptions
	logger     *slog.Logger
	now        func() time.Time

	keys           *keyedMutex
	processingRuns atomic.Int64
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	gov := deps.Governor
	if gov == nil {
		gov = governor.New(nil, logger)
	}
	filter := deps.Filter
	if filter == nil {
		filter = triage.NewFilter(triage.DefaultFilterConfig())
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = triage.NewScorer(triage.DefaultScoreWeights(), filter.Priority())
	}
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = triage.NewNormalizer(filter.Priority())
	}

	opts := deps.Options
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.StrategicEvery <= 0 {
		opts.StrategicEvery = defaultStrategicEvery
	}
	if opts.DigestMaxItems <= 0 {
		opts.DigestMaxItems = defaultDigestMax
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	return &Pipeline{
		source:     deps.Source,
		repository: deps.Repository,
		enricher:   deps.Enricher,
		extractor:  deps.Extractor,
		notifier:   deps.Notifier,
		gov:        gov,
		normalizer: normalizer,
		filter:     filter,
		scorer:     scorer,
		opts:       opts,
		logger:     logger,
		now:        clock,
		keys:       newKeyedMutex(),
	}
}

// RunCycle runs every stage once: collect, filter, persist, enrich, digest.
func (p *Pipeline) RunCycle(ctx context.Context) *domain.CycleReport {
	report := p.newReport()
	p.collectAndPersist(ctx, report)
	p.enrichAndDigest(ctx, report)
	p.finish(report, "cycle")
	return report
}

// RunCollection runs the collection half: collect, filter, persist.
func (p *Pipeline) RunCollection(ctx context.Context) *domain.CycleReport {
	report := p.newReport()
	p.collectAndPersist(ctx, report)
	p.finish(report, "collection")
	return report
}

// RunProcessing runs the processing half: enrich pending items, then publish the digest.
func (p *Pipeline) RunProcessing(ctx context.Context) *domain.CycleReport {
	report := p.newReport()
	p.enrichAndDigest(ctx, report)
	p.finish(report, "processing")
	return report
}

func (p *Pipeline) newReport() *domain.CycleReport {
	return domain.NewCycleReport(uuid.NewString(), p.now())
}

func (p *Pipeline) finish(report *domain.CycleReport, kind string) {
	report.Duration = p.now().Sub(report.StartedAt)
	metrics.CycleDuration.WithLabelValues(kind).Observe(report.Duration.Seconds())

	args := []any{"kind", kind, "cycle_id", report.CycleID, "duration", report.Duration}
	for _, stage := range []domain.Stage{domain.StageCollect, domain.StageFilter, domain.StagePersist, domain.StageEnrich, domain.StageDigest} {
		if c, ok := report.Stages[stage]; ok {
			args = append(args, string(stage), c)
		}
	}
	if report.HardErrors() {
		p.logger.Warn("cycle finished with failed stages", append(args, "failed", report.Failed)...)
		return
	}
	p.logger.Info("cycle finished", args...)
}

func (p *Pipeline) collectAndPersist(ctx context.Context, report *domain.CycleReport) {
	var (
		raws  []domain.RawItem
		items []domain.CanonicalItem
	)
	p.runStage(ctx, report, domain.StageCollect, func(ctx context.Context, log *slog.Logger) (domain.StageCounts, error) {
		var (
			counts domain.StageCounts
			err    error
		)
		raws, counts, err = p.collect(ctx, log)
		return counts, err
	})
	p.runStage(ctx, report, domain.StageFilter, func(ctx context.Context, log *slog.Logger) (domain.StageCounts, error) {
		var counts domain.StageCounts
		items, counts = p.triage(raws, log)
		return counts, nil
	})
	p.runStage(ctx, report, domain.StagePersist, func(ctx context.Context, log *slog.Logger) (domain.StageCounts, error) {
		return p.persist(ctx, items, log)
	})
}

func (p *Pipeline) enrichAndDigest(ctx context.Context, report *domain.CycleReport) {
	var enriched []domain.CanonicalItem
	p.runStage(ctx, report, domain.StageEnrich, func(ctx context.Context, log *slog.Logger) (domain.StageCounts, error) {
		var (
			counts domain.StageCounts
			err    error
		)
		enriched, counts, err = p.enrich(ctx, log)
		return counts, err
	})
	p.runStage(ctx, report, domain.StageDigest, func(ctx context.Context, log *slog.Logger) (domain.StageCounts, error) {
		return p.digest(ctx, enriched, log)
	})
}

// runStage isolates one stage: panics and errors mark the stage failed and the cycle moves on.
func (p *Pipeline) runStage(ctx context.Context, report *domain.CycleReport, stage domain.Stage, fn func(ctx context.Context, log *slog.Logger) (domain.StageCounts, error)) {
	log := p.logger.With("stage", string(stage), "cycle_id", report.CycleID)

	var counts domain.StageCounts
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("stage panicked: %v", r)
			}
		}()
		counts, err = fn(ctx, log)
		return err
	}()

	report.Record(stage, counts)
	recordStageMetrics(stage, counts)

	if err != nil {
		report.Fail(stage)
		metrics.StageFailures.WithLabelValues(string(stage)).Inc()
		log.Error("stage failed", "error", err,
			"collected", counts.Collected, "inserted", counts.Inserted, "updated", counts.Updated, "skipped", counts.Skipped,
			"errors", counts.Errors, "filtered", counts.Filtered)
		return
	}
	log.Debug("stage done",
		"collected", counts.Collected, "inserted", counts.Inserted, "updated", counts.Updated, "skipped", counts.Skipped,
		"errors", counts.Errors, "filtered", counts.Filtered)
}

func recordStageMetrics(stage domain.Stage, c domain.StageCounts) {
	for outcome, n := range map[string]int{
		"collected": c.Collected,
		"inserted":  c.Inserted,
		"updated":   c.Updated,
		"skipped":   c.Skipped,
		"errors":    c.Errors,
		"filtered":  c.Filtered,
	} {
		if n > 0 {
			metrics.StageItems.WithLabelValues(string(stage), outcome).Add(float64(n))
		}
	}
}

func (p *Pipeline) collect(ctx context.Context, log *slog.Logger) ([]domain.RawItem, domain.StageCounts, error) {
	if p.source == nil {
		return nil, domain.StageCounts{}, errors.New("item source is not configured")
	}

	result, err := p.source.Collect(ctx)
	counts := domain.StageCounts{Collected: len(result.Items), Errors: len(result.Failed)}
	log.Info("collected", "items", len(result.Items), "per_collector", result.Counts, "failed", result.Failed)
	if err != nil {
		return result.Items, counts, fmt.Errorf("collect: %w", err)
	}
	return result.Items, counts, nil
}

// triage normalizes, filters, scores and dedupes one batch. It is single-threaded and pure.
func (p *Pipeline) triage(raws []domain.RawItem, log *slog.Logger) ([]domain.CanonicalItem, domain.StageCounts) {
	var counts domain.StageCounts
	now := p.now()

	scored := make([]domain.CanonicalItem, 0, len(raws))
	for _, raw := range raws {
		item, err := p.normalizer.Normalize(raw)
		if err != nil {
			counts.Skipped++
			log.Debug("item dropped by normalizer", "source", raw.RawSource(), "error", err)
			continue
		}

		score := p.scorer.Score(item, now)
		if reject, reason := p.filter.Check(item, score); reject {
			counts.Filtered++
			metrics.StageItems.WithLabelValues(string(domain.StageFilter), reason.Label()).Inc()
			log.Debug("item filtered", "key", item.Key().String(), "reason", reason.Label(), "score", score)
			continue
		}

		item = p.scorer.Apply(item, now)
		metrics.ItemsByTier.WithLabelValues(string(item.Tier)).Inc()
		scored = append(scored, item)
	}

	unique := triage.Dedupe(scored)
	counts.Skipped += len(scored) - len(unique)
	counts.Inserted = len(unique)
	return unique, counts
}

func (p *Pipeline) persist(ctx context.Context, items []domain.CanonicalItem, log *slog.Logger) (domain.StageCounts, error) {
	var counts domain.StageCounts
	if len(items) == 0 {
		return counts, nil
	}
	if p.repository == nil {
		return counts, errors.New("repository is not configured")
	}

	outcome, err := governor.RunAll(ctx, p.gov, apiStorage, items, func(ctx context.Context, item domain.CanonicalItem) (ports.UpsertResult, error) {
		unlock := p.keys.Lock(item.Key().String())
		defer unlock()
		return p.repository.Upsert(ctx, item)
	}, nil)
	if err != nil {
		return counts, fmt.Errorf("persist: %w", err)
	}

	for _, res := range outcome.Results {
		if res.Inserted {
			counts.Inserted++
		} else {
			counts.Updated++
		}
	}
	counts.Errors = len(outcome.Failures)
	for _, f := range outcome.Failures {
		log.Warn("upsert failed", "key", f.Item.Key().String(), "error", f.Err)
	}
	if outcome.Succeeded == 0 {
		return counts, fmt.Errorf("all %d upserts failed: %w", len(outcome.Failures), outcome.Failures[0].Err)
	}
	return counts, nil
}

// enrichmentTiers returns the tiers eligible on this processing run.
func (p *Pipeline) enrichmentTiers() []domain.Tier {
	run := p.processingRuns.Add(1)
	tiers := []domain.Tier{domain.TierCritical}
	if (run-1)%int64(p.opts.StrategicEvery) == 0 {
		tiers = append(tiers, domain.TierStrategic)
	}
	return tiers
}

type annotated struct {
	item       domain.CanonicalItem
	annotation string
}

func (p *Pipeline) enrich(ctx context.Context, log *slog.Logger) ([]domain.CanonicalItem, domain.StageCounts, error) {
	var counts domain.StageCounts
	if p.enricher == nil {
		log.Debug("enrichment disabled")
		return nil, counts, nil
	}
	if p.repository == nil {
		return nil, counts, errors.New("repository is not configured")
	}

	tiers := p.enrichmentTiers()
	pending, err := p.repository.PendingEnrichment(ctx, ports.PendingFilter{
		Tiers:       tiers,
		Limit:       p.opts.BatchSize,
		MaxAttempts: p.opts.MaxAttempts,
	})
	if err != nil {
		return nil, counts, fmt.Errorf("load pending: %w", err)
	}
	log.Info("pending enrichment", "items", len(pending), "tiers", tiers)
	if len(pending) == 0 {
		return nil, counts, nil
	}

	outcome, err := governor.RunAll(ctx, p.gov, apiLLM, pending, func(ctx context.Context, item domain.CanonicalItem) (annotated, error) {
		text, err := p.enricher.Enrich(ctx, item.EnrichmentText(), ports.EnrichmentContext{
			Category:  item.Category,
			Tier:      item.Tier,
			Consensus: item.Consensus,
			Concepts:  item.ConceptLabels(),
			Score:     item.RelevanceScore,
		})
		return annotated{item: item, annotation: strings.TrimSpace(text)}, err
	}, nil)
	if err != nil {
		return nil, counts, fmt.Errorf("enrich: %w", err)
	}
	counts.Errors = len(outcome.Failures)
	for _, f := range outcome.Failures {
		log.Warn("enrichment failed", "key", f.Item.Key().String(), "error", f.Err)
	}
	p.recordFailures(ctx, outcome.Failures, log)

	// An empty reply is stored with its timestamp so the item leaves the queue.
	enrichments := make([]domain.Enrichment, 0, len(outcome.Results))
	items := make(map[domain.NaturalKey]domain.CanonicalItem, len(outcome.Results))
	for _, res := range outcome.Results {
		e := domain.Enrichment{Key: res.item.Key(), Annotation: res.annotation, EnrichedAt: p.now().UTC()}
		if res.annotation == "" {
			counts.Skipped++
			enrichments = append(enrichments, e)
			continue
		}
		e.Pressure = p.pressure(ctx, res.item, log)
		enrichments = append(enrichments, e)

		item := res.item
		item.Annotation = e.Annotation
		item.Pressure = e.Pressure
		item.EnrichedAt = e.EnrichedAt
		items[e.Key] = item
	}

	attached, err := governor.RunAll(ctx, p.gov, apiStorage, enrichments, func(ctx context.Context, e domain.Enrichment) (domain.NaturalKey, error) {
		unlock := p.keys.Lock(e.Key.String())
		defer unlock()
		return e.Key, p.repository.AttachEnrichment(ctx, e)
	}, nil)
	if err != nil {
		return nil, counts, fmt.Errorf("attach enrichment: %w", err)
	}
	counts.Errors += len(attached.Failures)
	for _, f := range attached.Failures {
		log.Warn("attach enrichment failed", "key", f.Item.Key.String(), "error", f.Err)
	}

	done := make([]domain.CanonicalItem, 0, len(attached.Results))
	for _, key := range attached.Results {
		if item, ok := items[key]; ok {
			done = append(done, item)
		}
	}
	counts.Updated = len(done)

	if outcome.Succeeded == 0 {
		return done, counts, fmt.Errorf("all %d enrichments failed: %w", len(outcome.Failures), outcome.Failures[0].Err)
	}
	return done, counts, nil
}

// recordFailures counts a failed try against each item so it eventually leaves the queue.
func (p *Pipeline) recordFailures(ctx context.Context, failures []governor.Failure[domain.CanonicalItem], log *slog.Logger) {
	if len(failures) == 0 {
		return
	}
	keys := make([]domain.NaturalKey, 0, len(failures))
	for _, f := range failures {
		keys = append(keys, f.Item.Key())
	}
	recorded, err := governor.RunAll(ctx, p.gov, apiStorage, keys, func(ctx context.Context, key domain.NaturalKey) (struct{}, error) {
		unlock := p.keys.Lock(key.String())
		defer unlock()
		return struct{}{}, p.repository.RecordEnrichmentFailure(ctx, key)
	}, nil)
	if err != nil {
		log.Warn("record enrichment failures", "error", err)
		return
	}
	for _, f := range recorded.Failures {
		log.Warn("record enrichment failure", "key", f.Item.String(), "error", f.Err)
	}
}

// pressure is best effort: a failed extraction leaves the score unset.
func (p *Pipeline) pressure(ctx context.Context, item domain.CanonicalItem, log *slog.Logger) *domain.PressureScore {
	if p.extractor == nil {
		return nil
	}
	features, err := governor.Call(ctx, p.gov, apiML, func(ctx context.Context) (domain.PressureFeatures, error) {
		return p.extractor.Extract(ctx, item)
	})
	if err != nil {
		log.Warn("feature extraction failed", "key", item.Key().String(), "error", err)
		return nil
	}
	score := triage.Pressure(features)
	return &score
}

func (p *Pipeline) digest(ctx context.Context, enriched []domain.CanonicalItem, log *slog.Logger) (domain.StageCounts, error) {
	var counts domain.StageCounts
	var critical []domain.CanonicalItem
	for _, item := range enriched {
		if item.Tier == domain.TierCritical {
			critical = append(critical, item)
		}
	}
	if len(critical) == 0 {
		return counts, nil
	}
	if p.notifier == nil {
		counts.Skipped = len(critical)
		log.Debug("digest skipped: no notifier", "items", len(critical))
		return counts, nil
	}

	// The notifier retries per message chunk.
	message := BuildDigest(critical, p.opts.DigestMaxItems)
	if err := p.notifier.PublishDigest(ctx, message); err != nil {
		counts.Errors = 1
		return counts, fmt.Errorf("publish digest: %w", err)
	}
	counts.Inserted = min(len(critical), p.opts.DigestMaxItems)
	log.Info("digest published", "items", counts.Inserted)
	return counts, nil
}

// BuildDigest renders critical items, highest score first as given, capped at maxItems.
func BuildDigest(items []domain.CanonicalItem, maxItems int) string {
	if len(items) == 0 {
		return ""
	}
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Critical signals (%d)\n\n", len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Category, item.Title)
		fmt.Fprintf(&b, "Score: %d, consensus: %s\n", item.RelevanceScore, item.Consensus)
		if item.Pressure != nil {
			fmt.Fprintf(&b, "Pressure: p=%.2f m=%.2f c=%.2f\n",
				item.Pressure.Probability, item.Pressure.Magnitude, item.Pressure.Confidence)
		}
		if item.Annotation != "" {
			b.WriteString(item.Annotation)
			b.WriteString("\n")
		}
		if item.URL != "" {
			b.WriteString(item.URL)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
