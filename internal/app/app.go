package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"IntelScanner/internal/config"
	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/infrastructure/collector"
	"IntelScanner/internal/infrastructure/llm"
	"IntelScanner/internal/infrastructure/ml"
	"IntelScanner/internal/infrastructure/scheduler"
	"IntelScanner/internal/infrastructure/storage"
	"IntelScanner/internal/infrastructure/telegram"
	"IntelScanner/internal/logging"
	"IntelScanner/internal/metrics"
	"IntelScanner/internal/ports"
	"IntelScanner/internal/source"
	"IntelScanner/internal/triage"
	"IntelScanner/internal/usecase"
)

const (
	collectorTimeout = 10 * time.Second
	shutdownTimeout  = 30 * time.Second
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	gov       *governor.Governor
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
}

// New builds the application. It fails only when a configured database cannot be reached.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	gov := governor.New(cfg.GovernorProfiles(), baseLogger.With("component", "governor"))

	repo, db, err := openRepository(ctx, cfg.Database, baseLogger)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg.Providers, gov, baseLogger).Select(cfg.Collection.Collectors)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("select collectors: %w", err)
	}

	filter := triage.NewFilter(cfg.Filter)
	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Source:     collector.NewStrategySource(registry, newQuery(cfg.Collection), baseLogger.With("component", "source")),
		Repository: repo,
		Enricher:   newEnricher(cfg.LLM, baseLogger),
		Extractor:  newExtractor(cfg.ML, baseLogger),
		Notifier:   newNotifier(cfg.Notifications.Telegram, gov, baseLogger),
		Governor:   gov,
		Normalizer: triage.NewNormalizer(filter.Priority()),
		Filter:     filter,
		Scorer:     triage.NewScorer(cfg.Scoring, filter.Priority()),
		Options: usecase.PipelineOptions{
			BatchSize:      cfg.Scheduler.ProcessingBatchSize,
			StrategicEvery: cfg.Scheduler.StrategicEvery,
			DigestMaxItems: cfg.Scheduler.DigestMaxItems,
			MaxAttempts:    cfg.Scheduler.MaxEnrichAttempts,
		},
		Logger: baseLogger.With("component", "pipeline"),
	})

	sched := usecase.NewScheduler(
		scheduler.NewIntervalScheduler(cfg.Scheduler.CollectionInterval),
		scheduler.NewIntervalScheduler(cfg.Scheduler.ProcessingInterval),
		pipeline,
		baseLogger.With("component", "scheduler"),
	)

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		db:        db,
		gov:       gov,
		pipeline:  pipeline,
		scheduler: sched,
	}, nil
}

// Run starts the scheduler (and the metrics endpoint when configured) until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, a.cfg.Metrics.Addr, a.logger.With("component", "metrics"))
		})
	}
	g.Go(func() error {
		a.resetOnHangup(ctx)
		return nil
	})
	g.Go(func() error {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		a.logger.Info("scheduler started",
			"collection_interval", a.cfg.Scheduler.CollectionInterval,
			"processing_interval", a.cfg.Scheduler.ProcessingInterval)

		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.scheduler.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop scheduler: %w", err)
		}
		a.logger.Info("scheduler stopped")
		return nil
	})
	return g.Wait()
}

// ResetRateLimits drops every shared rate-limit delay and pacing limiter.
func (a *Application) ResetRateLimits() {
	a.gov.Reset()
	a.logger.Info("rate limits reset")
}

// resetOnHangup resets rate limits on every SIGHUP until ctx ends.
func (a *Application) resetOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.ResetRateLimits()
		}
	}
}

// RunOnce executes exactly one full cycle and returns its report.
func (a *Application) RunOnce(ctx context.Context) *domain.CycleReport {
	defer a.Close()
	return a.scheduler.RunOnce(ctx)
}

// Close releases the database handle.
func (a *Application) Close() {
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
	a.db = nil
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (ports.ItemRepository, *sql.DB, error) {
	if cfg.DSN == "" {
		logger.Warn("no database configured, using in-memory store")
		return storage.NewMemoryRepository(), nil, nil
	}

	db, err := storage.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	repo := storage.NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, db, nil
}

func newRegistry(cfg config.ProviderConfig, gov *governor.Governor, logger *slog.Logger) *source.Registry {
	client := &http.Client{Timeout: collectorTimeout}

	feeds := make([]collector.FeedSource, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		feeds = append(feeds, collector.FeedSource{Name: f.Name, URL: f.URL, Category: f.Category})
	}

	registry := source.NewRegistry()
	registry.Register(collector.NewWebSearchCollector(collector.WebSearchConfig{
		Endpoint:    cfg.WebSearch.Endpoint,
		APIKey:      cfg.WebSearch.APIKey,
		SearchDepth: cfg.WebSearch.SearchDepth,
	}, client, gov, logger))
	registry.Register(collector.NewFeedCollector(feeds, client, gov, logger))
	registry.Register(collector.NewNewsGraphCollector(collector.NewsGraphConfig{
		Endpoint: cfg.NewsGraph.Endpoint,
		APIKey:   cfg.NewsGraph.APIKey,
		Language: cfg.NewsGraph.Language,
	}, client, gov, logger))
	registry.Register(collector.NewMarketCollector(collector.MarketsConfig{
		Endpoint:  cfg.Markets.Endpoint,
		APIKey:    cfg.Markets.APIKey,
		PageURL:   cfg.Markets.PageURL,
		MinVolume: cfg.Markets.MinVolume,
		Limit:     cfg.Markets.Limit,
	}, client, gov, logger))
	registry.Register(collector.NewNewsAPICollector(collector.NewsAPIConfig{
		Endpoint: cfg.NewsAPI.Endpoint,
		APIKey:   cfg.NewsAPI.APIKey,
		Enabled:  cfg.NewsAPI.Enabled,
		Language: cfg.NewsAPI.Language,
	}, client, gov, logger))
	return registry
}

func newQuery(cfg config.CollectionConfig) source.Query {
	topics := make([]source.Topic, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics = append(topics, source.Topic{Category: t.Category, Keywords: t.Keywords})
	}
	return source.Query{
		Topics:      topics,
		RecencyDays: cfg.RecencyDays,
		MaxResults:  cfg.MaxResults,
		MinScore:    cfg.MinScore,
	}
}

func newEnricher(cfg config.LLMConfig, logger *slog.Logger) ports.Enricher {
	enricher, err := llm.NewEnricher(llm.Config{
		APIKey:       cfg.APIKey,
		Model:        cfg.Model,
		BaseURL:      cfg.BaseURL,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Timeout:      cfg.Timeout,
	}, logger.With("component", "llm"))
	if err != nil {
		if errors.Is(err, llm.ErrMissingAPIKey) {
			logger.Warn("enrichment disabled: no language-model key configured")
		} else {
			logger.Error("enrichment disabled", "error", err)
		}
		return nil
	}
	return enricher
}

func newExtractor(cfg config.MLConfig, logger *slog.Logger) ports.FeatureExtractor {
	if cfg.ExtractorURL == "" {
		logger.Info("pressure scoring disabled: no feature extractor configured")
		return nil
	}
	return ml.NewClient(cfg.ExtractorURL, cfg.APIKey)
}

func newNotifier(cfg config.TelegramConfig, gov *governor.Governor, logger *slog.Logger) ports.Notifier {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		logger.Info("digest disabled: telegram is not configured")
		return nil
	}
	return telegram.NewNotifier(cfg.BotToken, cfg.ChatID, telegram.WithGovernor(gov))
}
