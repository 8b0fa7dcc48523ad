package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"IntelScanner/internal/governor"
	"IntelScanner/internal/triage"
)

const (
	configPathEnv          = "INTEL_SCANNER_CONFIG"
	databaseDSNEnv         = "DATABASE_DSN"
	logLevelEnv            = "LOG_LEVEL"
	logFormatEnv           = "LOG_FORMAT"
	metricsAddrEnv         = "METRICS_ADDR"
	webSearchAPIKeyEnv     = "WEBSEARCH_API_KEY"
	newsGraphAPIKeyEnv     = "NEWSGRAPH_API_KEY"
	marketsAPIKeyEnv       = "MARKETS_API_KEY"
	newsAPIKeyEnv          = "NEWSAPI_API_KEY"
	enableNewsAPIEnv       = "ENABLE_NEWSAPI"
	openAIAPIKeyEnv        = "OPENAI_API_KEY"
	openAIModelEnv         = "OPENAI_MODEL"
	openAIBaseURLEnv       = "OPENAI_BASE_URL"
	mlExtractorURLEnv      = "ML_EXTRACTOR_URL"
	telegramTokenEnv       = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv      = "TELEGRAM_CHAT_ID"
	collectionIntervalEnv  = "COLLECTION_INTERVAL"
	processingIntervalEnv  = "PROCESSING_INTERVAL"
	processingBatchSizeEnv = "PROCESSING_BATCH_SIZE"
	runOnceEnv             = "RUN_ONCE"
	collectorsEnv          = "COLLECTORS"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database      DatabaseConfig             `yaml:"database"`
	Logging       LoggingConfig              `yaml:"logging"`
	Metrics       MetricsConfig              `yaml:"metrics"`
	Scheduler     SchedulerConfig            `yaml:"scheduler"`
	Collection    CollectionConfig           `yaml:"collection"`
	Providers     ProviderConfig             `yaml:"providers"`
	Governor      map[string]GovernorProfile `yaml:"governor"`
	Filter        triage.FilterConfig        `yaml:"filter"`
	Scoring       triage.ScoreWeights        `yaml:"scoring"`
	Notifications NotificationConfig         `yaml:"notifications"`
	ML            MLConfig                   `yaml:"ml"`
	LLM           LLMConfig                  `yaml:"llm"`
}

// DatabaseConfig describes Postgres connection details. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// SchedulerConfig defines how often each half of the cycle runs.
type SchedulerConfig struct {
	CollectionInterval  time.Duration `yaml:"collectionInterval"`
	ProcessingInterval  time.Duration `yaml:"processingInterval"`
	ProcessingBatchSize int           `yaml:"processingBatchSize"`
	StrategicEvery      int           `yaml:"strategicEvery"`
	DigestMaxItems      int           `yaml:"digestMaxItems"`
	MaxEnrichAttempts   int           `yaml:"maxEnrichAttempts"`
	RunOnce             bool          `yaml:"runOnce"`
}

// CollectionConfig is the query every collector receives.
type CollectionConfig struct {
	Topics      []TopicConfig `yaml:"topics"`
	RecencyDays int           `yaml:"recencyDays"`
	MaxResults  int           `yaml:"maxResults"`
	MinScore    float64       `yaml:"minScore"`
	// Collectors limits collection to the named sources; empty runs all of them.
	Collectors []string `yaml:"collectors"`
}

// TopicConfig maps a coarse category onto its search keywords.
type TopicConfig struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// ProviderConfig groups settings for item sources.
type ProviderConfig struct {
	WebSearch WebSearchConfig `yaml:"websearch"`
	NewsGraph NewsGraphConfig `yaml:"newsgraph"`
	Markets   MarketsConfig   `yaml:"markets"`
	NewsAPI   NewsAPIConfig   `yaml:"newsapi"`
	Feeds     []FeedConfig    `yaml:"feeds"`
}

// WebSearchConfig points at the primary search API.
type WebSearchConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"apiKey"`
	SearchDepth string `yaml:"searchDepth"`
}

// NewsGraphConfig points at the structured news-graph API.
type NewsGraphConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"apiKey"`
	Language string `yaml:"language"`
}

// MarketsConfig points at the prediction-market API.
type MarketsConfig struct {
	Endpoint  string  `yaml:"endpoint"`
	APIKey    string  `yaml:"apiKey"`
	PageURL   string  `yaml:"pageUrl"`
	MinVolume float64 `yaml:"minVolume"`
	Limit     int     `yaml:"limit"`
}

// NewsAPIConfig points at the legacy headline API; it stays off unless Enabled.
type NewsAPIConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"apiKey"`
	Enabled  bool   `yaml:"enabled"`
	Language string `yaml:"language"`
}

// FeedConfig is one syndicated feed.
type FeedConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Category string `yaml:"category"`
}

// GovernorProfile is the YAML shape of one per-API execution profile.
type GovernorProfile struct {
	MaxConcurrency    int           `yaml:"maxConcurrency"`
	BatchSize         int           `yaml:"batchSize"`
	RetryAttempts     int           `yaml:"retryAttempts"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	MaxRetryDelay     time.Duration `yaml:"maxRetryDelay"`
	RateLimitBuffer   time.Duration `yaml:"rateLimitBuffer"`
	AttemptTimeout    time.Duration `yaml:"attemptTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
}

// GovernorConfig converts the profile.
func (p GovernorProfile) GovernorConfig() governor.Config {
	return governor.Config{
		MaxConcurrency:    p.MaxConcurrency,
		BatchSize:         p.BatchSize,
		RetryAttempts:     p.RetryAttempts,
		RetryDelay:        p.RetryDelay,
		MaxRetryDelay:     p.MaxRetryDelay,
		RateLimitBuffer:   p.RateLimitBuffer,
		AttemptTimeout:    p.AttemptTimeout,
		RequestsPerSecond: p.RequestsPerSecond,
	}
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// MLConfig describes the feature-extraction service.
type MLConfig struct {
	ExtractorURL string `yaml:"extractorUrl"`
	APIKey       string `yaml:"apiKey"`
}

// LLMConfig defines how to contact the chat-completions API.
type LLMConfig struct {
	BaseURL      string        `yaml:"baseUrl"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"apiKey"`
	SystemPrompt string        `yaml:"systemPrompt"`
	MaxTokens    int           `yaml:"maxTokens"`
	Timeout      time.Duration `yaml:"timeout"`
}

// GovernorProfiles converts every configured profile, dropping invalid ones.
func (c Config) GovernorProfiles() map[string]governor.Config {
	out := make(map[string]governor.Config, len(c.Governor))
	for api, p := range c.Governor {
		cfg := p.GovernorConfig()
		if err := cfg.Validate(); err != nil {
			log.Printf("config: governor profile %s ignored: %v", api, err)
			continue
		}
		out[api] = cfg
	}
	return out
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	return load(os.Getenv)
}

func load(getenv func(string) string) Config {
	cfg := defaultConfig()

	if path := getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides(getenv)
	return cfg
}

func (c *Config) applyEnvOverrides(getenv func(string) string) {
	setString := func(env string, dst *string) {
		if v := strings.TrimSpace(getenv(env)); v != "" {
			*dst = v
		}
	}

	setString(databaseDSNEnv, &c.Database.DSN)
	setString(logLevelEnv, &c.Logging.Level)
	setString(logFormatEnv, &c.Logging.Format)
	setString(metricsAddrEnv, &c.Metrics.Addr)

	setString(webSearchAPIKeyEnv, &c.Providers.WebSearch.APIKey)
	setString(newsGraphAPIKeyEnv, &c.Providers.NewsGraph.APIKey)
	setString(marketsAPIKeyEnv, &c.Providers.Markets.APIKey)
	setString(newsAPIKeyEnv, &c.Providers.NewsAPI.APIKey)

	setString(openAIAPIKeyEnv, &c.LLM.APIKey)
	setString(openAIModelEnv, &c.LLM.Model)
	setString(openAIBaseURLEnv, &c.LLM.BaseURL)
	setString(mlExtractorURLEnv, &c.ML.ExtractorURL)

	setString(telegramTokenEnv, &c.Notifications.Telegram.BotToken)
	setString(telegramChatIDEnv, &c.Notifications.Telegram.ChatID)

	if v := getenv(enableNewsAPIEnv); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Providers.NewsAPI.Enabled = enabled
		} else {
			log.Printf("config: %s=%q is not a boolean, ignored", enableNewsAPIEnv, v)
		}
	}
	if v := getenv(collectorsEnv); v != "" {
		c.Collection.Collectors = SplitList(v)
	}
	if v := getenv(runOnceEnv); v != "" {
		if once, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.RunOnce = once
		} else {
			log.Printf("config: %s=%q is not a boolean, ignored", runOnceEnv, v)
		}
	}

	for env, dst := range map[string]*time.Duration{
		collectionIntervalEnv: &c.Scheduler.CollectionInterval,
		processingIntervalEnv: &c.Scheduler.ProcessingInterval,
	} {
		v := getenv(env)
		if v == "" {
			continue
		}
		d, err := ParseInterval(v)
		if err != nil {
			log.Printf("config: %s: %v, ignored", env, err)
			continue
		}
		*dst = d
	}

	if v := getenv(processingBatchSizeEnv); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.Scheduler.ProcessingBatchSize = n
		} else {
			log.Printf("config: %s=%q is not a positive integer, ignored", processingBatchSizeEnv, v)
		}
	}
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseInterval accepts a Go duration ("90s", "15m") or a bare number of minutes.
func ParseInterval(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if minutes, err := strconv.Atoi(value); err == nil {
		if minutes <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %q", value)
		}
		return time.Duration(minutes) * time.Minute, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %q", value)
	}
	return d, nil
}

func mergeConfig(base, override Config) Config {
	if override.Database.DSN != "" {
		base.Database = override.Database
	}

	mergeString(&base.Logging.Level, override.Logging.Level)
	mergeString(&base.Logging.Format, override.Logging.Format)
	mergeString(&base.Metrics.Addr, override.Metrics.Addr)

	mergeDuration(&base.Scheduler.CollectionInterval, override.Scheduler.CollectionInterval)
	mergeDuration(&base.Scheduler.ProcessingInterval, override.Scheduler.ProcessingInterval)
	mergeInt(&base.Scheduler.ProcessingBatchSize, override.Scheduler.ProcessingBatchSize)
	mergeInt(&base.Scheduler.StrategicEvery, override.Scheduler.StrategicEvery)
	mergeInt(&base.Scheduler.DigestMaxItems, override.Scheduler.DigestMaxItems)
	mergeInt(&base.Scheduler.MaxEnrichAttempts, override.Scheduler.MaxEnrichAttempts)
	if override.Scheduler.RunOnce {
		base.Scheduler.RunOnce = true
	}

	if len(override.Collection.Topics) > 0 {
		base.Collection.Topics = override.Collection.Topics
	}
	mergeInt(&base.Collection.RecencyDays, override.Collection.RecencyDays)
	mergeInt(&base.Collection.MaxResults, override.Collection.MaxResults)
	mergeFloat(&base.Collection.MinScore, override.Collection.MinScore)
	if len(override.Collection.Collectors) > 0 {
		base.Collection.Collectors = override.Collection.Collectors
	}

	p, o := &base.Providers, override.Providers
	mergeString(&p.WebSearch.Endpoint, o.WebSearch.Endpoint)
	mergeString(&p.WebSearch.APIKey, o.WebSearch.APIKey)
	mergeString(&p.WebSearch.SearchDepth, o.WebSearch.SearchDepth)
	mergeString(&p.NewsGraph.Endpoint, o.NewsGraph.Endpoint)
	mergeString(&p.NewsGraph.APIKey, o.NewsGraph.APIKey)
	mergeString(&p.NewsGraph.Language, o.NewsGraph.Language)
	mergeString(&p.Markets.Endpoint, o.Markets.Endpoint)
	mergeString(&p.Markets.APIKey, o.Markets.APIKey)
	mergeString(&p.Markets.PageURL, o.Markets.PageURL)
	mergeFloat(&p.Markets.MinVolume, o.Markets.MinVolume)
	mergeInt(&p.Markets.Limit, o.Markets.Limit)
	mergeString(&p.NewsAPI.Endpoint, o.NewsAPI.Endpoint)
	mergeString(&p.NewsAPI.APIKey, o.NewsAPI.APIKey)
	mergeString(&p.NewsAPI.Language, o.NewsAPI.Language)
	if o.NewsAPI.Enabled {
		p.NewsAPI.Enabled = true
	}
	if len(o.Feeds) > 0 {
		p.Feeds = o.Feeds
	}

	for api, profile := range override.Governor {
		if base.Governor == nil {
			base.Governor = make(map[string]GovernorProfile)
		}
		base.Governor[api] = profile
	}

	base.Filter = mergeFilter(base.Filter, override.Filter)
	base.Scoring = mergeScoring(base.Scoring, override.Scoring)

	mergeString(&base.Notifications.Telegram.BotToken, override.Notifications.Telegram.BotToken)
	mergeString(&base.Notifications.Telegram.ChatID, override.Notifications.Telegram.ChatID)

	mergeString(&base.ML.ExtractorURL, override.ML.ExtractorURL)
	mergeString(&base.ML.APIKey, override.ML.APIKey)

	mergeString(&base.LLM.BaseURL, override.LLM.BaseURL)
	mergeString(&base.LLM.Model, override.LLM.Model)
	mergeString(&base.LLM.APIKey, override.LLM.APIKey)
	mergeString(&base.LLM.SystemPrompt, override.LLM.SystemPrompt)
	mergeInt(&base.LLM.MaxTokens, override.LLM.MaxTokens)
	mergeDuration(&base.LLM.Timeout, override.LLM.Timeout)

	return base
}

func mergeFilter(base, override triage.FilterConfig) triage.FilterConfig {
	mergeInt(&base.MinScore, override.MinScore)
	mergeInt(&base.MinCorroboration, override.MinCorroboration)
	mergeFloat(&base.MinSalience, override.MinSalience)
	mergeInt(&base.SalienceOverrideScore, override.SalienceOverrideScore)
	if len(override.Blacklist) > 0 {
		base.Blacklist = override.Blacklist
	}
	if len(override.PriorityConcepts) > 0 {
		base.PriorityConcepts = override.PriorityConcepts
	}
	return base
}

func mergeScoring(base, override triage.ScoreWeights) triage.ScoreWeights {
	mergeFloat(&base.Base, override.Base)
	mergeFloat(&base.CorroborationScale, override.CorroborationScale)
	mergeFloat(&base.CorroborationCap, override.CorroborationCap)
	mergeFloat(&base.ConceptWeight, override.ConceptWeight)
	mergeFloat(&base.ConceptCap, override.ConceptCap)
	mergeFloat(&base.PriorityBonus, override.PriorityBonus)
	mergeFloat(&base.RecencyMax, override.RecencyMax)
	mergeFloat(&base.RecencyHours, override.RecencyHours)
	mergeFloat(&base.SentimentBonus, override.SentimentBonus)
	mergeInt(&base.CriticalAbove, override.CriticalAbove)
	mergeInt(&base.StrategicAtLeast, override.StrategicAtLeast)
	mergeInt(&base.HighConsensusAt, override.HighConsensusAt)
	mergeInt(&base.FragmentedConsensusAt, override.FragmentedConsensusAt)
	return base
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			CollectionInterval:  30 * time.Minute,
			ProcessingInterval:  10 * time.Minute,
			ProcessingBatchSize: 20,
			StrategicEvery:      3,
			DigestMaxItems:      10,
			MaxEnrichAttempts:   3,
		},
		Collection: CollectionConfig{
			Topics: []TopicConfig{
				{Category: "geopolitics", Keywords: []string{"sanctions", "military escalation", "ceasefire"}},
				{Category: "energy", Keywords: []string{"opec", "oil supply", "strait of hormuz"}},
				{Category: "macro", Keywords: []string{"federal reserve", "interest rates", "inflation"}},
				{Category: "trade", Keywords: []string{"tariffs", "export controls", "supply chain"}},
			},
			RecencyDays: 7,
			MaxResults:  20,
			MinScore:    0.3,
		},
		Providers: ProviderConfig{
			WebSearch: WebSearchConfig{Endpoint: "https://api.tavily.com", SearchDepth: "advanced"},
			NewsGraph: NewsGraphConfig{Endpoint: "https://eventregistry.org", Language: "eng"},
			Markets: MarketsConfig{
				Endpoint:  "https://gamma-api.polymarket.com",
				PageURL:   "https://polymarket.com/event",
				MinVolume: 10000,
				Limit:     200,
			},
			NewsAPI: NewsAPIConfig{Endpoint: "https://newsapi.org", Language: "en"},
			Feeds: []FeedConfig{
				{Name: "bbc-world", URL: "https://feeds.bbci.co.uk/news/world/rss.xml", Category: "geopolitics"},
				{Name: "aljazeera", URL: "https://www.aljazeera.com/xml/rss/all.xml", Category: "geopolitics"},
			},
		},
		Governor: map[string]GovernorProfile{
			"websearch": {MaxConcurrency: 3, BatchSize: 10, RetryAttempts: 3, RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second, RateLimitBuffer: 500 * time.Millisecond, AttemptTimeout: 10 * time.Second},
			"newsgraph": {MaxConcurrency: 2, BatchSize: 5, RetryAttempts: 3, RetryDelay: 2 * time.Second, MaxRetryDelay: 30 * time.Second, RateLimitBuffer: time.Second, AttemptTimeout: 10 * time.Second},
			"llm":       {MaxConcurrency: 2, BatchSize: 5, RetryAttempts: 2, RetryDelay: 2 * time.Second, MaxRetryDelay: 30 * time.Second, RateLimitBuffer: time.Second, AttemptTimeout: 60 * time.Second, RequestsPerSecond: 1},
			"storage":   {MaxConcurrency: 8, BatchSize: 100, RetryAttempts: 2, RetryDelay: 200 * time.Millisecond, MaxRetryDelay: 2 * time.Second, AttemptTimeout: 10 * time.Second},
		},
		Filter:  triage.DefaultFilterConfig(),
		Scoring: triage.DefaultScoreWeights(),
		LLM: LLMConfig{
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a geopolitical and economic analyst. Explain in two sentences why the item matters and who is exposed.",
			MaxTokens:    300,
			Timeout:      60 * time.Second,
		},
	}
}
