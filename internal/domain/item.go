package domain

import (
	"strings"
	"time"
)

// Source identifies which collector produced an item.
type Source string

const (
	SourceWebSearch       Source = "websearch"
	SourceFeed            Source = "feed"
	SourceGraphArticle    Source = "newsgraph-article"
	SourceGraphEvent      Source = "newsgraph-event"
	SourceTrendingConcept Source = "newsgraph-trend"
	SourceMarket          Source = "markets"
	SourceNewsAPI         Source = "newsapi"
)

// Tier is the coarse importance bucket derived from the relevance score.
type Tier string

const (
	TierCritical   Tier = "critical"
	TierStrategic  Tier = "strategic"
	TierBackground Tier = "background"
)

// Consensus describes how many independent sources corroborate an item.
type Consensus string

const (
	ConsensusHigh       Consensus = "high"
	ConsensusFragmented Consensus = "fragmented"
	ConsensusDisputed   Consensus = "disputed"
)

// Sentiment is the optional polarity reported by a provider.
type Sentiment string

const (
	SentimentUnknown  Sentiment = ""
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Polar reports whether the sentiment carries a direction.
func (s Sentiment) Polar() bool {
	return s == SentimentPositive || s == SentimentNegative
}

// Concept is a labelled entity with salience in [0,1].
type Concept struct {
	Label    string  `json:"label"`
	Salience float64 `json:"salience"`
}

// NaturalKey is the (source, sourceId) pair used for idempotent upserts.
type NaturalKey struct {
	Source   Source
	SourceID string
}

// String renders the key as "source:id".
func (k NaturalKey) String() string {
	return string(k.Source) + ":" + k.SourceID
}

// CanonicalItem is the unit the pipeline operates on after normalization.
type CanonicalItem struct {
	Source      Source
	SourceID    string
	Title       string
	Description string
	Body        string
	PublishedAt time.Time
	URL         string
	Author      string
	Language    string
	Category    string

	Concepts           []Concept
	CorroborationCount int
	Sentiment          Sentiment

	// Set by the scorer.
	RelevanceScore int
	Tier           Tier
	Consensus      Consensus

	// Set by enrichment after persistence. A zero EnrichedAt means not yet
	// enriched; EnrichAttempts counts failed tries.
	Annotation     string
	Pressure       *PressureScore
	EnrichedAt     time.Time
	EnrichAttempts int
}

// Key returns the natural key of the item.
func (c CanonicalItem) Key() NaturalKey {
	return NaturalKey{Source: c.Source, SourceID: c.SourceID}
}

// ConceptLabels lists concept labels in order.
func (c CanonicalItem) ConceptLabels() []string {
	labels := make([]string, 0, len(c.Concepts))
	for _, concept := range c.Concepts {
		labels = append(labels, concept.Label)
	}
	return labels
}

// EnrichmentText builds the text handed to the enrichment capability.
func (c CanonicalItem) EnrichmentText() string {
	var b strings.Builder
	b.WriteString(c.Title)
	if c.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(c.Description)
	}
	if c.Body != "" && c.Body != c.Description {
		b.WriteString("\n\n")
		b.WriteString(c.Body)
	}
	return b.String()
}

// PressureFeatures are extracted upstream and feed the pressure scorer.
type PressureFeatures struct {
	EvidenceStrength float64 `json:"evidenceStrength"`
	Novelty          float64 `json:"novelty"`
	ImpactOrder      int     `json:"impactOrder"`
	TimeHorizonDays  float64 `json:"timeHorizonDays"`
	Citations        int     `json:"citations"`
}

// PressureScore is the deterministic {probability, magnitude, confidence} triple.
type PressureScore struct {
	Probability float64 `json:"probability"`
	Magnitude   float64 `json:"magnitude"`
	Confidence  float64 `json:"confidence"`
}

// Enrichment is the in-place update attached to a persisted item.
type Enrichment struct {
	Key        NaturalKey
	Annotation string
	Pressure   *PressureScore
	EnrichedAt time.Time
}
