package triage

import (
	"math"
	"time"

	"IntelScanner/internal/domain"
)

// ScoreWeights holds every constant of the relevance formula.
type ScoreWeights struct {
	Base               float64 `yaml:"base"`
	CorroborationScale float64 `yaml:"corroborationScale"`
	CorroborationCap   float64 `yaml:"corroborationCap"`
	ConceptWeight      float64 `yaml:"conceptWeight"`
	ConceptCap         float64 `yaml:"conceptCap"`
	PriorityBonus      float64 `yaml:"priorityBonus"`
	RecencyMax         float64 `yaml:"recencyMax"`
	RecencyHours       float64 `yaml:"recencyHours"`
	SentimentBonus     float64 `yaml:"sentimentBonus"`

	CriticalAbove    int `yaml:"criticalAbove"`
	StrategicAtLeast int `yaml:"strategicAtLeast"`

	HighConsensusAt       int `yaml:"highConsensusAt"`
	FragmentedConsensusAt int `yaml:"fragmentedConsensusAt"`
}

// DefaultScoreWeights returns the tuned relevance constants.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Base:               40,
		CorroborationScale: 5,
		CorroborationCap:   30,
		ConceptWeight:      0.3,
		ConceptCap:         30,
		PriorityBonus:      15,
		RecencyMax:         20,
		RecencyHours:       24,
		SentimentBonus:     10,

		CriticalAbove:    90,
		StrategicAtLeast: 70,

		HighConsensusAt:       40,
		FragmentedConsensusAt: 10,
	}
}

// Scorer computes the deterministic relevance score, tier and consensus.
type Scorer struct {
	weights  ScoreWeights
	priority Vocabulary
}

// NewScorer builds a scorer over the given priority vocabulary.
func NewScorer(weights ScoreWeights, priority Vocabulary) *Scorer {
	return &Scorer{weights: weights, priority: priority}
}

// Score returns a value in [0,100]. now is the reference time for recency.
func (s *Scorer) Score(item domain.CanonicalItem, now time.Time) int {
	w := s.weights

	corroboration := math.Max(0, float64(item.CorroborationCount))
	score := w.Base
	score += math.Min(w.CorroborationCap, math.Log(corroboration+1)*w.CorroborationScale)
	score += math.Min(w.ConceptCap, averageSalience(item.Concepts)*w.ConceptWeight)
	if s.priority.AnyConcept(item.Concepts) {
		score += w.PriorityBonus
	}

	hours := now.Sub(item.PublishedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	if w.RecencyHours > 0 {
		score += math.Max(0, w.RecencyMax*math.Exp(-hours/w.RecencyHours))
	}
	if item.Sentiment.Polar() {
		score += w.SentimentBonus
	}

	if math.IsNaN(score) {
		return 0
	}
	rounded := math.Round(score)
	switch {
	case rounded < 0:
		return 0
	case rounded > 100:
		return 100
	}
	return int(rounded)
}

// TierFor maps a score onto a tier. The critical bound is exclusive, the strategic bound inclusive.
func (s *Scorer) TierFor(score int) domain.Tier {
	switch {
	case score > s.weights.CriticalAbove:
		return domain.TierCritical
	case score >= s.weights.StrategicAtLeast:
		return domain.TierStrategic
	default:
		return domain.TierBackground
	}
}

// ConsensusFor maps a corroboration count onto a consensus label.
func (s *Scorer) ConsensusFor(corroboration int) domain.Consensus {
	switch {
	case corroboration >= s.weights.HighConsensusAt:
		return domain.ConsensusHigh
	case corroboration >= s.weights.FragmentedConsensusAt:
		return domain.ConsensusFragmented
	default:
		return domain.ConsensusDisputed
	}
}

// Apply sets the derived fields on item.
func (s *Scorer) Apply(item domain.CanonicalItem, now time.Time) domain.CanonicalItem {
	item.RelevanceScore = s.Score(item, now)
	item.Tier = s.TierFor(item.RelevanceScore)
	item.Consensus = s.ConsensusFor(item.CorroborationCount)
	return item
}

// ApplyAll scores a batch in place and returns it.
func (s *Scorer) ApplyAll(items []domain.CanonicalItem, now time.Time) []domain.CanonicalItem {
	for i := range items {
		items[i] = s.Apply(items[i], now)
	}
	return items
}

func averageSalience(concepts []domain.Concept) float64 {
	if len(concepts) == 0 {
		return 0
	}
	var sum float64
	for _, c := range concepts {
		sum += clamp01(c.Salience)
	}
	return sum / float64(len(concepts))
}
