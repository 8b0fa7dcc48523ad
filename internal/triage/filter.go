package triage

import "IntelScanner/internal/domain"

// Filter thresholds. Product-tuning values; override through FilterConfig.
const (
	DefaultMinScore              = 60
	DefaultMinCorroboration      = 3
	DefaultMinSalience           = 0.3
	DefaultSalienceOverrideScore = 70
)

// Reason explains a filter decision.
type Reason string

const (
	ReasonAccepted         Reason = ""
	ReasonBlacklisted      Reason = "blacklisted"
	ReasonLowScore         Reason = "low_score"
	ReasonLowCorroboration Reason = "low_corroboration"
	ReasonLowSalience      Reason = "low_salience"
)

// FilterConfig holds the tunable filter inputs.
type FilterConfig struct {
	MinScore              int      `yaml:"minScore"`
	MinCorroboration      int      `yaml:"minCorroboration"`
	MinSalience           float64  `yaml:"minSalience"`
	SalienceOverrideScore int      `yaml:"salienceOverrideScore"`
	Blacklist             []string `yaml:"blacklist"`
	PriorityConcepts      []string `yaml:"priorityConcepts"`
}

// DefaultFilterConfig returns the tuned defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinScore:              DefaultMinScore,
		MinCorroboration:      DefaultMinCorroboration,
		MinSalience:           DefaultMinSalience,
		SalienceOverrideScore: DefaultSalienceOverrideScore,
		Blacklist:             append([]string(nil), DefaultBlacklist...),
		PriorityConcepts:      append([]string(nil), DefaultPriorityConcepts...),
	}
}

// Filter rejects off-topic and low-signal items.
type Filter struct {
	cfg       FilterConfig
	blacklist Vocabulary
	priority  Vocabulary
}

// NewFilter builds a filter; empty lists fall back to the defaults.
func NewFilter(cfg FilterConfig) *Filter {
	if len(cfg.Blacklist) == 0 {
		cfg.Blacklist = DefaultBlacklist
	}
	if len(cfg.PriorityConcepts) == 0 {
		cfg.PriorityConcepts = DefaultPriorityConcepts
	}
	return &Filter{
		cfg:       cfg,
		blacklist: NewVocabulary(cfg.Blacklist),
		priority:  NewVocabulary(cfg.PriorityConcepts),
	}
}

// Priority exposes the priority vocabulary shared with the scorer and normalizer.
func (f *Filter) Priority() Vocabulary {
	return f.priority
}

// ShouldReject evaluates the rules in order; the first match wins.
// corroboration is nil when the source does not aggregate articles.
func (f *Filter) ShouldReject(title string, concepts []domain.Concept, score int, corroboration *int) (bool, Reason) {
	if f.blacklist.MatchText(title) {
		return true, ReasonBlacklisted
	}

	hasPriority := f.priority.AnyConcept(concepts)
	if !hasPriority && score < f.cfg.MinScore {
		return true, ReasonLowScore
	}
	if corroboration != nil && *corroboration < f.cfg.MinCorroboration && !hasPriority {
		return true, ReasonLowCorroboration
	}
	if !anySalient(concepts, f.cfg.MinSalience) && score < f.cfg.SalienceOverrideScore {
		return true, ReasonLowSalience
	}
	return false, ReasonAccepted
}

// Check applies ShouldReject to a canonical item.
func (f *Filter) Check(item domain.CanonicalItem, score int) (bool, Reason) {
	return f.ShouldReject(item.Title, item.Concepts, score, CorroborationOf(item))
}

// CorroborationOf returns the corroboration count for aggregated sources and nil otherwise.
func CorroborationOf(item domain.CanonicalItem) *int {
	switch item.Source {
	case domain.SourceGraphEvent, domain.SourceTrendingConcept:
		n := item.CorroborationCount
		return &n
	}
	return nil
}

func anySalient(concepts []domain.Concept, threshold float64) bool {
	for _, c := range concepts {
		if c.Salience >= threshold {
			return true
		}
	}
	return false
}

// Label names the decision for logs and metric labels.
func (r Reason) Label() string {
	if r == ReasonAccepted {
		return "accepted"
	}
	return string(r)
}
