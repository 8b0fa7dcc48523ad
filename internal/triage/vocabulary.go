package triage

import (
	"strings"

	"IntelScanner/internal/domain"
)

// DefaultPriorityConcepts is the curated list of concepts that mark an item as
// geopolitically or economically relevant.
var DefaultPriorityConcepts = []string{
	"sanctions", "tariffs", "trade war", "embargo", "export controls",
	"central bank", "federal reserve", "interest rates", "inflation", "recession",
	"sovereign debt", "default", "currency", "bond yields", "opec", "oil", "natural gas",
	"military", "war", "ceasefire", "invasion", "missile", "nuclear", "nato",
	"coup", "election", "strait of hormuz", "south china sea", "taiwan", "ukraine",
	"supply chain", "semiconductors", "critical minerals", "shipping",
}

// DefaultBlacklist holds title keywords for entertainment, sports and lifestyle noise.
var DefaultBlacklist = []string{
	"celebrity", "wedding", "red carpet", "gossip", "box office", "movie", "album",
	"tv series", "reality show", "football", "soccer", "nba", "nfl", "tennis", "golf",
	"recipe", "fashion", "horoscope", "lifestyle", "dating", "kardashian",
}

// Vocabulary matches concept labels and free text against a keyword list.
type Vocabulary struct {
	terms []string
}

// NewVocabulary lowercases and deduplicates terms.
func NewVocabulary(terms []string) Vocabulary {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(CollapseSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return Vocabulary{terms: out}
}

// Terms returns the normalized terms.
func (v Vocabulary) Terms() []string {
	return append([]string(nil), v.terms...)
}

// MatchLabel reports whether a concept label names a vocabulary term.
func (v Vocabulary) MatchLabel(label string) bool {
	label = strings.ToLower(CollapseSpace(label))
	if label == "" {
		return false
	}
	for _, t := range v.terms {
		if label == t || containsWord(label, t) {
			return true
		}
	}
	return false
}

// AnyConcept reports whether any concept label matches.
func (v Vocabulary) AnyConcept(concepts []domain.Concept) bool {
	for _, c := range concepts {
		if v.MatchLabel(c.Label) {
			return true
		}
	}
	return false
}

// MatchText reports whether text contains any term on word boundaries.
func (v Vocabulary) MatchText(text string) bool {
	return len(v.Scan(text)) > 0
}

// Scan returns the terms found in text, in vocabulary order.
func (v Vocabulary) Scan(text string) []string {
	text = strings.ToLower(text)
	var found []string
	for _, t := range v.terms {
		if containsWord(text, t) {
			found = append(found, t)
		}
	}
	return found
}
