package triage

import (
	"strings"

	"IntelScanner/internal/domain"
)

// DedupKey is the lowercase collapsed title plus the UTC publication day.
func DedupKey(item domain.CanonicalItem) string {
	return strings.ToLower(CollapseSpace(item.Title)) + "|" + item.PublishedAt.UTC().Format("2006-01-02")
}

// Dedupe keeps the highest-scored item per key. Ties keep the first seen and
// the output follows the first-seen order of keys.
func Dedupe(items []domain.CanonicalItem) []domain.CanonicalItem {
	index := make(map[string]int, len(items))
	out := make([]domain.CanonicalItem, 0, len(items))
	for _, item := range items {
		key := DedupKey(item)
		if i, ok := index[key]; ok {
			if item.RelevanceScore > out[i].RelevanceScore {
				out[i] = item
			}
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out
}
