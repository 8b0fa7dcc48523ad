package triage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelScanner/internal/domain"
)

func scoredItem(source domain.Source, id, title string, published time.Time, score int) domain.CanonicalItem {
	return domain.CanonicalItem{Source: source, SourceID: id, Title: title, PublishedAt: published, RelevanceScore: score}
}

func TestDedupeKeepsHighestScore(t *testing.T) {
	morning := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2025, 3, 4, 21, 0, 0, 0, time.UTC)

	out := Dedupe([]domain.CanonicalItem{
		scoredItem(domain.SourceFeed, "f1", "Fed holds rates steady", morning, 55),
		scoredItem(domain.SourceWebSearch, "w1", "Fed holds rates steady", evening, 78),
	})

	require.Len(t, out, 1)
	assert.Equal(t, "w1", out[0].SourceID)
	assert.Equal(t, 78, out[0].RelevanceScore)
}

func TestDedupeKeepsDistinctTitlesAndDays(t *testing.T) {
	day := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)

	out := Dedupe([]domain.CanonicalItem{
		scoredItem(domain.SourceFeed, "a", "Fed holds rates steady", day, 55),
		scoredItem(domain.SourceFeed, "b", "Fed cuts rates", day, 60),
		scoredItem(domain.SourceFeed, "c", "Fed holds rates steady", day.Add(24*time.Hour), 40),
	})

	assert.Len(t, out, 3)
}

func TestDedupeNormalizesTitleAndUsesUTCDay(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	// 00:30 local on March 5 is still March 4 in UTC.
	late := time.Date(2025, 3, 5, 0, 30, 0, 0, berlin)
	early := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	out := Dedupe([]domain.CanonicalItem{
		scoredItem(domain.SourceFeed, "a", "OPEC  Cuts Output", early, 70),
		scoredItem(domain.SourceGraphArticle, "b", "opec cuts output", late, 71),
	})

	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].SourceID)
}

func TestDedupeTiesKeepFirstAndOrderIsStable(t *testing.T) {
	day := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)
	batch := []domain.CanonicalItem{
		scoredItem(domain.SourceFeed, "x1", "Story X", day, 60),
		scoredItem(domain.SourceFeed, "y1", "Story Y", day, 60),
		scoredItem(domain.SourceWebSearch, "x2", "Story X", day, 60),
		scoredItem(domain.SourceWebSearch, "y2", "Story Y", day, 90),
	}

	first := Dedupe(batch)
	second := Dedupe(batch)

	require.Len(t, first, 2)
	assert.Equal(t, "x1", first[0].SourceID)
	assert.Equal(t, "y2", first[1].SourceID)
	assert.Equal(t, first, second)
}

func TestDedupeEmpty(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
}
