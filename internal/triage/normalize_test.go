package triage

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelScanner/internal/domain"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(NewVocabulary(DefaultPriorityConcepts))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)

	tests := map[string]string{
		"rfc3339":        "2025-03-04T10:30:00Z",
		"rfc3339 offset": "2025-03-04T12:30:00+02:00",
		"rfc1123z":       "Tue, 04 Mar 2025 10:30:00 +0000",
		"rfc1123":        "Tue, 04 Mar 2025 10:30:00 UTC",
		"sql":            "2025-03-04 10:30:00",
		"naive iso":      "2025-03-04T10:30:00",
		"unix seconds":   "1741084200",
	}

	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseTimestamp(value)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}

	day, err := ParseTimestamp("2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), day)

	_, err = ParseTimestamp("yesterday")
	assert.ErrorIs(t, err, ErrMissingDate)
	_, err = ParseTimestamp("  ")
	assert.ErrorIs(t, err, ErrMissingDate)
}

func TestNormalizeGraphEvent(t *testing.T) {
	n := newTestNormalizer()
	sentiment := -0.6

	item, err := n.Normalize(domain.GraphEvent{
		Category:          "energy",
		URI:               "eng-9912",
		Title:             "  Oil tanker   seized in Strait ",
		Summary:           "Naval forces boarded a tanker.",
		EventDate:         "2025-03-04",
		TotalArticleCount: 25,
		Concepts: []domain.GraphConcept{
			{Label: "Sanctions", Score: 80},
			{Label: "Iran", Score: 0.4},
			{Label: "sanctions", Score: 95},
		},
		Sentiment: &sentiment,
		Language:  "eng",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.SourceGraphEvent, item.Source)
	assert.Equal(t, "eng-9912", item.SourceID)
	assert.Equal(t, "Oil tanker seized in Strait", item.Title)
	assert.Equal(t, "energy", item.Category)
	assert.Equal(t, "en", item.Language)
	assert.Equal(t, 25, item.CorroborationCount)
	assert.Equal(t, domain.SentimentNegative, item.Sentiment)
	assert.Equal(t, []domain.Concept{{Label: "Sanctions", Salience: 0.95}, {Label: "Iran", Salience: 0.4}}, item.Concepts)
}

func TestNormalizeGraphArticleSentimentBands(t *testing.T) {
	n := newTestNormalizer()

	tests := map[string]struct {
		score *float64
		want  domain.Sentiment
	}{
		"missing":  {nil, domain.SentimentUnknown},
		"positive": {floatPtr(0.5), domain.SentimentPositive},
		"neutral":  {floatPtr(0.1), domain.SentimentNeutral},
		"negative": {floatPtr(-0.21), domain.SentimentNegative},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			item, err := n.Normalize(domain.GraphArticle{
				URI: "a-1", Title: "Ceasefire talks", DateTime: "2025-03-04T08:00:00Z", Sentiment: tc.score,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, item.Sentiment)
		})
	}
}

func TestNormalizeFeedEntryStripsHTML(t *testing.T) {
	n := newTestNormalizer()

	item, err := n.Normalize(domain.FeedEntry{
		Category:    "markets",
		GUID:        "urn:feed:42",
		Title:       "Central bank &amp; treasury meet",
		Description: "<p>Officials <b>met</b> today.</p><script>track()</script>",
		Link:        "https://example.com/a",
		Published:   "Tue, 04 Mar 2025 10:30:00 +0000",
		Categories:  []string{"Economy", " "},
	})

	require.NoError(t, err)
	assert.Equal(t, "urn:feed:42", item.SourceID)
	assert.Equal(t, "Central bank & treasury meet", item.Title)
	assert.Equal(t, "Officials met today.", item.Description)
	assert.Equal(t, "en", item.Language)
	assert.Equal(t, []domain.Concept{{Label: "Economy", Salience: 0}}, item.Concepts)
}

func TestNormalizeFeedEntryFallsBackToLink(t *testing.T) {
	n := newTestNormalizer()

	item, err := n.Normalize(domain.FeedEntry{Title: "t", Link: "https://example.com/b", Published: "2025-03-04"})

	require.NoError(t, err)
	assert.Equal(t, "https://example.com/b", item.SourceID)
}

func TestNormalizeSearchResultDerivesConcepts(t *testing.T) {
	n := newTestNormalizer()

	item, err := n.Normalize(domain.SearchResult{
		Category:      "trade",
		Title:         "New tariffs target semiconductors",
		URL:           "https://news.example.com/tariffs",
		Content:       "Export controls widen.",
		Score:         0.72,
		PublishedDate: "2025-03-04T10:30:00Z",
	})

	require.NoError(t, err)
	assert.Equal(t, "https://news.example.com/tariffs", item.SourceID)
	assert.Equal(t, []string{"tariffs", "export controls", "semiconductors"}, item.ConceptLabels())
	for _, c := range item.Concepts {
		assert.InDelta(t, 0.72, c.Salience, 1e-9)
	}
}

func TestNormalizeTrendingConceptIsDaily(t *testing.T) {
	n := newTestNormalizer()

	item, err := n.Normalize(domain.TrendingConcept{
		URI:           "http://en.wikipedia.org/wiki/OPEC",
		Label:         "OPEC",
		Type:          "ORG",
		TrendingScore: 64,
		ArticleCount:  31,
		ObservedAt:    "2025-03-04T15:00:00Z",
	})

	require.NoError(t, err)
	assert.Equal(t, "http://en.wikipedia.org/wiki/OPEC:2025-03-04", item.SourceID)
	assert.Equal(t, "Trending: OPEC", item.Title)
	assert.Equal(t, 31, item.CorroborationCount)
	assert.Equal(t, []domain.Concept{{Label: "OPEC", Salience: 0.64}}, item.Concepts)
}

func TestNormalizeMarketSummarizesPrices(t *testing.T) {
	n := newTestNormalizer()

	item, err := n.Normalize(domain.Market{
		ConditionID:   "0xabc",
		URL:           "https://markets.example.com/event/ceasefire",
		Question:      "Will a ceasefire hold through June?",
		Outcomes:      []string{"Yes", "No"},
		OutcomePrices: []float64{0.65, 0.35},
		Volume:        125000,
		Liquidity:     4000,
		EndDate:       "2025-06-30T00:00:00Z",
		UpdatedAt:     "2025-03-04T10:30:00Z",
		Tags:          []string{"Geopolitics"},
	})

	require.NoError(t, err)
	assert.Equal(t, "0xabc", item.SourceID)
	assert.Equal(t, "Yes 65%, No 35%. Volume 125000, liquidity 4000, closes 2025-06-30.", item.Body)
	assert.Equal(t, []string{"Geopolitics", "ceasefire"}, item.ConceptLabels())
}

func TestNormalizeRejectsIncompleteItems(t *testing.T) {
	n := newTestNormalizer()

	tests := map[string]struct {
		raw  domain.RawItem
		want error
	}{
		"no date":  {domain.Headline{Title: "t", URL: "u"}, ErrMissingDate},
		"bad date": {domain.Headline{Title: "t", URL: "u", PublishedAt: "soon"}, ErrMissingDate},
		"no title": {domain.Headline{URL: "u", PublishedAt: "2025-03-04"}, ErrMissingTitle},
		"no id":    {domain.Headline{Title: "t", PublishedAt: "2025-03-04"}, ErrMissingID},
		"no uri":   {domain.TrendingConcept{Label: "x", ObservedAt: "2025-03-04"}, ErrMissingID},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(tc.raw)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNormalizeTruncatesOnRuneBoundary(t *testing.T) {
	n := newTestNormalizer()
	n.MaxBodyRunes = 10

	item, err := n.Normalize(domain.GraphArticle{
		URI: "a", Title: "t", Date: "2025-03-04", Body: strings.Repeat("é", 50),
	})

	require.NoError(t, err)
	assert.Equal(t, 10, utf8.RuneCountInString(item.Body))
	assert.True(t, utf8.ValidString(item.Body))
}

func TestNormalizeAllCountsDropped(t *testing.T) {
	n := newTestNormalizer()

	items, dropped := n.NormalizeAll([]domain.RawItem{
		domain.Headline{Title: "a", URL: "u1", PublishedAt: "2025-03-04"},
		domain.Headline{Title: "b", URL: "u2"},
		domain.Headline{Title: "", URL: "u3", PublishedAt: "2025-03-04"},
		domain.Headline{Title: "d", URL: "u4", PublishedAt: "2025-03-04"},
	})

	assert.Equal(t, 2, dropped)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Title)
	assert.Equal(t, "d", items[1].Title)
}

func TestStripHTMLAndTruncate(t *testing.T) {
	assert.Equal(t, "plain text", StripHTML("  plain \n text "))
	assert.Equal(t, "a b", StripHTML("<div>a</div><div>b</div>"))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "ab", Truncate("ab c", 3))
}

func floatPtr(v float64) *float64 { return &v }
