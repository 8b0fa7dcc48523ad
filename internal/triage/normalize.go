package triage

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"IntelScanner/internal/domain"
)

var (
	ErrMissingDate  = errors.New("no parseable publication date")
	ErrMissingTitle = errors.New("missing title")
	ErrMissingID    = errors.New("missing source id")
)

const (
	DefaultMaxBodyRunes = 4000
	DefaultLanguage     = "en"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02",
}

// Normalizer maps provider payloads into canonical items.
type Normalizer struct {
	Vocabulary      Vocabulary
	MaxBodyRunes    int
	DefaultLanguage string
}

// NewNormalizer returns a normalizer with default limits.
func NewNormalizer(vocab Vocabulary) *Normalizer {
	return &Normalizer{
		Vocabulary:      vocab,
		MaxBodyRunes:    DefaultMaxBodyRunes,
		DefaultLanguage: DefaultLanguage,
	}
}

// Normalize converts one raw item. The returned error names the reason the item was dropped.
func (n *Normalizer) Normalize(raw domain.RawItem) (domain.CanonicalItem, error) {
	var (
		item domain.CanonicalItem
		err  error
	)
	switch r := raw.(type) {
	case domain.SearchResult:
		item, err = n.fromSearch(r)
	case domain.FeedEntry:
		item, err = n.fromFeed(r)
	case domain.GraphArticle:
		item, err = n.fromGraphArticle(r)
	case domain.GraphEvent:
		item, err = n.fromGraphEvent(r)
	case domain.TrendingConcept:
		item, err = n.fromTrending(r)
	case domain.Market:
		item, err = n.fromMarket(r)
	case domain.Headline:
		item, err = n.fromHeadline(r)
	default:
		return domain.CanonicalItem{}, fmt.Errorf("unsupported raw item %T", raw)
	}
	if err != nil {
		return domain.CanonicalItem{}, fmt.Errorf("%s: %w", raw.RawSource(), err)
	}
	return n.finish(item)
}

// NormalizeAll converts a batch and returns the survivors plus the number of dropped raws.
func (n *Normalizer) NormalizeAll(raws []domain.RawItem) ([]domain.CanonicalItem, int) {
	items := make([]domain.CanonicalItem, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		item, err := n.Normalize(raw)
		if err != nil {
			dropped++
			continue
		}
		items = append(items, item)
	}
	return items, dropped
}

func (n *Normalizer) finish(item domain.CanonicalItem) (domain.CanonicalItem, error) {
	item.Title = CollapseSpace(item.Title)
	item.SourceID = strings.TrimSpace(item.SourceID)
	switch {
	case item.SourceID == "":
		return domain.CanonicalItem{}, fmt.Errorf("%s: %w", item.Source, ErrMissingID)
	case item.Title == "":
		return domain.CanonicalItem{}, fmt.Errorf("%s: %w", item.Source, ErrMissingTitle)
	case item.PublishedAt.IsZero():
		return domain.CanonicalItem{}, fmt.Errorf("%s: %w", item.Source, ErrMissingDate)
	}

	item.PublishedAt = item.PublishedAt.UTC()
	item.Body = Truncate(item.Body, n.maxBody())
	item.Description = Truncate(item.Description, n.maxBody())
	if item.Language == "" {
		item.Language = n.DefaultLanguage
		if item.Language == "" {
			item.Language = DefaultLanguage
		}
	}
	item.Language = strings.ToLower(item.Language)
	if item.CorroborationCount < 0 {
		item.CorroborationCount = 0
	}
	item.Concepts = cleanConcepts(item.Concepts)
	return item, nil
}

func (n *Normalizer) maxBody() int {
	if n.MaxBodyRunes <= 0 {
		return DefaultMaxBodyRunes
	}
	return n.MaxBodyRunes
}

func (n *Normalizer) fromSearch(r domain.SearchResult) (domain.CanonicalItem, error) {
	published, err := ParseTimestamp(r.PublishedDate)
	if err != nil {
		return domain.CanonicalItem{}, err
	}
	body := r.RawContent
	if body == "" {
		body = r.Content
	}
	description := StripHTML(r.Content)
	text := r.Title + " " + description
	var concepts []domain.Concept
	for _, term := range n.Vocabulary.Scan(text) {
		concepts = append(concepts, domain.Concept{Label: term, Salience: r.Score})
	}
	return domain.CanonicalItem{
		Source:      domain.SourceWebSearch,
		SourceID:    r.URL,
		Title:       r.Title,
		Description: description,
		Body:        StripHTML(body),
		PublishedAt: published,
		URL:         r.URL,
		Author:      r.Author,
		Category:    r.Category,
		Concepts:    concepts,
	}, nil
}

func (n *Normalizer) fromFeed(r domain.FeedEntry) (domain.CanonicalItem, error) {
	published, err := ParseTimestamp(r.Published)
	if err != nil {
		return domain.CanonicalItem{}, err
	}
	id := r.GUID
	if id == "" {
		id = r.Link
	}
	concepts := make([]domain.Concept, 0, len(r.Categories))
	for _, c := range r.Categories {
		concepts = append(concepts, domain.Concept{Label: c})
	}
	body := r.Content
	if body == "" {
		body = r.Description
	}
	return domain.CanonicalItem{
		Source:      domain.SourceFeed,
		SourceID:    id,
		Title:       StripHTML(r.Title),
		Description: StripHTML(r.Description),
		Body:        StripHTML(body),
		PublishedAt: published,
		URL:         r.Link,
		Author:      r.Author,
		Language:    r.Language,
		Category:    r.Category,
		Concepts:    concepts,
	}, nil
}

func (n *Normalizer) fromGraphArticle(r domain.GraphArticle) (domain.CanonicalItem, error) {
	published, err := ParseTimestamp(firstNonEmpty(r.DateTime, r.Date))
	if err != nil {
		return domain.CanonicalItem{}, err
	}
	body := CollapseSpace(r.Body)
	return domain.CanonicalItem{
		Source:      domain.SourceGraphArticle,
		SourceID:    r.URI,
		Title:       r.Title,
		Description: Truncate(body, 280),
		Body:        body,
		PublishedAt: published,
		URL:         r.URL,
		Author:      strings.Join(r.Authors, ", "),
		Language:    graphLanguage(r.Language),
		Category:    r.Category,
		Concepts:    graphConcepts(r.Concepts),
		Sentiment:   sentimentFromScore(r.Sentiment),
	}, nil
}

func (n *Normalizer) fromGraphEvent(r domain.GraphEvent) (domain.CanonicalItem, error) {
	published, err := ParseTimestamp(r.EventDate)
	if err != nil {
		return domain.CanonicalItem{}, err
	}
	summary := CollapseSpace(r.Summary)
	return domain.CanonicalItem{
		Source:             domain.SourceGraphEvent,
		SourceID:           r.URI,
		Title:              r.Title,
		Description:        Truncate(summary, 280),
		Body:               summary,
		PublishedAt:        published,
		Language:           graphLanguage(r.Language),
		Category:           r.Category,
		Concepts:           graphConcepts(r.Concepts),
		CorroborationCount: r.TotalArticleCount,
		Sentiment:          sentimentFromScore(r.Sentiment),
	}, nil
}

func (n *Normalizer) fromTrending(r domain.TrendingConcept) (domain.CanonicalItem, error) {
	observed, err := ParseTimestamp(r.ObservedAt)
	if err != nil {
		return domain.CanonicalItem{}, err
	}
	if r.URI == "" || strings.TrimSpace(r.Label) == "" {
		return domain.CanonicalItem{}, ErrMissingID
	}
	salience := r.TrendingScore
	if salience > 1 {
		salience /= 100
	}
	return domain.CanonicalItem{
		Source:             domain.SourceTrendingConcept,
		SourceID:           r.URI + ":" + observed.UTC().Format("2006-01-02"),
		Title:              "Trending: " + r.Label,
		Description:        fmt.Sprintf("%s (%s) is trending across %d articles.", r.Label, strings.ToLower(r.Type), r.ArticleCount),
		PublishedAt:        observed,
		Category:           r.Category,
		Concepts:           []domain.Concept{{Label: r.Label, Salience: salience}},
		CorroborationCount: r.ArticleCount,
	}, nil
}

func (n *Normalizer) fromMarket(r domain.Market) (domain.CanonicalItem, error) {
	published, err := ParseTimestamp(firstNonEmpty(r.UpdatedAt, r.StartDate))
	if err != nil {
		return domain.CanonicalItem{}, err
	}
	concepts := make([]domain.Concept, 0, len(r.Tags))
	for _, tag := range r.Tags {
		concepts = append(concepts, domain.Concept{Label: tag})
	}
	for _, term := range n.Vocabulary.Scan(r.Question) {
		concepts = append(concepts, domain.Concept{Label: term, Salience: 0.5})
	}
	return domain.CanonicalItem{
		Source:      domain.SourceMarket,
		SourceID:    r.ConditionID,
		Title:       r.Question,
		Description: StripHTML(r.Description),
		Body:        marketSummary(r),
		PublishedAt: published,
		URL:         r.URL,
		Category:    r.Category,
		Concepts:    concepts,
	}, nil
}

func (n *Normalizer) fromHeadline(r domain.Headline) (domain.CanonicalItem, error) {
	published, err := ParseTimestamp(r.PublishedAt)
	if err != nil {
		return domain.CanonicalItem{}, err
	}
	description := StripHTML(r.Description)
	var concepts []domain.Concept
	for _, term := range n.Vocabulary.Scan(r.Title + " " + description) {
		concepts = append(concepts, domain.Concept{Label: term})
	}
	return domain.CanonicalItem{
		Source:      domain.SourceNewsAPI,
		SourceID:    r.URL,
		Title:       r.Title,
		Description: description,
		Body:        StripHTML(r.Content),
		PublishedAt: published,
		URL:         r.URL,
		Author:      firstNonEmpty(r.Author, r.SourceName),
		Category:    r.Category,
		Concepts:    concepts,
	}, nil
}

// ParseTimestamp accepts the layouts providers are known to send, plus unix seconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrMissingDate
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMissingDate, value)
}

func cleanConcepts(in []domain.Concept) []domain.Concept {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]int, len(in))
	out := make([]domain.Concept, 0, len(in))
	for _, c := range in {
		c.Label = CollapseSpace(c.Label)
		if c.Label == "" {
			continue
		}
		c.Salience = clamp01(c.Salience)
		key := strings.ToLower(c.Label)
		if idx, ok := seen[key]; ok {
			if c.Salience > out[idx].Salience {
				out[idx].Salience = c.Salience
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}
	return out
}

// graphConcepts rescales provider scores reported on a 0..100 scale.
func graphConcepts(in []domain.GraphConcept) []domain.Concept {
	out := make([]domain.Concept, 0, len(in))
	for _, c := range in {
		score := c.Score
		if score > 1 {
			score /= 100
		}
		out = append(out, domain.Concept{Label: c.Label, Salience: score})
	}
	return out
}

func sentimentFromScore(score *float64) domain.Sentiment {
	if score == nil || math.IsNaN(*score) {
		return domain.SentimentUnknown
	}
	switch {
	case *score > 0.2:
		return domain.SentimentPositive
	case *score < -0.2:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

// graphLanguage maps the provider's three-letter codes onto two-letter ones.
func graphLanguage(code string) string {
	switch strings.ToLower(code) {
	case "eng":
		return "en"
	case "deu", "ger":
		return "de"
	case "fra", "fre":
		return "fr"
	case "spa":
		return "es"
	case "rus":
		return "ru"
	case "zho", "chi":
		return "zh"
	}
	return code
}

func marketSummary(m domain.Market) string {
	var b strings.Builder
	for i, outcome := range m.Outcomes {
		if i >= len(m.OutcomePrices) {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %.0f%%", outcome, m.OutcomePrices[i]*100)
	}
	if b.Len() > 0 {
		b.WriteString(". ")
	}
	fmt.Fprintf(&b, "Volume %.0f, liquidity %.0f", m.Volume, m.Liquidity)
	if m.EndDate != "" {
		if end, err := ParseTimestamp(m.EndDate); err == nil {
			fmt.Fprintf(&b, ", closes %s", end.Format("2006-01-02"))
		}
	}
	b.WriteString(".")
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
