package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/source"
)

// NewsGraphConfig describes the structured news-graph provider.
type NewsGraphConfig struct {
	Endpoint        string
	APIKey          string
	Language        string
	IncludeArticles bool
	IncludeEvents   bool
	IncludeTrending bool
}

// NewsGraphCollector pulls articles, aggregated events and trending concepts.
type NewsGraphCollector struct {
	*base
	cfg NewsGraphConfig
}

var _ source.Collector = (*NewsGraphCollector)(nil)

// NewNewsGraphCollector wires the news-graph client.
func NewNewsGraphCollector(cfg NewsGraphConfig, client *http.Client, gov *governor.Governor, logger *slog.Logger) *NewsGraphCollector {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if !cfg.IncludeArticles && !cfg.IncludeEvents && !cfg.IncludeTrending {
		cfg.IncludeArticles, cfg.IncludeEvents, cfg.IncludeTrending = true, true, true
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &NewsGraphCollector{
		base: newBase("newsgraph", "newsgraph", client, gov, logger),
		cfg:  cfg,
	}
}

func (n *NewsGraphCollector) Primary() bool { return false }

// DateRange bounds a news-graph query, formatted as YYYY-MM-DD.
type DateRange struct {
	Start string
	End   string
}

// Collect queries each enabled endpoint per keyword. Trending concepts are fetched once per run.
func (n *NewsGraphCollector) Collect(ctx context.Context, q source.Query) ([]domain.RawItem, error) {
	if n.cfg.APIKey == "" {
		n.disabled("NEWSGRAPH_API_KEY is not set")
		return nil, nil
	}

	now := n.now().UTC()
	dates := DateRange{Start: n.windowStart(q.RecencyDays).Format("2006-01-02"), End: now.Format("2006-01-02")}
	limit := maxResults(q)

	items, err := n.fanOut(ctx, q, func(ctx context.Context, kq source.KeywordQuery) ([]domain.RawItem, error) {
		var out []domain.RawItem
		if n.cfg.IncludeArticles {
			articles, err := n.SearchArticles(ctx, kq.Keyword, dates, limit)
			if err != nil {
				return nil, err
			}
			for _, a := range articles {
				a.Category = kq.Category
				out = append(out, a)
			}
		}
		if n.cfg.IncludeEvents {
			events, err := n.SearchEvents(ctx, kq.Keyword, dates, limit)
			if err != nil {
				return nil, err
			}
			for _, e := range events {
				e.Category = kq.Category
				out = append(out, e)
			}
		}
		return out, nil
	})
	if err != nil {
		n.logger.Warn("news graph search failed", "error", err)
	}

	if n.cfg.IncludeTrending && len(q.Topics) > 0 {
		trending, terr := governor.Call(ctx, n.gov, n.api, func(ctx context.Context) ([]domain.TrendingConcept, error) {
			return n.GetTrendingConcepts(ctx, dates, limit)
		})
		if terr != nil {
			n.logger.Warn("trending concepts failed", "error", terr)
		}
		topics := newTopicMatcher(q.Topics)
		observed := now.Format(time.RFC3339)
		for _, t := range trending {
			if !topics.matches(t.Label) {
				continue
			}
			t.Category = topics.categoryFor(t.Label, defaultFeedCategory)
			t.ObservedAt = observed
			items = append(items, t)
		}
	}

	return unionByID(items, graphID), nil
}

func graphID(r domain.RawItem) string {
	switch v := r.(type) {
	case domain.GraphArticle:
		return "a:" + v.URI
	case domain.GraphEvent:
		return "e:" + v.URI
	case domain.TrendingConcept:
		return "t:" + v.URI
	}
	return ""
}

type graphRequest struct {
	APIKey           string `json:"apiKey"`
	Keyword          string `json:"keyword,omitempty"`
	Lang             string `json:"lang"`
	DateStart        string `json:"dateStart"`
	DateEnd          string `json:"dateEnd"`
	Count            int    `json:"count"`
	SortBy           string `json:"sortBy,omitempty"`
	IncludeConcepts  bool   `json:"includeConcepts"`
	IncludeSentiment bool   `json:"includeSentiment"`
}

// localized is a label the provider returns per language code.
type localized map[string]string

func (l localized) pick(lang string) string {
	if v, ok := l[lang]; ok && v != "" {
		return v
	}
	if v, ok := l["eng"]; ok && v != "" {
		return v
	}
	for _, v := range l {
		if v != "" {
			return v
		}
	}
	return ""
}

// UnmarshalJSON accepts both a plain string and a per-language object.
func (l *localized) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*l = localized{"eng": plain}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*l = m
	return nil
}

type graphConcept struct {
	URI   string    `json:"uri"`
	Label localized `json:"label"`
	Score float64   `json:"score"`
	Type  string    `json:"type"`
}

type graphSource struct {
	Title string `json:"title"`
}

type graphAuthor struct {
	Name string `json:"name"`
}

type graphArticlesResponse struct {
	Articles struct {
		Results []struct {
			URI       string         `json:"uri"`
			Title     string         `json:"title"`
			Body      string         `json:"body"`
			URL       string         `json:"url"`
			DateTime  string         `json:"dateTime"`
			Date      string         `json:"date"`
			Lang      string         `json:"lang"`
			Source    graphSource    `json:"source"`
			Authors   []graphAuthor  `json:"authors"`
			Concepts  []graphConcept `json:"concepts"`
			Sentiment *float64       `json:"sentiment"`
		} `json:"results"`
	} `json:"articles"`
}

type graphEventsResponse struct {
	Events struct {
		Results []struct {
			URI               string         `json:"uri"`
			Title             localized      `json:"title"`
			Summary           localized      `json:"summary"`
			EventDate         string         `json:"eventDate"`
			TotalArticleCount int            `json:"totalArticleCount"`
			Concepts          []graphConcept `json:"concepts"`
			Sentiment         *float64       `json:"sentiment"`
		} `json:"results"`
	} `json:"events"`
}

type graphTrendsResponse struct {
	Trending []struct {
		URI           string    `json:"uri"`
		Label         localized `json:"label"`
		Type          string    `json:"type"`
		TrendingScore float64   `json:"trendingScore"`
		ArticleCount  int       `json:"articleCount"`
	} `json:"trendingConcepts"`
}

// SearchArticles returns single articles matching keyword within dates.
func (n *NewsGraphCollector) SearchArticles(ctx context.Context, keyword string, dates DateRange, limit int) ([]domain.GraphArticle, error) {
	var resp graphArticlesResponse
	if err := n.post(ctx, "/api/v1/article/getArticles", n.request(keyword, dates, limit, "date"), &resp); err != nil {
		return nil, err
	}

	out := make([]domain.GraphArticle, 0, len(resp.Articles.Results))
	for _, a := range resp.Articles.Results {
		authors := make([]string, 0, len(a.Authors))
		for _, au := range a.Authors {
			if au.Name != "" {
				authors = append(authors, au.Name)
			}
		}
		out = append(out, domain.GraphArticle{
			URI:       a.URI,
			Title:     a.Title,
			Body:      a.Body,
			URL:       a.URL,
			DateTime:  a.DateTime,
			Date:      a.Date,
			Language:  a.Lang,
			Source:    a.Source.Title,
			Authors:   authors,
			Concepts:  n.concepts(a.Concepts),
			Sentiment: a.Sentiment,
		})
	}
	return out, nil
}

// SearchEvents returns aggregated events matching keyword within dates.
func (n *NewsGraphCollector) SearchEvents(ctx context.Context, keyword string, dates DateRange, limit int) ([]domain.GraphEvent, error) {
	var resp graphEventsResponse
	if err := n.post(ctx, "/api/v1/event/getEvents", n.request(keyword, dates, limit, "size"), &resp); err != nil {
		return nil, err
	}

	out := make([]domain.GraphEvent, 0, len(resp.Events.Results))
	for _, e := range resp.Events.Results {
		out = append(out, domain.GraphEvent{
			URI:               e.URI,
			Title:             e.Title.pick(n.cfg.Language),
			Summary:           e.Summary.pick(n.cfg.Language),
			EventDate:         e.EventDate,
			TotalArticleCount: e.TotalArticleCount,
			Concepts:          n.concepts(e.Concepts),
			Sentiment:         e.Sentiment,
			Language:          n.cfg.Language,
		})
	}
	return out, nil
}

// GetTrendingConcepts returns the concepts currently trending across the provider.
func (n *NewsGraphCollector) GetTrendingConcepts(ctx context.Context, dates DateRange, limit int) ([]domain.TrendingConcept, error) {
	var resp graphTrendsResponse
	if err := n.post(ctx, "/api/v1/trends/getConceptTrends", n.request("", dates, limit, ""), &resp); err != nil {
		return nil, err
	}

	out := make([]domain.TrendingConcept, 0, len(resp.Trending))
	for _, t := range resp.Trending {
		out = append(out, domain.TrendingConcept{
			URI:           t.URI,
			Label:         t.Label.pick(n.cfg.Language),
			Type:          t.Type,
			TrendingScore: t.TrendingScore,
			ArticleCount:  t.ArticleCount,
		})
	}
	return out, nil
}

func (n *NewsGraphCollector) request(keyword string, dates DateRange, limit int, sortBy string) graphRequest {
	return graphRequest{
		APIKey:           n.cfg.APIKey,
		Keyword:          keyword,
		Lang:             n.cfg.Language,
		DateStart:        dates.Start,
		DateEnd:          dates.End,
		Count:            limit,
		SortBy:           sortBy,
		IncludeConcepts:  true,
		IncludeSentiment: true,
	}
}

func (n *NewsGraphCollector) concepts(in []graphConcept) []domain.GraphConcept {
	out := make([]domain.GraphConcept, 0, len(in))
	for _, c := range in {
		out = append(out, domain.GraphConcept{
			URI:   c.URI,
			Label: c.Label.pick(n.cfg.Language),
			Score: c.Score,
			Type:  c.Type,
		})
	}
	return out
}

func (n *NewsGraphCollector) post(ctx context.Context, path string, body graphRequest, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return governor.Permanent(fmt.Errorf("encode %s request: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return governor.Permanent(fmt.Errorf("build %s request: %w", path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	return n.doJSON(req, out)
}
