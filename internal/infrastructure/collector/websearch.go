package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/source"
)

// WebSearchConfig describes the search provider.
type WebSearchConfig struct {
	Endpoint    string
	APIKey      string
	SearchDepth string
}

// WebSearchCollector queries an intelligent web-search API, one request per keyword.
type WebSearchCollector struct {
	*base
	cfg WebSearchConfig
}

var _ source.Collector = (*WebSearchCollector)(nil)

// NewWebSearchCollector wires the search API client.
func NewWebSearchCollector(cfg WebSearchConfig, client *http.Client, gov *governor.Governor, logger *slog.Logger) *WebSearchCollector {
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = "advanced"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &WebSearchCollector{
		base: newBase("websearch", "websearch", client, gov, logger),
		cfg:  cfg,
	}
}

// Primary marks web search as the source whose outage is alerted on.
func (w *WebSearchCollector) Primary() bool { return true }

// Collect runs one search per keyword and unions the hits by URL.
func (w *WebSearchCollector) Collect(ctx context.Context, q source.Query) ([]domain.RawItem, error) {
	if w.cfg.APIKey == "" {
		w.disabled("WEBSEARCH_API_KEY is not set")
		return nil, nil
	}

	start := w.windowStart(q.RecencyDays)
	items, err := w.fanOut(ctx, q, func(ctx context.Context, kq source.KeywordQuery) ([]domain.RawItem, error) {
		hits, err := w.search(ctx, kq.Keyword, searchOptions{
			MaxResults:  maxResults(q),
			RecencyDays: q.RecencyDays,
			MinScore:    q.MinScore,
		})
		if err != nil {
			return nil, err
		}
		out := make([]domain.RawItem, 0, len(hits))
		for _, h := range hits {
			if !withinWindow(h.PublishedDate, start) {
				continue
			}
			h.Category = kq.Category
			h.Query = kq.Keyword
			out = append(out, h)
		}
		return out, nil
	})
	items = unionByID(items, func(r domain.RawItem) string { return r.(domain.SearchResult).URL })
	if err != nil {
		return items, &source.PrimaryFailureError{Collector: w.Name(), Err: err}
	}
	return items, nil
}

type searchOptions struct {
	MaxResults  int
	RecencyDays int
	MinScore    float64
}

type searchRequest struct {
	Query             string `json:"query"`
	Topic             string `json:"topic"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	Days              int    `json:"days,omitempty"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type searchResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		RawContent    string  `json:"raw_content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
		Author        string  `json:"author"`
	} `json:"results"`
}

// search issues a single provider request. Results under MinScore are dropped.
func (w *WebSearchCollector) search(ctx context.Context, query string, opts searchOptions) ([]domain.SearchResult, error) {
	payload, err := json.Marshal(searchRequest{
		Query:             query,
		Topic:             "news",
		SearchDepth:       w.cfg.SearchDepth,
		MaxResults:        opts.MaxResults,
		Days:              opts.RecencyDays,
		IncludeRawContent: true,
	})
	if err != nil {
		return nil, governor.Permanent(fmt.Errorf("encode search request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, governor.Permanent(fmt.Errorf("build search request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)

	var resp searchResponse
	if err := w.doJSON(req, &resp); err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Score < opts.MinScore {
			continue
		}
		results = append(results, domain.SearchResult{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			RawContent:    r.RawContent,
			Score:         r.Score,
			PublishedDate: r.PublishedDate,
			Author:        r.Author,
		})
	}
	return results, nil
}
