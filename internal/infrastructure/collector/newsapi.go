package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/source"
)

// NewsAPIConfig describes the legacy headline API. It stays off unless Enabled is set.
type NewsAPIConfig struct {
	Endpoint string
	APIKey   string
	Enabled  bool
	Language string
}

// NewsAPICollector is the opt-in legacy headline collector.
type NewsAPICollector struct {
	*base
	cfg NewsAPIConfig
}

var _ source.Collector = (*NewsAPICollector)(nil)

// NewNewsAPICollector wires the headline API client.
func NewNewsAPICollector(cfg NewsAPIConfig, client *http.Client, gov *governor.Governor, logger *slog.Logger) *NewsAPICollector {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &NewsAPICollector{
		base: newBase("newsapi", "newsapi", client, gov, logger),
		cfg:  cfg,
	}
}

func (c *NewsAPICollector) Primary() bool { return false }

// Collect requires both the explicit opt-in flag and a key.
func (c *NewsAPICollector) Collect(ctx context.Context, q source.Query) ([]domain.RawItem, error) {
	switch {
	case !c.cfg.Enabled:
		c.disabled("ENABLE_NEWSAPI is not set")
		return nil, nil
	case c.cfg.APIKey == "":
		c.disabled("NEWSAPI_API_KEY is not set")
		return nil, nil
	}

	start := c.windowStart(q.RecencyDays)
	items, err := c.fanOut(ctx, q, func(ctx context.Context, kq source.KeywordQuery) ([]domain.RawItem, error) {
		params := url.Values{}
		params.Set("q", kq.Keyword)
		params.Set("from", start.Format("2006-01-02"))
		params.Set("sortBy", "publishedAt")
		params.Set("language", c.cfg.Language)
		params.Set("pageSize", strconv.Itoa(maxResults(q)))

		headlines, err := c.everything(ctx, params)
		if err != nil {
			return nil, err
		}
		out := make([]domain.RawItem, 0, len(headlines))
		for _, h := range headlines {
			if !withinWindow(h.PublishedAt, start) || h.Title == "[Removed]" {
				continue
			}
			h.Category = kq.Category
			out = append(out, h)
		}
		return out, nil
	})
	if err != nil {
		c.logger.Warn("headline search failed", "error", err)
	}
	return unionByID(items, func(r domain.RawItem) string { return r.(domain.Headline).URL }), nil
}

type headlineSource struct {
	Name string `json:"name"`
}

type headlinesResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source      headlineSource `json:"source"`
		Author      string         `json:"author"`
		Title       string         `json:"title"`
		Description string         `json:"description"`
		URL         string         `json:"url"`
		PublishedAt string         `json:"publishedAt"`
		Content     string         `json:"content"`
	} `json:"articles"`
}

func (c *NewsAPICollector) everything(ctx context.Context, params url.Values) ([]domain.Headline, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/v2/everything?"+params.Encode(), nil)
	if err != nil {
		return nil, governor.Permanent(fmt.Errorf("build headline request: %w", err))
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	var resp headlinesResponse
	if err := c.doJSON(req, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		if resp.Code == "rateLimited" {
			return nil, &governor.RateLimitError{API: c.api, Err: errors.New(resp.Message)}
		}
		return nil, governor.Permanent(fmt.Errorf("headline api %s: %s", resp.Code, resp.Message))
	}

	out := make([]domain.Headline, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		out = append(out, domain.Headline{
			SourceName:  a.Source.Name,
			Author:      a.Author,
			Title:       a.Title,
			Description: a.Description,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Content:     a.Content,
		})
	}
	return out, nil
}
