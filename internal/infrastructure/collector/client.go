package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/source"
	"IntelScanner/internal/triage"
)

const (
	userAgent       = "IntelScanner/1.0"
	maxErrorBody    = 512
	defaultTimeout  = 10 * time.Second
	defaultRecency  = 7
	defaultMaxItems = 20
)

// base carries the collaborators every collector shares.
type base struct {
	name   string
	api    string
	client *http.Client
	gov    *governor.Governor
	logger *slog.Logger
	now    func() time.Time

	warnOnce sync.Once
}

func newBase(name, api string, client *http.Client, gov *governor.Governor, logger *slog.Logger) *base {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &base{
		name:   name,
		api:    api,
		client: client,
		gov:    gov,
		logger: logger.With("component", "collector", "collector", name),
		now:    time.Now,
	}
}

// Name identifies the collector inside the registry.
func (b *base) Name() string { return b.name }

// disabled logs the missing-credential notice once per process.
func (b *base) disabled(reason string) {
	b.warnOnce.Do(func() {
		b.logger.Warn("collector disabled", "reason", reason)
	})
}

// fanOut runs one request per keyword through the governor and unions the results.
// Failed keywords are logged and skipped; the returned error is set only when all failed.
func (b *base) fanOut(ctx context.Context, q source.Query, fetch func(ctx context.Context, kq source.KeywordQuery) ([]domain.RawItem, error)) ([]domain.RawItem, error) {
	keywords := q.Keywords()
	if len(keywords) == 0 {
		return nil, nil
	}

	outcome, err := governor.RunAll(ctx, b.gov, b.api, keywords, fetch, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	for _, f := range outcome.Failures {
		b.logger.Warn("keyword query failed", "keyword", f.Item.Keyword, "category", f.Item.Category, "error", f.Err)
	}

	var items []domain.RawItem
	for _, batch := range outcome.Results {
		items = append(items, batch...)
	}
	if outcome.Succeeded == 0 && len(outcome.Failures) > 0 {
		return items, fmt.Errorf("%s: all %d queries failed: %w", b.name, len(outcome.Failures), outcome.Failures[0].Err)
	}
	return items, nil
}

// doJSON sends req and decodes a JSON body into out. Non-2xx responses become
// governor.StatusError so the retry policy can classify them.
func (b *base) doJSON(req *http.Request, out any) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", b.api, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return governor.NewStatusError(b.api, resp, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", b.api, err)
	}
	return nil
}

// windowStart returns the lower bound of the recency window.
func (b *base) windowStart(days int) time.Time {
	if days <= 0 {
		days = defaultRecency
	}
	return b.now().UTC().AddDate(0, 0, -days)
}

// withinWindow keeps items with an unparseable date; the normalizer drops those.
func withinWindow(published string, start time.Time) bool {
	t, err := triage.ParseTimestamp(published)
	if err != nil {
		return true
	}
	return !t.Before(start)
}

// unionByID keeps the first item for every provider ID.
func unionByID(items []domain.RawItem, id func(domain.RawItem) string) []domain.RawItem {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, item := range items {
		key := id(item)
		if key == "" {
			out = append(out, item)
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func maxResults(q source.Query) int {
	if q.MaxResults <= 0 {
		return defaultMaxItems
	}
	return q.MaxResults
}
