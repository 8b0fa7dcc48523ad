package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/source"
	"IntelScanner/internal/triage"
)

const defaultFeedCategory = "general"

// FeedSource is one configured syndicated feed.
type FeedSource struct {
	Name     string
	URL      string
	Category string
}

// FeedCollector pulls RSS/Atom/JSON feeds with gofeed.
type FeedCollector struct {
	*base
	feeds []FeedSource
}

var _ source.Collector = (*FeedCollector)(nil)

// NewFeedCollector wires the feed list; feeds need no credentials.
func NewFeedCollector(feeds []FeedSource, client *http.Client, gov *governor.Governor, logger *slog.Logger) *FeedCollector {
	return &FeedCollector{
		base:  newBase("feed", "feed", client, gov, logger),
		feeds: feeds,
	}
}

func (f *FeedCollector) Primary() bool { return false }

// Collect fetches every feed concurrently. A broken feed is logged and skipped.
func (f *FeedCollector) Collect(ctx context.Context, q source.Query) ([]domain.RawItem, error) {
	if len(f.feeds) == 0 {
		f.disabled("no feeds configured")
		return nil, nil
	}

	start := f.windowStart(q.RecencyDays)
	topics := newTopicMatcher(q.Topics)

	outcome, err := governor.RunAll(ctx, f.gov, f.api, f.feeds, func(ctx context.Context, src FeedSource) ([]domain.RawItem, error) {
		entries, err := f.fetchFeed(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		out := make([]domain.RawItem, 0, len(entries))
		for _, e := range entries {
			if !withinWindow(e.Published, start) {
				continue
			}
			e.Category = src.Category
			if e.Category == "" {
				e.Category = topics.categoryFor(e.Title+" "+e.Description, defaultFeedCategory)
			}
			out = append(out, e)
		}
		return out, nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	for _, failure := range outcome.Failures {
		f.logger.Warn("feed skipped", "feed", failure.Item.Name, "url", failure.Item.URL, "error", failure.Err)
	}

	var items []domain.RawItem
	for _, batch := range outcome.Results {
		items = append(items, batch...)
	}
	return unionByID(items, func(r domain.RawItem) string {
		e := r.(domain.FeedEntry)
		if e.GUID != "" {
			return e.GUID
		}
		return e.Link
	}), nil
}

// fetchFeed parses one feed URL. Items without link, title or date are skipped.
func (f *FeedCollector) fetchFeed(ctx context.Context, feedURL string) ([]domain.FeedEntry, error) {
	fp := gofeed.NewParser()
	fp.Client = f.client
	fp.UserAgent = userAgent

	feed, err := fp.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			resp := &http.Response{StatusCode: httpErr.StatusCode, Status: httpErr.Status, Header: http.Header{}}
			return nil, governor.NewStatusError(f.api, resp, "")
		}
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	entries := make([]domain.FeedEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || strings.TrimSpace(item.Link) == "" || strings.TrimSpace(item.Title) == "" {
			continue
		}
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		if published == nil {
			continue
		}

		entry := domain.FeedEntry{
			FeedURL:     feedURL,
			FeedTitle:   feed.Title,
			GUID:        item.GUID,
			Title:       item.Title,
			Description: item.Description,
			Content:     item.Content,
			Link:        item.Link,
			Published:   published.UTC().Format(time.RFC3339),
			Categories:  item.Categories,
			Language:    feedLanguage(feed.Language),
		}
		if item.Author != nil {
			entry.Author = item.Author.Name
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// feedLanguage reduces tags like "en-us" to "en".
func feedLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}

// topicMatcher assigns a category by keyword when a source has none.
type topicMatcher struct {
	categories []string
	vocab      []triage.Vocabulary
}

func newTopicMatcher(topics []source.Topic) topicMatcher {
	m := topicMatcher{}
	for _, t := range topics {
		m.categories = append(m.categories, t.Category)
		m.vocab = append(m.vocab, triage.NewVocabulary(t.Keywords))
	}
	return m
}

func (m topicMatcher) categoryFor(text, fallback string) string {
	for i, v := range m.vocab {
		if v.MatchText(text) {
			return m.categories[i]
		}
	}
	return fallback
}

func (m topicMatcher) matches(text string) bool {
	for _, v := range m.vocab {
		if v.MatchText(text) {
			return true
		}
	}
	return false
}
