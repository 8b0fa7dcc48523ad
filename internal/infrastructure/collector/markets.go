package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/source"
	"IntelScanner/internal/triage"
)

// MarketsConfig describes the prediction-market provider.
type MarketsConfig struct {
	Endpoint  string
	APIKey    string
	PageURL   string
	MinVolume float64
	Limit     int
}

// MarketCollector pulls open prediction markets and keeps those matching topic keywords.
type MarketCollector struct {
	*base
	cfg MarketsConfig
}

var _ source.Collector = (*MarketCollector)(nil)

// NewMarketCollector wires the market API client. The API is public; the key is optional.
func NewMarketCollector(cfg MarketsConfig, client *http.Client, gov *governor.Governor, logger *slog.Logger) *MarketCollector {
	if cfg.Limit <= 0 {
		cfg.Limit = 200
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	cfg.PageURL = strings.TrimSuffix(cfg.PageURL, "/")
	return &MarketCollector{
		base: newBase("markets", "markets", client, gov, logger),
		cfg:  cfg,
	}
}

func (m *MarketCollector) Primary() bool { return false }

// Collect fetches the market list once and filters it by keyword, volume and end date.
func (m *MarketCollector) Collect(ctx context.Context, q source.Query) ([]domain.RawItem, error) {
	if m.cfg.Endpoint == "" {
		m.disabled("markets endpoint is not configured")
		return nil, nil
	}
	if len(q.Topics) == 0 {
		return nil, nil
	}

	markets, err := governor.Call(ctx, m.gov, m.api, m.FetchMarkets)
	if err != nil {
		m.logger.Warn("market fetch failed", "error", err)
		return nil, nil
	}

	now := m.now().UTC()
	topics := newTopicMatcher(q.Topics)
	var items []domain.RawItem
	for _, mk := range markets {
		text := mk.Question + " " + strings.Join(mk.Tags, " ")
		if !topics.matches(text) {
			continue
		}
		if mk.Volume < m.cfg.MinVolume {
			continue
		}
		if end, err := triage.ParseTimestamp(mk.EndDate); err == nil && !end.After(now) {
			continue
		}
		mk.Category = topics.categoryFor(text, defaultFeedCategory)
		items = append(items, mk)
	}
	m.logger.Debug("markets filtered", "fetched", len(markets), "kept", len(items))
	return unionByID(items, func(r domain.RawItem) string { return r.(domain.Market).ConditionID }), nil
}

type marketTag struct {
	Label string `json:"label"`
}

type marketRecord struct {
	ConditionID   string      `json:"conditionId"`
	Slug          string      `json:"slug"`
	Question      string      `json:"question"`
	Description   string      `json:"description"`
	Outcomes      flexStrings `json:"outcomes"`
	OutcomePrices flexFloats  `json:"outcomePrices"`
	Volume        flexFloat   `json:"volume"`
	Liquidity     flexFloat   `json:"liquidity"`
	EndDate       string      `json:"endDate"`
	StartDate     string      `json:"startDate"`
	UpdatedAt     string      `json:"updatedAt"`
	Tags          []marketTag `json:"tags"`
}

// FetchMarkets returns the open markets ordered by volume.
func (m *MarketCollector) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("order", "volume")
	params.Set("ascending", "false")
	params.Set("limit", strconv.Itoa(m.cfg.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Endpoint+"/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, governor.Permanent(fmt.Errorf("build markets request: %w", err))
	}
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	var records []marketRecord
	if err := m.doJSON(req, &records); err != nil {
		return nil, err
	}

	out := make([]domain.Market, 0, len(records))
	for _, r := range records {
		if r.ConditionID == "" {
			continue
		}
		tags := make([]string, 0, len(r.Tags))
		for _, t := range r.Tags {
			if t.Label != "" {
				tags = append(tags, t.Label)
			}
		}
		market := domain.Market{
			ConditionID:   r.ConditionID,
			Slug:          r.Slug,
			Question:      r.Question,
			Description:   r.Description,
			Outcomes:      r.Outcomes,
			OutcomePrices: r.OutcomePrices,
			Volume:        float64(r.Volume),
			Liquidity:     float64(r.Liquidity),
			EndDate:       r.EndDate,
			StartDate:     r.StartDate,
			UpdatedAt:     r.UpdatedAt,
			Tags:          tags,
		}
		if m.cfg.PageURL != "" && r.Slug != "" {
			market.URL = m.cfg.PageURL + "/" + r.Slug
		}
		out = append(out, market)
	}
	return out, nil
}

// flexStrings decodes a JSON array or a string holding a JSON array.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	if encoded == "" {
		*f = nil
		return nil
	}
	if err := json.Unmarshal([]byte(encoded), &list); err != nil {
		return fmt.Errorf("decode embedded list: %w", err)
	}
	*f = list
	return nil
}

// flexFloats decodes numbers or numeric strings, either inline or string-encoded.
type flexFloats []float64

func (f *flexFloats) UnmarshalJSON(data []byte) error {
	var raw flexStrings
	if err := json.Unmarshal(data, &raw); err == nil {
		out := make([]float64, 0, len(raw))
		for _, s := range raw {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return fmt.Errorf("decode price %q: %w", s, err)
			}
			out = append(out, v)
		}
		*f = out
		return nil
	}
	var nums []float64
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	*f = nums
	return nil
}

// flexFloat decodes a number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decode number %q: %w", s, err)
	}
	*f = flexFloat(n)
	return nil
}
