package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"IntelScanner/internal/domain"
	"IntelScanner/internal/governor"
	"IntelScanner/internal/ports"
)

const api = "ml"

// Client talks to an external ML service that extracts pressure features.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.FeatureExtractor = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Extract sends the item text and returns the features the pressure scorer consumes.
func (c *Client) Extract(ctx context.Context, item domain.CanonicalItem) (domain.PressureFeatures, error) {
	payload := map[string]any{
		"id":          item.Key().String(),
		"title":       item.Title,
		"text":        item.EnrichmentText(),
		"category":    item.Category,
		"concepts":    item.ConceptLabels(),
		"publishedAt": item.PublishedAt.UTC().Format(time.RFC3339),
	}

	var features domain.PressureFeatures
	if err := c.post(ctx, "/features", payload, &features); err != nil {
		return domain.PressureFeatures{}, err
	}
	return features, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return governor.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return governor.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return fmt.Errorf("unexpected status %s, close body: %v", resp.Status, closeErr)
		}
		return governor.NewStatusError(api, resp, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("decode response: %w", err)
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return nil
}
