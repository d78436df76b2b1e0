package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nfaudit/pkg/platform/sentinel"
)

// HTTPClient talks to a retrieval service exposing POST {base}/search.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	filters map[string]string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient swaps the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithFilters sends metadata filters with every search.
func WithFilters(f map[string]string) HTTPOption {
	return func(h *HTTPClient) {
		h.filters = f
	}
}

// NewHTTPClient builds a client for baseURL. timeout bounds each request.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...HTTPOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("retrieval base URL is required")
	}
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type searchRequest struct {
	Query   string            `json:"query"`
	TopK    int               `json:"top_k"`
	Filters map[string]string `json:"filters"`
}

type searchResponse struct {
	Documents []struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
		Score    float64        `json:"score"`
	} `json:"documents"`
}

// Retrieve implements Retriever.
func (h *HTTPClient) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	filters := h.filters
	if filters == nil {
		filters = map[string]string{}
	}
	body, err := json.Marshal(searchRequest{Query: query, TopK: k, Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned %d: %s: %w", resp.StatusCode, bytes.TrimSpace(snippet), sentinel.ErrUnavailable)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	passages := make([]Passage, 0, len(out.Documents))
	for _, doc := range out.Documents {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		p := Passage{Content: doc.Content, Score: doc.Score}
		if len(doc.Metadata) > 0 {
			p.Meta = make(map[string]string, len(doc.Metadata))
			for key, v := range doc.Metadata {
				p.Meta[key] = fmt.Sprint(v)
			}
			p.Source = p.Meta["source"]
		}
		passages = append(passages, p)
	}
	if k > 0 && len(passages) > k {
		passages = passages[:k]
	}
	return passages, nil
}
