package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type crossEncoder struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewCrossEncoder talks to a Jina/Cohere style POST {endpoint}/rerank API.
func NewCrossEncoder(endpoint, apiKey string, timeout time.Duration) IBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &crossEncoder{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *crossEncoder) Name() string {
	return "cross_encoder"
}

func (c *crossEncoder) Score(ctx context.Context, model, query string, docs []string) ([]float64, error) {
	url := c.endpoint
	if !strings.HasSuffix(url, "/rerank") {
		url += "/rerank"
	}
	data, err := json.Marshal(rerankRequest{Model: model, Query: query, Documents: docs, TopN: len(docs)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(docs) {
		return nil, fmt.Errorf("rerank returned %d results for %d documents", len(out.Results), len(docs))
	}
	scores := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, item := range out.Results {
		if item.Index < 0 || item.Index >= len(docs) || seen[item.Index] {
			return nil, fmt.Errorf("rerank returned bad index %d", item.Index)
		}
		seen[item.Index] = true
		scores[item.Index] = item.RelevanceScore
	}
	return scores, nil
}
