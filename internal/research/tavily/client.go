// Package tavily enriches topics with web search results from the Tavily API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// DefaultEndpoint is the public search endpoint.
const DefaultEndpoint = "https://api.tavily.com/search"

// Waiter shapes outbound calls.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the client.
type Config struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	// Topic is "general" or "news".
	Topic   string
	Timeout time.Duration
}

// Client implements publishing.ResearchEnricher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 5
	}
	if cfg.Topic == "" {
		cfg.Topic = "news"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type searchRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth,omitempty"`
	Topic         string `json:"topic,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	IncludeAnswer bool   `json:"include_answer,omitempty"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer"`
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Research searches for topic and returns the answer plus ranked sources.
func (c *Client) Research(ctx context.Context, topic string) (publishing.ResearchBundle, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return publishing.ResearchBundle{}, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.cfg.Endpoint); err != nil {
			return publishing.ResearchBundle{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	resp, err := c.search(ctx, searchRequest{
		Query:         topic,
		SearchDepth:   "basic",
		Topic:         c.cfg.Topic,
		MaxResults:    c.cfg.MaxResults,
		IncludeAnswer: true,
	})
	if err != nil {
		return publishing.ResearchBundle{}, err
	}

	bundle := publishing.ResearchBundle{Topic: topic, Summary: strings.TrimSpace(resp.Answer)}
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		bundle.Sources = append(bundle.Sources, publishing.Source{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	c.logger.Debug("research complete", zap.String("topic", topic), zap.Int("sources", len(bundle.Sources)))
	return bundle, nil
}

func (c *Client) search(ctx context.Context, req searchRequest) (*searchResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tavily request: %w", ctx.Err())
		}
		return nil, publishing.Transient("tavily search", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, publishing.Transient("tavily search", fmt.Errorf("read body: %w", err))
	}
	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, publishing.Transient("tavily search", fmt.Errorf("status %d: %s", res.StatusCode, truncate(body)))
	default:
		return nil, fmt.Errorf("tavily api error (status %d): %s", res.StatusCode, truncate(body))
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}

func truncate(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
