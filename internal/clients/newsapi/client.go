// Package newsapi queries the NewsAPI top-headlines endpoint.
package newsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://newsapi.org/v2/top-headlines"

// Article is one raw NewsAPI article.
type Article struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	PublishedAt string `json:"publishedAt"`
	URL         string `json:"url"`
	URLToImage  string `json:"urlToImage"`
}

// Query shapes one top-headlines request.
type Query struct {
	Term     string
	PageSize int
	Language string
	Country  string // two-letter code; defaults to "us"
	Since    time.Time
}

// Client talks to NewsAPI.
type Client struct {
	client  *http.Client
	baseURL string
	key     string
	log     zerolog.Logger
}

// New creates a NewsAPI client. An empty baseURL targets the public API;
// an empty key makes HasKey report false and the news service goes
// straight to the RSS fallback.
func New(baseURL, key string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		key:     key,
		log:     log.With().Str("client", "newsapi").Logger(),
	}
}

// HasKey reports whether the client is configured to make calls.
func (c *Client) HasKey() bool {
	return c.key != ""
}

// TopHeadlines fetches business headlines matching the query, newest first.
func (c *Client) TopHeadlines(ctx context.Context, q Query) ([]Article, error) {
	if c.key == "" {
		return nil, fmt.Errorf("newsapi key not configured")
	}

	params := url.Values{
		"q":        {q.Term},
		"pageSize": {strconv.Itoa(q.PageSize)},
		"sortBy":   {"publishedAt"},
		"apiKey":   {c.key},
		"category": {"business"},
	}
	if q.Country != "" {
		params.Set("country", q.Country)
	} else {
		params.Set("country", "us")
	}
	if q.Language != "" {
		params.Set("language", q.Language)
	}
	if !q.Since.IsZero() {
		params.Set("from", q.Since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call newsapi: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("newsapi returned status %d", resp.StatusCode)
	}

	var payload struct {
		Articles []Article `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode newsapi response: %w", err)
	}

	c.log.Debug().Str("term", q.Term).Int("articles", len(payload.Articles)).Msg("Fetched headlines")
	return payload.Articles, nil
}
