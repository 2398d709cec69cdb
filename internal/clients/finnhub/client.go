// Package finnhub proxies quote, company-profile and company-news lookups
// to the Finnhub REST API behind a shared rate limiter.
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://finnhub.io/api/v1"

// Quote is a normalized Finnhub quote. Pointers survive upstream omissions
// as JSON nulls, which is what the dashboard expects.
type Quote struct {
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	Change    *float64 `json:"change"`
	ChangePct *float64 `json:"change_pct"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	Open      *float64 `json:"open"`
	PrevClose *float64 `json:"prev_close"`
}

// NewsItem is one raw company-news entry. Datetime is unix seconds; the
// wire passes it through unconverted.
type NewsItem struct {
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Datetime int64  `json:"datetime"`
	Source   string `json:"source"`
	URL      string `json:"url"`
	Image    string `json:"image"`
}

// Client talks to Finnhub. All calls wait on one limiter; the free tier
// allows 60 calls a minute.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New creates a Finnhub client. An empty baseURL targets the public API;
// an empty token produces a client whose HasToken reports false, and
// callers fall back to other sources then.
func New(baseURL, token string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		token:   token,
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
		log:     log.With().Str("client", "finnhub").Logger(),
	}
}

// HasToken reports whether the client is configured to make calls.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// Quote fetches the live quote for a symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.ToUpper(symbol)

	var raw struct {
		C  *float64 `json:"c"`
		D  *float64 `json:"d"`
		Dp *float64 `json:"dp"`
		H  *float64 `json:"h"`
		L  *float64 `json:"l"`
		O  *float64 `json:"o"`
		Pc *float64 `json:"pc"`
	}
	if err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &raw); err != nil {
		return nil, err
	}

	return &Quote{
		Symbol:    symbol,
		Price:     raw.C,
		Change:    raw.D,
		ChangePct: raw.Dp,
		High:      raw.H,
		Low:       raw.L,
		Open:      raw.O,
		PrevClose: raw.Pc,
	}, nil
}

// Logo fetches the company logo URL from the profile endpoint. Missing
// profiles return an empty string without error.
func (c *Client) Logo(ctx context.Context, symbol string) (string, error) {
	var raw struct {
		Logo string `json:"logo"`
	}
	err := c.get(ctx, "/stock/profile2", url.Values{"symbol": {strings.ToUpper(symbol)}}, &raw)
	if err != nil {
		return "", err
	}
	return raw.Logo, nil
}

// CompanyNews fetches company news between two dates (Finnhub wants
// YYYY-MM-DD bounds).
func (c *Client) CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]NewsItem, error) {
	params := url.Values{
		"symbol": {strings.ToUpper(symbol)},
		"from":   {from.Format("2006-01-02")},
		"to":     {to.Format("2006-01-02")},
	}
	var items []NewsItem
	if err := c.get(ctx, "/company-news", params, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.token == "" {
		return fmt.Errorf("finnhub token not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	params.Set("token", c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call finnhub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("finnhub %s returned status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode finnhub response: %w", err)
	}
	return nil
}
