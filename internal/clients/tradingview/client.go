// Package tradingview scrapes the TradingView scanner: per-symbol technical
// ratings, screener close prices and the weekly earnings calendar.
//
// The scanner is an internal browser API, not a published one. Requests
// must look like they come from the TradingView site and the response
// shape drifts, so field lookup falls back to a recursive search.
package tradingview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// fieldList is the fixed per-symbol query. Order does not matter to the
	// scanner but volume must stay in the list; dropping it changes the
	// response variant the scanner serves.
	fieldList = "Recommend.All,Recommend.All|1W,close,change,change_abs,high,low,volume,currency"

	maxAttempts = 3
)

var errRateLimited = errors.New("rate limited")

// Technicals is the scraped state of one symbol: the two recommendation
// values plus last-trade market data. Pointers are nil when the scanner
// omits a field or serves a non-finite value.
type Technicals struct {
	DailyVal  *float64
	WeeklyVal *float64
	Price     *float64
	ChangePct *float64
	ChangeAbs *float64
	High      *float64
	Low       *float64
	Currency  string
}

// ScanRow is one row of a screener scan response.
type ScanRow struct {
	Symbol string        `json:"s"`
	Values []interface{} `json:"d"`
}

// EarningsColumns is the screener column set for the earnings calendar.
// Scan values come back positionally, so consumers index into ScanRow.Values
// through this slice.
var EarningsColumns = []string{
	"logoid", "name", "market_cap_basic", "earnings_per_share_forecast_next_fq",
	"earnings_per_share_fq", "eps_surprise_fq", "eps_surprise_percent_fq",
	"revenue_forecast_next_fq", "revenue_fq", "earnings_release_next_date",
	"earnings_release_next_calendar_date", "earnings_release_next_time",
	"description", "type", "subtype", "update_mode",
	"earnings_per_share_forecast_fq", "revenue_forecast_fq", "earnings_release_date",
	"earnings_release_calendar_date", "earnings_release_time", "currency",
	"fundamental_currency_code", "exchange",
}

// Client talks to the TradingView scanner.
type Client struct {
	client  *http.Client
	baseURL string
	scanURL string
	log     zerolog.Logger
}

// New creates a scanner client. baseURL is the per-symbol endpoint
// (https://scanner.tradingview.com/symbol), scanURL the screener root
// (https://scanner.tradingview.com).
func New(baseURL, scanURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		scanURL: scanURL,
		log:     log.With().Str("client", "tradingview").Logger(),
	}
}

// FetchTechnicals scrapes one symbol with the live-update pacing: a
// 50–500 ms jitter before the first attempt keeps concurrent workers from
// hitting the scanner in lockstep.
func (c *Client) FetchTechnicals(ctx context.Context, symbol string) (*Technicals, error) {
	return c.fetch(ctx, symbol, 50*time.Millisecond, 500*time.Millisecond)
}

// FetchTechnicalsFast is the close-time variant with a shorter 50–200 ms
// jitter; snapshot sweeps are sequential so they need less spreading.
func (c *Client) FetchTechnicalsFast(ctx context.Context, symbol string) (*Technicals, error) {
	return c.fetch(ctx, symbol, 50*time.Millisecond, 200*time.Millisecond)
}

func (c *Client) fetch(ctx context.Context, symbol string, jitterMin, jitterMax time.Duration) (*Technicals, error) {
	if err := sleepCtx(ctx, jitterBetween(jitterMin, jitterMax)); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tech, err := c.fetchOnce(ctx, symbol)
		if err == nil {
			return tech, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt == maxAttempts-1 {
			break
		}
		delay := time.Second
		if errors.Is(err, errRateLimited) {
			delay = time.Duration(2*(1<<uint(attempt))) * time.Second
		}
		c.log.Debug().Str("symbol", symbol).Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying scanner fetch")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", symbol, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, symbol string) (*Technicals, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("fields", fieldList)
	params.Set("no_404", "true")
	params.Set("label-product", "popup-technicals")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setBrowserHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scanner returned status %d", resp.StatusCode)
	}

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parseTechnicals(payload), nil
}

// parseTechnicals extracts the known fields, trying the flat data object
// first and falling back to a tree search.
func parseTechnicals(payload interface{}) *Technicals {
	lookup := func(key string) interface{} {
		if top, ok := payload.(map[string]interface{}); ok {
			if data, ok := top["data"].(map[string]interface{}); ok {
				if v, ok := data[key]; ok && v != nil {
					return v
				}
			}
		}
		return findKey(payload, key)
	}

	t := &Technicals{
		DailyVal:  safeFloat(lookup("Recommend.All")),
		WeeklyVal: safeFloat(lookup("Recommend.All|1W")),
		Price:     safeFloat(lookup("close")),
		ChangePct: safeFloat(lookup("change")),
		ChangeAbs: safeFloat(lookup("change_abs")),
		High:      safeFloat(lookup("high")),
		Low:       safeFloat(lookup("low")),
	}
	if s, ok := findString(lookup("currency")); ok {
		t.Currency = s
	}
	return t
}

// ScanClose fetches the latest close for one prefixed symbol through the
// global screener endpoint. Works for equities and FX_IDC currency pairs.
func (c *Client) ScanClose(ctx context.Context, symbol string) (float64, error) {
	payload := map[string]interface{}{
		"symbols": map[string]interface{}{
			"tickers": []string{symbol},
			"query":   map[string]interface{}{"types": []string{}},
		},
		"columns": []string{"close"},
	}

	var out struct {
		Data []ScanRow `json:"data"`
	}
	if err := c.postScan(ctx, c.scanURL+"/global/scan", payload, &out); err != nil {
		return 0, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Values) == 0 {
		return 0, fmt.Errorf("no close in scan response for %s", symbol)
	}
	f := safeFloat(out.Data[0].Values[0])
	if f == nil {
		return 0, fmt.Errorf("close for %s is not a number", symbol)
	}
	return *f, nil
}

// ScanEarnings pulls one screener market's earnings rows for the
// [startUnix, endUnix) release window. Values map positionally onto
// EarningsColumns.
func (c *Client) ScanEarnings(ctx context.Context, market string, startUnix, endUnix int64) ([]ScanRow, error) {
	payload := map[string]interface{}{
		"filter": []map[string]interface{}{
			{"left": "is_primary", "operation": "equal", "right": true},
			{"left": "earnings_release_date,earnings_release_next_date", "operation": "in_range", "right": []int64{startUnix, endUnix}},
		},
		"options": map[string]interface{}{"lang": "th"},
		"markets": []string{market},
		"columns": EarningsColumns,
		"sort":    map[string]interface{}{"sortBy": "market_cap_basic", "sortOrder": "desc"},
		"range":   []int{0, 300},
	}

	var out struct {
		Data []ScanRow `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/%s/scan?label-product=screener-stock-old", c.scanURL, market)
	if err := c.postScan(ctx, endpoint, payload, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) postScan(ctx context.Context, endpoint string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode scan payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	setBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("scan request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scan returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode scan response: %w", err)
	}
	return nil
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", "https://www.tradingview.com")
	req.Header.Set("Referer", "https://www.tradingview.com/")
	req.Header.Set("Accept", "application/json, text/plain, */*")
}

// findKey does a depth-first search for key anywhere in a decoded JSON
// tree. An exact hit wins even when its value is null; null results read
// as absent at the call site, mirroring how the scraper has always
// treated them.
func findKey(obj interface{}, key string) interface{} {
	switch v := obj.(type) {
	case map[string]interface{}:
		if val, ok := v[key]; ok {
			return val
		}
		for _, child := range v {
			if r := findKey(child, key); r != nil {
				return r
			}
		}
	case []interface{}:
		for _, child := range v {
			if r := findKey(child, key); r != nil {
				return r
			}
		}
	}
	return nil
}

// safeFloat coerces a scanner value to a finite float. The scanner emits
// numbers, numeric strings and NaN for halted symbols; everything
// non-finite or unparseable becomes nil rather than an error.
func safeFloat(v interface{}) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func findString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func jitterBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
