// Package drlist fetches the DR board from the upstream list API and
// collapses it onto unique underlying instruments.
package drlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const fetchTimeout = 20 * time.Second

// Record is one row of the DR list API. The upstream carries more fields;
// these are the ones symbol resolution, the symbols endpoint and the DR
// price calculator need.
type Record struct {
	Symbol             string `json:"symbol"`
	Name               string `json:"name"`
	Underlying         string `json:"underlying"`
	UnderlyingName     string `json:"underlyingName"`
	UnderlyingExchange string `json:"underlyingExchange"`
	Logo               string `json:"logo"`
	LogoURL            string `json:"logoUrl"`
	Image              string `json:"image"`

	// DR terms and liquidity, used to pick among several DR series on
	// the same underlying and to convert to a THB price.
	ConversionRatio  string  `json:"conversionRatio"`  // display form, e.g. "100 : 1"
	ConversionRatioR float64 `json:"conversionRatioR"` // underlying units per DR
	MarketStatus     string  `json:"marketStatus"`
	TotalValue       float64 `json:"totalValue"`
	TotalVolume      float64 `json:"totalVolume"`
}

// Underlying is one deduplicated underlying instrument derived from the DR
// board. Code is the canonical ticker used as the database key.
type Underlying struct {
	Code     string
	Name     string
	Exchange string
	DRSymbol string
}

// Client talks to the DR list endpoint.
type Client struct {
	client *http.Client
	url    string
	log    zerolog.Logger
}

// New creates a DR list client for the given endpoint URL.
func New(url string, log zerolog.Logger) *Client {
	return &Client{
		client: &http.Client{Timeout: fetchTimeout},
		url:    url,
		log:    log.With().Str("client", "drlist").Logger(),
	}
}

// Fetch downloads the full DR board.
func (c *Client) Fetch(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dr list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dr list returned status %d", resp.StatusCode)
	}

	var payload struct {
		Rows []Record `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode dr list: %w", err)
	}

	c.log.Debug().Int("rows", len(payload.Rows)).Msg("Fetched DR list")
	return payload.Rows, nil
}

// Underlyings collapses DR records onto unique underlying codes, keeping
// first-seen order. Several DR series can reference one underlying; a
// record that carries an exchange wins over one that does not, because the
// exchange drives market assignment downstream.
func Underlyings(records []Record) []Underlying {
	index := make(map[string]int)
	out := make([]Underlying, 0, len(records))

	for _, rec := range records {
		code := rec.Underlying
		if code == "" {
			// Old board entries leave underlying blank; the DR symbol minus
			// its series digits is the convention there.
			code = strings.ReplaceAll(rec.Symbol, "80", "")
			code = strings.ReplaceAll(code, "19", "")
		}
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}

		if i, ok := index[code]; ok {
			if out[i].Exchange == "" && rec.UnderlyingExchange != "" {
				out[i] = Underlying{
					Code:     code,
					Name:     rec.UnderlyingName,
					Exchange: rec.UnderlyingExchange,
					DRSymbol: rec.Symbol,
				}
			}
			continue
		}

		index[code] = len(out)
		out = append(out, Underlying{
			Code:     code,
			Name:     rec.UnderlyingName,
			Exchange: rec.UnderlyingExchange,
			DRSymbol: rec.Symbol,
		})
	}
	return out
}
