// Package earnings maintains the weekly earnings calendar: a per-market
// TradingView screener scan cached in memory and on disk, diffed on every
// refresh so new releases can be pushed to SSE subscribers.
package earnings

// markets are the screener markets fetched on every refresh.
var markets = []string{
	"america", "hongkong", "japan", "china", "singapore", "vietnam",
	"france", "netherlands", "denmark", "italy", "taiwan", "thailand",
}

// marketDisplayNames maps screener market codes to the bucket names the
// dashboard groups by. Germany is mapped but not scanned; the board lists
// no German DRs right now.
var marketDisplayNames = map[string]string{
	"america":     "US United States",
	"thailand":    "TH Thailand",
	"hongkong":    "HK Hong Kong",
	"japan":       "JP Japan",
	"china":       "CN China",
	"singapore":   "SG Singapore",
	"vietnam":     "VN Vietnam",
	"france":      "FR France",
	"germany":     "DE Germany",
	"netherlands": "NL Netherlands",
	"denmark":     "DK Denmark",
	"italy":       "IT Italy",
	"taiwan":      "TW Taiwan",
}

// countryToMarket maps the two-letter country code of the ?country=
// query parameter onto a screener market code.
var countryToMarket = map[string]string{
	"US": "america",
	"TH": "thailand",
	"HK": "hongkong",
	"JP": "japan",
	"CN": "china",
	"SG": "singapore",
	"VN": "vietnam",
	"FR": "france",
	"DE": "germany",
	"NL": "netherlands",
	"DK": "denmark",
	"IT": "italy",
	"TW": "taiwan",
}

// Item is one calendar row, shaped exactly as the dashboard table reads
// it. Numeric fields stay pointers: the screener reports future releases
// with null actuals and the wire must carry those nulls through.
type Item struct {
	Ticker          string   `json:"ticker"`
	Company         string   `json:"company"`
	MarketCap       *float64 `json:"marketCap"`
	EPSEstimate     *float64 `json:"epsEstimate"`
	EPSReported     *float64 `json:"epsReported"`
	Surprise        *float64 `json:"surprise"`
	PctSurprise     *float64 `json:"pctSurprise"`
	RevenueForecast *float64 `json:"revenueForecast"`
	RevenueActual   *float64 `json:"revenueActual"`
	Date            *float64 `json:"date"`
	Period          *float64 `json:"period"`
	Currency        string   `json:"currency"`
	Exchange        string   `json:"exchange"`
}

// MarketBlock is one display-market bucket of the calendar.
type MarketBlock struct {
	TotalCount int    `json:"totalCount"`
	Data       []Item `json:"data"`
}

// Snapshot is the calendar as served: refresh stamp plus the requested
// market buckets.
type Snapshot struct {
	UpdatedAt string                 `json:"updated_at"`
	Data      map[string]MarketBlock `json:"data"`
}

// RefreshResult summarizes one refresh pass for the manual trigger
// endpoint.
type RefreshResult struct {
	UpdatedAt string
	Markets   []string
	Total     int
	NewCount  int
}

// itemKey identifies an earnings event across refreshes. Only dated items
// participate in diffing; undated rows cannot be compared meaningfully.
type itemKey struct {
	Ticker string
	Date   float64
}
