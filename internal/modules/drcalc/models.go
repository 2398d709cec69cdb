// Package drcalc computes live THB fair prices for DR series: the
// underlying close pulled from the scanner, converted through the
// matching FX pair and the DR conversion ratio.
package drcalc

// Exchange names as they appear on the DR board.
const (
	hkExchange = "The Stock Exchange of Hong Kong Limited"
	jpExchange = "Tokyo Stock Exchange"
)

// exchangeCurrency maps the board's underlyingExchange names onto the
// trading currency of the venue.
var exchangeCurrency = map[string]string{
	"The Nasdaq Global Select Market":         "USD",
	"The Nasdaq Stock Market":                 "USD",
	"The New York Stock Exchange":             "USD",
	"The New York Stock Exchange Archipelago": "USD",
	"The Stock Exchange of Hong Kong Limited": "HKD",
	"Nasdaq Copenhagen":                       "DKK",
	"Euronext Amsterdam":                      "EUR",
	"Euronext Paris":                          "EUR",
	"Euronext Milan":                          "EUR",
	"Tokyo Stock Exchange":                    "JPY",
	"Singapore Exchange":                      "SGD",
	"Taiwan Stock Exchange":                   "TWD",
	"Shenzhen Stock Exchange":                 "CNY",
	"Hochiminh Stock Exchange":                "VND",
}

// exchangeTVPrefix maps underlyingExchange names onto TradingView
// exchange prefixes for scanner tickers.
var exchangeTVPrefix = map[string]string{
	"The Nasdaq Global Select Market":         "NASDAQ",
	"The Nasdaq Stock Market":                 "NASDAQ",
	"The New York Stock Exchange":             "NYSE",
	"The New York Stock Exchange Archipelago": "NYSEARCA",
	"The Stock Exchange of Hong Kong Limited": "HKEX",
	"Nasdaq Copenhagen":                       "OMXCOP",
	"Euronext Amsterdam":                      "AMS",
	"Euronext Paris":                          "EPA",
	"Euronext Milan":                          "MIL",
	"Tokyo Stock Exchange":                    "TSE",
	"Singapore Exchange":                      "SGX",
	"Taiwan Stock Exchange":                   "TWSE",
	"Shenzhen Stock Exchange":                 "SZSE",
	"Hochiminh Stock Exchange":                "HOSE",
}

// fxPairByCurrency maps a currency onto the scanner FX pair quoted in
// THB. The map doubles as the supported-currency whitelist.
var fxPairByCurrency = map[string]string{
	"USD": "USDTHB",
	"HKD": "HKDTHB",
	"DKK": "DKKTHB",
	"EUR": "EURTHB",
	"JPY": "JPYTHB",
	"SGD": "SGDTHB",
	"TWD": "TWDTHB",
	"CNY": "CNYTHB",
	"VND": "VNDTHB",
}

// tvSymbolOverrides patches underliers whose board code differs from the
// TradingView symbol. Keyed and valued as "PREFIX:SYMBOL".
var tvSymbolOverrides = map[string]string{}

// Result is the calculation response for one DR series. The board row
// fields keep their upstream camelCase names.
type Result struct {
	DRSymbol        string     `json:"dr_symbol"`
	MatchedSymbol   string     `json:"matched_symbol"`
	TVSymbol        string     `json:"tv_symbol"`
	Currency        string     `json:"currency"`
	FXPair          string     `json:"fx_pair"`
	FXRate          float64    `json:"fx_rate"`
	UnderlyingPrice float64    `json:"underlying_price"`
	Ratio           float64    `json:"ratio,omitempty"`
	ComputedPrice   *float64   `json:"computed_price"`
	Exchange        string     `json:"underlyingExchange"`
	Underlying      string     `json:"underlying"`
	UnderlyingName  string     `json:"underlyingName"`
	Cache           CacheStats `json:"cache"`
}

// CacheStats reports the price cache counters and tuning.
type CacheStats struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	TTLSeconds         int   `json:"ttl_sec"`
	RefreshIntervalSec int   `json:"refresh_interval_sec"`
}
