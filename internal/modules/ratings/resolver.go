package ratings

import (
	"fmt"
	"regexp"
	"strings"
)

// Resolved is the scanner identity of one DR-list record: the normalized
// underlying ticker, the prefixed scanner symbol and the market code used
// for close-time scheduling.
type Resolved struct {
	Ticker string
	Symbol string
	Market string
}

// Exchange returns the scanner prefix of the symbol, "NASDAQ" for
// "NASDAQ:AAPL". History rows store it next to the market code.
func (r Resolved) Exchange() string {
	if i := strings.IndexByte(r.Symbol, ':'); i > 0 {
		return r.Symbol[:i]
	}
	return r.Symbol
}

// parenTicker extracts the real exchange ticker from names like
// "Apple Inc. (AAPL)". The token must close the string.
var parenTicker = regexp.MustCompile(`\(([A-Z0-9.\-_]+)\)$`)

// marketRule maps exchange-name keywords to a market code. Rules run in
// order; full exchange names come before abbreviations so that e.g.
// "Nasdaq Copenhagen" wins over the bare "NASDAQ" fallback.
type marketRule struct {
	keywords []string
	code     string
}

var fullNameRules = []marketRule{
	{[]string{"euronext amsterdam"}, "NL"},
	{[]string{"euronext milan"}, "IT"},
	{[]string{"euronext paris"}, "FR"},
	{[]string{"nasdaq copenhagen"}, "DK"},
	{[]string{"hochiminh", "ho chi minh", "hanoi", "hnx"}, "VN"},
	{[]string{"shenzhen", "shanghai"}, "CN"},
	{[]string{"singapore exchange", "sgx"}, "SG"},
	{[]string{"taiwan stock exchange"}, "TW"},
	{[]string{"stock exchange of hong kong", "hkex"}, "HK"},
	{[]string{"tokyo stock exchange"}, "JP"},
	{[]string{"nasdaq global select market", "nasdaq stock market", "new york stock exchange", "nyse", "nasdaq"}, "US"},
}

var abbreviationRules = []marketRule{
	{[]string{"COPENHAGEN", "DENMARK", "OMXCOP", "DK"}, "DK"},
	{[]string{"AMSTERDAM", "NETHERLANDS"}, "NL"},
	{[]string{"PARIS", "FRANCE"}, "FR"},
	{[]string{"MILAN", "ITALY", "BORSA ITALIANA"}, "IT"},
	{[]string{"VIET", "VIETNAM", "HOCHIMINH", "HOSE", "HNX", "VN"}, "VN"},
	{[]string{"SHANGHAI", "SSE", "SZSE", "SHENZHEN", "CHINA", "CN"}, "CN"},
	{[]string{"SINGAPORE", "SGX", "SG"}, "SG"},
	{[]string{"TAIWAN", "TWSE", "TW"}, "TW"},
	{[]string{"HONG", "HKEX", "HONG KONG", "HK"}, "HK"},
	{[]string{"TOKYO", "JAPAN", "TSE", "JP"}, "JP"},
	{[]string{"NASDAQ", "NYSE", "NEW YORK", "AMEX", "ARCHIPELAGO", "ARCA"}, "US"},
}

// MarketCode maps a free-form exchange description from the DR list to one
// of the market codes in marketCloseConfig. Unmatched exchanges default to
// US, which is how unlabelled DRs behave in the production data.
func MarketCode(exchange string) string {
	if exchange == "" {
		return "US"
	}
	lower := strings.ToLower(exchange)
	for _, rule := range fullNameRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.code
			}
		}
	}
	upper := strings.ToUpper(exchange)
	for _, rule := range abbreviationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(upper, kw) {
				return rule.code
			}
		}
	}
	return "US"
}

// ResolveSymbol normalizes one DR-list record into a scanner symbol and a
// market code. Records whose ticker cannot satisfy the exchange's listing
// format (HK numeric codes, parenthesized US/Euronext tickers) return a
// validation error; callers skip those tickers, they are not retryable.
func ResolveSymbol(underlying, underlyingName, exchange, drSymbol string) (Resolved, error) {
	ticker := strings.ToUpper(strings.TrimSpace(underlying))
	name := strings.TrimSpace(underlyingName)
	ex := strings.Join(strings.Fields(strings.ToUpper(exchange)), " ")
	dr := strings.ToUpper(strings.TrimSpace(drSymbol))

	realTicker, fromName := normalizeTicker(ticker, name, dr)
	prefix := scannerPrefix(ex, realTicker)

	switch prefix {
	case "OMXCOP":
		realTicker = strings.ReplaceAll(realTicker, "-", "_")
	case "HKEX":
		coerced := strings.TrimLeft(realTicker, "0")
		if !isDigits(coerced) {
			return Resolved{}, fmt.Errorf("resolve %s: hk ticker %q is not a numeric code", ticker, realTicker)
		}
		realTicker = coerced
	case "TWSE":
		if !isDigits(realTicker) {
			return Resolved{}, fmt.Errorf("resolve %s: twse ticker %q is not numeric", ticker, realTicker)
		}
	case "SSE":
		if !isDigits(realTicker) {
			return Resolved{}, fmt.Errorf("resolve %s: sse ticker %q is not numeric", ticker, realTicker)
		}
	case "EURONEXT", "NASDAQ", "NYSE", "AMEX":
		if !fromName {
			return Resolved{}, fmt.Errorf("resolve %s: no parenthesized ticker in name %q", ticker, name)
		}
	}

	return Resolved{
		Ticker: realTicker,
		Symbol: prefix + ":" + realTicker,
		Market: MarketCode(exchange),
	}, nil
}

// normalizeTicker applies the ticker precedence: parenthesized token in the
// name, then the DR symbol with an exactly-two-digit suffix stripped (the
// suffix is the local series number, e.g. AAPL80), then the DR symbol
// itself, then the raw underlying.
func normalizeTicker(underlying, name, drSymbol string) (string, bool) {
	if m := parenTicker.FindStringSubmatch(name); m != nil {
		return m[1], true
	}
	if drSymbol != "" {
		if trailingDigits(drSymbol) == 2 {
			if candidate := drSymbol[:len(drSymbol)-2]; len(candidate) >= 2 {
				return candidate, false
			}
		} else if len(drSymbol) >= 2 {
			return drSymbol, false
		}
	}
	return underlying, false
}

// scannerPrefix picks the scanner exchange prefix for a ticker. Keyword
// chains are checked in the order the production mapping grew in, so
// overlapping keywords (HK before SG and TW, NASDAQ before NEW YORK)
// resolve the same way they always have.
func scannerPrefix(exchange, ticker string) string {
	switch {
	case containsAny(exchange, "MILAN", "MIL"):
		return "MIL"
	case containsAny(exchange, "COPENHAGEN", "OMX"):
		return "OMXCOP"
	case containsAny(exchange, "EURONEXT", "PARIS", "AMSTERDAM", "BRUSSELS", "FRANCE", "NETHERLANDS"):
		return "EURONEXT"
	case containsAny(exchange, "SHANGHAI", "SSE"):
		return "SSE"
	case containsAny(exchange, "SHENZHEN", "SZSE"):
		return "SZSE"
	case containsAny(exchange, "HONG", "HK", "HKEX"):
		return "HKEX"
	case containsAny(exchange, "VIET", "HOCHIMINH", "HOSE", "HNX"):
		return "HOSE"
	case containsAny(exchange, "TOKYO", "JAPAN", "TSE", "JP"):
		return "TSE"
	case containsAny(exchange, "SINGAPORE", "SGX", "SG"):
		return "SGX"
	case containsAny(exchange, "TAIWAN", "TWSE", "TW"):
		return "TWSE"
	case strings.Contains(exchange, "NASDAQ"):
		return "NASDAQ"
	case containsAny(exchange, "NEW YORK", "NYSE", "NY"):
		if containsAny(exchange, "ARCHIPELAGO", "ARCA", "AMEX") {
			return "AMEX"
		}
		return "NYSE"
	case isDigits(ticker):
		// Numeric tickers with no recognisable exchange are HK listings.
		return "HKEX"
	default:
		return "NASDAQ"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func trailingDigits(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		n++
	}
	return n
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
