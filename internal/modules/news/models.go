// Package news aggregates per-symbol headlines from NewsAPI with a Google
// News RSS fallback, proxies Finnhub quotes and company news, and serves
// the tracked-symbol list derived from the DR board.
package news

import (
	"sync"
	"time"
)

// Article is the normalized article shape, whichever upstream produced it.
// PublishedAt is an ISO/RFC822 string for NewsAPI and RSS sources and unix
// seconds for Finnhub company news; the dashboard handles both.
type Article struct {
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	PublishedAt interface{} `json:"published_at"`
	Source      string      `json:"source"`
	URL         string      `json:"url"`
	ImageURL    string      `json:"image_url"`
}

// Symbol is one tracked underlying served by /api/symbols.
type Symbol struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	DRSymbol string `json:"dr_symbol,omitempty"`
	Logo     string `json:"logo,omitempty"`
}

// fallbackSymbols keeps the symbols endpoint serving something sensible
// when the DR board is unreachable.
var fallbackSymbols = []Symbol{
	{Symbol: "AAPL", Name: "Apple Inc.", Logo: "https://upload.wikimedia.org/wikipedia/commons/f/fa/Apple_logo_black.svg"},
	{Symbol: "MSFT", Name: "Microsoft Corporation", Logo: "https://upload.wikimedia.org/wikipedia/commons/4/44/Microsoft_logo.svg"},
	{Symbol: "GOOG", Name: "Alphabet Inc.", Logo: "https://upload.wikimedia.org/wikipedia/commons/2/2f/Google_2015_logo.svg"},
	{Symbol: "AMZN", Name: "Amazon.com, Inc.", Logo: "https://upload.wikimedia.org/wikipedia/commons/a/a9/Amazon_logo.svg"},
	{Symbol: "NVDA", Name: "NVIDIA Corporation", Logo: "https://upload.wikimedia.org/wikipedia/commons/2/21/Nvidia_logo.svg"},
	{Symbol: "TSLA", Name: "Tesla, Inc.", Logo: "https://upload.wikimedia.org/wikipedia/commons/e/e8/Tesla_logo.png"},
	{Symbol: "META", Name: "Meta Platforms, Inc.", Logo: "https://upload.wikimedia.org/wikipedia/commons/7/7b/Meta_Platforms_Inc._logo.svg"},
	{Symbol: "BABA", Name: "Alibaba Group Holding Limited", Logo: "https://upload.wikimedia.org/wikipedia/en/8/80/Alibaba-Group-Logo.svg"},
	{Symbol: "NFLX", Name: "Netflix, Inc.", Logo: "https://upload.wikimedia.org/wikipedia/commons/0/08/Netflix_2015_logo.svg"},
	{Symbol: "AMD", Name: "Advanced Micro Devices, Inc.", Logo: "https://upload.wikimedia.org/wikipedia/commons/7/7c/AMD_Logo.svg"},
}

// ttlCache is a small in-process expiring map. Expired entries are
// overwritten on the next set; nothing sweeps them.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
}
