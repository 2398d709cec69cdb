package drcalc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/drlist"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
)

const (
	refreshInterval = 2 * time.Second
	warmKeysLimit   = 120
	// Entries this close to expiry are refreshed proactively.
	refreshMargin = time.Second
)

// Failure modes the handler maps onto status codes.
var (
	ErrEmptyBoard          = errors.New("dr board is empty")
	ErrNoMatch             = errors.New("no matching dr")
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

type cacheEntry struct {
	value     float64
	expiresAt time.Time
}

// Service resolves DR series to scanner tickers and serves their close
// prices through a short-TTL cache with a warm-key background refresher.
type Service struct {
	drList *drlist.Client
	tv     *tradingview.Client
	ttl    time.Duration
	log    zerolog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
	warm  map[string]time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewService creates a DR calculation service. ttl is the close-price
// cache lifetime.
func NewService(drList *drlist.Client, tv *tradingview.Client, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Service{
		drList: drList,
		tv:     tv,
		ttl:    ttl,
		log:    log.With().Str("service", "drcalc").Logger(),
		cache:  make(map[string]cacheEntry),
		warm:   make(map[string]time.Time),
	}
}

// Calculate resolves one DR series and returns its computed THB price
// together with every input that produced it.
func (s *Service) Calculate(ctx context.Context, drSymbol string) (*Result, error) {
	records, err := s.drList.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dr board: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyBoard
	}

	boardMap := buildUnderlyingTVMap(records)

	rec, err := pickRow(records, drSymbol)
	if err != nil {
		return nil, err
	}

	tvSymbol, currency, err := resolveTVSymbol(rec, boardMap)
	if err != nil {
		return nil, err
	}

	pair, ok := fxPairByCurrency[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}

	underlyingPrice, err := s.price(ctx, "U", tvSymbol)
	if err != nil {
		// The board code is not always the scanner symbol; most US names
		// carry the real ticker in parentheses, e.g. "WALT DISNEY CO (DIS)".
		alt, ok := altSymbolFromName(rec)
		if !ok {
			return nil, err
		}
		underlyingPrice, err = s.price(ctx, "U", alt)
		if err != nil {
			return nil, err
		}
		tvSymbol = alt
	}

	fxRate, err := s.price(ctx, "F", "FX_IDC:"+pair)
	if err != nil {
		return nil, err
	}

	result := &Result{
		DRSymbol:        drSymbol,
		MatchedSymbol:   rec.Symbol,
		TVSymbol:        tvSymbol,
		Currency:        currency,
		FXPair:          pair,
		FXRate:          round(fxRate, 6),
		UnderlyingPrice: round(underlyingPrice, 2),
		Exchange:        rec.UnderlyingExchange,
		Underlying:      rec.Underlying,
		UnderlyingName:  rec.UnderlyingName,
		Cache:           s.cacheStats(),
	}

	if ratio := conversionRatio(rec); ratio > 0 {
		price := round(underlyingPrice*fxRate/ratio, 4)
		result.Ratio = ratio
		result.ComputedPrice = &price
	}

	return result, nil
}

// Run refreshes warm keys that are about to expire until ctx is
// cancelled, so hot symbols answer from cache even at a 5s TTL.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().Dur("interval", refreshInterval).Msg("Price refresher started")

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Price refresher stopped")
			return
		case <-ticker.C:
			s.refreshWarmKeys(ctx)
		}
	}
}

// refreshWarmKeys re-fetches every warm key whose cache entry is missing
// or near expiry, newest interest first. Failures are retried next tick.
func (s *Service) refreshWarmKeys(ctx context.Context) {
	for _, key := range s.warmKeysByRecency() {
		if ctx.Err() != nil {
			return
		}
		if !s.nearExpiry(key) {
			continue
		}

		_, ticker, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}

		val, err := s.tv.ScanClose(ctx, ticker)
		if err != nil {
			s.log.Debug().Err(err).Str("ticker", ticker).Msg("Warm refresh failed")
			continue
		}
		s.setCached(key, val)
	}
}

// price returns the cached close for a scanner ticker, fetching through
// singleflight on a miss. kind is "U" for underliers, "F" for FX.
func (s *Service) price(ctx context.Context, kind, ticker string) (float64, error) {
	key := kind + "|" + ticker
	s.markWarm(key)

	if v, ok := s.cachedValue(key); ok {
		s.hits.Add(1)
		return v, nil
	}
	s.misses.Add(1)

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		val, err := s.tv.ScanClose(ctx, ticker)
		if err != nil {
			return nil, err
		}
		s.setCached(key, val)
		return val, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (s *Service) cachedValue(key string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.value, true
}

func (s *Service) setCached(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(s.ttl)}
}

// markWarm records interest in a key for the background refresher and
// evicts the oldest keys beyond the warm limit.
func (s *Service) markWarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.warm[key] = time.Now()
	if len(s.warm) <= warmKeysLimit {
		return
	}

	keys := make([]string, 0, len(s.warm))
	for k := range s.warm {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.warm[keys[i]].Before(s.warm[keys[j]])
	})
	for _, k := range keys[:len(keys)-warmKeysLimit] {
		delete(s.warm, k)
	}
}

func (s *Service) nearExpiry(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	return !ok || time.Until(entry.expiresAt) < refreshMargin
}

func (s *Service) warmKeysByRecency() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.warm))
	for k := range s.warm {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.warm[keys[i]].After(s.warm[keys[j]])
	})
	if len(keys) > warmKeysLimit {
		keys = keys[:warmKeysLimit]
	}
	return keys
}

// cacheStats snapshots the counters for response metadata.
func (s *Service) cacheStats() CacheStats {
	return CacheStats{
		Hits:               s.hits.Load(),
		Misses:             s.misses.Load(),
		TTLSeconds:         int(s.ttl / time.Second),
		RefreshIntervalSec: int(refreshInterval / time.Second),
	}
}

// pickRow finds the board row for a query: exact DR symbol first, exact
// underlying next, then substring on underlying. When several series
// share an underlying the most liquid open one wins.
func pickRow(records []drlist.Record, query string) (drlist.Record, error) {
	q := norm(query)

	var exactUnderlying, contains []drlist.Record
	for _, r := range records {
		switch {
		case norm(r.Symbol) == q:
			return r, nil
		case norm(r.Underlying) == q:
			exactUnderlying = append(exactUnderlying, r)
		case q != "" && strings.Contains(norm(r.Underlying), q):
			contains = append(contains, r)
		}
	}

	if len(exactUnderlying) > 0 {
		return bestRow(exactUnderlying), nil
	}
	if len(contains) > 0 {
		return bestRow(contains), nil
	}
	return drlist.Record{}, fmt.Errorf("%w: %s", ErrNoMatch, query)
}

// bestRow prefers the series that is open for trading, then the one with
// the most traded value, then volume. Ties keep board order.
func bestRow(rows []drlist.Record) drlist.Record {
	best := rows[0]
	for _, r := range rows[1:] {
		if rowLess(best, r) {
			best = r
		}
	}
	return best
}

func rowLess(a, b drlist.Record) bool {
	aOpen := strings.EqualFold(a.MarketStatus, "open")
	bOpen := strings.EqualFold(b.MarketStatus, "open")
	if aOpen != bOpen {
		return bOpen
	}
	if a.TotalValue != b.TotalValue {
		return a.TotalValue < b.TotalValue
	}
	return a.TotalVolume < b.TotalVolume
}

// resolveTVSymbol maps a board row onto its scanner ticker and currency.
// Hong Kong and Tokyo boards list the numeric code in the name, not the
// underlying field; Tokyo has no non-numeric fallback.
func resolveTVSymbol(rec drlist.Record, boardMap map[string]string) (string, string, error) {
	exchange := rec.UnderlyingExchange
	if exchange == "" {
		return "", "", fmt.Errorf("%w: %s has no underlyingExchange", ErrUnsupportedExchange, rec.Symbol)
	}

	currency, ok := exchangeCurrency[exchange]
	if !ok {
		return "", "", fmt.Errorf("%w: %s (no currency mapping)", ErrUnsupportedExchange, exchange)
	}

	prefix, ok := exchangeTVPrefix[exchange]
	if !ok {
		return "", "", fmt.Errorf("%w: %s (no scanner prefix)", ErrUnsupportedExchange, exchange)
	}

	underlying := strings.TrimSpace(rec.Underlying)
	if underlying == "" {
		return "", "", fmt.Errorf("%w: %s has no underlying", ErrUnsupportedExchange, rec.Symbol)
	}

	switch exchange {
	case hkExchange:
		if code, ok := codeInParens(rec.UnderlyingName); ok {
			underlying = code
		}
	case jpExchange:
		code, ok := codeInParens(rec.UnderlyingName)
		if !ok {
			return "", "", fmt.Errorf("%w: no numeric code in %q", ErrUnsupportedExchange, rec.UnderlyingName)
		}
		underlying = code
	}

	symbol := prefix + ":" + underlying
	if override, ok := tvSymbolOverrides[symbol]; ok {
		symbol = override
	}
	if mapped, ok := boardMap[norm(symbol)]; ok {
		symbol = mapped
	}

	return symbol, currency, nil
}

// buildUnderlyingTVMap indexes the board's own tickers by their
// normalized scanner form, so odd query spellings still resolve to the
// ticker the board itself uses.
func buildUnderlyingTVMap(records []drlist.Record) map[string]string {
	m := make(map[string]string, len(records))
	for _, rec := range records {
		prefix, ok := exchangeTVPrefix[rec.UnderlyingExchange]
		if !ok {
			continue
		}

		underlying := strings.TrimSpace(rec.Underlying)
		if underlying == "" {
			continue
		}

		if rec.UnderlyingExchange == hkExchange || rec.UnderlyingExchange == jpExchange {
			if code, ok := codeInParens(rec.UnderlyingName); ok {
				underlying = code
			}
		}

		ticker := prefix + ":" + underlying
		m[norm(ticker)] = ticker
	}
	return m
}

// altSymbolFromName builds the fallback scanner ticker from the code in
// the board name's parentheses.
func altSymbolFromName(rec drlist.Record) (string, bool) {
	code, ok := codeInParens(rec.UnderlyingName)
	if !ok {
		return "", false
	}
	prefix, ok := exchangeTVPrefix[rec.UnderlyingExchange]
	if !ok {
		return "", false
	}
	symbol := prefix + ":" + code
	if override, ok := tvSymbolOverrides[symbol]; ok {
		symbol = override
	}
	return symbol, true
}

// codeInParens extracts the code from the last parenthesized group of a
// board name, e.g. "WALT DISNEY CO (DIS)" -> "DIS".
func codeInParens(name string) (string, bool) {
	i := strings.LastIndex(name, "(")
	j := strings.LastIndex(name, ")")
	if i == -1 || j == -1 || j <= i {
		return "", false
	}
	code := strings.TrimSpace(name[i+1 : j])
	return code, code != ""
}

// conversionRatio returns DR units per one underlying share, zero when
// the row carries no usable terms. The display string looks like
// "100 : 1"; the numeric field is its reciprocal.
func conversionRatio(rec drlist.Record) float64 {
	if rec.ConversionRatioR > 0 {
		return 1 / rec.ConversionRatioR
	}

	head, _, _ := strings.Cut(rec.ConversionRatio, ":")
	var b strings.Builder
	for _, r := range head {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
