package earnings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
)

// maxScanConcurrency bounds the market fan-out. The screener tolerates a
// few parallel scans; a full 12-way burst trips its rate limiting.
const maxScanConcurrency = 4

// colIndex maps screener column names onto their position in a scan row.
var colIndex = func() map[string]int {
	m := make(map[string]int, len(tradingview.EarningsColumns))
	for i, name := range tradingview.EarningsColumns {
		m[name] = i
	}
	return m
}()

// Service owns the in-memory calendar and its disk cache.
type Service struct {
	tv        *tradingview.Client
	bus       *events.Bus
	cachePath string
	log       zerolog.Logger

	refreshMu sync.Mutex // serializes refresh passes

	mu        sync.RWMutex
	db        map[string]MarketBlock
	updatedAt string
	prevKeys  map[itemKey]struct{}
}

// NewService creates the earnings service. cachePath is the JSON cache
// file the calendar survives restarts in.
func NewService(tv *tradingview.Client, bus *events.Bus, cachePath string, log zerolog.Logger) *Service {
	return &Service{
		tv:        tv,
		bus:       bus,
		cachePath: cachePath,
		log:       log.With().Str("service", "earnings").Logger(),
		db:        map[string]MarketBlock{},
		updatedAt: "-",
		prevKeys:  map[itemKey]struct{}{},
	}
}

type cacheFile struct {
	Meta struct {
		UpdatedAt string `json:"updated_at"`
	} `json:"meta"`
	Data map[string]MarketBlock `json:"data"`
}

// LoadCache restores the calendar from disk. The loaded state seeds the
// diff baseline so a restart does not re-announce every cached event. A
// missing file is not an error; the first refresh fills it.
func (s *Service) LoadCache() error {
	raw, err := os.ReadFile(s.cachePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read earnings cache: %w", err)
	}

	var cached cacheFile
	if err := json.Unmarshal(raw, &cached); err != nil {
		return fmt.Errorf("failed to parse earnings cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached.Data != nil {
		s.db = cached.Data
	}
	if cached.Meta.UpdatedAt != "" {
		s.updatedAt = cached.Meta.UpdatedAt
	}
	s.prevKeys = keySet(s.db)

	s.log.Info().Int("markets", len(s.db)).Str("updated_at", s.updatedAt).Msg("Loaded earnings cache")
	return nil
}

// Refresh rescans every market for the current week, swaps the calendar,
// persists it and announces events that were not present last pass. A
// market whose scan fails is skipped for this pass; the refresh itself
// only fails when the context dies.
func (s *Service) Refresh(ctx context.Context) (RefreshResult, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	now := time.Now()
	blocks := make([]*MarketBlock, len(markets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxScanConcurrency)
	for i, market := range markets {
		i, market := i, market
		g.Go(func() error {
			start, end := weekRange(market, now)
			rows, err := s.tv.ScanEarnings(gctx, market, start, end)
			if err != nil {
				s.log.Warn().Err(err).Str("market", market).Msg("Earnings scan failed")
				return nil
			}

			items := mapRows(rows, now)
			sortByDate(items)
			if len(items) > 0 {
				blocks[i] = &MarketBlock{TotalCount: len(items), Data: items}
			}
			s.log.Debug().Str("market", market).Int("raw", len(rows)).Int("mapped", len(items)).Msg("Scanned market")
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return RefreshResult{}, err
	}

	newDB := make(map[string]MarketBlock)
	marketNames := make([]string, 0, len(markets))
	total := 0
	for i, market := range markets {
		if blocks[i] == nil {
			continue
		}
		display := marketDisplayNames[market]
		newDB[display] = *blocks[i]
		marketNames = append(marketNames, display)
		total += blocks[i].TotalCount
	}

	updatedAt := now.Format("2006-01-02 15:04:05")
	newItems := diffNew(newDB, s.previousKeys())

	s.mu.Lock()
	s.db = newDB
	s.updatedAt = updatedAt
	s.prevKeys = keySet(newDB)
	s.mu.Unlock()

	if err := s.saveCache(newDB, updatedAt); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist earnings cache")
	}

	if len(newItems) > 0 {
		s.log.Info().Int("count", len(newItems)).Msg("New earnings detected")
		s.bus.Emit(events.EarningsUpdated, "earnings", map[string]interface{}{
			"earnings":   newItems,
			"count":      len(newItems),
			"updated_at": updatedAt,
		})
	}

	s.log.Info().Int("markets", len(newDB)).Int("total", total).Msg("Earnings refresh complete")
	return RefreshResult{
		UpdatedAt: updatedAt,
		Markets:   marketNames,
		Total:     total,
		NewCount:  len(newItems),
	}, nil
}

// Snapshot serves the calendar for one country code, or the whole thing
// for "ALL". Unknown countries answer with an empty data map rather than
// an error; the dashboard treats that as "no releases this week".
func (s *Service) Snapshot(country string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if strings.EqualFold(country, "ALL") {
		return Snapshot{UpdatedAt: s.updatedAt, Data: s.db}
	}

	market := countryToMarket[strings.ToUpper(country)]
	display := marketDisplayNames[market]
	if block, ok := s.db[display]; ok {
		return Snapshot{UpdatedAt: s.updatedAt, Data: map[string]MarketBlock{display: block}}
	}
	return Snapshot{UpdatedAt: s.updatedAt, Data: map[string]MarketBlock{}}
}

func (s *Service) previousKeys() map[itemKey]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prevKeys
}

// saveCache atomically replaces the cache file so a crash mid-write never
// leaves a truncated calendar behind.
func (s *Service) saveCache(db map[string]MarketBlock, updatedAt string) error {
	var out cacheFile
	out.Meta.UpdatedAt = updatedAt
	out.Data = db

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode earnings cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.cachePath), "earnings-*.json")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cachePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// weekRange returns the scan window for a market: this week's Monday
// 00:00 UTC through the following Monday. Japan's window shifts +15 h so
// JST evening releases group into the right week.
func weekRange(market string, now time.Time) (int64, int64) {
	now = now.UTC()
	daysBack := (int(now.Weekday()) + 6) % 7
	monday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -daysBack)
	if market == "japan" {
		monday = monday.Add(15 * time.Hour)
	}
	return monday.Unix(), monday.AddDate(0, 0, 7).Unix()
}

// mapRows converts raw scan rows into calendar items. The event date is
// the next release when the screener knows one, the last release
// otherwise; rows duplicated across both fields collapse on
// (ticker, date). Future events null out the reported figures because the
// screener echoes the previous quarter's actuals there.
func mapRows(rows []tradingview.ScanRow, now time.Time) []Item {
	items := make([]Item, 0, len(rows))
	seen := make(map[string]bool)
	nowUnix := float64(now.Unix())

	for _, row := range rows {
		if len(row.Values) < len(tradingview.EarningsColumns) {
			continue
		}
		at := func(name string) interface{} { return row.Values[colIndex[name]] }

		ticker := strings.ToUpper(strings.TrimSpace(stringVal(at("name"))))
		if ticker == "" {
			continue
		}

		date := floatVal(at("earnings_release_next_date"))
		if date == nil {
			date = floatVal(at("earnings_release_date"))
		}

		var key string
		if date != nil {
			key = fmt.Sprintf("t|%s|%v", ticker, *date)
		} else if logoid := stringVal(at("logoid")); logoid != "" {
			key = "id|" + logoid
		} else {
			key = "id|" + ticker
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		isFuture := date != nil && *date > nowUnix

		item := Item{
			Ticker:          ticker,
			Company:         stringVal(at("description")),
			MarketCap:       floatVal(at("market_cap_basic")),
			EPSEstimate:     floatVal(at("earnings_per_share_forecast_next_fq")),
			RevenueForecast: floatVal(at("revenue_forecast_next_fq")),
			Date:            date,
			Period:          floatVal(at("earnings_release_next_calendar_date")),
			Currency:        stringVal(at("currency")),
			Exchange:        stringVal(at("exchange")),
		}
		if !isFuture {
			item.EPSReported = floatVal(at("earnings_per_share_fq"))
			item.Surprise = floatVal(at("eps_surprise_fq"))
			item.PctSurprise = floatVal(at("eps_surprise_percent_fq"))
			item.RevenueActual = floatVal(at("revenue_fq"))
		}
		items = append(items, item)
	}
	return items
}

// sortByDate orders items by event date, undated rows last.
func sortByDate(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Date == nil {
			return false
		}
		if items[j].Date == nil {
			return true
		}
		return *items[i].Date < *items[j].Date
	})
}

// keySet collects the (ticker, date) identity of every dated item.
func keySet(db map[string]MarketBlock) map[itemKey]struct{} {
	set := make(map[itemKey]struct{})
	for _, block := range db {
		for _, item := range block.Data {
			if item.Ticker != "" && item.Date != nil {
				set[itemKey{Ticker: item.Ticker, Date: *item.Date}] = struct{}{}
			}
		}
	}
	return set
}

// diffNew returns the items of db whose (ticker, date) key was absent
// from the previous pass.
func diffNew(db map[string]MarketBlock, prev map[itemKey]struct{}) []Item {
	var fresh []Item
	for _, block := range db {
		for _, item := range block.Data {
			if item.Ticker == "" || item.Date == nil {
				continue
			}
			if _, ok := prev[itemKey{Ticker: item.Ticker, Date: *item.Date}]; !ok {
				fresh = append(fresh, item)
			}
		}
	}
	return fresh
}

func floatVal(v interface{}) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func stringVal(v interface{}) string {
	s, _ := v.(string)
	return s
}
