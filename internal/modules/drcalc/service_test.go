package drcalc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/drlist"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/tradingview"
)

// scanServer fakes the scanner's global/scan endpoint with a fixed
// ticker -> close map. Unknown tickers answer with an empty data array.
type scanServer struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  map[string]int
}

func newScanServer(prices map[string]float64) *scanServer {
	return &scanServer{prices: prices, calls: make(map[string]int)}
}

func (s *scanServer) handler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Symbols struct {
			Tickers []string `json:"tickers"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Symbols.Tickers) == 0 {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	ticker := payload.Symbols.Tickers[0]

	s.mu.Lock()
	s.calls[ticker]++
	price, ok := s.prices[ticker]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		fmt.Fprint(w, `{"data":[]}`)
		return
	}
	fmt.Fprintf(w, `{"data":[{"s":%q,"d":[%v]}]}`, ticker, price)
}

func (s *scanServer) callCount(ticker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ticker]
}

func boardHandler(records []drlist.Record) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"rows": records})
	}
}

func newTestService(t *testing.T, records []drlist.Record, prices map[string]float64) (*Service, *scanServer) {
	t.Helper()

	scan := newScanServer(prices)
	tvSrv := httptest.NewServer(http.HandlerFunc(scan.handler))
	t.Cleanup(tvSrv.Close)
	drSrv := httptest.NewServer(boardHandler(records))
	t.Cleanup(drSrv.Close)

	svc := NewService(
		drlist.New(drSrv.URL, zerolog.Nop()),
		tradingview.New(tvSrv.URL+"/symbol", tvSrv.URL, 5*time.Second, zerolog.Nop()),
		5*time.Second,
		zerolog.Nop(),
	)
	return svc, scan
}

func nvdaRecord() drlist.Record {
	return drlist.Record{
		Symbol:             "NVDA80",
		Underlying:         "NVDA",
		UnderlyingName:     "NVIDIA CORP (NVDA)",
		UnderlyingExchange: "The Nasdaq Global Select Market",
		ConversionRatio:    "100 : 1",
		MarketStatus:       "Open",
	}
}

func TestCalculateComputesPrice(t *testing.T) {
	svc, scan := newTestService(t, []drlist.Record{nvdaRecord()}, map[string]float64{
		"NASDAQ:NVDA":   100.0,
		"FX_IDC:USDTHB": 35.0,
	})

	result, err := svc.Calculate(context.Background(), "NVDA80")
	require.NoError(t, err)

	assert.Equal(t, "NVDA80", result.DRSymbol)
	assert.Equal(t, "NVDA80", result.MatchedSymbol)
	assert.Equal(t, "NASDAQ:NVDA", result.TVSymbol)
	assert.Equal(t, "USD", result.Currency)
	assert.Equal(t, "USDTHB", result.FXPair)
	assert.Equal(t, 35.0, result.FXRate)
	assert.Equal(t, 100.0, result.UnderlyingPrice)
	assert.Equal(t, 100.0, result.Ratio)
	require.NotNil(t, result.ComputedPrice)
	// 100 USD * 35 THB/USD / 100 DR per share.
	assert.Equal(t, 35.0, *result.ComputedPrice)
	assert.Equal(t, "The Nasdaq Global Select Market", result.Exchange)

	assert.Equal(t, 1, scan.callCount("NASDAQ:NVDA"))
	assert.Equal(t, 1, scan.callCount("FX_IDC:USDTHB"))
	assert.Equal(t, int64(0), result.Cache.Hits)
	assert.Equal(t, int64(2), result.Cache.Misses)
	assert.Equal(t, 5, result.Cache.TTLSeconds)
	assert.Equal(t, 2, result.Cache.RefreshIntervalSec)
}

func TestCalculateServesSecondCallFromCache(t *testing.T) {
	svc, scan := newTestService(t, []drlist.Record{nvdaRecord()}, map[string]float64{
		"NASDAQ:NVDA":   100.0,
		"FX_IDC:USDTHB": 35.0,
	})

	_, err := svc.Calculate(context.Background(), "NVDA80")
	require.NoError(t, err)
	result, err := svc.Calculate(context.Background(), "NVDA80")
	require.NoError(t, err)

	// Both prices came from the cache; no extra scans fired.
	assert.Equal(t, 1, scan.callCount("NASDAQ:NVDA"))
	assert.Equal(t, 1, scan.callCount("FX_IDC:USDTHB"))
	assert.Equal(t, int64(2), result.Cache.Hits)
	assert.Equal(t, int64(2), result.Cache.Misses)
}

func TestCalculateMatchesUnderlyingQuery(t *testing.T) {
	closedSeries := nvdaRecord()
	closedSeries.Symbol = "NVDA19"
	closedSeries.MarketStatus = "Closed"
	closedSeries.TotalValue = 9e9

	openSeries := nvdaRecord()
	openSeries.TotalValue = 1e6

	svc, _ := newTestService(t, []drlist.Record{closedSeries, openSeries}, map[string]float64{
		"NASDAQ:NVDA":   100.0,
		"FX_IDC:USDTHB": 35.0,
	})

	// Query by underlying; the open series wins over the bigger closed one.
	result, err := svc.Calculate(context.Background(), "nvda")
	require.NoError(t, err)
	assert.Equal(t, "NVDA80", result.MatchedSymbol)
}

func TestCalculateFallsBackToParenCode(t *testing.T) {
	rec := drlist.Record{
		Symbol:             "DIS80",
		Underlying:         "DISNEY",
		UnderlyingName:     "WALT DISNEY CO (DIS)",
		UnderlyingExchange: "The New York Stock Exchange",
		ConversionRatio:    "10 : 1",
	}
	svc, scan := newTestService(t, []drlist.Record{rec}, map[string]float64{
		// The board spelling has no close; only the real ticker does.
		"NYSE:DIS":      90.0,
		"FX_IDC:USDTHB": 35.0,
	})

	result, err := svc.Calculate(context.Background(), "DIS80")
	require.NoError(t, err)
	assert.Equal(t, "NYSE:DIS", result.TVSymbol)
	assert.Equal(t, 90.0, result.UnderlyingPrice)
	assert.Equal(t, 1, scan.callCount("NYSE:DISNEY"))
	assert.Equal(t, 1, scan.callCount("NYSE:DIS"))
}

func TestCalculateUnknownSymbol(t *testing.T) {
	svc, _ := newTestService(t, []drlist.Record{nvdaRecord()}, nil)

	_, err := svc.Calculate(context.Background(), "GHOST99")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestCalculateEmptyBoard(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)

	_, err := svc.Calculate(context.Background(), "NVDA80")
	assert.ErrorIs(t, err, ErrEmptyBoard)
}

func TestCalculateMissingRatioOmitsComputedPrice(t *testing.T) {
	rec := nvdaRecord()
	rec.ConversionRatio = ""
	svc, _ := newTestService(t, []drlist.Record{rec}, map[string]float64{
		"NASDAQ:NVDA":   100.0,
		"FX_IDC:USDTHB": 35.0,
	})

	result, err := svc.Calculate(context.Background(), "NVDA80")
	require.NoError(t, err)
	assert.Zero(t, result.Ratio)
	assert.Nil(t, result.ComputedPrice)
}

func TestResolveTVSymbol(t *testing.T) {
	tests := []struct {
		name       string
		rec        drlist.Record
		wantSymbol string
		wantCcy    string
		wantErr    error
	}{
		{
			name: "nasdaq",
			rec: drlist.Record{
				Symbol: "NVDA80", Underlying: "NVDA",
				UnderlyingExchange: "The Nasdaq Global Select Market",
			},
			wantSymbol: "NASDAQ:NVDA", wantCcy: "USD",
		},
		{
			name: "arca etf",
			rec: drlist.Record{
				Symbol: "SPY80", Underlying: "SPY",
				UnderlyingExchange: "The New York Stock Exchange Archipelago",
			},
			wantSymbol: "NYSEARCA:SPY", wantCcy: "USD",
		},
		{
			name: "copenhagen",
			rec: drlist.Record{
				Symbol: "NOVO80", Underlying: "NOVO-B",
				UnderlyingExchange: "Nasdaq Copenhagen",
			},
			wantSymbol: "OMXCOP:NOVO-B", wantCcy: "DKK",
		},
		{
			name: "hong kong uses code in parens",
			rec: drlist.Record{
				Symbol: "TENCENT80", Underlying: "TENCENT",
				UnderlyingName:     "TENCENT HOLDINGS (700)",
				UnderlyingExchange: "The Stock Exchange of Hong Kong Limited",
			},
			wantSymbol: "HKEX:700", wantCcy: "HKD",
		},
		{
			name: "tokyo requires numeric code",
			rec: drlist.Record{
				Symbol: "TOYOTA80", Underlying: "TOYOTA",
				UnderlyingName:     "TOYOTA MOTOR CORP",
				UnderlyingExchange: "Tokyo Stock Exchange",
			},
			wantErr: ErrUnsupportedExchange,
		},
		{
			name: "unknown exchange",
			rec: drlist.Record{
				Symbol: "X80", Underlying: "X",
				UnderlyingExchange: "Borsa Imaginaria",
			},
			wantErr: ErrUnsupportedExchange,
		},
		{
			name:    "missing exchange",
			rec:     drlist.Record{Symbol: "X80", Underlying: "X"},
			wantErr: ErrUnsupportedExchange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			symbol, ccy, err := resolveTVSymbol(tt.rec, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSymbol, symbol)
			assert.Equal(t, tt.wantCcy, ccy)
		})
	}
}

func TestResolveTVSymbolUsesBoardMap(t *testing.T) {
	rec := drlist.Record{
		Symbol: "BRK80", Underlying: "brk.b",
		UnderlyingExchange: "The New York Stock Exchange",
	}
	boardMap := map[string]string{"nyse:brk.b": "NYSE:BRK.B"}

	symbol, _, err := resolveTVSymbol(rec, boardMap)
	require.NoError(t, err)
	assert.Equal(t, "NYSE:BRK.B", symbol)
}

func TestPickRowPriority(t *testing.T) {
	records := []drlist.Record{
		{Symbol: "AAPL80", Underlying: "AAPL"},
		{Symbol: "NVDA80", Underlying: "NVDA"},
		{Symbol: "NVDA19", Underlying: "NVDA", MarketStatus: "Open"},
	}

	// Exact DR symbol beats everything.
	rec, err := pickRow(records, "NVDA80")
	require.NoError(t, err)
	assert.Equal(t, "NVDA80", rec.Symbol)

	// Exact underlying picks the best series.
	rec, err = pickRow(records, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, "NVDA19", rec.Symbol)

	// Substring match as a last resort.
	rec, err = pickRow(records, "AAP")
	require.NoError(t, err)
	assert.Equal(t, "AAPL80", rec.Symbol)

	_, err = pickRow(records, "TSLA")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestBestRowOrdering(t *testing.T) {
	open := drlist.Record{Symbol: "A", MarketStatus: "Open", TotalValue: 1}
	closedBig := drlist.Record{Symbol: "B", MarketStatus: "Closed", TotalValue: 100}
	assert.Equal(t, "A", bestRow([]drlist.Record{closedBig, open}).Symbol)

	lowValue := drlist.Record{Symbol: "C", MarketStatus: "Open", TotalValue: 10}
	highValue := drlist.Record{Symbol: "D", MarketStatus: "Open", TotalValue: 20}
	assert.Equal(t, "D", bestRow([]drlist.Record{lowValue, highValue}).Symbol)

	lowVolume := drlist.Record{Symbol: "E", TotalVolume: 5}
	highVolume := drlist.Record{Symbol: "F", TotalVolume: 9}
	assert.Equal(t, "F", bestRow([]drlist.Record{lowVolume, highVolume}).Symbol)

	// Full tie keeps board order.
	assert.Equal(t, "E", bestRow([]drlist.Record{lowVolume, {Symbol: "G", TotalVolume: 5}}).Symbol)
}

func TestConversionRatio(t *testing.T) {
	// Numeric reciprocal wins when present.
	assert.Equal(t, 8.0, conversionRatio(drlist.Record{ConversionRatioR: 0.125}))

	// Display string parsing.
	assert.Equal(t, 100.0, conversionRatio(drlist.Record{ConversionRatio: "100 : 1"}))
	assert.Equal(t, 0.5, conversionRatio(drlist.Record{ConversionRatio: "0.5:1"}))

	// Unusable terms.
	assert.Zero(t, conversionRatio(drlist.Record{ConversionRatio: "n/a"}))
	assert.Zero(t, conversionRatio(drlist.Record{}))
}

func TestCodeInParens(t *testing.T) {
	code, ok := codeInParens("WALT DISNEY CO (DIS)")
	assert.True(t, ok)
	assert.Equal(t, "DIS", code)

	code, ok = codeInParens("TENCENT (HK) HOLDINGS (700)")
	assert.True(t, ok)
	assert.Equal(t, "700", code)

	_, ok = codeInParens("NO CODE HERE")
	assert.False(t, ok)

	_, ok = codeInParens("EMPTY ()")
	assert.False(t, ok)
}

func TestWarmKeyTrim(t *testing.T) {
	svc := &Service{
		cache: make(map[string]cacheEntry),
		warm:  make(map[string]time.Time),
		log:   zerolog.Nop(),
	}

	base := time.Now().Add(-time.Hour)
	for i := 0; i < warmKeysLimit; i++ {
		svc.warm[fmt.Sprintf("U|SYM%d", i)] = base.Add(time.Duration(i) * time.Second)
	}

	svc.markWarm("U|FRESH")

	assert.Len(t, svc.warm, warmKeysLimit)
	_, evicted := svc.warm["U|SYM0"]
	assert.False(t, evicted, "oldest key must be evicted")
	_, kept := svc.warm["U|FRESH"]
	assert.True(t, kept)
}

func TestRefreshWarmKeys(t *testing.T) {
	scan := newScanServer(map[string]float64{"NASDAQ:NVDA": 101.5})
	tvSrv := httptest.NewServer(http.HandlerFunc(scan.handler))
	t.Cleanup(tvSrv.Close)

	svc := NewService(
		nil,
		tradingview.New(tvSrv.URL+"/symbol", tvSrv.URL, 5*time.Second, zerolog.Nop()),
		5*time.Second,
		zerolog.Nop(),
	)

	// A warm key with no cache entry is fetched on the next pass.
	svc.markWarm("U|NASDAQ:NVDA")
	svc.refreshWarmKeys(context.Background())

	assert.Equal(t, 1, scan.callCount("NASDAQ:NVDA"))
	v, ok := svc.cachedValue("U|NASDAQ:NVDA")
	require.True(t, ok)
	assert.Equal(t, 101.5, v)

	// A fresh entry is left alone.
	svc.refreshWarmKeys(context.Background())
	assert.Equal(t, 1, scan.callCount("NASDAQ:NVDA"))
}
