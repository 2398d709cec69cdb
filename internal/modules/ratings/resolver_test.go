package ratings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSymbol(t *testing.T) {
	tests := []struct {
		name           string
		underlying     string
		underlyingName string
		exchange       string
		drSymbol       string
		wantSymbol     string
		wantMarket     string
	}{
		{
			name:           "nasdaq with parenthesized name",
			underlying:     "AAPL",
			underlyingName: "Apple Inc. (AAPL)",
			exchange:       "The Nasdaq Stock Market",
			drSymbol:       "AAPL80",
			wantSymbol:     "NASDAQ:AAPL",
			wantMarket:     "US",
		},
		{
			name:           "hong kong numeric with leading zeros",
			underlying:     "700",
			underlyingName: "Tencent Holdings",
			exchange:       "The Stock Exchange of Hong Kong Limited",
			drSymbol:       "0700",
			wantSymbol:     "HKEX:700",
			wantMarket:     "HK",
		},
		{
			name:           "nyse arca",
			underlying:     "SPY",
			underlyingName: "SPDR S&P 500 ETF (SPY)",
			exchange:       "The New York Stock Exchange Archipelago",
			drSymbol:       "SPY80",
			wantSymbol:     "AMEX:SPY",
			wantMarket:     "US",
		},
		{
			name:           "nyse plain",
			underlying:     "KO",
			underlyingName: "The Coca-Cola Company (KO)",
			exchange:       "New York Stock Exchange",
			drSymbol:       "KO80",
			wantSymbol:     "NYSE:KO",
			wantMarket:     "US",
		},
		{
			name:           "copenhagen dash becomes underscore",
			underlying:     "NOVO-B",
			underlyingName: "Novo Nordisk B A/S (NOVO-B)",
			exchange:       "Nasdaq Copenhagen",
			drSymbol:       "NOVO80",
			wantSymbol:     "OMXCOP:NOVO_B",
			wantMarket:     "DK",
		},
		{
			name:           "euronext amsterdam",
			underlying:     "ASML",
			underlyingName: "ASML Holding N.V. (ASML)",
			exchange:       "Euronext Amsterdam",
			drSymbol:       "ASML80",
			wantSymbol:     "EURONEXT:ASML",
			wantMarket:     "NL",
		},
		{
			name:           "tokyo dr symbol stripped",
			underlying:     "7203",
			underlyingName: "Toyota Motor Corporation",
			exchange:       "Tokyo Stock Exchange",
			drSymbol:       "TOYOTA80",
			wantSymbol:     "TSE:TOYOTA",
			wantMarket:     "JP",
		},
		{
			name:           "taiwan numeric",
			underlying:     "2330",
			underlyingName: "Taiwan Semiconductor Manufacturing",
			exchange:       "Taiwan Stock Exchange",
			drSymbol:       "2330",
			wantSymbol:     "TWSE:2330",
			wantMarket:     "TW",
		},
		{
			name:           "shanghai numeric",
			underlying:     "600519",
			underlyingName: "Kweichow Moutai",
			exchange:       "Shanghai Stock Exchange",
			drSymbol:       "600519",
			wantSymbol:     "SSE:600519",
			wantMarket:     "CN",
		},
		{
			name:           "vietnam hose",
			underlying:     "VNM",
			underlyingName: "Vietnam Dairy Products",
			exchange:       "Hochiminh Stock Exchange",
			drSymbol:       "VNM19",
			wantSymbol:     "HOSE:VNM",
			wantMarket:     "VN",
		},
		{
			name:           "numeric ticker with empty exchange is hk",
			underlying:     "0941",
			underlyingName: "China Mobile",
			exchange:       "",
			drSymbol:       "0941",
			wantSymbol:     "HKEX:941",
			wantMarket:     "US",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSymbol(tt.underlying, tt.underlyingName, tt.exchange, tt.drSymbol)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSymbol, got.Symbol)
			assert.Equal(t, tt.wantMarket, got.Market)
		})
	}
}

func TestResolveSymbolValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		underlying     string
		underlyingName string
		exchange       string
		drSymbol       string
	}{
		{
			name:           "hk ticker with no digits",
			underlying:     "TENCENT",
			underlyingName: "Tencent Holdings",
			exchange:       "Hong Kong Exchanges",
			drSymbol:       "TENCENT80",
		},
		{
			name:           "us ticker without parenthesized name",
			underlying:     "MSFT",
			underlyingName: "Microsoft Corporation",
			exchange:       "The Nasdaq Stock Market",
			drSymbol:       "MSFT80",
		},
		{
			name:           "euronext ticker without parenthesized name",
			underlying:     "MC",
			underlyingName: "LVMH",
			exchange:       "Euronext Paris",
			drSymbol:       "LVMH80",
		},
		{
			name:           "twse non numeric",
			underlying:     "TSM",
			underlyingName: "Taiwan Semiconductor",
			exchange:       "Taiwan Stock Exchange",
			drSymbol:       "TSMC80",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveSymbol(tt.underlying, tt.underlyingName, tt.exchange, tt.drSymbol)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeTicker(t *testing.T) {
	tests := []struct {
		name       string
		underlying string
		fullName   string
		drSymbol   string
		want       string
	}{
		{"paren token wins", "AAPL", "Apple Inc. (AAPL)", "AAPL80", "AAPL"},
		{"two digit suffix stripped", "NVDA", "NVIDIA Corporation", "NVDA80", "NVDA"},
		{"four digit symbol kept whole", "700", "Tencent Holdings", "0700", "0700"},
		{"short remainder keeps underlying", "GOOG", "Alphabet", "A80", "GOOG"},
		{"no suffix uses symbol", "BABA", "Alibaba Group", "BABA", "BABA"},
		{"empty symbol falls back to underlying", "NFLX", "Netflix", "", "NFLX"},
		{"token allows dots and dashes", "BRK", "Berkshire Hathaway (BRK.B)", "BRK80", "BRK.B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := normalizeTicker(tt.underlying, tt.fullName, tt.drSymbol)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarketCode(t *testing.T) {
	tests := []struct {
		exchange string
		want     string
	}{
		{"Euronext Amsterdam", "NL"},
		{"Euronext Milan", "IT"},
		{"Euronext Paris", "FR"},
		{"Nasdaq Copenhagen", "DK"},
		{"Hochiminh Stock Exchange", "VN"},
		{"Hanoi Stock Exchange", "VN"},
		{"Shanghai Stock Exchange", "CN"},
		{"Shenzhen Stock Exchange", "CN"},
		{"Singapore Exchange", "SG"},
		{"Taiwan Stock Exchange", "TW"},
		{"The Stock Exchange of Hong Kong Limited", "HK"},
		{"Tokyo Stock Exchange", "JP"},
		{"Nasdaq Global Select Market", "US"},
		{"The Nasdaq Stock Market", "US"},
		{"New York Stock Exchange", "US"},
		{"The New York Stock Exchange Archipelago", "US"},
		{"", "US"},
		{"Bolsa de Madrid", "US"},
	}

	for _, tt := range tests {
		t.Run(tt.exchange, func(t *testing.T) {
			assert.Equal(t, tt.want, MarketCode(tt.exchange))
		})
	}
}
