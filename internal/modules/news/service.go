package news

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/imposzible9/Cal-DR-Project/internal/clients/drlist"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/finnhub"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/googlenews"
	"github.com/imposzible9/Cal-DR-Project/internal/clients/newsapi"
)

const (
	defaultNewsTTL  = 300 * time.Second
	symbolsCacheKey = "dr_symbols_list"
	symbolsCacheTTL = time.Hour
)

// ErrNoFinnhubToken marks endpoints that cannot serve without a
// configured Finnhub token. The news bundle degrades instead.
var ErrNoFinnhubToken = errors.New("FINNHUB_TOKEN is not configured")

// NewsQuery shapes one per-symbol news request.
type NewsQuery struct {
	Symbol   string
	Limit    int
	Language string
	Hours    int
	Country  string
}

// Bundle is the /api/news payload for one query.
type Bundle struct {
	News    []Article      `json:"news"`
	Quote   *finnhub.Quote `json:"quote"`
	LogoURL string         `json:"logo_url"`
}

// Overview bundles quote, logo and company news for one symbol.
type Overview struct {
	Quote   *finnhub.Quote
	LogoURL string
	News    []Article
}

// Service aggregates the news sources. Sources degrade in order: NewsAPI,
// then Google News RSS; Finnhub data rides along when a token exists.
type Service struct {
	newsAPI *newsapi.Client
	rss     *googlenews.Client
	finnhub *finnhub.Client
	drList  *drlist.Client
	cache   *ttlCache
	ttl     time.Duration
	log     zerolog.Logger
}

// NewService creates the news service. A non-positive ttl falls back to
// the 300 s default.
func NewService(
	newsAPI *newsapi.Client,
	rss *googlenews.Client,
	fh *finnhub.Client,
	drList *drlist.Client,
	ttl time.Duration,
	log zerolog.Logger,
) *Service {
	if ttl <= 0 {
		ttl = defaultNewsTTL
	}
	return &Service{
		newsAPI: newsAPI,
		rss:     rss,
		finnhub: fh,
		drList:  drList,
		cache:   newTTLCache(),
		ttl:     ttl,
		log:     log.With().Str("service", "news").Logger(),
	}
}

// TTLSeconds exposes the news cache TTL for response metadata.
func (s *Service) TTLSeconds() int {
	return int(s.ttl.Seconds())
}

// FetchNews returns normalized headlines for a symbol: NewsAPI when a key
// is configured and it yields articles, Google News RSS otherwise. Never
// errors; a dead upstream just means an empty list.
func (s *Service) FetchNews(ctx context.Context, q NewsQuery) []Article {
	if s.newsAPI.HasKey() {
		var since time.Time
		if q.Hours > 0 {
			since = time.Now().UTC().Add(-time.Duration(q.Hours) * time.Hour)
		}
		raw, err := s.newsAPI.TopHeadlines(ctx, newsapi.Query{
			Term:     q.Symbol,
			PageSize: q.Limit,
			Language: q.Language,
			Country:  q.Country,
			Since:    since,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("NewsAPI failed, falling back to RSS")
		} else if len(raw) > 0 {
			return normalizeNewsAPI(raw)
		}
	}
	return s.rssFallback(ctx, q)
}

func (s *Service) rssFallback(ctx context.Context, q NewsQuery) []Article {
	items, err := s.rss.Search(ctx, googlenews.Query{
		Term:     q.Symbol,
		Language: q.Language,
		Country:  q.Country,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("RSS fetch failed")
		return []Article{}
	}

	var since time.Time
	if q.Hours > 0 {
		since = time.Now().UTC().Add(-time.Duration(q.Hours) * time.Hour)
	}

	articles := make([]Article, 0, q.Limit)
	for _, it := range items {
		if !since.IsZero() && it.PubDate != "" {
			if ts, err := googlenews.ParsePubDate(it.PubDate); err == nil && ts.Before(since) {
				continue
			}
		}
		articles = append(articles, Article{
			Title:       it.Title,
			PublishedAt: it.PubDate,
			Source:      it.Source,
			URL:         it.Link,
		})
		if len(articles) >= q.Limit {
			break
		}
	}
	return articles
}

// NewsBundle serves one /api/news query through the TTL cache. The bool
// reports a cache hit.
func (s *Service) NewsBundle(ctx context.Context, q NewsQuery) (Bundle, bool) {
	key := fmt.Sprintf("news-v2|%s|%d|%s|%d|%s",
		strings.ToUpper(q.Symbol), q.Limit, q.Language, q.Hours, q.Country)
	if cached, ok := s.cache.get(key); ok {
		return cached.(Bundle), true
	}

	bundle := Bundle{News: s.FetchNews(ctx, q)}
	if s.finnhub.HasToken() {
		if quote, err := s.finnhub.Quote(ctx, q.Symbol); err == nil {
			bundle.Quote = quote
		} else {
			s.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Quote fetch failed")
		}
		if logo, err := s.finnhub.Logo(ctx, q.Symbol); err == nil {
			bundle.LogoURL = logo
		}
	}

	s.cache.set(key, bundle, s.ttl)
	return bundle, false
}

// QuoteWithLogo serves the quote proxy. Unlike the news bundle this path
// propagates upstream failure; the quote is the whole payload here.
func (s *Service) QuoteWithLogo(ctx context.Context, symbol string) (*finnhub.Quote, string, error) {
	if !s.finnhub.HasToken() {
		return nil, "", ErrNoFinnhubToken
	}
	quote, err := s.finnhub.Quote(ctx, symbol)
	if err != nil {
		return nil, "", err
	}
	logo, err := s.finnhub.Logo(ctx, symbol)
	if err != nil {
		logo = ""
	}
	return quote, logo, nil
}

// CompanyNews serves the company-news proxy: Finnhub when a token exists,
// the headline chain otherwise.
func (s *Service) CompanyNews(ctx context.Context, q NewsQuery) ([]Article, error) {
	if !s.finnhub.HasToken() {
		q.Language = "en"
		return s.FetchNews(ctx, q), nil
	}

	now := time.Now().UTC()
	items, err := s.finnhub.CompanyNews(ctx, q.Symbol, now.Add(-time.Duration(q.Hours)*time.Hour), now)
	if err != nil {
		return nil, err
	}
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return normalizeFinnhub(items), nil
}

// StockOverview joins quote, logo and company news for one symbol.
func (s *Service) StockOverview(ctx context.Context, q NewsQuery) (Overview, error) {
	if !s.finnhub.HasToken() {
		if q.Language == "" {
			q.Language = "en"
		}
		return Overview{News: s.FetchNews(ctx, q)}, nil
	}

	quote, err := s.finnhub.Quote(ctx, q.Symbol)
	if err != nil {
		return Overview{}, err
	}
	logo, err := s.finnhub.Logo(ctx, q.Symbol)
	if err != nil {
		logo = ""
	}
	news, err := s.CompanyNews(ctx, q)
	if err != nil {
		return Overview{}, err
	}
	return Overview{Quote: quote, LogoURL: logo, News: news}, nil
}

// Symbols lists the unique underlyings of the DR board sorted by symbol,
// cached for an hour. Upstream failure serves the static fallback without
// caching it, so the next call retries.
func (s *Service) Symbols(ctx context.Context) []Symbol {
	if cached, ok := s.cache.get(symbolsCacheKey); ok {
		return cached.([]Symbol)
	}

	records, err := s.drList.Fetch(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("DR board unavailable, serving fallback symbols")
		return fallbackSymbols
	}

	seen := make(map[string]bool)
	symbols := make([]Symbol, 0, len(records))
	for _, rec := range records {
		underlying := strings.ToUpper(strings.TrimSpace(rec.Underlying))
		if underlying == "" || seen[underlying] {
			continue
		}
		seen[underlying] = true

		name := rec.UnderlyingName
		if name == "" {
			name = rec.Name
		}
		logo := rec.Logo
		if logo == "" {
			logo = rec.LogoURL
		}
		if logo == "" {
			logo = rec.Image
		}
		symbols = append(symbols, Symbol{
			Symbol:   underlying,
			Name:     name,
			DRSymbol: rec.Symbol,
			Logo:     logo,
		})
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Symbol < symbols[j].Symbol })

	s.cache.set(symbolsCacheKey, symbols, symbolsCacheTTL)
	return symbols
}

func normalizeNewsAPI(raw []newsapi.Article) []Article {
	articles := make([]Article, 0, len(raw))
	for _, a := range raw {
		summary := a.Description
		if summary == "" {
			summary = a.Content
		}
		articles = append(articles, Article{
			Title:       a.Title,
			Summary:     summary,
			PublishedAt: a.PublishedAt,
			Source:      a.Source.Name,
			URL:         a.URL,
			ImageURL:    a.URLToImage,
		})
	}
	return articles
}

func normalizeFinnhub(items []finnhub.NewsItem) []Article {
	articles := make([]Article, 0, len(items))
	for _, it := range items {
		articles = append(articles, Article{
			Title:       it.Headline,
			Summary:     it.Summary,
			PublishedAt: it.Datetime,
			Source:      it.Source,
			URL:         it.URL,
			ImageURL:    it.Image,
		})
	}
	return articles
}
