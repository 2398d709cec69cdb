// Package googlenews reads the Google News RSS search feed. It is the
// keyless fallback behind NewsAPI.
package googlenews

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultFeedURL = "https://news.google.com/rss/search"

// Item is one RSS entry. PubDate stays in the feed's RFC822 form.
type Item struct {
	Title   string
	Link    string
	PubDate string
	Source  string
}

// Query shapes one feed request. Language "th" switches the whole locale
// to Thailand; otherwise Country picks an English edition.
type Query struct {
	Term     string
	Language string
	Country  string
}

// Client reads Google News RSS.
type Client struct {
	client  *http.Client
	feedURL string
	log     zerolog.Logger
}

// New creates an RSS client. An empty feedURL targets the public feed.
func New(feedURL string, log zerolog.Logger) *Client {
	if feedURL == "" {
		feedURL = defaultFeedURL
	}
	return &Client{
		client:  &http.Client{Timeout: 10 * time.Second},
		feedURL: feedURL,
		log:     log.With().Str("client", "googlenews").Logger(),
	}
}

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
	Source  string `xml:"source"`
}

// Search fetches the feed for a query term.
func (c *Client) Search(ctx context.Context, q Query) ([]Item, error) {
	hl, gl, ceid := locale(q.Language, q.Country)
	params := url.Values{
		"q":    {q.Term},
		"hl":   {hl},
		"gl":   {gl},
		"ceid": {ceid},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rss feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rss feed returned status %d", resp.StatusCode)
	}

	var feed rssFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to parse rss feed: %w", err)
	}

	items := make([]Item, 0, len(feed.Channel.Items))
	for _, it := range feed.Channel.Items {
		items = append(items, Item{
			Title:   strings.TrimSpace(it.Title),
			Link:    strings.TrimSpace(it.Link),
			PubDate: it.PubDate,
			Source:  strings.TrimSpace(it.Source),
		})
	}

	c.log.Debug().Str("term", q.Term).Int("items", len(items)).Msg("Fetched rss feed")
	return items, nil
}

// ParsePubDate parses an RSS pubDate. Feeds emit RFC822/RFC1123 variants;
// the mail-date parser accepts all of them.
func ParsePubDate(s string) (time.Time, error) {
	return mail.ParseDate(s)
}

func locale(language, country string) (hl, gl, ceid string) {
	hl, gl, ceid = "en-US", "US", "US:en"
	if country != "" {
		gl = strings.ToUpper(country)
		hl = "en-" + gl
		ceid = gl + ":en"
	}
	if strings.HasPrefix(strings.ToLower(language), "th") {
		return "th", "TH", "TH:th"
	}
	return hl, gl, ceid
}
