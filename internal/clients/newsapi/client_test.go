package newsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL, "test-key", zerolog.Nop())
	return c
}

func TestTopHeadlines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "AAPL", q.Get("q"))
		assert.Equal(t, "10", q.Get("pageSize"))
		assert.Equal(t, "publishedAt", q.Get("sortBy"))
		assert.Equal(t, "business", q.Get("category"))
		assert.Equal(t, "us", q.Get("country"))
		assert.Equal(t, "test-key", q.Get("apiKey"))
		assert.NotEmpty(t, q.Get("from"))

		w.Write([]byte(`{"status":"ok","articles":[
			{"source":{"name":"CNBC"},"title":"Apple rallies","description":"desc",
			 "publishedAt":"2025-06-02T08:00:00Z","url":"https://x","urlToImage":"https://img"}
		]}`))
	})

	articles, err := c.TopHeadlines(context.Background(), Query{
		Term:     "AAPL",
		PageSize: 10,
		Since:    time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Apple rallies", articles[0].Title)
	assert.Equal(t, "CNBC", articles[0].Source.Name)
	assert.Equal(t, "2025-06-02T08:00:00Z", articles[0].PublishedAt)
}

func TestTopHeadlinesCountryAndLanguage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gb", r.URL.Query().Get("country"))
		assert.Equal(t, "en", r.URL.Query().Get("language"))
		w.Write([]byte(`{"status":"ok","articles":[]}`))
	})

	articles, err := c.TopHeadlines(context.Background(), Query{
		Term: "BP", PageSize: 5, Country: "gb", Language: "en",
	})
	require.NoError(t, err)
	assert.Empty(t, articles)
}

func TestTopHeadlinesNoKey(t *testing.T) {
	c := New("", "", zerolog.Nop())
	assert.False(t, c.HasKey())

	_, err := c.TopHeadlines(context.Background(), Query{Term: "AAPL", PageSize: 10})
	assert.Error(t, err)
}

func TestTopHeadlinesUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := c.TopHeadlines(context.Background(), Query{Term: "AAPL", PageSize: 10})
	assert.Error(t, err)
}
