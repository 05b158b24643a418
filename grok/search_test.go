package grok

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerplexitySearch(t *testing.T) {
	var received searchRequest
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(
					searchResponse{
						Results: []searchResult{
							{Title: "Go 1.23", Snippet: "Released today", URL: "https://go.dev"},
							{Title: "Other", Snippet: "More", URL: "https://example.com"},
						},
					},
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	s := NewPerplexitySearch(
		SearchConfig{Token: "test-token", URL: srv.URL},
		srv.Client(),
		discardLogger(),
	)
	result := s.Search(context.Background(), "golang release", 3)

	assert.Equal(t, "golang release", received.Query)
	assert.Equal(t, 3, received.MaxResults)
	assert.Equal(
		t,
		"- **Go 1.23**\n  Released today\n  <https://go.dev>\n\n"+
			"- **Other**\n  More\n  <https://example.com>",
		result,
	)
}

func TestPerplexitySearch_DefaultMaxResults(t *testing.T) {
	var received searchRequest
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&received)
				_, _ = w.Write([]byte(`{"results": []}`))
			},
		),
	)
	t.Cleanup(srv.Close)

	s := NewPerplexitySearch(SearchConfig{Token: "x", URL: srv.URL}, srv.Client(), nil)
	assert.Equal(t, noSearchResults, s.Search(context.Background(), "q", 0))
	assert.Equal(t, DefaultSearchMaxResults, received.MaxResults)
}

func TestPerplexitySearch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		),
	)
	t.Cleanup(srv.Close)

	s := NewPerplexitySearch(SearchConfig{Token: "x", URL: srv.URL}, srv.Client(), discardLogger())
	result := s.Search(context.Background(), "q", 5)
	assert.Equal(t, "Search failed: unexpected status 500: boom", result)
}

func TestPerplexitySearch_NotConfigured(t *testing.T) {
	s := NewPerplexitySearch(SearchConfig{}, nil, nil)
	require.Equal(t, DefaultSearchURL, s.url)
	assert.Equal(
		t,
		"Error: Perplexity API key is not configured",
		s.Search(context.Background(), "q", 5),
	)
}
