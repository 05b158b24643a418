package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lmittmann/tint"
)

const (
	maxSearchErrorBody = 512
	noSearchResults    = "No results found."
)

var errSearchNotConfigured = errors.New("Perplexity API key is not configured")

// Searcher performs web searches, returning results formatted for a
// model prompt. Failures are reported in the returned text rather than
// as errors, so they can be passed straight back to the model.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) string
}

// PerplexitySearch is a Searcher backed by the Perplexity search API
type PerplexitySearch struct {
	token  string
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewPerplexitySearch(
	cfg SearchConfig,
	client *http.Client,
	logger *slog.Logger,
) *PerplexitySearch {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	url := cfg.URL
	if url == "" {
		url = DefaultSearchURL
	}
	return &PerplexitySearch{
		token:  cfg.Token,
		url:    url,
		client: client,
		logger: logger,
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

func (s *PerplexitySearch) Search(ctx context.Context, query string, maxResults int) string {
	if s.token == "" {
		return "Error: " + errSearchNotConfigured.Error()
	}
	if maxResults <= 0 {
		maxResults = DefaultSearchMaxResults
	}

	logger := loggerFrom(ctx, s.logger)
	results, err := s.search(ctx, query, maxResults)
	if err != nil {
		logger.ErrorContext(ctx, "search failed", "query", query, tint.Err(err))
		return "Search failed: " + err.Error()
	}
	logger.DebugContext(ctx, "search completed", "query", query, "results", len(results))
	return formatSearchResults(results)
}

func (s *PerplexitySearch) search(
	ctx context.Context,
	query string,
	maxResults int,
) ([]searchResult, error) {
	body, err := json.Marshal(searchRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxSearchErrorBody))
		return nil, fmt.Errorf(
			"unexpected status %d: %s",
			resp.StatusCode,
			strings.TrimSpace(string(errBody)),
		)
	}

	var data searchResponse
	if err = json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return data.Results, nil
}

func formatSearchResults(results []searchResult) string {
	if len(results) == 0 {
		return noSearchResults
	}
	formatted := make([]string, 0, len(results))
	for _, r := range results {
		formatted = append(
			formatted,
			fmt.Sprintf("- **%s**\n  %s\n  <%s>", r.Title, r.Snippet, r.URL),
		)
	}
	return strings.Join(formatted, "\n\n")
}
