// Package search looks things up on the web for the agent and the news
// briefing handler.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultLimit = 5
	MaxLimit     = 10
)

// Query is one web search. A non-nil AsOf restricts results to pages
// published on or before it.
type Query struct {
	Text  string
	Limit int
	AsOf  *time.Time
}

// Result is one search hit. Published is zero when the provider does not
// report a page date.
type Result struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Published   time.Time `json:"published,omitzero"`
}

// Searcher is implemented by Brave and by test fakes.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// Brave searches the web via the Brave Search API.
type Brave struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewBrave creates a Brave client allowing perMinute requests per minute.
func NewBrave(apiKey string, perMinute int) *Brave {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Brave{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1),
	}
}

type braveResponse struct {
	Web braveWeb `json:"web"`
}

type braveWeb struct {
	Results []braveResult `json:"results"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	PageAge     string `json:"page_age,omitempty"`
}

// Search runs q. Limit is clamped to [1, MaxLimit]. With AsOf set the
// request asks for a freshness window ending at AsOf, and hits dated after
// it are dropped in case the provider ignores the window.
func (b *Brave) Search(ctx context.Context, q Query) ([]Result, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, fmt.Errorf("query is required")
	}
	q.Limit = ClampLimit(q.Limit)

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	u, err := url.Parse(b.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	params := u.Query()
	params.Set("q", q.Text)
	params.Set("count", strconv.Itoa(q.Limit))
	if q.AsOf != nil {
		params.Set("freshness", "1970-01-01to"+q.AsOf.UTC().Format("2006-01-02"))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		res := Result{Title: r.Title, URL: r.URL, Description: r.Description}
		if r.PageAge != "" {
			if ts, err := time.Parse(time.RFC3339, r.PageAge); err == nil {
				res.Published = ts.UTC()
			} else if ts, err := time.Parse("2006-01-02T15:04:05", r.PageAge); err == nil {
				res.Published = ts.UTC()
			}
		}
		if q.AsOf != nil && !res.Published.IsZero() && res.Published.After(*q.AsOf) {
			continue
		}
		results = append(results, res)
		if len(results) == q.Limit {
			break
		}
	}
	return results, nil
}

// ClampLimit applies the default and the upper bound to a result count.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// Format renders results the way the agent reads them.
func Format(query string, results []Result, asOf *time.Time) string {
	if len(results) == 0 {
		return "No web search results found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Web results for %q:\n", query)
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = r.URL
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, title)
		if !r.Published.IsZero() {
			fmt.Fprintf(&sb, " (%s)", r.Published.Format("2006-01-02"))
		}
		fmt.Fprintf(&sb, "\n   %s\n", r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
	}
	if asOf != nil {
		fmt.Fprintf(&sb, "(Limited to pages published on or before %s where the provider reports a date.)\n", asOf.UTC().Format(time.RFC3339))
	}
	return sb.String()
}
