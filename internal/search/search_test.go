package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestBrave(t *testing.T, h http.HandlerFunc) *Brave {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	b := NewBrave("test-key", 6000)
	b.baseURL = server.URL
	return b
}

func TestBraveSearch(t *testing.T) {
	b := newTestBrave(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "test-key" {
			t.Error("missing API key header")
		}
		if r.URL.Query().Get("q") != "XYZ earnings" {
			t.Errorf("unexpected query: %s", r.URL.Query().Get("q"))
		}
		if r.URL.Query().Get("count") != "2" {
			t.Errorf("unexpected count: %s", r.URL.Query().Get("count"))
		}
		if r.URL.Query().Get("freshness") != "" {
			t.Error("expected no freshness window without as_of")
		}
		json.NewEncoder(w).Encode(braveResponse{
			Web: braveWeb{Results: []braveResult{
				{Title: "XYZ beats", URL: "https://news.example/xyz", Description: "Quarterly results"},
				{Title: "XYZ guidance", URL: "https://news.example/guidance", Description: "Outlook raised"},
			}},
		})
	})

	results, err := b.Search(context.Background(), Query{Text: "XYZ earnings", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	out := Format("XYZ earnings", results, nil)
	if !strings.Contains(out, "XYZ beats") || !strings.Contains(out, "https://news.example/xyz") {
		t.Errorf("unexpected format: %q", out)
	}
}

func TestBraveSearchAsOfDropsLaterPages(t *testing.T) {
	asOf := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	b := newTestBrave(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("freshness"); got != "1970-01-01to2024-01-02" {
			t.Errorf("unexpected freshness %q", got)
		}
		json.NewEncoder(w).Encode(braveResponse{
			Web: braveWeb{Results: []braveResult{
				{Title: "old", URL: "https://a", PageAge: "2023-12-30T10:00:00"},
				{Title: "future", URL: "https://b", PageAge: "2024-03-01T10:00:00"},
				{Title: "undated", URL: "https://c"},
			}},
		})
	})

	results, err := b.Search(context.Background(), Query{Text: "market", AsOf: &asOf})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	for _, r := range results {
		if r.Title == "future" {
			t.Error("expected result published after as_of to be dropped")
		}
	}
	if !strings.Contains(Format("market", results, &asOf), "on or before 2024-01-02") {
		t.Error("expected as_of note")
	}
}

func TestBraveSearchErrors(t *testing.T) {
	b := newTestBrave(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	})

	if _, err := b.Search(context.Background(), Query{Text: "  "}); err == nil {
		t.Error("expected error for empty query")
	}
	_, err := b.Search(context.Background(), Query{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{{0, 5}, {-3, 5}, {1, 1}, {10, 10}, {50, 10}}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatNoResults(t *testing.T) {
	if !strings.Contains(Format("q", nil, nil), "No web search results") {
		t.Error("expected no results message")
	}
}

func TestReaderRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Rates on hold</h1><p>The central bank paused.</p></body></html>`))
	}))
	defer server.Close()

	md, err := NewReader().Read(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "Rates on hold") || !strings.Contains(md, "The central bank paused") {
		t.Errorf("unexpected markdown %q", md)
	}
}

func TestReaderTruncates(t *testing.T) {
	long := strings.Repeat("x", 60000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>" + long + "</p></body></html>"))
	}))
	defer server.Close()

	md, err := NewReader().Read(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(md) > 51000 {
		t.Errorf("expected truncation, got length %d", len(md))
	}
}

func TestReaderErrors(t *testing.T) {
	if _, err := NewReader().Read(context.Background(), ""); err == nil {
		t.Error("expected error for missing URL")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	if _, err := NewReader().Read(context.Background(), server.URL); err == nil {
		t.Error("expected error for 404")
	}
}
