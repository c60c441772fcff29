package tavily

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
)

const sampleResponse = `{
  "query": "météo Paris",
  "results": [
    {"url": "https://meteo.example/paris", "title": "Météo Paris", "content": "Ensoleillé, 21°C", "score": 0.93, "published_date": "2026-10-16"},
    {"url": "https://news.example/a", "title": "Actu", "content": "Rien", "score": 0.41}
  ],
  "timing": 1.27
}`

// capture starts a server that records the raw request body.
func capture(t *testing.T, status int, reply string) (*httptest.Server, *map[string]any) {
	t.Helper()
	got := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

// TestSearch_RequestBody checks required fields and omission of unset filters.
func TestSearch_RequestBody(t *testing.T) {
	srv, got := capture(t, http.StatusOK, sampleResponse)
	p := New(WithBaseURL(srv.URL), WithAPIKey("tvly-test"))

	resp, err := p.Search(context.Background(), search.Query{Text: "météo Paris"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := map[string]any{
		"api_key":      "tvly-test",
		"query":        "météo Paris",
		"search_depth": "basic",
		"max_results":  float64(5),
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("request body (-want +got):\n%s", diff)
	}
	if len(resp.Results) != 2 || resp.Results[0].PublishedDate != "2026-10-16" || resp.Timing != 1.27 {
		t.Errorf("response: got %+v", resp)
	}
}

// TestSearch_DomainFilters checks that filters are sent when set.
func TestSearch_DomainFilters(t *testing.T) {
	srv, got := capture(t, http.StatusOK, sampleResponse)
	p := New(WithBaseURL(srv.URL), WithAPIKey("k"))

	_, err := p.Search(context.Background(), search.Query{
		Text:           "x",
		IncludeDomains: []string{"lemonde.fr"},
		ExcludeDomains: []string{"spam.example"},
		Depth:          search.DepthAdvanced,
		MaxResults:     3,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	g := *got
	if g["search_depth"] != "advanced" || g["max_results"] != float64(3) {
		t.Errorf("depth/max: got %v / %v", g["search_depth"], g["max_results"])
	}
	if diff := cmp.Diff([]any{"lemonde.fr"}, g["include_domains"]); diff != "" {
		t.Errorf("include_domains (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"spam.example"}, g["exclude_domains"]); diff != "" {
		t.Errorf("exclude_domains (-want +got):\n%s", diff)
	}
}

// TestSearch_KeyResolution checks that the key func wins and empty falls back.
func TestSearch_KeyResolution(t *testing.T) {
	srv, got := capture(t, http.StatusOK, sampleResponse)

	p := New(WithBaseURL(srv.URL), WithAPIKey("from-config"),
		WithKeyFunc(func(context.Context) (string, error) { return "from-settings", nil }))
	if _, err := p.Search(context.Background(), search.Query{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if (*got)["api_key"] != "from-settings" {
		t.Errorf("api_key: got %v", (*got)["api_key"])
	}

	p = New(WithBaseURL(srv.URL), WithAPIKey("from-config"),
		WithKeyFunc(func(context.Context) (string, error) { return "  ", nil }))
	if _, err := p.Search(context.Background(), search.Query{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if (*got)["api_key"] != "from-config" {
		t.Errorf("api_key: got %v", (*got)["api_key"])
	}
}

// TestSearch_NotConfigured checks that no request is made without a key.
func TestSearch_NotConfigured(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).Search(context.Background(), search.Query{Text: "x"})
	if !errors.Is(err, search.ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if called {
		t.Error("server should not be called")
	}
}

// TestSearch_StatusError checks non-200 handling.
func TestSearch_StatusError(t *testing.T) {
	srv, _ := capture(t, http.StatusUnauthorized, `{"detail":{"error":"Unauthorized: missing or invalid API key."}}`)
	_, err := New(WithBaseURL(srv.URL), WithAPIKey("bad")).Search(context.Background(), search.Query{Text: "x"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized || !strings.Contains(se.Body, "invalid API key") {
		t.Fatalf("got %v", err)
	}
}

// TestSearch_Malformed checks that a bad JSON body is an error.
func TestSearch_Malformed(t *testing.T) {
	srv, _ := capture(t, http.StatusOK, `{"results": [`)
	if _, err := New(WithBaseURL(srv.URL), WithAPIKey("k")).Search(context.Background(), search.Query{Text: "x"}); err == nil {
		t.Fatal("expected decode error")
	}
}

// TestSearch_EmptyQuery checks input validation.
func TestSearch_EmptyQuery(t *testing.T) {
	if _, err := New(WithAPIKey("k")).Search(context.Background(), search.Query{Text: " "}); err == nil {
		t.Fatal("expected error")
	}
}
