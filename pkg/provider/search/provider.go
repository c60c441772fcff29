// Package search defines the Provider interface for web search backends.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned when the backend has no API key.
var ErrNotConfigured = errors.New("search: no API key configured")

// Depth selects how thoroughly the backend searches.
type Depth string

const (
	DepthBasic    Depth = "basic"
	DepthAdvanced Depth = "advanced"
)

// IsValid reports whether d is a known depth.
func (d Depth) IsValid() bool {
	return d == DepthBasic || d == DepthAdvanced
}

// Query describes one search.
type Query struct {
	Text           string
	IncludeDomains []string
	ExcludeDomains []string
	Depth          Depth
	MaxResults     int
}

// Result is one search hit.
type Result struct {
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// Response is the outcome of a search.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	// Timing is the backend-reported processing time in seconds.
	Timing float64 `json:"timing"`
}

// Provider is the abstraction over any web search backend.
type Provider interface {
	Search(ctx context.Context, q Query) (*Response, error)
}

// FormatContext renders results as a numbered plain-text block suitable for
// inclusion in an LLM prompt. Content is cut to maxContent runes per result.
func FormatContext(resp *Response, maxContent int) string {
	if resp == nil || len(resp.Results) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, r := range resp.Results {
		content := r.Content
		if maxContent > 0 {
			if runes := []rune(content); len(runes) > maxContent {
				content = string(runes[:maxContent]) + "…"
			}
		}
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n", i+1, r.Title, r.URL, content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
