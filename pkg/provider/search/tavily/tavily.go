// Package tavily provides a search.Provider backed by the Tavily search API.
//
// The API key is resolved on every request through a KeyFunc, so a key saved
// in the settings repository takes effect without a restart:
//
//	p := tavily.New(tavily.WithKeyFunc(func(ctx context.Context) (string, error) {
//	    s, err := repo.Load(ctx)
//	    return s.TavilyAPIKey, err
//	}))
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
)

// DefaultBaseURL is the public Tavily endpoint.
const DefaultBaseURL = "https://api.tavily.com"

const (
	defaultMaxResults = 5
	maxErrorBody      = 8192
)

var _ search.Provider = (*Provider)(nil)

// KeyFunc returns the API key to use for one request. An empty key means
// "not configured".
type KeyFunc func(ctx context.Context) (string, error)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithAPIKey sets a fixed API key. Ignored when a KeyFunc yields a key.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithKeyFunc sets a per-request key lookup consulted before the fixed key.
func WithKeyFunc(fn KeyFunc) Option {
	return func(p *Provider) { p.keyFunc = fn }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// WithDefaults sets the depth and result count used when a query leaves them unset.
func WithDefaults(depth search.Depth, maxResults int) Option {
	return func(p *Provider) {
		if depth.IsValid() {
			p.depth = depth
		}
		if maxResults > 0 {
			p.maxResults = maxResults
		}
	}
}

// Provider implements search.Provider.
type Provider struct {
	baseURL    string
	apiKey     string
	keyFunc    KeyFunc
	depth      search.Depth
	maxResults int
	httpClient *http.Client
}

// New returns a Tavily provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		depth:      search.DepthBasic,
		maxResults: defaultMaxResults,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type searchRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
	SearchDepth    string   `json:"search_depth"`
	MaxResults     int      `json:"max_results"`
}

// key resolves the API key for one request.
func (p *Provider) key(ctx context.Context) (string, error) {
	if p.keyFunc != nil {
		k, err := p.keyFunc(ctx)
		if err != nil {
			return "", fmt.Errorf("tavily: resolve api key: %w", err)
		}
		if k = strings.TrimSpace(k); k != "" {
			return k, nil
		}
	}
	if p.apiKey == "" {
		return "", search.ErrNotConfigured
	}
	return p.apiKey, nil
}

// Search implements search.Provider.
func (p *Provider) Search(ctx context.Context, q search.Query) (*search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("tavily: query must not be empty")
	}
	apiKey, err := p.key(ctx)
	if err != nil {
		return nil, err
	}

	body := searchRequest{
		APIKey:         apiKey,
		Query:          q.Text,
		IncludeDomains: q.IncludeDomains,
		ExcludeDomains: q.ExcludeDomains,
		SearchDepth:    string(q.Depth),
		MaxResults:     q.MaxResults,
	}
	if !q.Depth.IsValid() {
		body.SearchDepth = string(p.depth)
	}
	if body.MaxResults <= 0 {
		body.MaxResults = p.maxResults
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out search.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}
	return &out, nil
}

// StatusError is returned for non-200 API responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tavily: search: status %d: %s", e.Code, e.Body)
}
