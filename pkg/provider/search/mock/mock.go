// Package mock provides a test double for the search.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
)

// Provider is a mock implementation of search.Provider.
type Provider struct {
	mu sync.Mutex

	// Response and Err are returned by Search.
	Response *search.Response
	Err      error

	queries []search.Query
}

// Search records q and returns Response, Err.
func (p *Provider) Search(_ context.Context, q search.Query) (*search.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, q)
	return p.Response, p.Err
}

// Queries returns every query received.
func (p *Provider) Queries() []search.Query {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]search.Query(nil), p.queries...)
}

var _ search.Provider = (*Provider)(nil)
