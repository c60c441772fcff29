// Package mock provides a test double for the llm.Provider interface.
//
// Provider feeds scripted chunks to the chat turn manager and records the
// requests it receives, so tests can assert on prompts and history without a
// live Ollama or OpenRouter backend.
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Bon"}, {Text: "jour!"}}}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// Provider is a mock implementation of llm.Provider, llm.Pinger and
// llm.ModelLister. Zero values produce empty responses and nil errors.
type Provider struct {
	mu sync.Mutex

	// StreamChunks are emitted in order by StreamCompletion.
	StreamChunks []llm.Chunk

	// ChunkDelay is slept before each chunk; useful for cancellation tests.
	ChunkDelay time.Duration

	// StreamErr is returned by StreamCompletion instead of opening a stream.
	StreamErr error

	// CompleteResponse and CompleteErr are returned by Complete. When
	// CompleteResponse is nil the stream chunks are collected instead.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	TokenCount        int
	ModelCapabilities types.ModelCapabilities

	// PingErr is returned by Ping.
	PingErr error

	// Models is returned by ListModels.
	Models []string

	requests  []llm.CompletionRequest
	pingCalls int
}

// Requests returns a copy of every request passed to StreamCompletion or Complete.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// PingCalls returns how many times Ping was called.
func (p *Provider) PingCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingCalls
}

// StreamCompletion records req and streams StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records req and returns CompleteResponse, or the collected stream.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()
	if err != nil || resp != nil {
		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()
		return resp, err
	}
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(ch)
}

// CountTokens returns TokenCount, or an estimate when TokenCount is zero.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Ping records the call and returns PingErr.
func (p *Provider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingCalls++
	return p.PingErr
}

// ListModels returns Models.
func (p *Provider) ListModels(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Models...), nil
}

var (
	_ llm.Provider    = (*Provider)(nil)
	_ llm.Pinger      = (*Provider)(nil)
	_ llm.ModelLister = (*Provider)(nil)
)
