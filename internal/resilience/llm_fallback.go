package resilience

import (
	"context"
	"errors"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends, typically a local Ollama instance backed by OpenRouter. Each
// backend has its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var (
	_ llm.Provider    = (*LLMFallback)(nil)
	_ llm.Pinger      = (*LLMFallback)(nil)
	_ llm.ModelLister = (*LLMFallback)(nil)
)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Breaker returns the circuit breaker of the named backend, or nil.
func (f *LLMFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy provider. A stream
// whose first chunk is an error counts as a failed attempt and the next
// backend is tried; Ollama reports a missing model that way. Errors after
// the first chunk are passed through to the caller.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		first, ok := <-ch
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return closedStream(), nil
		}
		if first.FinishReason == llm.FinishError {
			for range ch {
			}
			if first.Err != nil {
				return nil, first.Err
			}
			return nil, llm.ErrStream
		}
		return prepend(ctx, first, ch), nil
	})
}

// CountTokens delegates to the primary's token counter. Counting is local
// arithmetic and does not participate in failover.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the capabilities of the primary.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// Ping succeeds if any backend answers its ping. Backends without a ping are
// assumed reachable.
func (f *LLMFallback) Ping(ctx context.Context) error {
	var errs []error
	for _, e := range f.group.entries {
		p, ok := e.value.(llm.Pinger)
		if !ok {
			return nil
		}
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListModels lists the models of the first backend that can enumerate them.
func (f *LLMFallback) ListModels(ctx context.Context) ([]string, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) ([]string, error) {
		if l, ok := p.(llm.ModelLister); ok {
			return l.ListModels(ctx)
		}
		return nil, errors.New("model listing not supported")
	})
}

func closedStream() <-chan llm.Chunk {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch
}

// prepend re-emits first followed by the rest of ch.
func prepend(ctx context.Context, first llm.Chunk, ch <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		c := first
		for {
			select {
			case out <- c:
			case <-ctx.Done():
				for range ch {
				}
				return
			}
			var ok bool
			if c, ok = <-ch; !ok {
				return
			}
		}
	}()
	return out
}
