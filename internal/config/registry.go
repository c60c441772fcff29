package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/stt"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its configuration block.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name→constructor table.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	factory, ok := f.m[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    factories[llm.Provider]
	stt    factories[stt.Provider]
	tts    factories[tts.Provider]
	search factories[search.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    factories[llm.Provider]{kind: "llm", m: map[string]Factory[llm.Provider]{}},
		stt:    factories[stt.Provider]{kind: "stt", m: map[string]Factory[stt.Provider]{}},
		tts:    factories[tts.Provider]{kind: "tts", m: map[string]Factory[tts.Provider]{}},
		search: factories[search.Provider]{kind: "search", m: map[string]Factory[search.Provider]{}},
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterSearch registers a web search provider factory under name.
func (r *Registry) RegisterSearch(name string, factory Factory[search.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.search.m[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create(entry)
}

// CreateSearch instantiates a search provider using the factory registered under entry.Name.
func (r *Registry) CreateSearch(entry ProviderEntry) (search.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.search.create(entry)
}
