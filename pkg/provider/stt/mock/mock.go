// Package mock provides test doubles for the stt.Provider and stt.SessionHandle
// interfaces.
//
// Provider hands out a fresh Session per StartStream call. Tests script the
// recognizer by calling EmitPartial and EmitFinal on the session, either from
// the test goroutine or from the OnStart hook.
package mock

import (
	"context"
	"sync"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/stt"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr is returned by StartStream instead of opening a session.
	StartErr error

	// OnStart, if set, is called with every new session before StartStream returns.
	OnStart func(*Session)

	sessions []*Session
	configs  []stt.StreamConfig
}

// StartStream records cfg and returns a new Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.configs = append(p.configs, cfg)
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	hook := p.OnStart
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	if hook != nil {
		hook(s)
	}
	return s, nil
}

// Sessions returns every session opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recent session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Configs returns the StreamConfig of every StartStream call.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// Session is a mock implementation of stt.SessionHandle with buffered result
// channels.
type Session struct {
	mu       sync.Mutex
	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool
	audio    int

	// SendAudioErr is returned by every SendAudio call.
	SendAudioErr error
}

// NewSession returns an open Session.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
	}
}

// EmitPartial delivers an interim transcript. It is a no-op after Close.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.partials <- types.Transcript{Text: text}
	}
}

// EmitFinal delivers a final transcript. It is a no-op after Close.
func (s *Session) EmitFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.finals <- types.Transcript{Text: text, IsFinal: true}
	}
}

// SendAudio counts the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.audio += len(chunk)
	return s.SendAudioErr
}

// AudioBytes returns the total number of bytes received by SendAudio.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Session) Partials() <-chan types.Transcript { return s.partials }
func (s *Session) Finals() <-chan types.Transcript   { return s.finals }

// Close closes both result channels. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
