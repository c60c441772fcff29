// Package mock provides a test double for the tts.Provider interface.
//
// Provider drains the text channel, records what it was asked to say, and
// answers with SynthesizeChunks:
//
//	p := &mock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Text is the concatenation of every fragment received.
	Text string
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is emitted once the text channel has been drained.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	// ListVoicesResult and ListVoicesErr are returned by ListVoices.
	ListVoicesResult []types.VoiceProfile
	ListVoicesErr    error

	// PingErr is returned by Ping.
	PingErr error

	// Format is returned by OutputFormat; zero means 16 kHz mono.
	Format audio.Format

	calls []SynthesizeCall
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.calls = append(p.calls, SynthesizeCall{Voice: voice})
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.SynthesizeChunks...)
	idx := len(p.calls)
	p.calls = append(p.calls, SynthesizeCall{Voice: voice})
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		var sb strings.Builder
		for frag := range text {
			sb.WriteString(frag)
		}
		p.mu.Lock()
		p.calls[idx].Text = sb.String()
		p.mu.Unlock()
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	if p.Format.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.Format
}

// Ping implements tts.Pinger.
func (p *Provider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}

// Calls returns a copy of every SynthesizeStream call so far.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)
