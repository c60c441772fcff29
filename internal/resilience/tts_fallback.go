package resilience

import (
	"context"
	"errors"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// TTSFallback implements [tts.Provider] with failover from one synthesis
// server to another, typically MaryTTS to FastSpeech2. Audio from a fallback
// is converted to the primary's output format so callers see one format.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider = (*TTSFallback)(nil)
	_ tts.Pinger   = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }

// Breaker returns the circuit breaker of the named backend, or nil.
func (f *TTSFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }

// SynthesizeStream starts a stream on the first healthy provider. Only stream
// setup is covered by failover: once a backend has started consuming text
// there is no way to replay it elsewhere.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	want := f.OutputFormat()
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		ch, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if got := p.OutputFormat(); got != want {
			return convert(ch, got, want.SampleRate), nil
		}
		return ch, nil
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// OutputFormat is the primary's format.
func (f *TTSFallback) OutputFormat() audio.Format {
	return f.group.Primary().OutputFormat()
}

// Ping succeeds if any backend answers. Backends without a ping are assumed
// reachable.
func (f *TTSFallback) Ping(ctx context.Context) error {
	var errs []error
	for _, e := range f.group.entries {
		p, ok := e.value.(tts.Pinger)
		if !ok {
			return nil
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// convert resamples every chunk of in to mono PCM16 at rate. Odd trailing
// bytes are carried over to the next chunk.
func convert(in <-chan []byte, from audio.Format, rate int) <-chan []byte {
	out := make(chan []byte)
	frame := 2 * from.Channels
	if frame <= 0 {
		frame = 2
	}
	go func() {
		defer close(out)
		var carry []byte
		for chunk := range in {
			buf := append(carry, chunk...)
			n := len(buf) - len(buf)%frame
			carry = append([]byte(nil), buf[n:]...)
			if n == 0 {
				continue
			}
			out <- audio.ToMono16(buf[:n], from, rate)
		}
	}()
	return out
}
