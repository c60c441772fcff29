// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (MaryTTS, FastSpeech2) and
// presents a uniform streaming interface. SynthesizeStream accepts a channel of
// text fragments and returns a channel of PCM16LE audio in the provider's
// OutputFormat, so LLM output can be spoken sentence by sentence while it is
// still being generated.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and emits PCM chunks as they are
	// synthesised, in input order.
	//
	// The audio channel is closed when all text has been spoken, when ctx is
	// cancelled, or when synthesis fails. A failure ends the stream early;
	// callers that need to tell the cases apart compare the bytes received
	// with the text sent. The caller must drain the channel.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// OutputFormat is the format of every chunk SynthesizeStream emits.
	OutputFormat() audio.Format
}

// Pinger is implemented by providers that expose a cheap liveness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}
