// Package stt defines the Provider interface for streaming speech recognition.
//
// A provider opens a recognition session for one utterance window. PCM audio is
// pushed with SendAudio; interim hypotheses arrive on Partials and authoritative
// results on Finals. The conversation controller opens one session per
// listening turn and closes it when the turn ends.
package stt

import (
	"context"
	"errors"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio a session receives.
type StreamConfig struct {
	// SampleRate of the PCM16LE audio in Hz, typically 16000.
	SampleRate int

	// Channels is 1 for the microphone path.
	Channels int

	// Language is a BCP-47 locale such as "fr-FR". Empty lets the recognizer detect it.
	Language string
}

// SessionHandle is an open recognition session.
//
// Partials and Finals are closed by the implementation after Close returns or
// when the context passed to StartStream is cancelled.
type SessionHandle interface {
	SendAudio(chunk []byte) error
	Partials() <-chan types.Transcript
	Finals() <-chan types.Transcript
	Close() error
}

// Provider starts recognition sessions. Implementations must be safe for
// concurrent use.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
