package conversation

import (
	"errors"
	"math"
	"time"
)

// State is the phase of the conversation loop.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateError
)

// String returns the lower-case state name used on the wire and in metrics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyActive is returned by Start while the controller is running.
	ErrAlreadyActive = errors.New("conversation: already active")

	// ErrPermissionDenied is returned by Start when the audio source refuses
	// microphone access.
	ErrPermissionDenied = errors.New("conversation: microphone permission denied")

	// ErrSourceLost reports that the microphone stream ended unexpectedly.
	ErrSourceLost = errors.New("conversation: audio source lost")

	// ErrMalformedResponse reports a reply the controller cannot speak.
	ErrMalformedResponse = errors.New("conversation: malformed response")
)

// VADSettings tunes the voice-activity trigger.
type VADSettings struct {
	// Sensitivity is the loudness in [0,1] at or above which a volume sample
	// counts as speech. 0 makes every sample count.
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`
}

// clamped returns s with Sensitivity limited to [0,1].
func (s VADSettings) clamped() VADSettings {
	s.Sensitivity = math.Max(0, math.Min(1, s.Sensitivity))
	return s
}

// Config holds the controller parameters. Zero fields take defaults, except
// VAD where a zero sensitivity is a valid threshold; start from
// [DefaultConfig] to get the default one.
type Config struct {
	VAD VADSettings

	// SustainFrames is how many consecutive loud samples start listening.
	SustainFrames int

	// ListenTimeout ends a listening phase that produced no final transcript.
	ListenTimeout time.Duration

	// MaxNoSpeech is how many consecutive empty turns trigger a suggestion.
	MaxNoSpeech int

	// AutoReactivate re-arms the voice trigger after each turn.
	AutoReactivate bool

	// FFTSize is the analyser window used for loudness.
	FFTSize int
}

// Defaults. DefaultSensitivity is calibrated against the loudness noise floor:
// room hiss reads near 0 and a vowel at speaking level reads above it.
const (
	DefaultSensitivity   = 0.3
	DefaultSustainFrames = 3
	DefaultListenTimeout = 8 * time.Second
	DefaultMaxNoSpeech   = 3
	DefaultFFTSize       = 512
)

// DefaultConfig returns the default configuration with auto-reactivate on.
func DefaultConfig() Config {
	return Config{
		VAD:            VADSettings{Sensitivity: DefaultSensitivity},
		SustainFrames:  DefaultSustainFrames,
		ListenTimeout:  DefaultListenTimeout,
		MaxNoSpeech:    DefaultMaxNoSpeech,
		AutoReactivate: true,
		FFTSize:        DefaultFFTSize,
	}
}

func (c Config) withDefaults() Config {
	c.VAD = c.VAD.clamped()
	if c.SustainFrames <= 0 {
		c.SustainFrames = DefaultSustainFrames
	}
	if c.ListenTimeout <= 0 {
		c.ListenTimeout = DefaultListenTimeout
	}
	if c.MaxNoSpeech <= 0 {
		c.MaxNoSpeech = DefaultMaxNoSpeech
	}
	if c.FFTSize <= 0 {
		c.FFTSize = DefaultFFTSize
	}
	return c
}
