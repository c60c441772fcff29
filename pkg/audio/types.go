// Package audio holds the PCM plumbing shared by the conversation controller,
// the speech providers and the WebSocket transport: frames, sources and sinks,
// sample conversion and WAV encoding.
//
// All PCM in this package is signed 16-bit little-endian.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the PCM16 byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM16 last in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Frame is one chunk of captured microphone audio.
type Frame struct {
	Data   []byte
	Format Format

	// Timestamp is the capture offset from the start of the stream.
	Timestamp time.Duration
}
