package tts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

const (
	// DefaultLookahead is how many sentences may be synthesised concurrently.
	DefaultLookahead = 3

	audioChanBuf = 64
	pcmChunkSize = 4096
)

// SynthesizeFunc turns one sentence into PCM in the provider's output format.
type SynthesizeFunc func(ctx context.Context, sentence string) ([]byte, error)

type result struct {
	pcm []byte
	err error
}

// Pipeline drives a batch synthesis backend from a fragment stream. Fragments
// are cut into sentences; up to lookahead sentences are synthesised in
// parallel and their audio is emitted in input order, in chunks of at most
// 4 KiB. The first failed sentence ends the stream.
func Pipeline(ctx context.Context, text <-chan string, lookahead int, synth SynthesizeFunc) <-chan []byte {
	if lookahead < 1 {
		lookahead = 1
	}
	out := make(chan []byte, audioChanBuf)
	sentences := SplitSentences(ctx, text)
	queue := make(chan chan result, lookahead)

	go func() {
		defer close(queue)
		for s := range sentences {
			res := make(chan result, 1)
			select {
			case queue <- res:
			case <-ctx.Done():
				return
			}
			go func(s string) {
				pcm, err := synth(ctx, s)
				res <- result{pcm: pcm, err: err}
			}(s)
		}
	}()

	go func() {
		defer close(out)
		for res := range queue {
			var r result
			select {
			case r = <-res:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if !errors.Is(r.err, context.Canceled) {
					slog.Warn("tts: synthesis failed", "err", r.err)
				}
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(pcmChunkSize, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()
	return out
}

// SplitSentences reassembles fragments into trimmed sentences. A sentence ends
// at '.', '!', '?' or '…' followed by whitespace; the remainder is flushed when
// text closes.
func SplitSentences(ctx context.Context, text <-chan string) <-chan string {
	out := make(chan string, DefaultLookahead)
	go func() {
		defer close(out)
		var buf strings.Builder
		emit := func(s string) bool {
			s = strings.TrimSpace(s)
			if s == "" {
				return true
			}
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					emit(buf.String())
					return
				}
				buf.WriteString(frag)
				for {
					s := buf.String()
					i := sentenceEnd(s)
					if i < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[i:])
					if !emit(s[:i]) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// sentenceEnd returns the byte offset just past the first terminator that is
// followed by whitespace, or -1. "3.14" and "Dr.X" do not split.
func sentenceEnd(s string) int {
	prevTerm := false
	for i, r := range s {
		if prevTerm && unicode.IsSpace(r) {
			return i
		}
		prevTerm = r == '.' || r == '!' || r == '?' || r == '…'
	}
	return -1
}

// Speak synthesises a complete text and returns all of its PCM.
func Speak(ctx context.Context, p Provider, text string, voice types.VoiceProfile) ([]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)
	ch, err := p.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return nil, err
	}
	var pcm []byte
	for chunk := range ch {
		pcm = append(pcm, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pcm) == 0 && strings.TrimSpace(text) != "" {
		return nil, ErrNoAudio
	}
	return pcm, nil
}

// ErrNoAudio reports that synthesis of non-empty text produced no audio.
var ErrNoAudio = errors.New("tts: synthesis produced no audio")
