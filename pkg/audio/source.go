package audio

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPermissionDenied is returned by Source.Open when the user refused
	// microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrSourceBusy is returned by Source.Open while another stream is open.
	ErrSourceBusy = errors.New("audio: source already in use")
)

// Source hands out exclusive microphone streams.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture. Frames is closed when the capture ends, either
// because Close was called or the device went away.
type Stream interface {
	Frames() <-chan Frame
	Format() Format
	Close() error
}

// Sink plays synthesized audio. Play returns once playback has finished or ctx
// is cancelled; pcm must be drained either way.
type Sink interface {
	Play(ctx context.Context, f Format, pcm <-chan []byte) error
}

// ChanSource is a Source fed by Push. It backs the WebSocket transport, where
// the browser owns the real microphone, and doubles as a test source.
type ChanSource struct {
	format Format

	mu     sync.Mutex
	denied bool
	open   *chanStream
}

// NewChanSource returns a source producing frames in format f.
func NewChanSource(f Format) *ChanSource {
	return &ChanSource{format: f}
}

// SetDenied makes subsequent Open calls fail with ErrPermissionDenied.
func (s *ChanSource) SetDenied(denied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied = denied
}

// Open starts a stream. Only one stream may be open at a time.
func (s *ChanSource) Open(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return nil, ErrPermissionDenied
	}
	if s.open != nil {
		return nil, ErrSourceBusy
	}
	st := &chanStream{src: s, frames: make(chan Frame, 64), format: s.format}
	s.open = st
	return st, nil
}

// Push delivers PCM to the open stream. It reports false when no stream is
// open or the stream buffer is full; the frame is dropped in both cases.
func (s *ChanSource) Push(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return false
	}
	st := s.open
	f := Frame{Data: pcm, Format: st.format, Timestamp: st.format.Duration(st.offset)}
	select {
	case st.frames <- f:
		st.offset += len(pcm)
		return true
	default:
		return false
	}
}

// Lost ends the open stream as if the device disappeared.
func (s *ChanSource) Lost() {
	s.mu.Lock()
	st := s.open
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

type chanStream struct {
	src    *ChanSource
	frames chan Frame
	format Format
	offset int
	once   sync.Once
}

func (c *chanStream) Frames() <-chan Frame { return c.frames }
func (c *chanStream) Format() Format       { return c.format }

func (c *chanStream) Close() error {
	c.once.Do(func() {
		c.src.mu.Lock()
		if c.src.open == c {
			c.src.open = nil
		}
		close(c.frames)
		c.src.mu.Unlock()
	})
	return nil
}

// DiscardSink drains audio immediately. Used when no playback device exists.
type DiscardSink struct{}

// Play drains pcm and returns.
func (DiscardSink) Play(ctx context.Context, _ Format, pcm <-chan []byte) error {
	for {
		select {
		case _, ok := <-pcm:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			go Drain(pcm)
			return ctx.Err()
		}
	}
}
