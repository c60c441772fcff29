// Package whisper provides an STT provider for a whisper.cpp HTTP server.
//
// whisper.cpp transcribes whole files, so a session buffers microphone PCM,
// cuts it into utterances at pauses (an RMS silence detector with a hang-over)
// and posts each utterance as a WAV file to POST /inference. Every utterance
// yields one final transcript; whisper produces no interim hypotheses, so
// Partials stays silent until it is closed.
//
//	p, err := whisper.New("http://localhost:8081", whisper.WithSilence(700*time.Millisecond))
//	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "fr-FR"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/stt"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

const (
	defaultSampleRate   = 16000
	defaultRMSThreshold = 300.0
	defaultSilence      = 600 * time.Millisecond
	defaultMaxUtterance = 15 * time.Second
	defaultMinSpeech    = 200 * time.Millisecond
)

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider against a whisper.cpp server. Sessions are
// independent and may run concurrently.
type Provider struct {
	serverURL    string
	model        string
	rmsThreshold float64
	silence      time.Duration
	maxUtterance time.Duration
	minSpeech    time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel forwards a model name to the server. Empty uses the server's model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithRMSThreshold sets the PCM16 RMS level below which audio counts as silence.
func WithRMSThreshold(rms float64) Option {
	return func(p *Provider) { p.rmsThreshold = rms }
}

// WithSilence sets how long a pause must last to end an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps utterance length; longer speech is flushed early.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithMinSpeech sets the shortest voiced span worth transcribing. Shorter
// bursts (clicks, coughs) are discarded.
func WithMinSpeech(d time.Duration) Option {
	return func(p *Provider) { p.minSpeech = d }
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		rmsThreshold: defaultRMSThreshold,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		minSpeech:    defaultMinSpeech,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No request is made until the first utterance
// completes.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}

	s := &session{
		p:        p,
		format:   f,
		language: whisperLanguage(cfg.Language),
		seg: segmenter{
			format:       f,
			threshold:    p.rmsThreshold,
			silence:      p.silence,
			maxUtterance: p.maxUtterance,
			minSpeech:    p.minSpeech,
		},
		audioCh:  make(chan []byte, 256),
		partials: make(chan types.Transcript),
		finals:   make(chan types.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

// whisperLanguage reduces a BCP-47 locale to the ISO 639-1 code whisper expects.
func whisperLanguage(locale string) string {
	if locale == "" {
		return "auto"
	}
	lang, _, _ := strings.Cut(locale, "-")
	lang, _, _ = strings.Cut(lang, "_")
	return strings.ToLower(lang)
}

// segmenter splits a PCM stream into utterances. It is confined to the session
// loop goroutine.
type segmenter struct {
	format       audio.Format
	threshold    float64
	silence      time.Duration
	maxUtterance time.Duration
	minSpeech    time.Duration

	buf      []byte
	voiced   time.Duration
	trailing time.Duration
}

// push appends chunk and returns a completed utterance, if any.
func (g *segmenter) push(chunk []byte) []byte {
	d := g.format.Duration(len(chunk))
	if audio.RMS(chunk) >= g.threshold {
		g.buf = append(g.buf, chunk...)
		g.voiced += d
		g.trailing = 0
		if g.format.Duration(len(g.buf)) >= g.maxUtterance {
			return g.flush()
		}
		return nil
	}
	if g.voiced == 0 {
		// leading silence is dropped
		return nil
	}
	g.buf = append(g.buf, chunk...)
	g.trailing += d
	if g.trailing >= g.silence {
		return g.flush()
	}
	return nil
}

// flush returns the buffered utterance, or nil if it holds too little speech.
func (g *segmenter) flush() []byte {
	pcm, voiced := g.buf, g.voiced
	g.buf, g.voiced, g.trailing = nil, 0, 0
	if voiced < g.minSpeech {
		return nil
	}
	return pcm
}

type session struct {
	p        *Provider
	format   audio.Format
	language string
	seg      segmenter

	audioCh  chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }

// Close stops the session. Buffered speech is discarded: the caller closes a
// session when the listening turn is over and no longer wants its result.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case chunk := <-s.audioCh:
			utt := s.seg.push(chunk)
			if utt == nil {
				continue
			}
			tr, err := s.transcribe(ctx, utt)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("whisper: transcription failed", "err", err)
				}
				continue
			}
			if tr.Text == "" {
				continue
			}
			select {
			case s.finals <- tr:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *session) transcribe(ctx context.Context, pcm []byte) (types.Transcript, error) {
	wav, err := audio.EncodeWAV(pcm, s.format)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: write form file: %w", err)
	}
	fields := map[string]string{
		"response_format": "json",
		"language":        s.language,
		"temperature":     "0.0",
	}
	if s.p.model != "" {
		fields["model"] = s.p.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return types.Transcript{}, fmt.Errorf("whisper: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.Transcript{}, fmt.Errorf("whisper: inference: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	return types.Transcript{
		Text:     strings.TrimSpace(result.Text),
		IsFinal:  true,
		Language: s.language,
		Duration: s.format.Duration(len(pcm)),
	}, nil
}
