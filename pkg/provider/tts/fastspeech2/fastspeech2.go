// Package fastspeech2 provides a TTS provider for a FastSpeech2 HTTP server
// exposing POST /tts (JSON in, WAV out), GET /speakers and GET /health.
package fastspeech2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLanguage sets the language sent when the voice has no locale.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSpeaker sets the speaker used when the voice has no ID.
func WithSpeaker(speaker string) Option {
	return func(p *Provider) { p.speaker = speaker }
}

// WithOutputSampleRate sets the rate PCM is resampled to. Defaults to 16 kHz.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// Provider implements tts.Provider against a FastSpeech2 server.
type Provider struct {
	serverURL  string
	language   string
	speaker    string
	outputRate int
	httpClient *http.Client
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("fastspeech2: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   "fr",
		outputRate: 16000,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type ttsRequest struct {
	Text     string  `json:"text"`
	Speaker  string  `json:"speaker,omitempty"`
	Speed    float64 `json:"speed"`
	Pitch    float64 `json:"pitch"`
	Language string  `json:"language"`
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

// SynthesizeStream implements tts.Provider. Volume is applied locally as gain.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fastspeech2: synthesize: %w", err)
	}
	req := ttsRequest{
		Speaker:  voice.ID,
		Speed:    orOne(voice.Rate),
		Pitch:    orOne(voice.Pitch),
		Language: voice.Locale,
	}
	if req.Speaker == "" {
		req.Speaker = p.speaker
	}
	if req.Language == "" {
		req.Language = p.language
	}
	lang, _, _ := strings.Cut(req.Language, "-")
	req.Language = strings.ToLower(lang)

	return tts.Pipeline(ctx, text, tts.DefaultLookahead, func(ctx context.Context, sentence string) ([]byte, error) {
		r := req
		r.Text = sentence
		pcm, err := p.synthesize(ctx, r)
		if err != nil {
			return nil, err
		}
		if voice.Volume > 0 && voice.Volume != 1 {
			pcm = audio.Gain(pcm, voice.Volume)
		}
		return pcm, nil
	}), nil
}

func orOne(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return f
}

func (p *Provider) synthesize(ctx context.Context, body ttsRequest) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("fastspeech2: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/tts", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("fastspeech2: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fastspeech2: POST /tts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fastspeech2: POST /tts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fastspeech2: read response: %w", err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("fastspeech2: %w", err)
	}
	return audio.ToMono16(pcm, f, p.outputRate), nil
}

// ListVoices implements tts.Provider via GET /speakers ({"speakers": [...]}).
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("fastspeech2: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fastspeech2: GET /speakers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fastspeech2: GET /speakers: status %d", resp.StatusCode)
	}
	var body struct {
		Speakers []string `json:"speakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fastspeech2: decode speakers: %w", err)
	}
	voices := make([]types.VoiceProfile, 0, len(body.Speakers))
	for _, s := range body.Speakers {
		voices = append(voices, types.VoiceProfile{ID: s, Name: s, Provider: "fastspeech2", Locale: p.language})
	}
	return voices, nil
}

// Ping implements tts.Pinger via GET /health.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("fastspeech2: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fastspeech2: GET /health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fastspeech2: GET /health: status %d", resp.StatusCode)
	}
	return nil
}
