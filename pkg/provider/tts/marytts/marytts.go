// Package marytts provides a TTS provider for a MaryTTS 5.x HTTP server.
//
// MaryTTS synthesises one utterance per request, so SynthesizeStream splits
// the incoming text into sentences and issues POST /process calls with a small
// lookahead (see tts.Pipeline). Prosody comes from MaryTTS audio effects:
//
//	rate    → effect_Rate     durScale:1/rate
//	pitch   → effect_F0Scale  f0Scale:pitch
//	volume  → effect_Volume   amount:volume
//	robotic → effect_Robot    amount:100
//
// Effects are only sent when the value differs from its neutral setting.
package marytts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
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

const (
	defaultLocale     = "fr"
	defaultTimeout    = 30 * time.Second
	defaultOutputRate = 16000
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLocale sets the locale used when the voice carries none. BCP-47 tags
// such as "fr-FR" are accepted.
func WithLocale(locale string) Option {
	return func(p *Provider) { p.locale = locale }
}

// WithDefaultVoice sets the voice used when the profile has no ID.
func WithDefaultVoice(name string) Option {
	return func(p *Provider) { p.defaultVoice = name }
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

// WithLookahead sets how many sentences are synthesised concurrently.
func WithLookahead(n int) Option {
	return func(p *Provider) { p.lookahead = n }
}

// Provider implements tts.Provider against MaryTTS.
type Provider struct {
	serverURL    string
	locale       string
	defaultVoice string
	outputRate   int
	lookahead    int
	httpClient   *http.Client
}

// New returns a Provider for the server at serverURL (e.g. "http://localhost:59125").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("marytts: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		locale:     defaultLocale,
		outputRate: defaultOutputRate,
		lookahead:  tts.DefaultLookahead,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("marytts: synthesize: %w", err)
	}
	form := p.baseForm(voice)
	return tts.Pipeline(ctx, text, p.lookahead, func(ctx context.Context, sentence string) ([]byte, error) {
		return p.synthesize(ctx, sentence, form)
	}), nil
}

// baseForm builds every /process parameter except INPUT_TEXT.
func (p *Provider) baseForm(voice types.VoiceProfile) url.Values {
	locale := voice.Locale
	if locale == "" {
		locale = p.locale
	}
	form := url.Values{
		"INPUT_TYPE":  {"TEXT"},
		"OUTPUT_TYPE": {"AUDIO"},
		"AUDIO":       {"WAVE_FILE"},
		"LOCALE":      {Locale(locale)},
	}
	name := voice.ID
	if name == "" {
		name = p.defaultVoice
	}
	if name != "" {
		form.Set("VOICE", name)
	}
	for _, e := range Effects(voice) {
		form.Set("effect_"+e.Name+"_selected", "on")
		form.Set("effect_"+e.Name+"_parameters", e.Parameters)
	}
	return form
}

func (p *Provider) synthesize(ctx context.Context, sentence string, base url.Values) ([]byte, error) {
	form := make(url.Values, len(base)+1)
	for k, v := range base {
		form[k] = v
	}
	form.Set("INPUT_TEXT", sentence)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/process", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("marytts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marytts: process: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("marytts: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marytts: process: status %d: %s", resp.StatusCode, firstLine(body))
	}

	pcm, f, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, fmt.Errorf("marytts: %w", err)
	}
	return audio.ToMono16(pcm, f, p.outputRate), nil
}

// ListVoices parses GET /voices, one "name locale gender type" line per voice.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	body, err := p.get(ctx, "/voices")
	if err != nil {
		return nil, err
	}
	var voices []types.VoiceProfile
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v := types.VoiceProfile{ID: fields[0], Name: fields[0], Provider: "marytts", Locale: fields[1], Metadata: map[string]string{}}
		if len(fields) > 2 {
			v.Metadata["gender"] = fields[2]
		}
		if len(fields) > 3 {
			v.Metadata["type"] = fields[3]
		}
		voices = append(voices, v)
	}
	return voices, nil
}

// Ping implements tts.Pinger via GET /version.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.get(ctx, "/version")
	return err
}

// Version returns the server's version banner.
func (p *Provider) Version(ctx context.Context) (string, error) {
	body, err := p.get(ctx, "/version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (p *Provider) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("marytts: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marytts: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("marytts: GET %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marytts: GET %s: status %d", path, resp.StatusCode)
	}
	return body, nil
}

// Effect is one MaryTTS audio effect with its parameter string.
type Effect struct {
	Name       string
	Parameters string
}

// Effects maps voice prosody onto MaryTTS effects, omitting neutral values.
// Zero Rate, Pitch or Volume mean the voice default.
func Effects(v types.VoiceProfile) []Effect {
	var out []Effect
	if v.Rate > 0 && v.Rate != 1 {
		out = append(out, Effect{"Rate", "durScale:" + ffmt(1/v.Rate) + ";"})
	}
	if v.Pitch > 0 && v.Pitch != 1 {
		out = append(out, Effect{"F0Scale", "f0Scale:" + ffmt(v.Pitch) + ";"})
	}
	if v.Volume > 0 && v.Volume != 1 {
		out = append(out, Effect{"Volume", "amount:" + ffmt(v.Volume) + ";"})
	}
	if v.Robotic {
		out = append(out, Effect{"Robot", "amount:100.0;"})
	}
	return out
}

func ffmt(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

// Locale converts a BCP-47 tag into MaryTTS form. English keeps its region
// ("en-GB" → "en_GB", "en" → "en_US"); other languages use the bare code.
func Locale(tag string) string {
	lang, region, _ := strings.Cut(strings.ReplaceAll(tag, "_", "-"), "-")
	lang = strings.ToLower(lang)
	if lang != "en" {
		return lang
	}
	if region == "" {
		region = "US"
	}
	return "en_" + strings.ToUpper(region)
}

func firstLine(b []byte) string {
	s, _, _ := strings.Cut(strings.TrimSpace(string(b)), "\n")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
