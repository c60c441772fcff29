// Package agent decodes and executes assistant requests that arrive as a
// tagged envelope, from the HTTP API or the MCP server.
//
// Each request type is its own variant with a validated payload. Decode picks
// the variant from the envelope type; Dispatcher.Dispatch switches over the
// closed set of variants.
package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
)

// Kind names a request variant on the wire.
type Kind string

const (
	KindChat        Kind = "chat"
	KindSearch      Kind = "search"
	KindSpeak       Kind = "speak"
	KindGetSettings Kind = "get_settings"
	KindSetLanguage Kind = "set_language"
	KindSetVoice    Kind = "set_voice"
)

var (
	// ErrUnknownType is returned by Decode for an unrecognised envelope type.
	ErrUnknownType = errors.New("agent: unknown request type")

	// ErrInvalidRequest wraps payload decoding and validation failures.
	ErrInvalidRequest = errors.New("agent: invalid request")
)

// Request is one of the request variants declared in this file.
type Request interface {
	Kind() Kind
	Validate() error
	isRequest()
}

// Envelope is the wire form of a Request.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatRequest asks the assistant a question through the chat history.
type ChatRequest struct {
	Message   string `json:"message"`
	WebSearch bool   `json:"web_search,omitempty"`
}

// SearchRequest runs a web search.
type SearchRequest struct {
	Query          string       `json:"query"`
	IncludeDomains []string     `json:"include_domains,omitempty"`
	ExcludeDomains []string     `json:"exclude_domains,omitempty"`
	Depth          search.Depth `json:"search_depth,omitempty"`
	MaxResults     int          `json:"max_results,omitempty"`
}

// SpeakRequest synthesises text with the configured voice.
type SpeakRequest struct {
	Text string `json:"text"`
}

// GetSettingsRequest returns the current settings.
type GetSettingsRequest struct{}

// SetLanguageRequest changes the response language.
type SetLanguageRequest struct {
	Language string `json:"language"`
}

// SetVoiceRequest replaces the voice settings.
type SetVoiceRequest struct {
	Voice settings.VoiceSettings `json:"voice"`
}

const maxSearchResults = 20

func (ChatRequest) Kind() Kind        { return KindChat }
func (SearchRequest) Kind() Kind      { return KindSearch }
func (SpeakRequest) Kind() Kind       { return KindSpeak }
func (GetSettingsRequest) Kind() Kind { return KindGetSettings }
func (SetLanguageRequest) Kind() Kind { return KindSetLanguage }
func (SetVoiceRequest) Kind() Kind    { return KindSetVoice }

func (ChatRequest) isRequest()        {}
func (SearchRequest) isRequest()      {}
func (SpeakRequest) isRequest()       {}
func (GetSettingsRequest) isRequest() {}
func (SetLanguageRequest) isRequest() {}
func (SetVoiceRequest) isRequest()    {}

// Validate implements Request.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errors.New("message must not be empty")
	}
	return nil
}

// Validate implements Request.
func (r SearchRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Query) == "" {
		errs = append(errs, errors.New("query must not be empty"))
	}
	if r.Depth != "" && !r.Depth.IsValid() {
		errs = append(errs, fmt.Errorf("search_depth %q must be basic or advanced", r.Depth))
	}
	if r.MaxResults < 0 || r.MaxResults > maxSearchResults {
		errs = append(errs, fmt.Errorf("max_results must be in [0, %d]", maxSearchResults))
	}
	return errors.Join(errs...)
}

// Validate implements Request.
func (r SpeakRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text must not be empty")
	}
	return nil
}

// Validate implements Request.
func (GetSettingsRequest) Validate() error { return nil }

// Validate implements Request.
func (r SetLanguageRequest) Validate() error {
	return settings.ValidateLanguage(r.Language)
}

// Validate implements Request.
func (r SetVoiceRequest) Validate() error {
	return r.Voice.Validate()
}

// SearchQuery converts the request to a search query.
func (r SearchRequest) SearchQuery() search.Query {
	return search.Query{
		Text:           r.Query,
		IncludeDomains: r.IncludeDomains,
		ExcludeDomains: r.ExcludeDomains,
		Depth:          r.Depth,
		MaxResults:     r.MaxResults,
	}
}

// Decode resolves env into its request variant and validates it. Unknown
// payload fields are rejected.
func Decode(env Envelope) (Request, error) {
	var req Request
	var err error
	switch env.Type {
	case KindChat:
		req, err = decodePayload[ChatRequest](env.Payload)
	case KindSearch:
		req, err = decodePayload[SearchRequest](env.Payload)
	case KindSpeak:
		req, err = decodePayload[SpeakRequest](env.Payload)
	case KindGetSettings:
		req, err = decodePayload[GetSettingsRequest](env.Payload)
	case KindSetLanguage:
		req, err = decodePayload[SetLanguageRequest](env.Payload)
	case KindSetVoice:
		req, err = decodeVoice(env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, env.Type, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, env.Type, err)
	}
	return req, nil
}

// Encode returns the envelope for req.
func Encode(req Request) (Envelope, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("agent: encode %s: %w", req.Kind(), err)
	}
	return Envelope{Type: req.Kind(), Payload: payload}, nil
}

func decodePayload[T Request](raw json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// decodeVoice starts from the default voice so omitted fields keep defaults.
func decodeVoice(raw json.RawMessage) (SetVoiceRequest, error) {
	req := SetVoiceRequest{Voice: settings.DefaultVoice()}
	if len(bytes.TrimSpace(raw)) == 0 {
		return req, errors.New("voice payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	return req, nil
}
