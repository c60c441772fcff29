// Package types defines the data structures shared between providers, the chat
// turn manager and the conversation controller.
//
// Each package keeps its own domain types; only values that cross provider
// boundaries live here to avoid import cycles.
package types

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is a single entry of an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role Role

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// Transcript is a speech-to-text result. Partial and final results share the type.
type Transcript struct {
	Text string

	// IsFinal distinguishes an authoritative result from an interim one.
	IsFinal bool

	// Confidence is in [0,1]; zero when the recognizer does not report it.
	Confidence float64

	// Language is the locale the recognizer used, e.g. "fr-FR".
	Language string

	// Duration is the length of the recognised utterance.
	Duration time.Duration
}

// VoiceProfile describes a synthesis voice and its prosody adjustments.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Locale is the language of the voice, e.g. "fr" or "en_US".
	Locale string

	// Rate is the speaking rate multiplier; 1.0 is the voice default.
	Rate float64

	// Pitch is the pitch multiplier; 1.0 is the voice default.
	Pitch float64

	// Volume is the output gain in [0,1].
	Volume float64

	// Robotic enables a robotic post-processing effect where the provider supports it.
	Robotic bool

	// Metadata holds provider-specific attributes (gender, age, ...).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsVision      bool
	SupportsStreaming   bool
}
