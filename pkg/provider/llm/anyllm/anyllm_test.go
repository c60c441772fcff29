package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

func llmRequest(system, user string, temp float64, maxTokens int) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []types.Message{{Role: types.RoleUser, Content: user}},
		Temperature:  temp,
		MaxTokens:    maxTokens,
	}
}

// TestConvertMessage_CopiesFields checks role, content and tool call mapping.
func TestConvertMessage_CopiesFields(t *testing.T) {
	msg := convertMessage(types.Message{
		Role:      types.RoleAssistant,
		Content:   "Je cherche.",
		ToolCalls: []types.ToolCall{{ID: "call_1", Name: "web_search", Arguments: `{"query":"x"}`}},
	})
	if msg.Role != "assistant" {
		t.Errorf("role: got %q", msg.Role)
	}
	if msg.ContentString() != "Je cherche." {
		t.Errorf("content: got %q", msg.ContentString())
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "web_search" || msg.ToolCalls[0].Type != "function" {
		t.Errorf("tool calls: got %+v", msg.ToolCalls)
	}
}

// TestConvertMessage_Tool checks that tool results keep their call ID.
func TestConvertMessage_Tool(t *testing.T) {
	msg := convertMessage(types.Message{Role: types.RoleTool, Content: "ok", ToolCallID: "call_1"})
	if msg.ToolCallID != "call_1" {
		t.Errorf("tool call id: got %q", msg.ToolCallID)
	}
}

// TestBuildParams_SystemPromptFirst checks system prompt placement and options.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llmRequest("Tu es JARVIS.", "Bonjour", 0.4, 128))
	if len(params.Messages) != 2 {
		t.Fatalf("messages: got %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role: got %q", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature: got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("max tokens: got %v", params.MaxTokens)
	}
}

// TestModelCapabilities checks prefix matching and the default.
func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model  string
		window int
		vision bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"GPT-4", 8_192, false},
		{"claude-3-5-sonnet-latest", 200_000, true},
		{"gemini-2.0-flash", 1_048_576, true},
		{"mistral-small", 32_768, false},
		{"something-else", 32_768, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("context window: got %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.SupportsVision != tt.vision {
				t.Errorf("vision: got %v, want %v", caps.SupportsVision, tt.vision)
			}
			if !caps.SupportsStreaming {
				t.Error("expected streaming support")
			}
		})
	}
}

// TestNew_Validation checks constructor argument validation.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty backend")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

// TestNew_Backends checks that keyless and keyed backends construct.
func TestNew_Backends(t *testing.T) {
	if _, err := New("ollama", "llama3.2"); err != nil {
		t.Errorf("ollama: %v", err)
	}
	if _, err := New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test")); err != nil {
		t.Errorf("anthropic: %v", err)
	}
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Error("openai without key: expected error")
	}
}

// TestCountTokens_Empty checks that an empty history counts as zero.
func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens(nil)
	if err != nil || n != 0 {
		t.Errorf("got %d, %v; want 0, nil", n, err)
	}
}
