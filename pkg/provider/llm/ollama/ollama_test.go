package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm/ollama"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// chatServer answers /api/chat with the given NDJSON lines and records the
// decoded request body.
func chatServer(t *testing.T, lines []string, got *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path: got %q, want /api/chat", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("method: got %q, want POST", r.Method)
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			fmt.Fprintln(w, l)
			w.(http.Flusher).Flush()
		}
	}))
}

func userReq(text string) llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []types.Message{{Role: types.RoleUser, Content: text}}}
}

// TestNew_EmptyModel verifies that an empty model name is rejected.
func TestNew_EmptyModel(t *testing.T) {
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("expected error for empty model, got nil")
	}
}

// TestNew_TrimsTrailingSlash checks base URL normalisation.
func TestNew_TrimsTrailingSlash(t *testing.T) {
	p, err := ollama.New("http://host:11434/", "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.BaseURL() != "http://host:11434" {
		t.Errorf("BaseURL: got %q", p.BaseURL())
	}
}

// TestStreamCompletion_ConcatenatesDeltas checks that NDJSON deltas arrive in
// order and the final chunk carries the done reason.
func TestStreamCompletion_ConcatenatesDeltas(t *testing.T) {
	var body map[string]any
	srv := chatServer(t, []string{
		`{"message":{"role":"assistant","content":"Bon"},"done":false}`,
		`{"message":{"role":"assistant","content":"jour"},"done":false}`,
		``,
		`{"message":{"role":"assistant","content":"!"},"done":true,"done_reason":"stop"}`,
	}, &body)
	defer srv.Close()

	p, err := ollama.New(srv.URL, "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := userReq("Salut")
	req.SystemPrompt = "Tu es JARVIS."
	ch, err := p.StreamCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var sb strings.Builder
	var last llm.Chunk
	for c := range ch {
		sb.WriteString(c.Text)
		last = c
	}
	if sb.String() != "Bonjour!" {
		t.Errorf("text: got %q, want %q", sb.String(), "Bonjour!")
	}
	if last.FinishReason != "stop" {
		t.Errorf("finish reason: got %q, want stop", last.FinishReason)
	}

	if body["model"] != "llama3.2" {
		t.Errorf("model: got %v", body["model"])
	}
	if body["stream"] != true {
		t.Errorf("stream: got %v, want true", body["stream"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2 (system + user)", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "Tu es JARVIS." {
		t.Errorf("system message: got %v", first)
	}
}

// TestStreamCompletion_ErrorLine checks that an error object mid-stream is
// surfaced as a FinishError chunk.
func TestStreamCompletion_ErrorLine(t *testing.T) {
	srv := chatServer(t, []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"error":"model crashed"}`,
	}, nil)
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "llama3.2")
	resp, err := p.Complete(context.Background(), userReq("hi"))
	if err == nil {
		t.Fatalf("expected error, got response %+v", resp)
	}
	if !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("error: got %v", err)
	}
}

// TestStreamCompletion_MalformedLine checks that garbage on the wire ends the
// stream with an error instead of hanging.
func TestStreamCompletion_MalformedLine(t *testing.T) {
	srv := chatServer(t, []string{`{"message":`}, nil)
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "llama3.2")
	if _, err := p.Complete(context.Background(), userReq("hi")); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

// TestStreamCompletion_TruncatedStream checks that a stream without done=true
// reports an error.
func TestStreamCompletion_TruncatedStream(t *testing.T) {
	srv := chatServer(t, []string{`{"message":{"role":"assistant","content":"Hel"},"done":false}`}, nil)
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "llama3.2")
	if _, err := p.Complete(context.Background(), userReq("hi")); err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

// TestStreamCompletion_ModelNotFound checks the 404 mapping.
func TestStreamCompletion_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "nope")
	_, err := p.StreamCompletion(context.Background(), userReq("hi"))
	if !errors.Is(err, ollama.ErrModelNotFound) {
		t.Errorf("error: got %v, want ErrModelNotFound", err)
	}
}

// TestStreamCompletion_NoMessages checks request validation.
func TestStreamCompletion_NoMessages(t *testing.T) {
	p, _ := ollama.New("", "llama3.2")
	if _, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

// TestStreamCompletion_Options checks that configured options merge with
// request overrides.
func TestStreamCompletion_Options(t *testing.T) {
	var body map[string]any
	srv := chatServer(t, []string{`{"message":{"content":""},"done":true}`}, &body)
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "llama3.2",
		ollama.WithOptions(map[string]any{"num_ctx": 4096, "temperature": 0.2}),
		ollama.WithKeepAlive("10m"),
	)
	req := userReq("hi")
	req.Temperature = 0.9
	req.MaxTokens = 64
	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	opts, _ := body["options"].(map[string]any)
	if opts["temperature"] != 0.9 {
		t.Errorf("temperature: got %v, want 0.9", opts["temperature"])
	}
	if opts["num_predict"] != float64(64) {
		t.Errorf("num_predict: got %v, want 64", opts["num_predict"])
	}
	if opts["num_ctx"] != float64(4096) {
		t.Errorf("num_ctx: got %v, want 4096", opts["num_ctx"])
	}
	if body["keep_alive"] != "10m" {
		t.Errorf("keep_alive: got %v", body["keep_alive"])
	}
}

// TestPingAndListModels checks the auxiliary endpoints.
func TestPingAndListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			fmt.Fprint(w, `{"version":"0.17.4"}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest"},{"name":"mistral:7b"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "llama3.2")
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2:latest" || models[1] != "mistral:7b" {
		t.Errorf("models: got %v", models)
	}
}

// TestPing_Unreachable checks that a closed server reports an error.
func TestPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := ollama.New(url, "llama3.2")
	if err := p.Ping(context.Background()); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
