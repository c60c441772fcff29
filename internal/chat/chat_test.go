package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	llmmock "github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm/mock"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
	searchmock "github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search/mock"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// scripted returns a Generator that emits partials then returns final, err.
func scripted(partials []string, final string, err error) Generator {
	return GeneratorFunc(func(ctx context.Context, _ Request, onPartial func(string)) (string, error) {
		for _, p := range partials {
			onPartial(p)
		}
		return final, err
	})
}

var ignoreID = cmpopts.IgnoreFields(Message{}, "ID")

// TestSend_PartialsReplaceContent checks that each partial supersedes the
// previous one and the final message is not pending.
func TestSend_PartialsReplaceContent(t *testing.T) {
	m := New(scripted([]string{"Bon", "Bonjour!"}, "Bonjour!", nil))

	var updates []Message
	msg, err := m.Send(context.Background(), "Salut", OnUpdate(func(u Message) { updates = append(updates, u) }))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Content != "Bonjour!" || msg.Pending {
		t.Errorf("final message: got %+v", msg)
	}

	want := []Message{
		{Role: types.RoleUser, Content: "Salut"},
		{Role: types.RoleAssistant, Content: "Bonjour!"},
	}
	if diff := cmp.Diff(want, m.Messages(), ignoreID); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	wantUpdates := []Message{
		{Role: types.RoleUser, Content: "Salut"},
		{Role: types.RoleAssistant, Pending: true},
		{Role: types.RoleAssistant, Content: "Bon", Pending: true},
		{Role: types.RoleAssistant, Content: "Bonjour!", Pending: true},
		{Role: types.RoleAssistant, Content: "Bonjour!"},
	}
	if diff := cmp.Diff(wantUpdates, updates, ignoreID); diff != "" {
		t.Errorf("updates mismatch (-want +got):\n%s", diff)
	}
}

// TestSend_IDsAreUnique checks that every message gets its own ID.
func TestSend_IDsAreUnique(t *testing.T) {
	m := New(scripted(nil, "ok", nil))
	for i := 0; i < 3; i++ {
		if _, err := m.Send(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[string]bool{}
	for _, msg := range m.Messages() {
		if msg.ID == "" || seen[msg.ID] {
			t.Fatalf("duplicate or empty ID %q", msg.ID)
		}
		seen[msg.ID] = true
	}
}

// TestSend_ErrorReplacesPlaceholder checks failure handling.
func TestSend_ErrorReplacesPlaceholder(t *testing.T) {
	boom := errors.New("connection refused")
	m := New(scripted([]string{"Bon"}, "", boom))

	msg, err := m.Send(context.Background(), "Salut")
	if !errors.Is(err, boom) {
		t.Fatalf("Send error: got %v, want %v", err, boom)
	}
	if msg.Pending || !strings.HasPrefix(msg.Content, "Error: ") || !strings.Contains(msg.Content, "connection refused") {
		t.Errorf("error message: got %+v", msg)
	}

	hist := m.Messages()
	if len(hist) != 2 {
		t.Fatalf("history length: got %d, want 2", len(hist))
	}
	if hist[0].Content != "Salut" || hist[0].Role != types.RoleUser {
		t.Errorf("user message lost: %+v", hist[0])
	}
	if hist[1].Pending {
		t.Error("placeholder still pending after failure")
	}
}

// TestSend_Empty checks blank input is rejected without touching history.
func TestSend_Empty(t *testing.T) {
	m := New(scripted(nil, "x", nil))
	if _, err := m.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("got %v, want ErrEmptyMessage", err)
	}
	if len(m.Messages()) != 0 {
		t.Error("history should stay empty")
	}
}

// TestClear_DuringGeneration checks that a late result is discarded.
func TestClear_DuringGeneration(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, _ Request, onPartial func(string)) (string, error) {
		close(started)
		<-release
		onPartial("late")
		return "late", nil
	})
	m := New(gen)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "question")
		errCh <- err
	}()

	<-started
	if !m.Generating() {
		t.Error("Generating should be true mid-turn")
	}
	m.Clear()
	close(release)

	if err := <-errCh; !errors.Is(err, ErrCleared) {
		t.Errorf("Send error: got %v, want ErrCleared", err)
	}
	if n := len(m.Messages()); n != 0 {
		t.Errorf("history length after clear: got %d, want 0", n)
	}
	if m.Generating() {
		t.Error("Generating should be false after the turn ends")
	}
}

// TestSend_HistoryAndLanguageInRequest checks the request handed to the
// generator.
func TestSend_HistoryAndLanguageInRequest(t *testing.T) {
	repo := settings.NewKVRepository(settings.NewMemoryStore())
	s := settings.Defaults()
	s.Language = "en-US"
	if err := repo.Save(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var reqs []Request
	gen := GeneratorFunc(func(_ context.Context, req Request, _ func(string)) (string, error) {
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		return "reply", nil
	})
	m := New(gen, WithSettings(repo), WithHistoryLimit(2))

	for _, q := range []string{"one", "two", "three"} {
		if _, err := m.Send(context.Background(), q); err != nil {
			t.Fatal(err)
		}
	}

	last := reqs[len(reqs)-1]
	if !strings.Contains(last.SystemPrompt, "English (en-US)") {
		t.Errorf("system prompt lacks language: %q", last.SystemPrompt)
	}
	want := []types.Message{
		{Role: types.RoleUser, Content: "two"},
		{Role: types.RoleAssistant, Content: "reply"},
		{Role: types.RoleUser, Content: "three"},
	}
	if diff := cmp.Diff(want, last.Messages); diff != "" {
		t.Errorf("request messages mismatch (-want +got):\n%s", diff)
	}
}

// TestSend_WebSearch checks that search results reach the prompt.
func TestSend_WebSearch(t *testing.T) {
	sp := &searchmock.Provider{Response: &search.Response{
		Query: "météo Paris",
		Results: []search.Result{
			{URL: "https://meteo.example/paris", Title: "Météo Paris", Content: "Ensoleillé, 21°C"},
		},
	}}
	var got Request
	gen := GeneratorFunc(func(_ context.Context, req Request, _ func(string)) (string, error) {
		got = req
		return "Il fait beau.", nil
	})
	m := New(gen, WithSearch(sp))

	if _, err := m.Send(context.Background(), "météo Paris", WithWebSearch()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if q := sp.Queries(); len(q) != 1 || q[0].Text != "météo Paris" {
		t.Errorf("queries: got %+v", q)
	}
	if !strings.Contains(got.SystemPrompt, "https://meteo.example/paris") {
		t.Errorf("system prompt lacks search context: %q", got.SystemPrompt)
	}
}

// TestSend_WebSearchNotConfigured checks the friendly error text.
func TestSend_WebSearchNotConfigured(t *testing.T) {
	sp := &searchmock.Provider{Err: search.ErrNotConfigured}
	m := New(scripted(nil, "unused", nil), WithSearch(sp))

	msg, err := m.Send(context.Background(), "actualités", WithWebSearch())
	if !errors.Is(err, search.ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if !strings.Contains(msg.Content, "Tavily API key") {
		t.Errorf("content: got %q", msg.Content)
	}
}

// TestRespond checks the voice path returns the reply text.
func TestRespond(t *testing.T) {
	m := New(scripted(nil, "Oui monsieur.", nil))
	got, err := m.Respond(context.Background(), "Tu es là ?")
	if err != nil || got != "Oui monsieur." {
		t.Fatalf("Respond: got %q, %v", got, err)
	}
	if len(m.Messages()) != 2 {
		t.Error("voice turn should be recorded in history")
	}
}

// TestLLMGenerator_CumulativePartials checks delta accumulation.
func TestLLMGenerator_CumulativePartials(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Bon"}, {Text: "jour"}, {Text: "!"}, {FinishReason: "stop"},
	}}
	g := &LLMGenerator{Provider: p, Temperature: 0.7}

	var partials []string
	text, err := g.Generate(context.Background(), Request{SystemPrompt: "sys", Messages: []types.Message{{Role: types.RoleUser, Content: "Salut"}}},
		func(s string) { partials = append(partials, s) })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Bonjour!" {
		t.Errorf("text: got %q", text)
	}
	if diff := cmp.Diff([]string{"Bon", "Bonjour", "Bonjour!"}, partials); diff != "" {
		t.Errorf("partials mismatch (-want +got):\n%s", diff)
	}
	reqs := p.Requests()
	if len(reqs) != 1 || reqs[0].SystemPrompt != "sys" || reqs[0].Temperature != 0.7 {
		t.Errorf("request: got %+v", reqs)
	}
}

// TestLLMGenerator_StreamError checks mid-stream failures.
func TestLLMGenerator_StreamError(t *testing.T) {
	cause := errors.New("model not found")
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Bon"}, {FinishReason: llm.FinishError, Err: cause},
	}}
	g := &LLMGenerator{Provider: p}
	if _, err := g.Generate(context.Background(), Request{}, nil); !errors.Is(err, cause) {
		t.Fatalf("got %v, want %v", err, cause)
	}
}

// TestLLMGenerator_StartError checks failures before the stream opens.
func TestLLMGenerator_StartError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	g := &LLMGenerator{Provider: &llmmock.Provider{StreamErr: cause}}
	if _, err := g.Generate(context.Background(), Request{}, nil); !errors.Is(err, cause) {
		t.Fatalf("got %v, want %v", err, cause)
	}
}

// TestLLMGenerator_Cancelled checks that cancellation is reported.
func TestLLMGenerator_Cancelled(t *testing.T) {
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "a"}, {Text: "b"}},
		ChunkDelay:   50 * time.Millisecond,
	}
	g := &LLMGenerator{Provider: p}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, Request{}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

// TestLanguageName checks locale naming.
func TestLanguageName(t *testing.T) {
	for in, want := range map[string]string{"fr-FR": "French", "en_GB": "English", "xx-YY": "xx-YY"} {
		if got := LanguageName(in); got != want {
			t.Errorf("LanguageName(%q): got %q, want %q", in, got, want)
		}
	}
}
