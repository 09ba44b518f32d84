package anyllm

import (
	"slices"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestBackends(t *testing.T) {
	t.Parallel()

	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("Backends: want sorted, got %v", got)
	}
	for _, name := range []string{"anthropic", "gemini", "ollama", "openai"} {
		if !slices.Contains(got, name) {
			t.Errorf("Backends: want %s in %v", name, got)
		}
	}
}

func TestLocal(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"ollama":    true,
		"LlamaCpp":  true,
		"llamafile": true,
		"anthropic": false,
		"groq":      false,
	}
	for backend, want := range tests {
		if got := Local(backend); got != want {
			t.Errorf("Local(%q): want %v, got %v", backend, want, got)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("ollama", ""); err == nil {
		t.Error("empty model: want error")
	}
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil || !strings.Contains(err.Error(), `unsupported backend "fakecloud"`) {
		t.Errorf("unknown backend: want unsupported error, got %v", err)
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("openai without key: want error")
	}
}

func TestNew_LocalBackend(t *testing.T) {
	t.Parallel()

	p, err := New("Ollama", "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.backend != "ollama" {
		t.Errorf("backend: want ollama, got %q", p.backend)
	}
	if caps := p.Capabilities(); caps.ContextWindow != llm.DefaultContextWindow {
		t.Errorf("context window: want default %d, got %d", llm.DefaultContextWindow, caps.ContextWindow)
	}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "what's the weather"},
		{Role: llm.RoleAssistant, Content: "Sunny and 21 degrees."},
	}
	if n, _ := p.CountTokens(msgs); n != llm.EstimateTokens(msgs) {
		t.Errorf("CountTokens: want %d, got %d", llm.EstimateTokens(msgs), n)
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	p := &Provider{backend: "anthropic", model: "claude-3-5-haiku-latest"}
	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
		Temperature:  0.5,
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages: want system prompt first, got %+v", params.Messages)
	}
	if params.Messages[1].ContentString() != "Hi" {
		t.Errorf("user content: want Hi, got %q", params.Messages[1].ContentString())
	}
	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model: want claude-3-5-haiku-latest, got %q", params.Model)
	}
	if params.Temperature == nil || *params.Temperature != 0.5 {
		t.Errorf("temperature: want 0.5, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 64 {
		t.Errorf("max tokens: want 64, got %v", params.MaxTokens)
	}

	zero, err := p.params(llm.CompletionRequest{SystemPrompt: "Greet the user."})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if zero.Temperature != nil || zero.MaxTokens != nil {
		t.Error("unset sampling options: want nil pointers")
	}
	if _, err := p.params(llm.CompletionRequest{}); err == nil {
		t.Error("empty request: want error")
	}
}
