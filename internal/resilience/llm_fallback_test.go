package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

func newLLMPair(primary, secondary *llmmock.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("ollama", secondary)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		primaryErr error
		secondErr  error
		want       string
		wantErr    error
		wantSecond int
	}{
		{name: "primary answers", want: "from openai"},
		{name: "failover", primaryErr: errTest, want: "from ollama", wantSecond: 1},
		{name: "all down", primaryErr: errTest, secondErr: errTest, wantErr: ErrAllFailed, wantSecond: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "from openai"},
				CompleteErr:      tt.primaryErr,
			}
			secondary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "from ollama"},
				CompleteErr:      tt.secondErr,
			}
			resp, err := newLLMPair(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err: want %v, got %v", tt.wantErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("Complete: %v", err)
				}
				if resp.Content != tt.want {
					t.Errorf("content: want %q, got %q", tt.want, resp.Content)
				}
			}
			if got := secondary.CompleteCallCount(); got != tt.wantSecond {
				t.Errorf("secondary calls: want %d, got %d", tt.wantSecond, got)
			}
		})
	}
}

func TestLLMFallback_StreamOpensOnFallback(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errors.New("connection refused")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hi "}, {Text: "there.", FinishReason: "stop"}},
	}
	ch, err := newLLMPair(primary, secondary).StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Hi there." {
		t.Errorf("streamed text: want %q, got %q", "Hi there.", text)
	}
}

func TestLLMFallback_CountTokensFollowsAvailability(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{TokenCount: 10, CompleteErr: errTest}
	secondary := &llmmock.Provider{TokenCount: 12, CompleteResponse: &llm.CompletionResponse{}}
	fb := newLLMPair(primary, secondary)
	msgs := []llm.Message{{Role: "user", Content: "how late is it"}}

	if n, err := fb.CountTokens(msgs); err != nil || n != 10 {
		t.Fatalf("CountTokens with healthy primary: want 10, got %d (%v)", n, err)
	}

	// A failing counter is reported, not failed over, and never trips the
	// breaker.
	primary.CountTokensErr = errors.New("tokenizer missing")
	for range 3 {
		if _, err := fb.CountTokens(msgs); err == nil {
			t.Fatal("CountTokens: want primary's error")
		}
	}
	if !fb.Available() || fb.Status()[0].State != StateClosed {
		t.Errorf("counting errors must not open the breaker: %+v", fb.Status())
	}
	if n := secondary.CountTokensCallCount(); n != 0 {
		t.Errorf("secondary counted: want 0 calls, got %d", n)
	}
	primary.CountTokensErr = nil

	for range 2 {
		_, _ = fb.Complete(context.Background(), llm.CompletionRequest{})
	}
	if n, _ := fb.CountTokens(msgs); n != 12 {
		t.Errorf("CountTokens with open primary: want fallback's 12, got %d", n)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, SupportsStreaming: true}}
	secondary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192}}
	caps := newLLMPair(primary, secondary).Capabilities()
	if caps.ContextWindow != 128000 || !caps.SupportsStreaming {
		t.Errorf("Capabilities: want primary's, got %+v", caps)
	}
}
