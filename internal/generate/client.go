// Package generate drives one streamed language model reply per call.
//
// [Client.SendMessage] streams the reply through an onChunk callback and
// reports the finished text through onComplete. When the stream breaks, the
// client retries once with a non-streaming request and continues from where
// the stream stopped. [Client.Stop] cancels the call in flight; a stopped
// call never completes.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ErrDiverged is returned when the non-streaming fallback produced text that
// does not continue what the broken stream already delivered.
var ErrDiverged = errors.New("generate: fallback reply diverged from streamed text")

// ErrStopped is returned by SendMessage when the call was cancelled by
// [Client.Stop] or a newer call.
var ErrStopped = errors.New("generate: stopped")

// Request is the input of one generation call.
type Request struct {
	// History holds prior messages, oldest first.
	History []llm.Message

	// Text is the new user message.
	Text string
}

// Option configures a [Client].
type Option func(*Client)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(p string) Option {
	return func(c *Client) { c.systemPrompt = p }
}

// WithTemperature sets the sampling temperature. Zero uses the provider default.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps the reply length. Zero uses the provider default.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithMaxHistoryTokens trims the oldest history so the prompt stays within n
// tokens. Zero disables trimming.
func WithMaxHistoryTokens(n int) Option {
	return func(c *Client) { c.maxHistoryTokens = n }
}

// Client sends conversation turns to an [llm.Provider].
//
// At most one call is in flight; starting a new call cancels the previous
// one. All methods are safe for concurrent use.
type Client struct {
	provider         llm.Provider
	systemPrompt     string
	temperature      float64
	maxTokens        int
	maxHistoryTokens int

	mu      sync.Mutex
	current *call
}

// call is the state of one SendMessage invocation.
type call struct {
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
}

func (c *call) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()
}

func (c *call) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// New creates a Client for p.
func New(p llm.Provider, opts ...Option) *Client {
	c := &Client{provider: p}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Stop cancels the call in flight. It is safe to call at any time, any
// number of times.
func (c *Client) Stop() {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.mu.Unlock()
	if cur != nil {
		cur.stop()
	}
}

// SendMessage streams a reply to req.Text.
//
// onChunk receives each new piece of text and the full reply so far, in
// order. onComplete receives the full reply exactly once when the call
// succeeds and is never called for a stopped or failed call. Either callback
// may be nil.
//
// SendMessage blocks until the reply is complete, the call fails, or it is
// stopped. A stopped call returns an error wrapping [ErrStopped].
func (c *Client) SendMessage(ctx context.Context, req Request, onChunk func(delta, full string), onComplete func(full string)) (err error) {
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("generate: empty message")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := &call{cancel: cancel}

	c.mu.Lock()
	prev := c.current
	c.current = cl
	c.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
	defer func() {
		c.mu.Lock()
		if c.current == cl {
			c.current = nil
		}
		c.mu.Unlock()
	}()

	creq := c.buildRequest(req)
	ctx, span := observe.StartStage(ctx, "llm", attribute.Int("llm.messages", len(creq.Messages)))
	defer func() { observe.EndSpan(span, err, ErrStopped) }()

	var full strings.Builder
	emit := func(delta string) bool {
		if cl.isStopped() {
			return false
		}
		full.WriteString(delta)
		if onChunk != nil {
			onChunk(delta, full.String())
		}
		return true
	}

	streamErr := c.stream(ctx, creq, emit)
	if cl.isStopped() {
		return fmt.Errorf("generate: %w", ErrStopped)
	}
	if streamErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("generate: %w", ctx.Err())
		}
		observe.Logger(ctx).Warn("generate: stream failed, falling back to single request",
			"error", streamErr, "streamed_chars", full.Len())
		span.AddEvent("fallback")
		if ferr := c.fallback(ctx, creq, full.String(), emit); ferr != nil {
			if cl.isStopped() {
				return fmt.Errorf("generate: %w", ErrStopped)
			}
			return fmt.Errorf("generate: stream: %w; fallback: %w", streamErr, ferr)
		}
	}

	if cl.isStopped() {
		return fmt.Errorf("generate: %w", ErrStopped)
	}
	if onComplete != nil {
		onComplete(full.String())
	}
	return nil
}

// stream runs the streaming request, passing every non-empty delta to emit.
// It returns nil only if the stream ended with a non-error finish.
func (c *Client) stream(ctx context.Context, req llm.CompletionRequest, emit func(string) bool) error {
	ch, err := c.provider.StreamCompletion(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		// The provider closes ch on cancellation; drain what is left.
		go func() {
			for range ch {
			}
		}()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			if err := chunk.StreamErr(); err != nil {
				return err
			}
			if chunk.Text != "" && !emit(chunk.Text) {
				return ErrStopped
			}
			if chunk.FinishReason != "" {
				return nil
			}
		}
	}
}

// fallback completes the reply with a single request. Text already streamed
// must be a prefix of the fallback reply; the rest is emitted as one delta.
func (c *Client) fallback(ctx context.Context, req llm.CompletionRequest, streamed string, emit func(string) bool) error {
	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("empty response")
	}
	if !strings.HasPrefix(resp.Content, streamed) {
		return ErrDiverged
	}
	rest := resp.Content[len(streamed):]
	if rest != "" && !emit(rest) {
		return ErrStopped
	}
	return nil
}

func (c *Client) buildRequest(req Request) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Text})
	return llm.CompletionRequest{
		Messages:     history.Window(msgs, c.maxHistoryTokens, c.provider.CountTokens),
		SystemPrompt: c.systemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}
}
