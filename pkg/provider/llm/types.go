package llm

import (
	"errors"
	"fmt"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishError is the FinishReason of a chunk that reports a stream failure.
const FinishError = "error"

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the plain-text body of the message.
	Content string
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user turn that drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero means
	// use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the provider
	// default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history. Providers
	// without a dedicated system field prepend it as a system message.
	SystemPrompt string
}

// Validate reports requests no backend can serve: nothing to send, or a
// message with a role outside the three known ones.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 && r.SystemPrompt == "" {
		return errors.New("llm: request has no messages")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("llm: message %d has unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty.
	Text string

	// FinishReason is set on the final chunk: "stop" (natural end), "length"
	// (MaxTokens reached), [FinishError] (stream failed), or "" (non-final).
	FinishReason string

	// Err is set when FinishReason is [FinishError].
	Err error
}

// StreamErr returns the error carried by a failure chunk, or nil.
func (c Chunk) StreamErr() error {
	if c.FinishReason != FinishError {
		return nil
	}
	if c.Err != nil {
		return c.Err
	}
	if c.Text != "" {
		return errors.New(c.Text)
	}
	return errors.New("llm: stream failed")
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum number of tokens (prompt + completion).
	ContextWindow int

	// MaxOutputTokens is the maximum completion length.
	MaxOutputTokens int

	// SupportsStreaming reports whether StreamCompletion yields incremental
	// chunks rather than one final chunk.
	SupportsStreaming bool
}

// EstimateTokens approximates the token count of messages at roughly four
// characters per token plus a small per-message overhead. Providers without
// a tokenizer use it for CountTokens.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
