// Package llm is the language model contract of the conversation pipeline.
// Backends stream a reply as [Chunk] values so the first sentence can be
// spoken before the model has finished.
package llm

import "context"

// Provider is implemented by every language model backend. Implementations
// are safe for concurrent use and stop promptly when ctx is cancelled.
type Provider interface {
	// StreamCompletion starts a reply. An error return means nothing was
	// started; failures after that arrive as a final chunk with
	// FinishReason [FinishError]. The channel is closed when the reply ends
	// or ctx is cancelled, and callers drain it.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete returns the whole reply at once. The pipeline uses it when a
	// stream breaks before any text arrived.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages without
	// undercounting.
	CountTokens(messages []Message) (int, error)

	// Capabilities describes the configured model.
	Capabilities() ModelCapabilities
}
