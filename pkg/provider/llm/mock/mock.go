// Package mock provides a scripted [llm.Provider] for tests.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Provider replays canned output and records the requests it receives.
// Set the exported fields before the first call.
type Provider struct {
	// StreamChunks are sent, in order, on every stream.
	StreamChunks []llm.Chunk
	// StreamErr makes StreamCompletion fail before a stream opens.
	StreamErr error
	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration
	// Hold, when set, keeps a stream open after its last chunk until Hold
	// is closed or the request is cancelled.
	Hold chan struct{}

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	TokenCount     int
	CountTokensErr error

	ModelCapabilities llm.ModelCapabilities

	mu       sync.Mutex
	streams  []llm.CompletionRequest
	complete []llm.CompletionRequest
	counted  int
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streams = append(p.streams, req)
	p.mu.Unlock()
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range p.StreamChunks {
			if p.ChunkDelay > 0 && !sleep(ctx, p.ChunkDelay) {
				return
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if p.Hold != nil {
			select {
			case <-p.Hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.complete = append(p.complete, req)
	p.mu.Unlock()
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens implements [llm.Provider].
func (p *Provider) CountTokens([]llm.Message) (int, error) {
	p.mu.Lock()
	p.counted++
	p.mu.Unlock()
	return p.TokenCount, p.CountTokensErr
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// StreamCallCount returns how often StreamCompletion was called.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// CompleteCallCount returns how often Complete was called.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.complete)
}

// CountTokensCallCount returns how often CountTokens was called.
func (p *Provider) CountTokensCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counted
}

// LastRequest returns the request of the latest StreamCompletion call.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return llm.CompletionRequest{}, false
	}
	req := p.streams[len(p.streams)-1]
	req.Messages = slices.Clone(req.Messages)
	return req, true
}
