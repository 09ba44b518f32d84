// Package mock provides a test double for stt.Provider.
//
// Results are handed out in order, one per Transcribe call; once the script
// is exhausted Transcript is returned for every further call. Set Hold to
// block calls until the channel is closed or the context is cancelled.
//
// Example:
//
//	p := &mock.Provider{Results: []stt.Transcript{{Text: "hello"}}}
//	tr, _ := p.Transcribe(ctx, seg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results is consumed front to back, one entry per call.
	Results []stt.Transcript

	// Transcript is returned once Results is exhausted.
	Transcript stt.Transcript

	// Err, if non-nil, is returned from every call.
	Err error

	// Hold, if non-nil, blocks each call until it is closed or ctx ends.
	Hold chan struct{}

	segments []audio.Segment
}

// Transcribe records seg and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	p.mu.Lock()
	p.segments = append(p.segments, seg)
	hold := p.Hold
	err := p.Err
	tr := p.Transcript
	if len(p.Results) > 0 {
		tr = p.Results[0]
		p.Results = p.Results[1:]
	}
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return tr, nil
}

// CallCount returns how often Transcribe was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments)
}

// Segments returns every segment passed to Transcribe.
func (p *Provider) Segments() []audio.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Segment(nil), p.segments...)
}

// SetErr replaces Err under the lock.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}
