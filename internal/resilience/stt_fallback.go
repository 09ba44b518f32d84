package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that fails over between transcription
// backends. The segment is shared read-only between attempts, so a retry on
// the next backend costs no copy.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe implements [stt.Provider]. An empty transcript is a valid
// result and does not fail over.
func (f *STTFallback) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, seg)
	})
}

// Available reports whether any backend accepts calls.
func (f *STTFallback) Available() bool { return f.group.Available() }

// Status returns the breaker state of every backend.
func (f *STTFallback) Status() []EntryStatus { return f.group.Status() }
