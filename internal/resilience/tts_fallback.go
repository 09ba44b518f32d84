package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] that opens each stream on the first
// backend whose breaker allows it. Audio always comes out in the primary's
// format; a fallback speaking another format is resampled.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a TTSFallback that prefers primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends a backend tried after those already added.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// OutputFormat returns the primary's format.
func (f *TTSFallback) OutputFormat() audio.Format {
	return f.group.Primary().OutputFormat()
}

// SynthesizeStream implements [tts.Provider]. Failover covers opening the
// stream; later errors arrive as error chunks and leave the breaker alone.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	want := f.OutputFormat()
	var served audio.Format
	ch, err := ExecuteWithResult(f.group, func(p tts.Provider) (<-chan tts.Chunk, error) {
		served = p.OutputFormat()
		return p.SynthesizeStream(ctx, text, voice)
	})
	if err != nil || served == want {
		return ch, err
	}
	return convertChunks(ch, served, want), nil
}

// convertChunks resamples in from one format to another. The converter's
// tail follows the last chunk unless the stream failed.
func convertChunks(in <-chan tts.Chunk, from, to audio.Format) <-chan tts.Chunk {
	out := make(chan tts.Chunk, cap(in))
	conv := audio.NewConverter(to)
	go func() {
		defer close(out)
		failed := false
		for c := range in {
			if c.Err != nil {
				failed = true
			} else if len(c.PCM) > 0 {
				frame := conv.Convert(audio.AudioFrame{Data: c.PCM, SampleRate: from.SampleRate, Channels: from.Channels})
				c.PCM = frame.Data
			}
			out <- c
		}
		if tail := conv.Flush(); !failed && len(tail) > 0 {
			out <- tts.Chunk{PCM: tail}
		}
	}()
	return out
}

// ListVoices implements [tts.Provider].
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Available reports whether any backend accepts calls.
func (f *TTSFallback) Available() bool { return f.group.Available() }

// Status returns the breaker state of every backend.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }
