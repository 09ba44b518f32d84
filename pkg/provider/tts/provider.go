// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, OpenAI, a
// local Coqui server) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of raw PCM audio as it becomes available, so playback
// of a sentence can begin before the whole reply is synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns a
	// channel that emits Chunk values in playback order. All PCM is int16
	// little-endian in the format reported by OutputFormat.
	//
	// The returned channel is closed by the implementation when all text has
	// been synthesised or when ctx is cancelled. A failure after the stream
	// started is reported as a final Chunk with Err set. The caller must drain
	// the channel to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan Chunk, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// OutputFormat reports the PCM format of synthesised audio.
	OutputFormat() audio.Format
}

// Synthesize is a convenience wrapper that synthesises one complete text.
func Synthesize(ctx context.Context, p Provider, text string, voice VoiceProfile) (<-chan Chunk, error) {
	in := make(chan string, 1)
	in <- text
	close(in)
	return p.SynthesizeStream(ctx, in, voice)
}
