// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one finished stretch of user speech into text. Speech
// detection decides where an utterance starts and ends; the provider only ever
// sees complete segments, so batch engines (whisper.cpp, OpenAI transcriptions)
// and streaming engines (Deepgram) share the same call shape.
//
// Implementations must be safe for concurrent use, although the conversation
// pipeline never issues more than one call at a time.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrEmptySegment is returned for segments without samples or sample rate.
var ErrEmptySegment = errors.New("stt: empty audio segment")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts seg to text. An utterance that contains no
	// recognisable words yields a Transcript with empty Text and a nil error.
	//
	// Implementations must return promptly when ctx is cancelled.
	Transcribe(ctx context.Context, seg audio.Segment) (Transcript, error)
}

// CheckSegment returns ErrEmptySegment when seg cannot be transcribed.
func CheckSegment(seg audio.Segment) error {
	if len(seg.Samples) == 0 || seg.SampleRate <= 0 {
		return ErrEmptySegment
	}
	return nil
}
