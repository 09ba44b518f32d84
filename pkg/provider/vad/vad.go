// Package vad is the voice activity detection contract used by the
// listener. An [Engine] hands out one [Session] per audio stream; the
// session scores fixed-size frames of mono int16 PCM and reports speech
// transitions. Turning transitions into utterances happens in the listener.
package vad

import (
	"errors"
	"fmt"
)

// Config describes the frames a session will receive and its thresholds.
// Thresholds are speech probabilities in [0, 1].
type Config struct {
	SampleRate  int
	FrameSizeMs int

	// SpeechThreshold opens speech; SilenceThreshold, at or below it, closes
	// speech again. The gap between them keeps borderline frames from
	// flapping.
	SpeechThreshold  float64
	SilenceThreshold float64
}

// FrameBytes returns the byte length of one frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %v outside [0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// EventType is the speech state of a frame after hysteresis.
type EventType int

const (
	SpeechStart EventType = iota
	SpeechContinue
	SpeechEnd
	Silence
)

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Voiced reports whether the frame belongs to an utterance.
func (t EventType) Voiced() bool { return t == SpeechStart || t == SpeechContinue }

// Event is the result for one frame.
type Event struct {
	Type EventType

	// Probability is the frame's raw score before hysteresis.
	Probability float64
}

// Session tracks speech state for one stream. ProcessFrame runs inline in
// the capture loop and must not block. Sessions are used from one goroutine.
type Session interface {
	// ProcessFrame scores one frame of exactly Config.FrameBytes bytes.
	ProcessFrame(frame []byte) (Event, error)

	// Reset forgets any speech in progress, e.g. after the pipeline paused
	// listening while the assistant spoke.
	Reset()

	// Close releases the session. It is idempotent.
	Close() error
}

// Engine creates sessions and is safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (Session, error)
}

// Hysteresis turns per-frame probabilities into [EventType] transitions.
// Engines embed it so every backend shares the same threshold semantics.
type Hysteresis struct {
	Speech  float64
	Silence float64

	active bool
}

// Next classifies a frame with probability p.
func (h *Hysteresis) Next(p float64) EventType {
	switch {
	case !h.active && p >= h.Speech:
		h.active = true
		return SpeechStart
	case h.active && p < h.Silence:
		h.active = false
		return SpeechEnd
	case h.active:
		return SpeechContinue
	}
	return Silence
}

// Reset returns to silence.
func (h *Hysteresis) Reset() { h.active = false }
