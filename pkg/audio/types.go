package audio

import "time"

// AudioFrame is one chunk of interleaved little-endian int16 PCM as it
// arrives from a microphone or is written to a speaker.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for speech detection).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), Format{SampleRate: f.SampleRate, Channels: f.Channels})
}

// Segment is a finished stretch of user speech, mono float32 samples in
// [-1, 1] at a fixed sample rate. Segments are produced by speech detection
// and handed to exactly one transcription call.
type Segment struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// PCMDuration returns the playback duration of n bytes of int16 PCM in format f.
func PCMDuration(n int, f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
