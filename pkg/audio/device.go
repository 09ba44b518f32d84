// Package audio defines the audio endpoint abstraction used by a conversation
// and the PCM helpers shared by speech detection and playback.
//
// The two primary abstractions are:
//
//   - [Device]: the host side of a conversation (a browser tab, a voice
//     channel). Opening it acquires the microphone and the speaker.
//   - [Session]: the acquired endpoint. It delivers captured frames on
//     [Session.Input] and plays frames written to [Session.Output] until
//     [Session.Close] releases it.
//
// Implementations live in sub-packages (audio/wsdevice, audio/discord,
// audio/mock). This package lives under pkg/ because embedders are expected
// to provide their own [Device].
package audio

import (
	"context"
	"errors"
)

// ErrNoDevice is returned by [Device.Open] when no microphone is available,
// for example because no browser is connected or the user denied access.
var ErrNoDevice = errors.New("audio: no input device available")

// Device acquires the microphone and speaker for one conversation.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the endpoint. ctx bounds the acquisition only; the returned
	// Session stays valid until Close is called. Permission and availability
	// failures should wrap [ErrNoDevice].
	Open(ctx context.Context) (Session, error)
}

// Session is an acquired audio endpoint.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// Input returns the captured microphone frames. The channel is closed when
	// the session ends.
	Input() <-chan AudioFrame

	// Output returns the channel playback frames are written to. Frames must
	// be in [Session.OutputFormat]. The channel is buffered; writers pace
	// themselves in real time. Frames written after Close are dropped.
	Output() chan<- AudioFrame

	// OutputFormat is the PCM format the speaker expects.
	OutputFormat() Format

	// Flush discards output frames that were queued but not yet played.
	Flush()

	// Close releases the microphone and speaker. It is safe to call Close more
	// than once; subsequent calls are no-ops and return nil.
	Close() error
}
