// Package speech plays synthesised replies on an audio session.
//
// A [Speaker] turns text into audio through a [tts.Provider] and paces the
// PCM onto the session's output in real time, so that "finished" means the
// listener actually heard the end of the utterance. Two variants exist:
// [Queue] plays overlapping requests back to back, [Single] refuses a new
// request while one is playing. The variant is picked once through
// [NewFactory].
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var (
	// ErrStopped is returned by Speak when the utterance was cut short by
	// Stop or an interrupting request.
	ErrStopped = errors.New("speech: stopped")

	// ErrBusy is returned by [Single.Speak] while another utterance plays.
	ErrBusy = errors.New("speech: busy")
)

// Speaker plays text aloud.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Speak synthesises text and returns once it has finished playing, was
	// stopped (ErrStopped) or failed.
	Speak(ctx context.Context, text string, opts ...SpeakOption) error

	// Stop silences the current utterance at once and drops pending ones.
	// It is safe to call when nothing is playing.
	Stop()

	// IsSpeaking reports whether an utterance is being synthesised or played.
	IsSpeaking() bool
}

type speakOptions struct {
	interrupt bool
	onStart   func()
}

// SpeakOption configures one Speak call.
type SpeakOption func(*speakOptions)

// WithInterrupt stops whatever is playing and drops pending utterances
// before this one is spoken.
func WithInterrupt() SpeakOption {
	return func(o *speakOptions) { o.interrupt = true }
}

// OnStart registers fn to run when the first frame of this utterance is
// handed to the speaker.
func OnStart(fn func()) SpeakOption {
	return func(o *speakOptions) { o.onStart = fn }
}

func applyOptions(opts []SpeakOption) speakOptions {
	var o speakOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Mode selects the Speaker variant.
type Mode string

const (
	ModeQueue  Mode = "queue"
	ModeSingle Mode = "single"
)

// Factory builds a Speaker bound to one audio session.
type Factory func(out audio.Session) Speaker

// NewFactory returns a Factory for mode. An empty mode selects [ModeQueue].
func NewFactory(mode Mode, p tts.Provider, voice tts.VoiceProfile) (Factory, error) {
	if p == nil {
		return nil, errors.New("speech: tts provider must not be nil")
	}
	switch mode {
	case ModeQueue, "":
		return func(out audio.Session) Speaker { return NewQueue(p, voice, out) }, nil
	case ModeSingle:
		return func(out audio.Session) Speaker { return NewSingle(p, voice, out) }, nil
	default:
		return nil, fmt.Errorf("speech: unknown mode %q", mode)
	}
}

// player synthesises and paces one utterance at a time.
type player struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	out      audio.Session
}

// frameDurationMs is the length of the frames written to the session.
const frameDurationMs = 20

// play speaks text and blocks until playback ends. Cancelling ctx flushes
// the session output and returns ErrStopped.
func (p *player) play(ctx context.Context, text string, onStart func()) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := func() error {
		p.out.Flush()
		return ErrStopped
	}

	ch, err := tts.Synthesize(ctx, p.provider, text, p.voice)
	if err != nil {
		if ctx.Err() != nil {
			return stopped()
		}
		return fmt.Errorf("speech: synthesize: %w", err)
	}
	defer func() { go audio.Drain(ch) }()

	src := p.provider.OutputFormat()
	dst := p.out.OutputFormat()
	conv := audio.NewConverter(dst)
	frameBytes := dst.SampleRate * frameDurationMs / 1000 * 2 * dst.Channels

	var pace pacer
	started := false
	emit := func(pcm []byte) error {
		if err := pace.wait(ctx); err != nil {
			return err
		}
		select {
		case p.out.Output() <- audio.AudioFrame{Data: pcm, SampleRate: dst.SampleRate, Channels: dst.Channels}:
		case <-ctx.Done():
			return ctx.Err()
		}
		pace.add(audio.PCMDuration(len(pcm), dst))
		if !started {
			started = true
			if onStart != nil {
				onStart()
			}
		}
		return nil
	}

	// pending holds converted audio until a whole frame is available.
	var pending []byte
	for {
		var chunk tts.Chunk
		var ok bool
		select {
		case <-ctx.Done():
			return stopped()
		case chunk, ok = <-ch:
		}
		if !ok {
			break
		}
		if chunk.Err != nil {
			if ctx.Err() != nil {
				return stopped()
			}
			return fmt.Errorf("speech: synthesize: %w", chunk.Err)
		}
		frame := conv.Convert(audio.AudioFrame{Data: chunk.PCM, SampleRate: src.SampleRate, Channels: src.Channels})
		pending = append(pending, frame.Data...)
		for len(pending) >= frameBytes {
			if err := emit(pending[:frameBytes:frameBytes]); err != nil {
				return stopped()
			}
			pending = pending[frameBytes:]
		}
	}
	pending = append(pending, conv.Flush()...)
	for _, pcm := range audio.Chunk(pending, frameBytes, dst.Channels) {
		if len(pcm) == 0 {
			continue
		}
		if err := emit(pcm); err != nil {
			return stopped()
		}
	}

	if err := pace.drain(ctx); err != nil {
		return stopped()
	}
	return nil
}
