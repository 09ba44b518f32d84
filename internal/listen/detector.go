// Package listen turns the live microphone stream into finished speech
// segments.
//
// A [Detector] feeds fixed-size mono frames to a [vad.Session] and
// assembles the frames between onset and end of speech into an
// [audio.Segment]. Onsets that do not last [Config.MinSpeech] are reported
// as misfires and produce no segment. Short pauses inside an utterance are
// bridged for [Config.Redemption] so a breath does not split a sentence.
//
// Analysis can be paused without dropping the microphone subscription; a
// paused detector reads and discards frames so the capture side never
// blocks.
package listen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrInputClosed is returned by [Detector.Run] when the frame channel closes,
// which means the audio device went away.
var ErrInputClosed = errors.New("listen: audio input closed")

// Config tunes speech detection.
type Config struct {
	// SampleRate is the rate frames are resampled to before analysis.
	SampleRate int

	// FrameSize is the analysis window handed to the VAD engine.
	FrameSize time.Duration

	// PositiveThreshold is the probability that opens speech.
	PositiveThreshold float64

	// NegativeThreshold is the probability below which speech may close.
	NegativeThreshold float64

	// MinSpeech is the shortest voiced stretch accepted as speech.
	MinSpeech time.Duration

	// PreSpeechPad is the audio kept from before the detected onset.
	PreSpeechPad time.Duration

	// Redemption is the silence tolerated inside an utterance before it ends.
	Redemption time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		FrameSize:         20 * time.Millisecond,
		PositiveThreshold: 0.5,
		NegativeThreshold: 0.35,
		MinSpeech:         250 * time.Millisecond,
		PreSpeechPad:      300 * time.Millisecond,
		Redemption:        600 * time.Millisecond,
	}
}

func (c Config) vadConfig() vad.Config {
	return vad.Config{
		SampleRate:       c.SampleRate,
		FrameSizeMs:      int(c.FrameSize / time.Millisecond),
		SpeechThreshold:  c.PositiveThreshold,
		SilenceThreshold: c.NegativeThreshold,
	}
}

// Validate reports invalid settings.
func (c Config) Validate() error {
	errs := []error{c.vadConfig().Validate()}
	if c.FrameSize%time.Millisecond != 0 {
		errs = append(errs, fmt.Errorf("listen: frame size %v is not a whole number of milliseconds", c.FrameSize))
	}
	if c.MinSpeech < 0 || c.PreSpeechPad < 0 || c.Redemption < 0 {
		errs = append(errs, errors.New("listen: durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Callbacks receive detection events. They run on the goroutine that called
// [Detector.Run] and must not block.
type Callbacks struct {
	OnSpeechStart func()
	OnSpeechEnd   func(audio.Segment)
	OnMisfire     func()
}

// Detector segments speech out of an audio stream.
type Detector struct {
	engine vad.Engine
	cfg    Config
	cb     Callbacks

	mu   sync.Mutex
	sess vad.Session

	active atomic.Bool
	reset  atomic.Bool
}

// New creates a Detector. Call [Detector.Init] before [Detector.Run].
func New(engine vad.Engine, cfg Config, cb Callbacks) (*Detector, error) {
	if engine == nil {
		return nil, errors.New("listen: vad engine must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{engine: engine, cfg: cfg, cb: cb}, nil
}

// Init opens the VAD session. Calling Init again replaces the session.
func (d *Detector) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := d.engine.NewSession(d.cfg.vadConfig())
	if err != nil {
		return fmt.Errorf("listen: init vad: %w", err)
	}
	d.mu.Lock()
	old := d.sess
	d.sess = sess
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Start resumes analysis.
func (d *Detector) Start() { d.active.Store(true) }

// Pause stops analysis and drops any half-detected utterance. It is
// idempotent.
func (d *Detector) Pause() {
	if d.active.Swap(false) {
		d.reset.Store(true)
	}
}

// Active reports whether frames are being analysed.
func (d *Detector) Active() bool { return d.active.Load() }

// Close releases the VAD session.
func (d *Detector) Close() error {
	d.active.Store(false)
	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Run reads frames until ctx is cancelled or frames closes. It returns
// [ErrInputClosed] in the latter case.
func (d *Detector) Run(ctx context.Context, frames <-chan audio.AudioFrame) error {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return errors.New("listen: Run called before Init")
	}

	seg := newSegmenter(d.cfg)
	conv := audio.NewConverter(audio.Format{SampleRate: d.cfg.SampleRate, Channels: 1})
	frameBytes := d.cfg.vadConfig().FrameBytes()
	var pending []byte
	log := observe.Logger(ctx)

	for {
		var frame audio.AudioFrame
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok = <-frames:
		}
		if !ok {
			return ErrInputClosed
		}

		if d.reset.Swap(false) {
			seg.clear()
			pending = pending[:0]
			sess.Reset()
		}
		if !d.active.Load() {
			continue
		}

		pending = append(pending, conv.Convert(frame).Data...)
		for len(pending) >= frameBytes {
			pcm := pending[:frameBytes:frameBytes]
			ev, err := sess.ProcessFrame(pcm)
			pending = append(pending[:0:0], pending[frameBytes:]...)
			if err != nil {
				log.Warn("vad frame failed", "err", err)
				continue
			}
			d.dispatch(seg.push(pcm, ev.Type))
		}
	}
}

func (d *Detector) dispatch(r result) {
	switch r.kind {
	case resultStart:
		if d.cb.OnSpeechStart != nil {
			d.cb.OnSpeechStart()
		}
	case resultEnd:
		if d.cb.OnSpeechEnd != nil {
			d.cb.OnSpeechEnd(r.segment)
		}
	case resultMisfire:
		if d.cb.OnMisfire != nil {
			d.cb.OnMisfire()
		}
	}
}
