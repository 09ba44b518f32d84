// Package orchestrator runs the turn-taking loop of a spoken conversation.
//
// An [Orchestrator] owns the audio device session for the lifetime of a
// conversation and drives each turn through speech detection,
// transcription, streaming generation and synthesis:
//
//	Idle → Listening → Transcribing → Generating → Speaking → Listening
//
// All state lives on a single event-loop goroutine. Public methods and
// provider callbacks post closures into that loop, and every asynchronous
// call is tagged with the identity of the turn that issued it so results of
// a superseded turn are dropped.
//
// Speech detection is paused before generation starts and resumed only
// after the reply has finished playing plus a short cooldown, so the
// assistant never hears itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/generate"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/listen"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/perf"
	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

var (
	// ErrNotActive is returned by operations that need a running
	// conversation.
	ErrNotActive = errors.New("orchestrator: conversation not active")

	// ErrBusy is returned by SendText and ClearHistory while a turn is in
	// flight.
	ErrBusy = errors.New("orchestrator: turn in progress")

	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("orchestrator: empty text")

	// ErrInterruptDisabled is returned by Interrupt when interruption is
	// switched off.
	ErrInterruptDisabled = errors.New("orchestrator: interruption disabled")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("orchestrator: closed")

	// ErrStartAborted is returned by Start when Stop or Close was called
	// while the device was being opened.
	ErrStartAborted = errors.New("orchestrator: start aborted")
)

// Config holds the turn-taking parameters.
type Config struct {
	// Interruptible enables Interrupt.
	Interruptible bool

	// EarlySpeech starts speaking complete sentences while the reply is
	// still streaming.
	EarlySpeech bool

	// Cooldown is the pause between the end of playback and resuming
	// speech detection.
	Cooldown time.Duration

	// StageTimeout bounds each transcription and generation call.
	StageTimeout time.Duration

	// RetryDelay is how long a failed turn stays in StateError.
	RetryDelay time.Duration

	// RateLimitDelay replaces RetryDelay when a provider reported a rate
	// limit.
	RateLimitDelay time.Duration

	// Listen tunes speech detection.
	Listen listen.Config
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Interruptible:  true,
		EarlySpeech:    true,
		Cooldown:       300 * time.Millisecond,
		StageTimeout:   30 * time.Second,
		RetryDelay:     time.Second,
		RateLimitDelay: 5 * time.Second,
		Listen:         listen.DefaultConfig(),
	}
}

// Providers are the collaborators of a conversation.
type Providers struct {
	Device  audio.Device
	VAD     vad.Engine
	STT     stt.Provider
	Gen     *generate.Client
	Speaker speech.Factory
}

func (p Providers) validate() error {
	var errs []error
	if p.Device == nil {
		errs = append(errs, errors.New("orchestrator: audio device is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("orchestrator: vad engine is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("orchestrator: stt provider is required"))
	}
	if p.Gen == nil {
		errs = append(errs, errors.New("orchestrator: generation client is required"))
	}
	if p.Speaker == nil {
		errs = append(errs, errors.New("orchestrator: speaker factory is required"))
	}
	return errors.Join(errs...)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithTracker sets the performance tracker. By default a tracker without a
// telemetry sink is used.
func WithTracker(t *perf.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithHistory sets the conversation history, letting it outlive the
// orchestrator.
func WithHistory(h *history.History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithTranscriptFilter rewrites every transcript before it is used, for
// example to correct domain vocabulary.
func WithTranscriptFilter(fn func(string) string) Option {
	return func(o *Orchestrator) { o.filter = fn }
}

// WithMetrics records stage errors and the active conversation gauge into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// op is a closure run on the loop goroutine.
type op struct {
	fn    func() error
	reply chan error
}

// Orchestrator is the conversation state machine. Create one with [New] and
// release it with [Orchestrator.Close].
type Orchestrator struct {
	cfg     Config
	prov    Providers
	tracker *perf.Tracker
	history *history.History
	filter  func(string) string
	log     *slog.Logger
	metrics *observe.Metrics

	ops       chan op
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	snap  atomic.Pointer[Snapshot]
	subMu sync.Mutex
	subs  map[*subscriber]struct{}

	// Loop-owned state below.

	state    State
	errMsg   string
	starting bool
	runID    uint64

	sess      audio.Session
	det       *listen.Detector
	speaker   speech.Speaker
	runCancel context.CancelFunc

	speechStart time.Time
	turn        *turn

	// timerSeq invalidates pending cooldown and retry timers.
	timerSeq uint64
	timer    *time.Timer
}

// New creates an Orchestrator in StateIdle.
func New(cfg Config, prov Providers, opts ...Option) (*Orchestrator, error) {
	if err := prov.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Listen.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}
	o := &Orchestrator{
		cfg:      cfg,
		prov:     prov,
		ops:      make(chan op, 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		subs:     make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = perf.NewTracker()
	}
	if o.history == nil {
		o.history = history.New()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "orchestrator")
	o.publish()
	go o.loop()
	return o, nil
}

func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for {
		select {
		case op := <-o.ops:
			err := op.fn()
			o.publish()
			if op.reply != nil {
				op.reply <- err
			}
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.ops <- op{fn: fn, reply: reply}:
	case <-o.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-o.loopDone:
		return ErrClosed
	}
}

// post schedules fn on the loop without waiting. Events posted after Close
// are dropped.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.ops <- op{fn: func() error { fn(); return nil }}:
	case <-o.quit:
	}
}

// Start opens the audio device, prepares speech detection and begins
// listening. Starting an active conversation is a no-op. A failure leaves
// the orchestrator idle with the error recorded in the snapshot.
func (o *Orchestrator) Start(ctx context.Context) error {
	var (
		seq     uint64
		already bool
	)
	err := o.do(ctx, func() error {
		if o.state != StateIdle || o.starting {
			already = true
			return nil
		}
		o.starting = true
		o.runID++
		seq = o.runID
		o.errMsg = ""
		return nil
	})
	if err != nil || already {
		return err
	}

	sess, det, acqErr := o.acquire(ctx, seq)
	release := func() {
		if det != nil {
			_ = det.Close()
		}
		if sess != nil {
			_ = sess.Close()
		}
	}

	err = o.do(context.WithoutCancel(ctx), func() error {
		if !o.starting || seq != o.runID {
			release()
			return ErrStartAborted
		}
		o.starting = false
		if acqErr != nil {
			o.errMsg = acqErr.Error()
			o.log.Error("conversation start failed", "error", acqErr)
			return acqErr
		}
		o.activate(sess, det)
		return nil
	})
	if errors.Is(err, ErrClosed) {
		release()
	}
	return err
}

// acquire opens the device session and the detector for run seq.
func (o *Orchestrator) acquire(ctx context.Context, seq uint64) (audio.Session, *listen.Detector, error) {
	sess, err := o.prov.Device.Open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: open audio device: %w", err)
	}
	det, err := listen.New(o.prov.VAD, o.cfg.Listen, listen.Callbacks{
		OnSpeechStart: func() {
			at := time.Now()
			o.post(func() { o.onSpeechStart(seq, at) })
		},
		OnSpeechEnd: func(seg audio.Segment) {
			at := time.Now()
			o.post(func() { o.onSpeechEnd(seq, seg, at) })
		},
		OnMisfire: func() { o.post(func() { o.onMisfire(seq) }) },
	})
	if err == nil {
		err = det.Init(ctx)
	}
	if err != nil {
		_ = sess.Close()
		return nil, nil, fmt.Errorf("orchestrator: %w", err)
	}
	return sess, det, nil
}

// activate takes ownership of the acquired resources and starts listening.
func (o *Orchestrator) activate(sess audio.Session, det *listen.Detector) {
	runCtx, cancel := context.WithCancel(context.Background())
	o.sess, o.det, o.runCancel = sess, det, cancel
	o.speaker = o.prov.Speaker(sess)

	seq := o.runID
	go func() {
		err := det.Run(runCtx, sess.Input())
		if errors.Is(err, listen.ErrInputClosed) {
			o.post(func() { o.onInputClosed(seq) })
		}
	}()

	det.Start()
	o.setState(StateListening)
	if o.metrics != nil {
		o.metrics.SetActive(context.Background(), true)
	}
	o.log.Info("conversation started")
}

// Stop ends the conversation, cancelling any turn in flight and releasing
// the device. History is kept. Stopping an idle conversation is a no-op.
func (o *Orchestrator) Stop() error {
	err := o.do(context.Background(), func() error {
		o.stop("")
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// stop tears the conversation down. A non-empty reason is kept as the error
// message.
func (o *Orchestrator) stop(reason string) {
	if o.starting {
		o.starting = false
		o.runID++
	}
	if o.state == StateIdle {
		return
	}
	o.abandonTurn(perf.OutcomeStopped)
	o.cancelTimer()
	if o.runCancel != nil {
		o.runCancel()
	}
	if o.det != nil {
		if err := o.det.Close(); err != nil {
			o.log.Warn("closing vad session", "error", err)
		}
	}
	if o.sess != nil {
		if err := o.sess.Close(); err != nil {
			o.log.Warn("closing audio session", "error", err)
		}
	}
	o.sess, o.det, o.speaker, o.runCancel = nil, nil, nil, nil
	o.speechStart = time.Time{}
	o.runID++
	o.errMsg = reason
	o.setState(StateIdle)
	if o.metrics != nil {
		o.metrics.SetActive(context.Background(), false)
	}
	if reason != "" {
		o.log.Warn("conversation stopped", "reason", reason)
	} else {
		o.log.Info("conversation stopped")
	}
}

// Toggle stops an active conversation and starts an idle one.
func (o *Orchestrator) Toggle(ctx context.Context) error {
	if o.Snapshot().Active {
		return o.Stop()
	}
	return o.Start(ctx)
}

// SendText injects typed text as the user's turn, skipping speech detection
// and transcription.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	return o.do(ctx, func() error {
		if o.state == StateIdle {
			return ErrNotActive
		}
		if o.state != StateListening || o.turn != nil {
			return ErrBusy
		}
		if strings.TrimSpace(text) == "" {
			return ErrEmptyText
		}
		t := o.newTurn(time.Now())
		if err := o.beginGeneration(t, text); err != nil {
			o.endTurn(perf.OutcomeFailed)
			return err
		}
		return nil
	})
}

// Interrupt cuts the current turn short and resumes listening at once.
func (o *Orchestrator) Interrupt() error {
	return o.do(context.Background(), func() error {
		if !o.cfg.Interruptible {
			return ErrInterruptDisabled
		}
		if o.state == StateIdle {
			return ErrNotActive
		}
		if o.state == StateListening && o.turn == nil {
			return nil
		}
		if t := o.turn; t != nil {
			o.log.Info("turn interrupted", "turn_id", t.id, "state", o.state)
		}
		o.abandonTurn(perf.OutcomeInterrupted)
		o.cancelTimer()
		o.resumeListening()
		return nil
	})
}

// ClearHistory empties the conversation history and the rolling latency
// statistics. It fails with [ErrBusy] while a turn is in flight.
func (o *Orchestrator) ClearHistory() error {
	return o.do(context.Background(), func() error {
		if o.turn != nil {
			return ErrBusy
		}
		o.history.Clear()
		o.tracker.Reset()
		return nil
	})
}

// History returns the conversation so far, oldest first.
func (o *Orchestrator) History() []history.Message {
	return o.history.Messages()
}

// Close stops the conversation and the event loop. Subscriber channels are
// closed. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		_ = o.do(context.Background(), func() error {
			o.stop("")
			return nil
		})
		close(o.quit)
		<-o.loopDone
		o.closeSubscribers()
	})
	return nil
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.log.Debug("state change", "from", o.state, "to", s)
	o.state = s
}

// resumeListening re-arms speech detection after a turn.
func (o *Orchestrator) resumeListening() {
	o.speechStart = time.Time{}
	if o.det != nil {
		o.det.Start()
	}
	o.setState(StateListening)
}

// after runs fn on the loop once d has passed, unless another timer or
// cancelTimer supersedes it.
func (o *Orchestrator) after(d time.Duration, fn func()) {
	o.cancelTimer()
	seq := o.timerSeq
	o.timer = time.AfterFunc(d, func() {
		o.post(func() {
			if seq == o.timerSeq {
				o.timer = nil
				fn()
			}
		})
	})
}

func (o *Orchestrator) cancelTimer() {
	o.timerSeq++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
