package perf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sinkTimeout bounds a single telemetry delivery.
const sinkTimeout = 5 * time.Second

// Outcome describes how a turn ended.
type Outcome int

const (
	// OutcomeCompleted means the reply was spoken to the end.
	OutcomeCompleted Outcome = iota
	// OutcomeEmpty means transcription found no words.
	OutcomeEmpty
	// OutcomeInterrupted means the user cut the turn short.
	OutcomeInterrupted
	// OutcomeStopped means the conversation was stopped mid-turn.
	OutcomeStopped
	// OutcomeFailed means a stage failed.
	OutcomeFailed
)

// String returns the outcome name used in telemetry attributes.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeEmpty:
		return "empty"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeStopped:
		return "stopped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Report is what a [Sink] receives for each finished turn.
type Report struct {
	TurnID  string
	Outcome Outcome
	Metrics TurnMetrics
}

// Sink receives turn reports. Calls are made on their own goroutine and
// never awaited; a slow or panicking sink cannot stall the conversation.
type Sink interface {
	RecordTurn(ctx context.Context, r Report)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, r Report)

// RecordTurn implements [Sink].
func (f SinkFunc) RecordTurn(ctx context.Context, r Report) { f(ctx, r) }

// Option configures a [Tracker].
type Option func(*Tracker)

// WithSink sets the telemetry sink.
func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker aggregates turn metrics. All methods are safe for concurrent use.
type Tracker struct {
	sink Sink
	now  func() time.Time

	mu    sync.Mutex
	stats RollingStats
	last  TurnMetrics
	gen   uint64
}

// NewTracker creates a Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Now returns the tracker's clock reading.
func (t *Tracker) Now() time.Time { return t.now() }

// Begin starts recording a turn. origin is the instant speech ended, or the
// instant text was submitted for typed turns; [Turn.FirstAudio] measures
// the total pipeline latency from it.
func (t *Tracker) Begin(id string, origin time.Time) *Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Turn{tr: t, id: id, origin: origin, gen: t.gen}
}

// Summary returns the rolling averages.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.Summary()
}

// Last returns the metrics of the most recently finished turn.
func (t *Tracker) Last() TurnMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Reset empties the rolling windows and forgets the last turn. Turns begun
// before Reset no longer contribute to the averages.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Reset()
	t.last = TurnMetrics{}
	t.gen++
}

func (t *Tracker) publish(r Report) {
	if t.sink == nil {
		return
	}
	sink := t.sink
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Warn("perf: telemetry sink panicked", "turn_id", r.TurnID, "panic", p)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		sink.RecordTurn(ctx, r)
	}()
}

// Turn records the stage durations of one turn. Each metric is recorded at
// most once; later writes are ignored.
type Turn struct {
	tr     *Tracker
	id     string
	origin time.Time
	gen    uint64

	metrics  TurnMetrics
	finished bool
}

// ID returns the turn identity.
func (u *Turn) ID() string { return u.id }

// Record stores d for m. Negative durations are stored as zero.
func (u *Turn) Record(m Metric, d time.Duration) {
	if m < 0 || m >= numMetrics {
		return
	}
	t := u.tr
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.finished || u.metrics.Has(m) {
		return
	}
	u.metrics.put(m, d)
	if u.gen == t.gen {
		t.stats.Add(m, max(d, 0))
	}
}

// Since records the time elapsed from start for m.
func (u *Turn) Since(m Metric, start time.Time) {
	u.Record(m, u.tr.now().Sub(start))
}

// FirstAudio records the total pipeline latency from the turn origin to at,
// the instant the first frame became audible. Only the first call has an
// effect.
func (u *Turn) FirstAudio(at time.Time) {
	u.Record(TotalPipeline, at.Sub(u.origin))
}

// Metrics returns a copy of what has been recorded so far.
func (u *Turn) Metrics() TurnMetrics {
	u.tr.mu.Lock()
	defer u.tr.mu.Unlock()
	return u.metrics
}

// Finish closes the turn and hands a report to the sink. Calling Finish
// again is a no-op.
func (u *Turn) Finish(o Outcome) {
	t := u.tr
	t.mu.Lock()
	if u.finished {
		t.mu.Unlock()
		return
	}
	u.finished = true
	if u.gen == t.gen && !u.metrics.Empty() {
		t.last = u.metrics
	}
	r := Report{TurnID: u.id, Outcome: o, Metrics: u.metrics}
	t.mu.Unlock()

	t.publish(r)
}
