package orchestrator

import (
	"github.com/MrWong99/parley/internal/perf"
)

// Snapshot is a read-only view of the conversation, published after every
// change.
type Snapshot struct {
	State        State  `json:"state"`
	Active       bool   `json:"active"`
	Listening    bool   `json:"listening"`
	Transcribing bool   `json:"transcribing"`
	Generating   bool   `json:"generating"`
	Speaking     bool   `json:"speaking"`
	Transcript   string `json:"transcript,omitempty"`
	Response     string `json:"response,omitempty"`
	Error        string `json:"error,omitempty"`
	TurnID       string `json:"turnId,omitempty"`

	// Metrics belongs to the turn in flight, or to the last finished turn
	// when none is.
	Metrics perf.TurnMetrics `json:"metrics"`
	Stats   perf.Summary     `json:"stats"`
}

// subscriber receives the newest snapshot. Older undelivered snapshots are
// replaced.
type subscriber struct {
	ch chan Snapshot
}

func (s *subscriber) offer(snap Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribe returns a channel that receives the current snapshot and every
// later one. Slow readers only see the newest. The channel is closed by the
// returned cancel function or by Close.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, 1)}
	o.subMu.Lock()
	if o.subs == nil {
		o.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	o.subs[sub] = struct{}{}
	sub.offer(o.Snapshot())
	o.subMu.Unlock()

	cancel := func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if _, ok := o.subs[sub]; ok {
			delete(o.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Snapshot returns the latest published state.
func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snap.Load()
}

// publish rebuilds the snapshot from loop-owned state. Loop goroutine only.
func (o *Orchestrator) publish() {
	snap := Snapshot{
		State:        o.state,
		Active:       o.state != StateIdle || o.starting,
		Listening:    o.state == StateListening && o.det != nil && o.det.Active(),
		Transcribing: o.state == StateTranscribing,
		Generating:   o.state == StateGenerating,
		Error:        o.errMsg,
		Stats:        o.tracker.Summary(),
		Metrics:      o.tracker.Last(),
	}
	if t := o.turn; t != nil {
		snap.Speaking = t.speaking
		snap.Transcript = t.transcript
		snap.Response = t.response
		snap.TurnID = t.id.String()
		snap.Metrics = t.perf.Metrics()
	}
	o.snap.Store(&snap)

	o.subMu.Lock()
	for sub := range o.subs {
		sub.offer(snap)
	}
	o.subMu.Unlock()
}

func (o *Orchestrator) closeSubscribers() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for sub := range o.subs {
		close(sub.ch)
	}
	o.subs = nil
}
