package speech

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var _ Speaker = (*Queue)(nil)

// item is one queued utterance.
type item struct {
	text    string
	onStart func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan error
}

// Queue is a [Speaker] that plays requests one after another in submission
// order. A worker goroutine runs while the queue is non-empty.
type Queue struct {
	player

	mu      sync.Mutex
	pending []*item
	current *item
	running bool
}

// NewQueue creates a Queue playing on out.
func NewQueue(p tts.Provider, voice tts.VoiceProfile, out audio.Session) *Queue {
	return &Queue{player: player{provider: p, voice: voice, out: out}}
}

// Speak enqueues text and waits until it has been played.
func (q *Queue) Speak(ctx context.Context, text string, opts ...SpeakOption) error {
	o := applyOptions(opts)
	if o.interrupt {
		q.Stop()
	}

	ictx, cancel := context.WithCancel(ctx)
	it := &item{text: text, onStart: o.onStart, ctx: ictx, cancel: cancel, done: make(chan error, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, it)
	if !q.running {
		q.running = true
		go q.run()
	}
	q.mu.Unlock()

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		q.remove(it)
		return ctx.Err()
	}
}

// run plays pending items until the queue is empty.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.current = it
		q.mu.Unlock()

		err := q.play(it.ctx, it.text, it.onStart)
		it.cancel()

		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()
		it.done <- err
	}
}

// remove drops it from the queue or cancels it if it is playing.
func (q *Queue) remove(it *item) {
	q.mu.Lock()
	if i := slices.Index(q.pending, it); i >= 0 {
		q.pending = slices.Delete(q.pending, i, i+1)
	}
	q.mu.Unlock()
	it.cancel()
}

// Stop cancels the playing item and fails every pending item with
// [ErrStopped].
func (q *Queue) Stop() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	cur := q.current
	q.mu.Unlock()

	for _, it := range pending {
		it.cancel()
		it.done <- ErrStopped
	}
	if cur != nil {
		cur.cancel()
	}
}

// IsSpeaking reports whether an item is playing or waiting to play.
func (q *Queue) IsSpeaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil || len(q.pending) > 0
}
