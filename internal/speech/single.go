package speech

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var _ Speaker = (*Single)(nil)

// Single is a [Speaker] that plays one utterance at a time on the calling
// goroutine. A Speak call made while another is playing fails with
// [ErrBusy] unless it carries [WithInterrupt]. An utterance that was
// stopped no longer counts as playing.
type Single struct {
	player

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished chan struct{}
	stopped  bool
}

// NewSingle creates a Single playing on out.
func NewSingle(p tts.Provider, voice tts.VoiceProfile, out audio.Session) *Single {
	return &Single{player: player{provider: p, voice: voice, out: out}}
}

// Speak plays text and returns when it has finished.
func (s *Single) Speak(ctx context.Context, text string, opts ...SpeakOption) error {
	o := applyOptions(opts)

	s.mu.Lock()
	for s.cancel != nil {
		if !o.interrupt && !s.stopped {
			s.mu.Unlock()
			return ErrBusy
		}
		cancel, finished := s.cancel, s.finished
		s.mu.Unlock()
		cancel()
		select {
		case <-finished:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	ctx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})
	s.cancel, s.finished, s.stopped = cancel, finished, false
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel, s.finished, s.stopped = nil, nil, false
		s.mu.Unlock()
		close(finished)
	}()
	return s.play(ctx, text, o.onStart)
}

// Stop cancels the playing utterance, if any.
func (s *Single) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	if cancel != nil {
		s.stopped = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsSpeaking reports whether an utterance is playing.
func (s *Single) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil && !s.stopped
}
