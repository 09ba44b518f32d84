// Package mock provides scripted [vad.Engine] and [vad.Session] doubles.
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Engine hands out Session, or a fresh [Session] when it is nil.
type Engine struct {
	mu sync.Mutex

	Session vad.Session

	// Err, if set, fails every NewSession call.
	Err error

	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{EventResult: vad.Event{Type: vad.Silence}}, nil
}

// Configs returns the config of every NewSession call.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session answers frames from Script, then with EventResult.
type Session struct {
	mu sync.Mutex

	Script      []vad.Event
	EventResult vad.Event

	// Err, if set, fails every ProcessFrame call.
	Err error

	frames [][]byte
	resets int
	closes int
}

var _ vad.Session = (*Session)(nil)

// ProcessFrame records a copy of frame and returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	if s.Err != nil {
		return vad.Event{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.EventResult, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

// Enqueue appends events to the script while frames are flowing.
func (s *Session) Enqueue(events ...vad.Event) {
	s.mu.Lock()
	s.Script = append(s.Script, events...)
	s.mu.Unlock()
}

// Reset implements [vad.Session].
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close implements [vad.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Frames returns how many frames were processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Submitted returns the processed frames in order.
func (s *Session) Submitted() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closes returns how often Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
