// Package mock provides in-memory mock implementations of [audio.Device] and
// [audio.Session] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	sess := mock.NewSession(audio.Format{SampleRate: 16000, Channels: 1})
//	dev := &mock.Device{OpenResult: sess}
//	sess.Feed(frame)          // simulate microphone input
//	played := sess.Played()   // inspect playback
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [audio.Session]. Frames written to
// Output are collected and can be read back with [Session.Played].
type Session struct {
	format audio.Format
	in     chan audio.AudioFrame
	out    chan audio.AudioFrame
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	played []audio.AudioFrame
	closed bool

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSession returns a Session whose speaker expects format f.
func NewSession(f audio.Format) *Session {
	s := &Session{
		format: f,
		in:     make(chan audio.AudioFrame, 256),
		out:    make(chan audio.AudioFrame, 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.collect()
	return s
}

func (s *Session) collect() {
	defer s.wg.Done()
	for {
		select {
		case f := <-s.out:
			s.mu.Lock()
			s.played = append(s.played, f)
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Feed delivers a captured frame on Input. Frames fed after Close are dropped.
func (s *Session) Feed(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.in <- f
}

// Played returns a copy of every frame written to Output so far.
func (s *Session) Played() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.played))
	copy(out, s.played)
	return out
}

// Flushes returns the number of Flush calls.
func (s *Session) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFlush
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Input implements [audio.Session].
func (s *Session) Input() <-chan audio.AudioFrame { return s.in }

// Output implements [audio.Session].
func (s *Session) Output() chan<- audio.AudioFrame { return s.out }

// OutputFormat implements [audio.Session].
func (s *Session) OutputFormat() audio.Format { return s.format }

// Flush implements [audio.Session].
func (s *Session) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
}

// Close implements [audio.Session]. The input channel is closed on the first
// call.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.in)
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenResult is the session returned by Open. When nil a fresh 16 kHz
	// mono [Session] is created per call.
	OpenResult audio.Session

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context) (audio.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.OpenResult != nil {
		return d.OpenResult, nil
	}
	return NewSession(audio.Format{SampleRate: 16000, Channels: 1}), nil
}

// Opens returns the number of Open calls.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}

var (
	_ audio.Device  = (*Device)(nil)
	_ audio.Session = (*Session)(nil)
)
