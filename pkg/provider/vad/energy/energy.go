// Package energy provides a model-free [vad.Engine] that scores frames by
// their loudness. The RMS level of each frame is mapped from a decibel range
// onto [0, 1] and smoothed, so the shared hysteresis thresholds apply to it
// the same way they apply to a neural model's speech probability.
//
// It needs no model file, which makes it the default engine and a reasonable
// choice for close-talking microphones. Noisy rooms want a neural engine.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	defaultFloorDB   = -55.0
	defaultCeilingDB = -20.0
	defaultSmoothing = 0.4
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithRange sets the dBFS levels mapped to probability 0 and 1.
// Defaults to -55 dBFS and -20 dBFS.
func WithRange(floorDB, ceilingDB float64) Option {
	return func(e *Engine) {
		e.floorDB = floorDB
		e.ceilingDB = ceilingDB
	}
}

// WithSmoothing sets the exponential smoothing factor applied to the score of
// consecutive frames. 0 disables smoothing; values close to 1 react slowly.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) { e.smoothing = alpha }
}

// Engine implements [vad.Engine].
type Engine struct {
	floorDB   float64
	ceilingDB float64
	smoothing float64
}

var _ vad.Engine = (*Engine)(nil)

// New creates an energy Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		floorDB:   defaultFloorDB,
		ceilingDB: defaultCeilingDB,
		smoothing: defaultSmoothing,
	}
	for _, o := range opts {
		o(e)
	}
	if e.ceilingDB <= e.floorDB {
		return nil, fmt.Errorf("energy: ceiling %v dB must be above floor %v dB", e.ceilingDB, e.floorDB)
	}
	if e.smoothing < 0 || e.smoothing >= 1 {
		return nil, fmt.Errorf("energy: smoothing %v outside [0, 1)", e.smoothing)
	}
	return e, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{
		engine:     e,
		frameBytes: cfg.FrameBytes(),
		hyst:       vad.Hysteresis{Speech: cfg.SpeechThreshold, Silence: cfg.SilenceThreshold},
	}, nil
}

// Score maps a frame's RMS level onto [0, 1].
func (e *Engine) Score(frame []byte) float64 {
	rms := audio.RMS(frame)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - e.floorDB) / (e.ceilingDB - e.floorDB)
	return max(0, min(1, p))
}

var errClosed = errors.New("energy: session closed")

type session struct {
	engine     *Engine
	frameBytes int

	mu     sync.Mutex
	hyst   vad.Hysteresis
	level  float64
	closed bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errClosed
	}
	a := s.engine.smoothing
	s.level = a*s.level + (1-a)*s.engine.Score(frame)
	return vad.Event{Type: s.hyst.Next(s.level), Probability: s.level}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hyst.Reset()
	s.level = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
