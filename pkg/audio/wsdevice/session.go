package wsdevice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/coder/websocket"
)

// writeTimeout bounds a single playback write. A cancelled write closes the
// socket, so writes are not tied to the session context.
const writeTimeout = 5 * time.Second

// session is an open capture/playback session on a browser connection.
type session struct {
	c   *client
	in  chan audio.AudioFrame
	out chan audio.AudioFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inMu     sync.Mutex
	inClosed bool
	dropped  int

	closeOnce sync.Once
}

var _ audio.Session = (*session)(nil)

func newSession(c *client) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		c:      c,
		in:     make(chan audio.AudioFrame, 128),
		out:    make(chan audio.AudioFrame, 32),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

func (s *session) Input() <-chan audio.AudioFrame  { return s.in }
func (s *session) Output() chan<- audio.AudioFrame { return s.out }
func (s *session) OutputFormat() audio.Format      { return s.c.format }

// Flush drops queued playback and tells the browser to discard its buffer.
func (s *session) Flush() {
drain:
	for {
		select {
		case <-s.out:
		default:
			break drain
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.c.writeControl(ctx, "clear"); err != nil {
		slog.Debug("wsdevice: send clear failed", "client_id", s.c.id, "err", err)
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.c.detach(s)
		s.endInput()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.c.writeControl(ctx, "stop"); err != nil {
			slog.Debug("wsdevice: send stop failed", "client_id", s.c.id, "err", err)
		}
	})
	return nil
}

// deliver hands a captured frame to the reader, dropping it when the reader
// lags so the socket read loop never stalls.
func (s *session) deliver(f audio.AudioFrame) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.inClosed {
		return
	}
	select {
	case s.in <- f:
	default:
		s.dropped++
		if s.dropped%50 == 1 {
			slog.Warn("wsdevice: input backlog, dropping frames", "client_id", s.c.id, "dropped", s.dropped)
		}
	}
}

func (s *session) endInput() {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if !s.inClosed {
		s.inClosed = true
		close(s.in)
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.out:
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.c.writePCM(wctx, f.Data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
					slog.Debug("wsdevice: playback write failed", "client_id", s.c.id, "err", err)
				}
				return
			}
		}
	}
}
