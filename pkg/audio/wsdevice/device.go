// Package wsdevice provides an [audio.Device] backed by a browser tab that
// streams its microphone over a WebSocket and plays back what it receives.
//
// Wire protocol (one connection per tab, the newest connection wins):
//
//	browser → server  binary  little-endian int16 PCM microphone frames
//	browser → server  text    {"type":"ready"} | {"type":"error","message":"..."}
//	server  → browser binary  little-endian int16 PCM playback frames
//	server  → browser text    {"type":"start"} | {"type":"stop"} | {"type":"clear"}
//
// The PCM format of both directions is chosen by the browser with the
// "rate" and "channels" query parameters (default 16000 Hz mono). On
// "start" the browser requests microphone permission and answers "ready"
// or "error"; a refusal fails [Device.Open] with [audio.ErrNoDevice].
package wsdevice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultSampleRate  = 16000
	defaultOpenTimeout = 10 * time.Second
)

// Option is a functional option for configuring a [Device].
type Option func(*Device)

// WithOpenTimeout bounds how long Open waits for the browser to grant
// microphone access. Defaults to 10 s.
func WithOpenTimeout(d time.Duration) Option {
	return func(dev *Device) {
		if d > 0 {
			dev.openTimeout = d
		}
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// WebSocket upgrades.
func WithOriginPatterns(patterns ...string) Option {
	return func(dev *Device) { dev.originPatterns = patterns }
}

// Device accepts browser connections via [Device.ServeHTTP] and exposes the
// most recent one as an [audio.Device].
type Device struct {
	openTimeout    time.Duration
	originPatterns []string

	mu     sync.Mutex
	client *client
}

var _ audio.Device = (*Device)(nil)

// New creates a Device with no browser connected.
func New(opts ...Option) *Device {
	d := &Device{openTimeout: defaultOpenTimeout}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connected reports whether a browser is currently attached.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

// ServeHTTP upgrades the request to a WebSocket and serves it until the
// browser disconnects. A newer connection replaces an older one.
func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format, err := parseFormat(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.originPatterns})
	if err != nil {
		slog.Warn("wsdevice: accept failed", "err", err)
		return
	}

	c := newClient(conn, format)
	d.mu.Lock()
	prev := d.client
	d.client = c
	d.mu.Unlock()
	if prev != nil {
		prev.close(websocket.StatusGoingAway, "replaced by a newer connection")
	}

	slog.Info("wsdevice: browser connected", "client_id", c.id, "format", fmt.Sprintf("%dHz/%dch", format.SampleRate, format.Channels))
	c.readLoop(r.Context())

	d.mu.Lock()
	if d.client == c {
		d.client = nil
	}
	d.mu.Unlock()
	slog.Info("wsdevice: browser disconnected", "client_id", c.id)
}

// Open asks the connected browser to start capturing and waits for it to
// confirm microphone access.
func (d *Device) Open(ctx context.Context) (audio.Session, error) {
	d.mu.Lock()
	c := d.client
	d.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("wsdevice: no browser connected: %w", audio.ErrNoDevice)
	}

	ctx, cancel := context.WithTimeout(ctx, d.openTimeout)
	defer cancel()

	s, err := c.openSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func parseFormat(r *http.Request) (audio.Format, error) {
	f := audio.Format{SampleRate: defaultSampleRate, Channels: 1}
	q := r.URL.Query()
	if v := q.Get("rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate < 8000 || rate > 96000 {
			return f, fmt.Errorf("wsdevice: invalid rate %q", v)
		}
		f.SampleRate = rate
	}
	if v := q.Get("channels"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil || (ch != 1 && ch != 2) {
			return f, fmt.Errorf("wsdevice: invalid channels %q", v)
		}
		f.Channels = ch
	}
	return f, nil
}

// control is a JSON text message in either direction.
type control struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// client is one browser connection.
type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	format audio.Format

	writeMu sync.Mutex

	mu      sync.Mutex
	session *session
	pending chan control
	closed  bool
}

func newClient(conn *websocket.Conn, f audio.Format) *client {
	return &client{id: uuid.New(), conn: conn, format: f}
}

func (c *client) writeControl(ctx context.Context, typ string) error {
	data, err := json.Marshal(control{Type: typ})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *client) writePCM(ctx context.Context, pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, pcm)
}

func (c *client) openSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("wsdevice: browser disconnected: %w", audio.ErrNoDevice)
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil, errors.New("wsdevice: a session is already open on this connection")
	}
	reply := make(chan control, 1)
	c.pending = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.writeControl(ctx, "start"); err != nil {
		return nil, fmt.Errorf("wsdevice: send start: %w", errors.Join(err, audio.ErrNoDevice))
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("wsdevice: browser disconnected: %w", audio.ErrNoDevice)
		}
		if msg.Type == "error" {
			return nil, fmt.Errorf("wsdevice: microphone unavailable: %s: %w", msg.Message, audio.ErrNoDevice)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("wsdevice: waiting for microphone: %w", errors.Join(ctx.Err(), audio.ErrNoDevice))
	}

	s := newSession(c)
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	return s, nil
}

func (c *client) readLoop(ctx context.Context) {
	var ts time.Duration
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			break
		}
		switch typ {
		case websocket.MessageBinary:
			frame := audio.AudioFrame{Data: data, SampleRate: c.format.SampleRate, Channels: c.format.Channels, Timestamp: ts}
			ts += frame.Duration()
			c.mu.Lock()
			s := c.session
			c.mu.Unlock()
			if s != nil {
				s.deliver(frame)
			}
		case websocket.MessageText:
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Debug("wsdevice: ignoring malformed control message", "client_id", c.id, "err", err)
				continue
			}
			c.mu.Lock()
			if c.pending != nil && (msg.Type == "ready" || msg.Type == "error") {
				c.pending <- msg
				c.pending = nil
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.closed = true
	s := c.session
	if c.pending != nil {
		close(c.pending)
		c.pending = nil
	}
	c.mu.Unlock()
	if s != nil {
		s.endInput()
	}
}

func (c *client) detach(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.conn.Close(code, reason)
}
