package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultOpenRetries = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second
)

// RetryConfig configures a [RetryDevice].
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first failure.
	// Defaults to 3 if zero.
	MaxRetries int

	// Backoff is the delay before the first retry. Doubles each attempt up
	// to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 8s if zero.
	MaxBackoff time.Duration
}

// RetryDevice retries a failed [Device.Open] with exponential backoff, for
// devices reached over a network such as a voice channel. Failures wrapping
// [ErrNoDevice] are returned at once.
type RetryDevice struct {
	dev        Device
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

var _ Device = (*RetryDevice)(nil)

// NewRetryDevice wraps dev.
func NewRetryDevice(dev Device, cfg RetryConfig) *RetryDevice {
	d := &RetryDevice{
		dev:        dev,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
	}
	if d.maxRetries <= 0 {
		d.maxRetries = defaultOpenRetries
	}
	if d.backoff <= 0 {
		d.backoff = defaultBackoff
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = defaultMaxBackoff
	}
	return d
}

// Open implements [Device].
func (d *RetryDevice) Open(ctx context.Context) (Session, error) {
	wait := d.backoff
	for attempt := 0; ; attempt++ {
		sess, err := d.dev.Open(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("audio: device opened after retry", "attempt", attempt+1)
			}
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrNoDevice) {
			return nil, err
		}
		if attempt == d.maxRetries {
			return nil, fmt.Errorf("audio: open failed after %d attempts: %w", attempt+1, err)
		}

		slog.Warn("audio: device open failed, retrying",
			"attempt", attempt+1,
			"max_retries", d.maxRetries,
			"backoff", wait,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, d.maxBackoff)
	}
}

// Close closes the wrapped device if it holds resources.
func (d *RetryDevice) Close() error {
	if c, ok := d.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Unwrap returns the wrapped device.
func (d *RetryDevice) Unwrap() Device { return d.dev }
