package audio_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

// flakyDevice fails its first n opens with err, n being failures.
type flakyDevice struct {
	mu       sync.Mutex
	failures int
	err      error
	opens    int
	closed   bool
}

func (d *flakyDevice) Open(context.Context) (audio.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.opens <= d.failures {
		return nil, d.err
	}
	return audiomock.NewSession(audio.Format{SampleRate: 16000, Channels: 1}), nil
}

func (d *flakyDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *flakyDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

var errGateway = errors.New("voice gateway timeout")

func fastRetry(n int) audio.RetryConfig {
	return audio.RetryConfig{MaxRetries: n, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetryDevice_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	dev := &flakyDevice{failures: 2, err: errGateway}
	sess, err := audio.NewRetryDevice(dev, fastRetry(3)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()
	if got := dev.count(); got != 3 {
		t.Errorf("opens: want 3, got %d", got)
	}
}

func TestRetryDevice_GivesUp(t *testing.T) {
	t.Parallel()

	dev := &flakyDevice{failures: 10, err: errGateway}
	_, err := audio.NewRetryDevice(dev, fastRetry(2)).Open(context.Background())
	if !errors.Is(err, errGateway) {
		t.Fatalf("Open: want wrapped gateway error, got %v", err)
	}
	if got := dev.count(); got != 3 {
		t.Errorf("opens: want 3, got %d", got)
	}
}

func TestRetryDevice_NoDeviceIsPermanent(t *testing.T) {
	t.Parallel()

	dev := &flakyDevice{failures: 10, err: audio.ErrNoDevice}
	_, err := audio.NewRetryDevice(dev, fastRetry(5)).Open(context.Background())
	if !errors.Is(err, audio.ErrNoDevice) {
		t.Fatalf("Open: want ErrNoDevice, got %v", err)
	}
	if got := dev.count(); got != 1 {
		t.Errorf("opens: want 1, got %d", got)
	}
}

func TestRetryDevice_ContextCancelled(t *testing.T) {
	t.Parallel()

	dev := &flakyDevice{failures: 10, err: errGateway}
	rd := audio.NewRetryDevice(dev, audio.RetryConfig{MaxRetries: 5, Backoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := rd.Open(ctx)
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Open: want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after cancel")
	}
}

func TestRetryDevice_CloseAndUnwrap(t *testing.T) {
	t.Parallel()

	dev := &flakyDevice{}
	rd := audio.NewRetryDevice(dev, audio.RetryConfig{})
	if rd.Unwrap() != dev {
		t.Error("Unwrap: want wrapped device")
	}
	if err := rd.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !dev.closed {
		t.Error("Close should reach the wrapped device")
	}
	if err := audio.NewRetryDevice(&audiomock.Device{}, audio.RetryConfig{}).Close(); err != nil {
		t.Errorf("Close without closer: want nil, got %v", err)
	}
}
