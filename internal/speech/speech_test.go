package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// frame20ms returns 20 ms of 16 kHz mono PCM filled with b.
func frame20ms(b byte) []byte {
	pcm := make([]byte, 640)
	for i := range pcm {
		pcm[i] = b
	}
	return pcm
}

func newSession(t *testing.T, f audio.Format) *audiomock.Session {
	t.Helper()
	s := audiomock.NewSession(f)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewFactory(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{}
	sess := newSession(t, mono16k)

	tests := []struct {
		mode    Mode
		want    string
		wantErr bool
	}{
		{"", "queue", false},
		{ModeQueue, "queue", false},
		{ModeSingle, "single", false},
		{"parallel", "", true},
	}
	for _, tt := range tests {
		f, err := NewFactory(tt.mode, p, tts.VoiceProfile{ID: "v"})
		if tt.wantErr {
			if err == nil {
				t.Errorf("mode %q: want error, got nil", tt.mode)
			}
			continue
		}
		if err != nil {
			t.Fatalf("mode %q: %v", tt.mode, err)
		}
		var got string
		switch f(sess).(type) {
		case *Queue:
			got = "queue"
		case *Single:
			got = "single"
		}
		if got != tt.want {
			t.Errorf("mode %q: want %s, got %s", tt.mode, tt.want, got)
		}
	}
	if _, err := NewFactory(ModeQueue, nil, tts.VoiceProfile{}); err == nil {
		t.Error("nil provider: want error, got nil")
	}
}

func TestPlay_PacesAndConverts(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Chunks: [][]byte{frame20ms(1), frame20ms(2), frame20ms(3)}, Format: mono16k}
	sess := newSession(t, audio.Format{SampleRate: 48000, Channels: 2})
	q := NewQueue(p, tts.VoiceProfile{ID: "v"}, sess)

	var starts atomic.Int32
	begin := time.Now()
	if err := q.Speak(context.Background(), "Hello.", OnStart(func() { starts.Add(1) })); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	elapsed := time.Since(begin)

	if starts.Load() != 1 {
		t.Errorf("OnStart calls: want 1, got %d", starts.Load())
	}
	if v, ok := p.LastVoice(); !ok || v.ID != "v" {
		t.Errorf("voice: want v, got %+v", v)
	}
	// 60 ms of audio must not finish faster than it can be heard.
	if elapsed < 50*time.Millisecond {
		t.Errorf("Speak returned after %v, before the audio could play", elapsed)
	}

	waitFor(t, "frames", func() bool { return len(sess.Played()) == 3 })
	for i, f := range sess.Played() {
		if f.SampleRate != 48000 || f.Channels != 2 {
			t.Errorf("frame %d: want 48000Hz stereo, got %dHz/%d", i, f.SampleRate, f.Channels)
		}
		if len(f.Data) != 640*3*2 {
			t.Errorf("frame %d: want %d bytes, got %d", i, 640*3*2, len(f.Data))
		}
	}
}

func TestQueue_PlaysInSubmissionOrder(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	p := &ttsmock.Provider{Hold: hold, Chunks: [][]byte{frame20ms(7)}, Format: mono16k}
	sess := newSession(t, mono16k)
	q := NewQueue(p, tts.VoiceProfile{ID: "v"}, sess)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	texts := []string{"One.", "Two.", "Three."}
	for i, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Speak(context.Background(), text); err != nil {
				t.Errorf("Speak(%q): %v", text, err)
			}
			mu.Lock()
			order = append(order, text)
			mu.Unlock()
		}()
		waitFor(t, "enqueue", func() bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			n := len(q.pending)
			if q.current != nil {
				n++
			}
			return n == i+1
		})
	}
	close(hold)
	wg.Wait()

	got := p.Texts()
	if len(got) != 3 || got[0] != "One." || got[1] != "Two." || got[2] != "Three." {
		t.Errorf("synthesis order: want %v, got %v", texts, got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "One." || order[2] != "Three." {
		t.Errorf("completion order: want %v, got %v", texts, order)
	}
	if q.IsSpeaking() {
		t.Error("IsSpeaking after all items: want false")
	}
}

func TestQueue_StopPurgesPending(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	p := &ttsmock.Provider{Hold: hold, Format: mono16k}
	sess := newSession(t, mono16k)
	q := NewQueue(p, tts.VoiceProfile{ID: "v"}, sess)

	errs := make(chan error, 2)
	go func() { errs <- q.Speak(context.Background(), "first") }()
	waitFor(t, "first item playing", func() bool { return p.Calls() == 1 })
	go func() { errs <- q.Speak(context.Background(), "second") }()
	waitFor(t, "second item queued", func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.pending) == 1
	})

	q.Stop()
	for range 2 {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrStopped) {
				t.Errorf("err: want ErrStopped, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Speak did not return after Stop")
		}
	}
	waitFor(t, "idle", func() bool { return !q.IsSpeaking() })
	if p.Calls() != 1 {
		t.Errorf("synthesis calls: want 1, got %d", p.Calls())
	}
	if sess.Flushes() == 0 {
		t.Error("Stop must flush queued output")
	}
}

func TestQueue_InterruptReplacesCurrent(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	p := &ttsmock.Provider{Hold: hold, Format: mono16k}
	sess := newSession(t, mono16k)
	q := NewQueue(p, tts.VoiceProfile{ID: "v"}, sess)

	first := make(chan error, 1)
	go func() { first <- q.Speak(context.Background(), "long story") }()
	waitFor(t, "first playing", func() bool { return p.Calls() == 1 })

	p.SetHold(nil)
	if err := q.Speak(context.Background(), "Stop.", WithInterrupt()); err != nil {
		t.Fatalf("interrupting Speak: %v", err)
	}
	close(hold)
	if err := <-first; !errors.Is(err, ErrStopped) {
		t.Errorf("first: want ErrStopped, got %v", err)
	}
	if got := p.Texts(); len(got) != 1 || got[0] != "Stop." {
		t.Errorf("spoken texts: want [Stop.], got %v", got)
	}
}

func TestQueue_StopWhenIdle(t *testing.T) {
	t.Parallel()

	q := NewQueue(&ttsmock.Provider{}, tts.VoiceProfile{}, newSession(t, mono16k))
	q.Stop()
	q.Stop()
	if q.IsSpeaking() {
		t.Error("IsSpeaking: want false")
	}
}

func TestQueue_SynthesisError(t *testing.T) {
	t.Parallel()

	boom := errors.New("tts down")
	p := &ttsmock.Provider{SynthesizeErr: boom}
	q := NewQueue(p, tts.VoiceProfile{}, newSession(t, mono16k))
	if err := q.Speak(context.Background(), "Hi."); !errors.Is(err, boom) {
		t.Errorf("err: want %v, got %v", boom, err)
	}

	streamErr := errors.New("socket closed")
	p2 := &ttsmock.Provider{StreamErr: streamErr, Chunks: [][]byte{frame20ms(1)}}
	q2 := NewQueue(p2, tts.VoiceProfile{}, newSession(t, mono16k))
	if err := q2.Speak(context.Background(), "Hi."); !errors.Is(err, streamErr) {
		t.Errorf("stream err: want %v, got %v", streamErr, err)
	}
}

func TestQueue_EmptyText(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{}
	q := NewQueue(p, tts.VoiceProfile{}, newSession(t, mono16k))
	if err := q.Speak(context.Background(), "   "); err != nil {
		t.Errorf("Speak: %v", err)
	}
	if p.Calls() != 0 {
		t.Errorf("synthesis calls: want 0, got %d", p.Calls())
	}
}

func TestSingle_RejectsConcurrentSpeak(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	p := &ttsmock.Provider{Hold: hold, Format: mono16k}
	s := NewSingle(p, tts.VoiceProfile{ID: "v"}, newSession(t, mono16k))

	first := make(chan error, 1)
	go func() { first <- s.Speak(context.Background(), "first") }()
	waitFor(t, "first playing", s.IsSpeaking)

	if err := s.Speak(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("second: want ErrBusy, got %v", err)
	}
	close(hold)
	if err := <-first; err != nil {
		t.Errorf("first: %v", err)
	}
	if s.IsSpeaking() {
		t.Error("IsSpeaking after finish: want false")
	}
}

func TestSingle_InterruptAndStop(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	p := &ttsmock.Provider{Hold: hold, Format: mono16k}
	s := NewSingle(p, tts.VoiceProfile{ID: "v"}, newSession(t, mono16k))

	first := make(chan error, 1)
	go func() { first <- s.Speak(context.Background(), "first") }()
	waitFor(t, "first playing", func() bool { return p.Calls() == 1 })

	second := make(chan error, 1)
	go func() { second <- s.Speak(context.Background(), "second", WithInterrupt()) }()
	if err := <-first; !errors.Is(err, ErrStopped) {
		t.Errorf("first: want ErrStopped, got %v", err)
	}
	waitFor(t, "second playing", func() bool { return p.Calls() == 2 })

	s.Stop()
	if err := <-second; !errors.Is(err, ErrStopped) {
		t.Errorf("second: want ErrStopped, got %v", err)
	}
	s.Stop()
}

func TestSingle_SpeakRightAfterStop(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	p := &ttsmock.Provider{Hold: hold, Format: mono16k}
	s := NewSingle(p, tts.VoiceProfile{ID: "v"}, newSession(t, mono16k))

	first := make(chan error, 1)
	go func() { first <- s.Speak(context.Background(), "first") }()
	waitFor(t, "first playing", func() bool { return p.Calls() == 1 })

	s.Stop()
	if s.IsSpeaking() {
		t.Error("IsSpeaking after Stop: want false")
	}
	p.SetHold(nil)
	if err := s.Speak(context.Background(), "second"); err != nil {
		t.Errorf("second: want nil, got %v", err)
	}
	if err := <-first; !errors.Is(err, ErrStopped) {
		t.Errorf("first: want ErrStopped, got %v", err)
	}
	if got := p.Texts(); len(got) != 2 || got[1] != "second" {
		t.Errorf("spoken texts: want [first second], got %v", got)
	}
}
