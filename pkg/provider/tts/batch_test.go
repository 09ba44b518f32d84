package tts_test

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

func fragments(parts ...string) <-chan string {
	ch := make(chan string, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

func collect(ch <-chan tts.Chunk) ([]byte, error) {
	var pcm []byte
	var err error
	for c := range ch {
		if c.Err != nil && err == nil {
			err = c.Err
		}
		pcm = append(pcm, c.PCM...)
	}
	return pcm, err
}

func TestBatched_KeepsSentenceOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	synth := func(_ context.Context, s string) ([]byte, error) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		fill := byte(2)
		if strings.HasPrefix(s, "Preheat") {
			// The first sentence finishes last.
			time.Sleep(50 * time.Millisecond)
			fill = 1
		}
		return bytes.Repeat([]byte{fill}, 100), nil
	}

	ch := tts.Batched(context.Background(), fragments("Preheat the ov", "en. ", "Then wait"), 4, 1, synth)
	pcm, err := collect(ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(pcm) != 200 || pcm[0] != 1 || pcm[199] != 2 {
		t.Fatalf("audio: want first sentence first, got %d bytes starting %d", len(pcm), pcm[0])
	}
	mu.Lock()
	defer mu.Unlock()
	slices.Sort(got)
	if len(got) != 2 || got[0] != "Preheat the oven." || got[1] != "Then wait" {
		t.Errorf("sentences: want [Preheat the oven. Then wait], got %q", got)
	}
}

func TestBatched_ChunksAreFrameAligned(t *testing.T) {
	t.Parallel()

	synth := func(context.Context, string) ([]byte, error) { return make([]byte, tts.BatchChunkBytes*2+4), nil }
	for c := range tts.Batched(context.Background(), fragments("Hi."), 1, 2, synth) {
		if len(c.PCM)%4 != 0 {
			t.Errorf("chunk of %d bytes is not stereo aligned", len(c.PCM))
		}
	}
}

func TestBatched_ErrorEndsStream(t *testing.T) {
	t.Parallel()

	boom := errors.New("voice not found")
	synth := func(_ context.Context, s string) ([]byte, error) {
		if s == "Two." {
			return nil, boom
		}
		return []byte{1, 0}, nil
	}
	pcm, err := collect(tts.Batched(context.Background(), fragments("One. Two. Three."), 1, 1, synth))
	if !errors.Is(err, boom) {
		t.Errorf("err: want %v, got %v", boom, err)
	}
	if len(pcm) != 2 {
		t.Errorf("audio: want only the first sentence, got %d bytes", len(pcm))
	}
}

func TestBatched_Cancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	synth := func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	text := make(chan string)
	ch := tts.Batched(ctx, text, 2, 1, synth)
	text <- "Never spoken. "
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := collect(ch)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancel: want no error chunk, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancel")
	}
}
