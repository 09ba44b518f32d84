package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func newTTSPair(primary, secondary *ttsmock.Provider) *TTSFallback {
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("coqui", secondary)
	return fb
}

func sentences(s ...string) <-chan string {
	ch := make(chan string, len(s))
	for _, v := range s {
		ch <- v
	}
	close(ch)
	return ch
}

// drainPCM returns the audio of ch as strings and the stream error, if any.
func drainPCM(ch <-chan tts.Chunk) ([]string, error) {
	var pcm []string
	for c := range ch {
		if c.Err != nil {
			return pcm, c.Err
		}
		pcm = append(pcm, string(c.PCM))
	}
	return pcm, nil
}

func TestTTSFallback_SynthesizeStream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		primaryErr   error
		secondaryErr error
		want         []string
		wantErr      error
		wantSecond   int
	}{
		{name: "primary speaks", want: []string{"el-1", "el-2"}},
		{name: "failover", primaryErr: errTest, want: []string{"cq"}, wantSecond: 1},
		{name: "all down", primaryErr: errTest, secondaryErr: errTest, wantErr: ErrAllFailed, wantSecond: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := &ttsmock.Provider{Chunks: [][]byte{[]byte("el-1"), []byte("el-2")}, SynthesizeErr: tt.primaryErr}
			secondary := &ttsmock.Provider{Chunks: [][]byte{[]byte("cq")}, SynthesizeErr: tt.secondaryErr}
			ch, err := newTTSPair(primary, secondary).SynthesizeStream(context.Background(), sentences("Table for two?"), tts.VoiceProfile{ID: "v1"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err: want %v, got %v", tt.wantErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("SynthesizeStream: %v", err)
				}
				got, err := drainPCM(ch)
				if err != nil {
					t.Fatalf("stream: %v", err)
				}
				if !slices.Equal(got, tt.want) {
					t.Errorf("audio: want %q, got %q", tt.want, got)
				}
			}
			if n := secondary.Calls(); n != tt.wantSecond {
				t.Errorf("secondary calls: want %d, got %d", tt.wantSecond, n)
			}
		})
	}
}

func TestTTSFallback_ConvertsToPrimaryFormat(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errTest, Format: mono16k}
	// 20 ms at 32 kHz mono.
	secondary := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 1280)}, Format: audio.Format{SampleRate: 32000, Channels: 1}}
	fb := newTTSPair(primary, secondary)

	if f := fb.OutputFormat(); f != mono16k {
		t.Fatalf("OutputFormat: want %+v, got %+v", mono16k, f)
	}
	ch, err := fb.SynthesizeStream(context.Background(), sentences("Hello."), tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	got, err := drainPCM(ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	total := 0
	for _, pcm := range got {
		total += len(pcm)
	}
	if total != 640 {
		t.Errorf("converted audio: want 640 bytes, got %d", total)
	}
}

func TestTTSFallback_StreamErrorPassesThrough(t *testing.T) {
	t.Parallel()

	cut := errors.New("socket closed")
	primary := &ttsmock.Provider{Chunks: [][]byte{[]byte("el")}, StreamErr: cut}
	fb := newTTSPair(primary, &ttsmock.Provider{})

	for range 2 {
		ch, err := fb.SynthesizeStream(context.Background(), sentences("One.", "Two."), tts.VoiceProfile{})
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}
		got, err := drainPCM(ch)
		if !errors.Is(err, cut) {
			t.Errorf("stream error: want %v, got %v", cut, err)
		}
		if len(got) != 1 {
			t.Errorf("audio before the error: want 1 chunk, got %q", got)
		}
	}
	if st := fb.Status()[0].State; st != StateClosed {
		t.Errorf("primary breaker after mid-stream errors: want %v, got %v", StateClosed, st)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{ListVoicesErr: errTest}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "p225", Name: "p225"}, {ID: "p226", Name: "p226"}}}

	voices, err := newTTSPair(primary, secondary).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "p225" {
		t.Errorf("voices: got %+v", voices)
	}
}
