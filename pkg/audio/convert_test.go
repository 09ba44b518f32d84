package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func pcmOf(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samplesOf(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// ramp returns n samples rising by step from zero.
func ramp(n int, step int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i) * step
	}
	return out
}

var (
	mono16k   = audio.Format{SampleRate: 16000, Channels: 1}
	mono48k   = audio.Format{SampleRate: 48000, Channels: 1}
	stereo48k = audio.Format{SampleRate: 48000, Channels: 2}
)

func frameOf(f audio.Format, samples ...int16) audio.AudioFrame {
	return audio.AudioFrame{Data: pcmOf(samples...), SampleRate: f.SampleRate, Channels: f.Channels}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		f    audio.Format
		want string
	}{
		{mono16k, "16000Hz mono"},
		{stereo48k, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String: want %q, got %q", tt.want, got)
		}
	}
	if (audio.Format{SampleRate: 16000}).Valid() {
		t.Error("zero channels: want invalid")
	}
}

func TestConverter_ChannelMixing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		to   audio.Format
		in   audio.AudioFrame
		want []int16
	}{
		{
			name: "stereo averaged to mono",
			to:   mono48k,
			in:   frameOf(stereo48k, 100, 200, -100, -200),
			want: []int16{150, -150},
		},
		{
			name: "full scale stays in range",
			to:   mono48k,
			in:   frameOf(stereo48k, 32767, 32767, -32768, -32768),
			want: []int16{32767, -32768},
		},
		{
			name: "mono duplicated to stereo",
			to:   stereo48k,
			in:   frameOf(mono48k, 100, -300),
			want: []int16{100, 100, -300, -300},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := audio.NewConverter(tt.to).Convert(tt.in)
			if got := samplesOf(out.Data); !slices.Equal(got, tt.want) {
				t.Errorf("samples: want %v, got %v", tt.want, got)
			}
			if out.SampleRate != tt.to.SampleRate || out.Channels != tt.to.Channels {
				t.Errorf("format: want %v, got %dHz %dch", tt.to, out.SampleRate, out.Channels)
			}
		})
	}
}

func TestConverter_Passthrough(t *testing.T) {
	t.Parallel()

	in := frameOf(mono16k, 1, 2, 3)
	in.Timestamp = 40 * time.Millisecond
	out := audio.NewConverter(mono16k).Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching format: want the input data returned as is")
	}
	if out.Timestamp != in.Timestamp {
		t.Errorf("timestamp: want %v, got %v", in.Timestamp, out.Timestamp)
	}
}

func TestConverter_DropsMisalignedFrames(t *testing.T) {
	t.Parallel()

	conv := audio.NewConverter(mono16k)
	tests := []audio.AudioFrame{
		{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1},
		{Data: pcmOf(1, 2, 3), SampleRate: 48000, Channels: 2},
		{Data: pcmOf(1, 2), SampleRate: 0, Channels: 1},
	}
	for _, in := range tests {
		out := conv.Convert(in)
		if len(out.Data) != 0 {
			t.Errorf("Convert(%d bytes, %dHz %dch): want empty, got %d bytes", len(in.Data), in.SampleRate, in.Channels, len(out.Data))
		}
		if out.SampleRate != 16000 || out.Channels != 1 {
			t.Errorf("dropped frame format: want target, got %dHz %dch", out.SampleRate, out.Channels)
		}
	}
}

func TestConverter_DownsampleIsSeamless(t *testing.T) {
	t.Parallel()

	in := ramp(480, 30)
	whole := samplesOf(audio.NewConverter(mono16k).Convert(frameOf(mono48k, in...)).Data)

	conv := audio.NewConverter(mono16k)
	var chunked []int16
	for off := 0; off < len(in); off += 160 {
		chunked = append(chunked, samplesOf(conv.Convert(frameOf(mono48k, in[off:off+160]...)).Data)...)
	}

	if len(whole) != 160 {
		t.Fatalf("whole: want 160 samples, got %d", len(whole))
	}
	if !slices.Equal(whole, chunked) {
		t.Errorf("frame-by-frame conversion differs from one-piece conversion:\nwhole   %v\nchunked %v", whole[:8], chunked[:min(8, len(chunked))])
	}
	for i, s := range whole {
		if s != int16(i*90) {
			t.Fatalf("sample %d: want %d, got %d", i, i*90, s)
		}
	}
}

func TestConverter_UpsampleAcrossFrames(t *testing.T) {
	t.Parallel()

	in := ramp(30, 300)
	conv := audio.NewConverter(mono48k)
	var out []int16
	for off := 0; off < len(in); off += 10 {
		out = append(out, samplesOf(conv.Convert(frameOf(mono16k, in[off:off+10]...)).Data)...)
	}

	// Every input interval but the last pending one yields three samples.
	if len(out) != 3*29 {
		t.Fatalf("samples: want %d, got %d", 3*29, len(out))
	}
	for i, s := range out {
		if s != int16(i*100) {
			t.Fatalf("sample %d: want %d, got %d", i, i*100, s)
		}
	}

	tail := samplesOf(conv.Flush())
	if want := []int16{8700, 8700, 8700}; !slices.Equal(tail, want) {
		t.Errorf("Flush: want %v, got %v", want, tail)
	}
	if rest := conv.Flush(); rest != nil {
		t.Errorf("second Flush: want nil, got %d bytes", len(rest))
	}
}

func TestConvertPCM(t *testing.T) {
	t.Parallel()

	t.Run("stereo 48k to mono 16k", func(t *testing.T) {
		t.Parallel()
		stereo := make([]int16, 960*2)
		out := audio.ConvertPCM(pcmOf(stereo...), stereo48k, mono16k)
		if got := len(out) / 2; got != 320 {
			t.Errorf("samples: want 320, got %d", got)
		}
	})
	t.Run("upsample holds the tail", func(t *testing.T) {
		t.Parallel()
		out := samplesOf(audio.ConvertPCM(pcmOf(0, 300, 600), mono16k, mono48k))
		want := []int16{0, 100, 200, 300, 400, 500, 600, 600, 600}
		if !slices.Equal(out, want) {
			t.Errorf("samples: want %v, got %v", want, out)
		}
	})
	t.Run("unchanged input", func(t *testing.T) {
		t.Parallel()
		pcm := pcmOf(5, 6)
		if out := audio.ConvertPCM(pcm, mono16k, mono16k); &out[0] != &pcm[0] {
			t.Error("same format: want input returned")
		}
		if out := audio.ConvertPCM(pcm, audio.Format{}, mono16k); &out[0] != &pcm[0] {
			t.Error("invalid source: want input returned")
		}
	})
}
