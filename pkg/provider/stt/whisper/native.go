package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// nativeRate is the only input rate whisper.cpp accepts.
const nativeRate = 16000

// NativeProvider runs whisper.cpp in process. Building it needs libwhisper.a
// and whisper.h on LIBRARY_PATH and C_INCLUDE_PATH.
//
// The model is loaded once; every call gets a fresh inference context, and
// calls are serialised since one inference already uses every core.
type NativeProvider struct {
	model whisperlib.Model
	settings

	mu sync.Mutex
}

var _ stt.Provider = (*NativeProvider)(nil)

// NewNative loads the model file at path. Close releases it.
func NewNative(path string, opts ...Option) (*NativeProvider, error) {
	if path == "" {
		return nil, errors.New("whisper: model path is required")
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	return &NativeProvider{model: model, settings: newSettings(opts)}, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe implements [stt.Provider]. Inference itself cannot be
// interrupted, so ctx is checked before and after it.
func (p *NativeProvider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	if err := stt.CheckSegment(seg); err != nil {
		return stt.Transcript{}, err
	}
	samples := to16k(seg)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	text, err := p.infer(samples)
	if err != nil {
		return stt.Transcript{}, err
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	return transcript(text, p.language, seg), nil
}

func to16k(seg audio.Segment) []float32 {
	if seg.SampleRate == nativeRate {
		return seg.Samples
	}
	pcm := audio.ConvertPCM(audio.Float32ToPCM16(seg.Samples),
		audio.Format{SampleRate: seg.SampleRate, Channels: 1},
		audio.Format{SampleRate: nativeRate, Channels: 1})
	return audio.PCM16ToFloat32(pcm)
}

func (p *NativeProvider) infer(samples []float32) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: new context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: language not supported by model", "language", p.language, "err", err)
	}
	if p.prompt != "" {
		wctx.SetInitialPrompt(p.prompt)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process: %w", err)
	}

	var sb strings.Builder
	for {
		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: next segment: %w", err)
		}
		sb.WriteString(s.Text)
		sb.WriteByte(' ')
	}
}
