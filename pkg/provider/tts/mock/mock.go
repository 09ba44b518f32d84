// Package mock provides a scripted [tts.Provider] for tests.
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Provider answers every non-blank text fragment with Chunks. Set the
// exported fields before the first call; Hold may be swapped later with
// [Provider.SetHold].
type Provider struct {
	// Chunks is the audio sent per fragment. Nil means one 20 ms frame of
	// silence.
	Chunks [][]byte
	// Format is what OutputFormat reports. Zero means 16 kHz mono.
	Format     audio.Format
	ChunkDelay time.Duration

	// SynthesizeErr makes SynthesizeStream fail before a stream opens.
	SynthesizeErr error
	// StreamErr ends each stream with an error chunk after the first
	// fragment's audio.
	StreamErr error
	// Hold, when set, keeps each new stream silent until it is closed.
	Hold chan struct{}

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	mu     sync.Mutex
	voices []tts.VoiceProfile
	texts  []string
}

var _ tts.Provider = (*Provider)(nil)

// OutputFormat implements [tts.Provider].
func (p *Provider) OutputFormat() audio.Format {
	if p.Format.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.Format
}

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	p.voices = append(p.voices, voice)
	hold := p.Hold
	p.mu.Unlock()
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}

	frames := p.Chunks
	if frames == nil {
		f := p.OutputFormat()
		frames = [][]byte{make([]byte, f.SampleRate/50*2*f.Channels)}
	}
	send := func(c tts.Chunk, out chan<- tts.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for {
			var frag string
			var ok bool
			select {
			case frag, ok = <-text:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
			if strings.TrimSpace(frag) == "" {
				continue
			}
			p.mu.Lock()
			p.texts = append(p.texts, frag)
			p.mu.Unlock()

			for _, pcm := range frames {
				if p.ChunkDelay > 0 && !sleep(ctx, p.ChunkDelay) {
					return
				}
				if !send(tts.Chunk{PCM: pcm}, out) {
					return
				}
			}
			if p.StreamErr != nil {
				send(tts.Chunk{Err: p.StreamErr}, out)
				return
			}
		}
	}()
	return out, nil
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return p.ListVoicesResult, p.ListVoicesErr
}

// SetHold replaces Hold for streams opened from now on.
func (p *Provider) SetHold(ch chan struct{}) {
	p.mu.Lock()
	p.Hold = ch
	p.mu.Unlock()
}

// Texts returns the fragments synthesised so far.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.texts)
}

// Calls returns how many times SynthesizeStream was called.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.voices)
}

// LastVoice returns the voice of the latest SynthesizeStream call.
func (p *Provider) LastVoice() (tts.VoiceProfile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.voices) == 0 {
		return tts.VoiceProfile{}, false
	}
	return p.voices[len(p.voices)-1], true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
