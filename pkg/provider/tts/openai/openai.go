// Package openai provides a TTS provider backed by the OpenAI speech
// endpoint. Audio is requested as raw PCM (24 kHz mono int16) and streamed
// from the response body as it arrives.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// sampleRate is fixed by the API for the pcm response format.
const sampleRate = 24000

// readSize is the number of bytes read from the response body per chunk.
const readSize = 4800

var _ tts.Provider = (*Provider)(nil)

// builtinVoices are the voices the speech endpoint accepts.
var builtinVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer", "verse"}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client       oai.Client
	model        oai.SpeechModel
	instructions string
}

type config struct {
	baseURL      string
	instructions string
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithInstructions sets voice style instructions. Ignored by tts-1 models.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithMaxRetries sets how often the SDK retries a failed request. Defaults to 1.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a speech Provider. An empty model selects gpt-4o-mini-tts.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = oai.SpeechModelGPT4oMiniTTS
	}
	cfg := &config{maxRetries: 1}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(cfg.maxRetries)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.instructions,
	}, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: sampleRate, Channels: 1}
}

// ListVoices implements tts.Provider. The speech API has no voice listing
// endpoint; the built-in voices are returned.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		out = append(out, tts.VoiceProfile{ID: v, Name: v, Provider: "openai"})
	}
	return out, nil
}

// SynthesizeStream implements tts.Provider. Each fragment is one speech
// request; fragments are synthesised in order.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	if voice.ID == "" {
		return nil, errors.New("openai: voice.ID must not be empty")
	}
	out := make(chan tts.Chunk, 16)
	go func() {
		defer close(out)
		for {
			var fragment string
			var ok bool
			select {
			case fragment, ok = <-text:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
			if strings.TrimSpace(fragment) == "" {
				continue
			}
			if err := p.speak(ctx, fragment, voice, out); err != nil {
				if ctx.Err() == nil {
					select {
					case out <- tts.Chunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) speak(ctx context.Context, text string, voice tts.VoiceProfile, out chan<- tts.Chunk) error {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.model,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	// Odd byte counts are carried over so every chunk stays sample aligned.
	var carry []byte
	buf := make([]byte, readSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			pcm := make([]byte, even)
			copy(pcm, data[:even])
			carry = append([]byte(nil), data[even:]...)
			if len(pcm) > 0 {
				select {
				case out <- tts.Chunk{PCM: pcm}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai: speech read: %w", err)
		}
	}
}
