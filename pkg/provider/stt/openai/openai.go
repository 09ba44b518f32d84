// Package openai provides an STT provider backed by the OpenAI audio
// transcriptions endpoint (whisper-1, gpt-4o-transcribe and compatible
// servers reachable via [WithBaseURL]).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    oai.AudioModel
	language string
	prompt   string
}

type config struct {
	baseURL    string
	language   string
	prompt     string
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithLanguage sets the ISO-639-1 input language. Empty lets the model detect it.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithPrompt sets a text hint, typically a list of uncommon words the
// speaker is likely to use.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// WithMaxRetries sets how often the SDK retries a failed request. Defaults to 1.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a transcription Provider. An empty model selects whisper-1.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
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
		client:   oai.NewClient(reqOpts...),
		model:    oai.AudioModel(model),
		language: cfg.language,
		prompt:   cfg.prompt,
	}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	if err := stt.CheckSegment(seg); err != nil {
		return stt.Transcript{}, err
	}

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(audio.SegmentWAV(seg)), "speech.wav", "audio/wav"),
		Model:          p.model,
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if p.language != "" {
		params.Language = param.NewOpt(p.language)
	}
	if p.prompt != "" {
		params.Prompt = param.NewOpt(p.prompt)
	}
	if p.model != oai.AudioModelWhisper1 {
		params.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	return stt.Transcript{
		Text:       strings.TrimSpace(res.Text),
		Confidence: confidence(res.Logprobs),
		Language:   p.language,
		Duration:   seg.Duration(),
	}, nil
}

// confidence converts token log probabilities into the geometric mean token
// probability. Zero when the response carries none.
func confidence(lps []oai.TranscriptionLogprob) float64 {
	if len(lps) == 0 {
		return 0
	}
	var sum float64
	for _, lp := range lps {
		sum += lp.Logprob
	}
	return math.Exp(sum / float64(len(lps)))
}
