// Package coqui is a [tts.Provider] for a self-hosted Coqui server. It
// speaks two dialects: the stock TTS server (GET /api/tts, the default) and
// the XTTS v2 API server (POST /tts_to_audio/). Both render one utterance
// per request, so streams go through [tts.Batched].
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Defaults.
const (
	DefaultLanguage   = "en"
	DefaultSampleRate = 22050
	DefaultTimeout    = 30 * time.Second

	// lookahead bounds the sentences in flight per stream.
	lookahead = 4
)

// APIMode names a server dialect.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// dialect is what differs between the two servers.
type dialect interface {
	speak(ctx context.Context, base, sentence, voice, lang string) (*http.Request, error)
	voicesPath() string
	voices(body io.Reader) ([]tts.VoiceProfile, error)
	needsVoice() bool
}

var dialects = map[APIMode]dialect{
	APIModeStandard: standard{},
	APIModeXTTS:     xtts{},
}

// Provider synthesises speech on one Coqui server. It is safe for
// concurrent use.
type Provider struct {
	base   string
	lang   string
	mode   APIMode
	api    dialect
	rate   int
	client *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with every request.
func WithLanguage(lang string) Option { return func(p *Provider) { p.lang = lang } }

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.client.Timeout = d } }

// WithAPIMode selects the server dialect.
func WithAPIMode(mode APIMode) Option { return func(p *Provider) { p.mode = mode } }

// WithSampleRate sets the rate all output is resampled to.
func WithSampleRate(rate int) Option { return func(p *Provider) { p.rate = rate } }

// New returns a Provider for the server at baseURL, e.g.
// "http://localhost:5002".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: base URL is required")
	}
	p := &Provider{
		base:   strings.TrimRight(baseURL, "/"),
		lang:   DefaultLanguage,
		mode:   APIModeStandard,
		rate:   DefaultSampleRate,
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	api, ok := dialects[p.mode]
	if !ok {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	p.api = api
	if p.rate <= 0 {
		return nil, fmt.Errorf("coqui: invalid sample rate %d", p.rate)
	}
	return p, nil
}

// OutputFormat implements [tts.Provider]. Output is mono.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.rate, Channels: 1}
}

// SynthesizeStream implements [tts.Provider]. The stock server accepts an
// empty voice for single-speaker models; XTTS does not.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	if voice.ID == "" && p.api.needsVoice() {
		return nil, fmt.Errorf("coqui: %s mode needs a voice", p.mode)
	}
	return tts.Batched(ctx, text, lookahead, 1, func(ctx context.Context, s string) ([]byte, error) {
		return p.render(ctx, s, voice.ID)
	}), nil
}

// render fetches one sentence as WAV and returns it as PCM in the output
// format.
func (p *Provider) render(ctx context.Context, sentence, voice string) ([]byte, error) {
	req, err := p.api.speak(ctx, p.base, sentence, voice, p.lang)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	wav, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return audio.ConvertPCM(pcm, f, p.OutputFormat()), nil
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+p.api.voicesPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	voices, err := p.api.voices(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: decode voices: %w", err)
	}
	return voices, nil
}

// do sends req and returns the body of a 200 response.
func (p *Provider) do(req *http.Request) (io.ReadCloser, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path,
			provider.NewStatusError("coqui", resp.StatusCode, msg))
	}
	return resp.Body, nil
}

func profile(id string, meta map[string]string) tts.VoiceProfile {
	return tts.VoiceProfile{ID: id, Name: id, Provider: "coqui", Metadata: meta}
}

// standard is the stock TTS server dialect.
type standard struct{}

const (
	standardSpeakPath  = "/api/tts"
	standardVoicesPath = "/details"
)

func (standard) needsVoice() bool   { return false }
func (standard) voicesPath() string { return standardVoicesPath }

func (standard) speak(ctx context.Context, base, sentence, voice, lang string) (*http.Request, error) {
	q := url.Values{"text": {sentence}}
	if voice != "" {
		q.Set("speaker_id", voice)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base+standardSpeakPath+"?"+q.Encode(), nil)
}

// modelDetails is the body of GET /details. Speakers is empty for
// single-speaker models.
type modelDetails struct {
	ModelName string   `json:"model_name"`
	Speakers  []string `json:"speakers"`
}

func (standard) voices(body io.Reader) ([]tts.VoiceProfile, error) {
	var d modelDetails
	if err := json.NewDecoder(body).Decode(&d); err != nil {
		return nil, err
	}
	if len(d.Speakers) == 0 {
		name := cmp.Or(d.ModelName, "default")
		return []tts.VoiceProfile{profile(name, map[string]string{"type": "single-speaker", "model_name": name})}, nil
	}
	speakers := slices.Sorted(slices.Values(d.Speakers))
	out := make([]tts.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		out = append(out, profile(s, map[string]string{"type": "speaker", "model_name": d.ModelName}))
	}
	return out, nil
}

// xtts is the XTTS v2 API server dialect.
type xtts struct{}

const (
	xttsSpeakPath  = "/tts_to_audio/"
	xttsVoicesPath = "/studio_speakers"
)

// xttsSpeech is the body of POST /tts_to_audio/.
type xttsSpeech struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (xtts) needsVoice() bool   { return true }
func (xtts) voicesPath() string { return xttsVoicesPath }

func (xtts) speak(ctx context.Context, base, sentence, voice, lang string) (*http.Request, error) {
	data, err := json.Marshal(xttsSpeech{Text: sentence, SpeakerWav: voice, Language: lang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+xttsSpeakPath, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// The studio speaker map holds embeddings keyed by voice name; only the
// names are used.
func (xtts) voices(body io.Reader) ([]tts.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&speakers); err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(speakers))
	out := make([]tts.VoiceProfile, 0, len(names))
	for _, n := range names {
		out = append(out, profile(n, map[string]string{"type": "studio"}))
	}
	return out, nil
}
