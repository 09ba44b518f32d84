// Package whisper transcribes with whisper.cpp, either through a running
// whisper-server ([Provider], POST /inference) or linked in through the
// cgo bindings ([NativeProvider]).
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// DefaultLanguage is used unless [WithLanguage] says otherwise.
const DefaultLanguage = "en"

type settings struct {
	language string
	model    string
	prompt   string
	client   *http.Client
}

func newSettings(opts []Option) settings {
	s := settings{language: DefaultLanguage, client: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Option configures a [Provider] or [NativeProvider].
type Option func(*settings)

// WithLanguage sets the spoken language; "auto" lets whisper detect it.
func WithLanguage(lang string) Option { return func(s *settings) { s.language = lang } }

// WithModel names the model the server should use. The native provider
// ignores it; its model is the file it was loaded from.
func WithModel(model string) Option { return func(s *settings) { s.model = model } }

// WithVocabulary primes the decoder with domain terms such as product or
// person names.
func WithVocabulary(words []string) Option {
	return func(s *settings) { s.prompt = strings.Join(words, ", ") }
}

// WithHTTPClient replaces the client used to reach the server.
func WithHTTPClient(c *http.Client) Option { return func(s *settings) { s.client = c } }

// Provider transcribes through a whisper-server.
type Provider struct {
	url string
	settings
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider for the server at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: base URL is required")
	}
	return &Provider{url: strings.TrimRight(baseURL, "/") + "/inference", settings: newSettings(opts)}, nil
}

// inference is the JSON body of a successful /inference call.
type inference struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe implements [stt.Provider]. The segment is uploaded as WAV.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	if err := stt.CheckSegment(seg); err != nil {
		return stt.Transcript{}, err
	}
	body, contentType, err := p.form(audio.SegmentWAV(seg))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Transcript{}, fmt.Errorf("whisper: inference: %w", provider.NewStatusError("whisper", resp.StatusCode, data))
	}

	var out inference
	if err := json.Unmarshal(data, &out); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	if out.Language == "" {
		out.Language = p.language
	}
	return transcript(out.Text, out.Language, seg), nil
}

// form builds the multipart body of one inference request.
func (p *Provider) form(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", err
	}
	fields := []struct{ name, value string }{
		{"response_format", "json"},
		{"temperature", "0.0"},
		{"language", p.language},
		{"model", p.model},
		{"prompt", p.prompt},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// nonSpeech lists the annotations whisper writes for silence and noise.
var nonSpeech = strings.NewReplacer(
	"[BLANK_AUDIO]", "",
	"[ Silence ]", "",
	"[silence]", "",
	"(silence)", "",
	"[MUSIC]", "",
	"[Music]", "",
)

// transcript builds the result for seg with non-speech annotations removed
// and whitespace collapsed, so a segment of noise comes back empty.
func transcript(text, lang string, seg audio.Segment) stt.Transcript {
	return stt.Transcript{
		Text:     strings.Join(strings.Fields(nonSpeech.Replace(text)), " "),
		Language: lang,
		Duration: seg.Duration(),
	}
}
