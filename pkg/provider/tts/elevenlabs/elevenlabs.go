// Package elevenlabs is a [tts.Provider] for ElevenLabs. Replies stream over
// the stream-input WebSocket; when that socket cannot be opened, e.g.
// behind a proxy that drops upgrades, the stream falls back to the HTTP
// streaming endpoint one sentence at a time.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Defaults.
const (
	DefaultModel        = "eleven_flash_v2_5"
	DefaultOutputFormat = "pcm_16000"

	wsHost  = "wss://api.elevenlabs.io"
	apiHost = "https://api.elevenlabs.io"

	readLimit     = 4 << 20
	httpLookahead = 2
)

// Provider synthesises speech with one ElevenLabs account.
type Provider struct {
	key      string
	model    string
	format   string
	rate     int
	wsBase   string
	httpBase string
	client   *http.Client
	voice    voiceSettings
}

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat selects a raw PCM format: pcm_16000, pcm_22050,
// pcm_24000 or pcm_44100.
func WithOutputFormat(format string) Option { return func(p *Provider) { p.format = format } }

// WithVoiceSettings overrides stability and similarity boost, both 0..1.
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		p.voice.Stability = stability
		p.voice.SimilarityBoost = similarity
	}
}

// WithBaseURLs points the provider at other hosts: wsBase for the socket
// and httpBase for REST. An empty argument keeps the default.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		if wsBase != "" {
			p.wsBase = strings.TrimRight(wsBase, "/")
		}
		if httpBase != "" {
			p.httpBase = strings.TrimRight(httpBase, "/")
		}
	}
}

// WithHTTPClient replaces the client used for REST calls.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		key:      apiKey,
		model:    DefaultModel,
		format:   DefaultOutputFormat,
		wsBase:   wsHost,
		httpBase: apiHost,
		client:   &http.Client{},
		voice:    voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := sampleRate(p.format)
	if err != nil {
		return nil, err
	}
	p.rate = rate
	return p, nil
}

// sampleRate parses the rate out of a "pcm_<rate>" format name.
func sampleRate(format string) (int, error) {
	s, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(s)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: bad output format %q", format)
	}
	return rate, nil
}

// OutputFormat implements [tts.Provider]. Output is mono.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.rate, Channels: 1}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

func (p *Provider) settingsFor(v tts.VoiceProfile) *voiceSettings {
	s := p.voice
	s.Speed = v.SpeedFactor
	return &s
}

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice is required")
	}
	conn, err := p.open(ctx, voice)
	if err != nil {
		if !fallsBack(err) {
			return nil, err
		}
		slog.Warn("elevenlabs: websocket unavailable, streaming over HTTP", "voice", voice.ID, "err", err)
		return tts.Batched(ctx, text, httpLookahead, 1, func(ctx context.Context, s string) ([]byte, error) {
			return p.speak(ctx, s, voice)
		}), nil
	}

	out := make(chan tts.Chunk, 64)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sendText(gctx, conn, text) })
		g.Go(func() error { return receiveAudio(gctx, conn, out) })
		if err := g.Wait(); err != nil {
			if ctx.Err() == nil {
				select {
				case out <- tts.Chunk{Err: err}:
				case <-ctx.Done():
				}
			}
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}()
	return out, nil
}

// fallsBack reports whether a failed socket might still work over plain
// HTTP. Auth, rate limit and server errors would fail there too.
func fallsBack(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *provider.StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch se.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	}
	return se.Code < 500
}

// message is what the client sends on the socket. The first message
// carries the key and settings with a single space as text; an empty text
// ends the input.
type message struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// reply is what the server sends back.
type reply struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Provider) socketURL(voiceID string) string {
	q := url.Values{"model_id": {p.model}, "output_format": {p.format}}
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// open dials the socket and sends the initial message.
func (p *Provider) open(ctx context.Context, voice tts.VoiceProfile) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, p.socketURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", provider.HandshakeError("elevenlabs", resp, err))
	}
	conn.SetReadLimit(readLimit)
	if err := send(ctx, conn, message{Text: " ", VoiceSettings: p.settingsFor(voice), XiAPIKey: p.key}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: init stream: %w", err)
	}
	return conn, nil
}

// sendText forwards fragments, each flushed as whole words, and ends the
// input once text closes.
func sendText(ctx context.Context, conn *websocket.Conn, text <-chan string) error {
	for {
		var frag string
		var ok bool
		select {
		case frag, ok = <-text:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			if err := send(ctx, conn, message{}); err != nil {
				return fmt.Errorf("elevenlabs: end input: %w", err)
			}
			return nil
		}
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		if err := send(ctx, conn, message{Text: frag + " ", Flush: true}); err != nil {
			return fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}
}

// receiveAudio forwards decoded audio until the final reply or a normal
// close.
func receiveAudio(ctx context.Context, conn *websocket.Conn, out chan<- tts.Chunk) error {
	for {
		_, data, err := conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var r reply
		if json.Unmarshal(data, &r) != nil {
			continue
		}
		if r.Error != "" {
			return fmt.Errorf("elevenlabs: %s: %s", r.Error, r.Message)
		}
		if r.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(r.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			select {
			case out <- tts.Chunk{PCM: pcm}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if r.IsFinal {
			return nil
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// speechRequest is the body of POST /v1/text-to-speech/{voice}/stream.
type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// speak renders one sentence over HTTP.
func (p *Provider) speak(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	body, err := json.Marshal(speechRequest{Text: sentence, ModelID: p.model, VoiceSettings: p.settingsFor(voice)})
	if err != nil {
		return nil, err
	}
	u := p.httpBase + "/v1/text-to-speech/" + url.PathEscape(voice.ID) + "/stream?" +
		url.Values{"output_format": {p.format}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	pcm, err := p.do(req, "speech")
	if err != nil {
		return nil, err
	}
	return pcm[:len(pcm)&^1], nil
}

// do sends an authenticated request and returns the body of a 200 reply.
func (p *Provider) do(req *http.Request, what string) ([]byte, error) {
	req.Header.Set("xi-api-key", p.key)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %s: %w", what, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %s: read: %w", what, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: %s: %w", what, provider.NewStatusError("elevenlabs", resp.StatusCode, data))
	}
	return data, nil
}

// voiceList is the body of GET /v1/voices.
type voiceList struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	data, err := p.do(req, "list voices")
	if err != nil {
		return nil, err
	}
	return parseVoices(data)
}

func parseVoices(data []byte) ([]tts.VoiceProfile, error) {
	var list voiceList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	out := make([]tts.VoiceProfile, 0, len(list.Voices))
	for _, v := range list.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = map[string]string{}
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out = append(out, tts.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Metadata: meta})
	}
	return out, nil
}
