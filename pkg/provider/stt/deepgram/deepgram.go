// Package deepgram is an [stt.Provider] for Deepgram's live transcription
// API. Every segment gets its own socket: the audio goes out in 100 ms
// messages followed by CloseStream, and the final results that come back
// are joined into one transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Defaults.
const (
	Endpoint        = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-3"
	DefaultLanguage = "en"

	messageLength = 100 * time.Millisecond
)

var closeStream = []byte(`{"type":"CloseStream"}`)

// Provider transcribes with one Deepgram API key.
type Provider struct {
	key      string
	model    string
	language string
	endpoint string
	keywords []stt.KeywordBoost
}

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "nova-3" or "base".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the BCP-47 language, e.g. "de-DE".
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithKeywords boosts the given words.
func WithKeywords(kw []stt.KeywordBoost) Option { return func(p *Provider) { p.keywords = kw } }

// WithEndpoint points the provider at a self-hosted deployment.
func WithEndpoint(endpoint string) Option { return func(p *Provider) { p.endpoint = endpoint } }

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{key: apiKey, model: DefaultModel, language: DefaultLanguage, endpoint: Endpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	if err := stt.CheckSegment(seg); err != nil {
		return stt.Transcript{}, err
	}
	u, err := p.listenURL(seg.SampleRate)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.key}},
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", provider.HandshakeError("deepgram", resp, err))
	}
	defer conn.CloseNow()

	var finals []result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return upload(gctx, conn, seg) })
	g.Go(func() (err error) {
		finals, err = collect(gctx, conn)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return stt.Transcript{}, ctx.Err()
		}
		return stt.Transcript{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "")

	tr := join(finals)
	tr.Language = p.language
	tr.Duration = seg.Duration()
	return tr, nil
}

// upload sends seg as linear16 and then asks the server to finish.
func upload(ctx context.Context, conn *websocket.Conn, seg audio.Segment) error {
	per := int(int64(seg.SampleRate) * 2 * int64(messageLength) / int64(time.Second))
	for _, msg := range audio.Chunk(audio.Float32ToPCM16(seg.Samples), per, 1) {
		if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, closeStream); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// collect keeps final results until the server closes the socket.
func collect(ctx context.Context, conn *websocket.Conn) ([]result, error) {
	var finals []result
	for {
		_, msg, err := conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return finals, nil
		}
		if err != nil {
			return finals, fmt.Errorf("deepgram: read: %w", err)
		}
		if r, ok := decodeResult(msg); ok && r.final {
			finals = append(finals, r)
		}
	}
}

// listenURL returns the endpoint with the query for mono linear16 at rate.
func (p *Provider) listenURL(rate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range map[string]string{
		"model":        p.model,
		"language":     p.language,
		"punctuate":    "true",
		"smart_format": "true",
		"encoding":     "linear16",
		"sample_rate":  strconv.Itoa(rate),
		"channels":     "1",
	} {
		q.Set(k, v)
	}
	for _, kw := range p.keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// message is a server event. Only "Results" events are used.
type message struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	text       string
	confidence float64
	final      bool
}

func decodeResult(data []byte) (result, bool) {
	var m message
	if json.Unmarshal(data, &m) != nil || m.Type != "Results" || len(m.Channel.Alternatives) == 0 {
		return result{}, false
	}
	best := m.Channel.Alternatives[0]
	return result{text: best.Transcript, confidence: best.Confidence, final: m.IsFinal}, true
}

// join concatenates the non-blank results and averages their confidence.
func join(results []result) stt.Transcript {
	var words []string
	var conf float64
	for _, r := range results {
		if t := strings.TrimSpace(r.text); t != "" {
			words = append(words, t)
			conf += r.confidence
		}
	}
	if len(words) == 0 {
		return stt.Transcript{}
	}
	return stt.Transcript{Text: strings.Join(words, " "), Confidence: conf / float64(len(words))}
}
