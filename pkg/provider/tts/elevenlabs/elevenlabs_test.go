package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

func TestMessage_EndOfInput(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(message{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"text":""}` {
		t.Errorf("end of input: want %s, got %s", `{"text":""}`, data)
	}
}

func TestSocketURL(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err := url.Parse(p.socketURL("voice-abc123"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" || u.Path != "/v1/text-to-speech/voice-abc123/stream-input" {
		t.Errorf("url: got %s", u)
	}
	q := u.Query()
	if q.Get("model_id") != "eleven_multilingual_v2" || q.Get("output_format") != "pcm_24000" {
		t.Errorf("query: got %v", q)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		key      string
		opts     []Option
		wantRate int
		wantErr  bool
	}{
		{name: "defaults", key: "key", wantRate: 16000},
		{name: "44.1k", key: "key", opts: []Option{WithOutputFormat("pcm_44100")}, wantRate: 44100},
		{name: "no key", wantErr: true},
		{name: "mp3", key: "key", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "garbage rate", key: "key", opts: []Option{WithOutputFormat("pcm_fast")}, wantErr: true},
	}
	for _, tt := range tests {
		p, err := New(tt.key, tt.opts...)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: want error, got nil", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if f := p.OutputFormat(); f.SampleRate != tt.wantRate || f.Channels != 1 {
			t.Errorf("%s: format: want %dHz mono, got %+v", tt.name, tt.wantRate, f)
		}
		if p.model != DefaultModel {
			t.Errorf("%s: model: want %q, got %q", tt.name, DefaultModel, p.model)
		}
	}
}

func TestParseVoices(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"voices": [
			{"voice_id": "abc123", "name": "Rachel", "category": "premade", "labels": {"accent": "american"}},
			{"voice_id": "x1", "name": "Clone", "category": "", "labels": null}
		]
	}`)
	voices, err := parseVoices(raw)
	if err != nil {
		t.Fatalf("parseVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("voices: want 2, got %d", len(voices))
	}
	if v := voices[0]; v.ID != "abc123" || v.Provider != "elevenlabs" || v.Metadata["accent"] != "american" || v.Metadata["category"] != "premade" {
		t.Errorf("voice 0: got %+v", v)
	}
	if _, ok := voices[1].Metadata["category"]; ok {
		t.Error("voice 1: empty category should be left out")
	}
	if _, err := parseVoices([]byte(`{invalid`)); err == nil {
		t.Error("invalid JSON: want error, got nil")
	}
}

// fakeSocket accepts one stream-input socket, records what it receives and
// answers each fragment with its own bytes as audio.
type fakeSocket struct {
	mu        sync.Mutex
	key       string
	settings  *voiceSettings
	fragments []string
	failWith  string
}

func (f *fakeSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	write := func(rep reply) error {
		data, _ := json.Marshal(rep)
		return conn.Write(ctx, websocket.MessageText, data)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m message
		if json.Unmarshal(data, &m) != nil {
			return
		}
		switch {
		case m.XiAPIKey != "":
			f.mu.Lock()
			f.key, f.settings = m.XiAPIKey, m.VoiceSettings
			f.mu.Unlock()
		case f.failWith != "":
			_ = write(reply{Error: f.failWith, Message: "character limit reached"})
		case m.Text == "":
			_ = write(reply{IsFinal: true})
			conn.Close(websocket.StatusNormalClosure, "")
			return
		default:
			f.mu.Lock()
			f.fragments = append(f.fragments, m.Text)
			f.mu.Unlock()
			audio := base64.StdEncoding.EncodeToString([]byte(strings.TrimSpace(m.Text)))
			if write(reply{Audio: audio}) != nil {
				return
			}
		}
	}
}

func newTestProvider(t *testing.T, h http.Handler, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("secret", append([]Option{WithBaseURLs(wsBase, srv.URL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func feed(frags ...string) <-chan string {
	ch := make(chan string, len(frags))
	for _, f := range frags {
		ch <- f
	}
	close(ch)
	return ch
}

func TestSynthesizeStream_Socket(t *testing.T) {
	t.Parallel()

	fake := &fakeSocket{}
	p := newTestProvider(t, fake, WithVoiceSettings(0.3, 0.9))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := p.SynthesizeStream(ctx, feed("Your table is ready.", "   ", "Please follow me."), tts.VoiceProfile{ID: "v1", SpeedFactor: 1.2})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var got []string
	for c := range out {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		got = append(got, string(c.PCM))
	}
	if want := []string{"Your table is ready.", "Please follow me."}; !slices.Equal(got, want) {
		t.Errorf("audio: want %q, got %q", want, got)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.key != "secret" {
		t.Errorf("api key: want secret, got %q", fake.key)
	}
	if s := fake.settings; s == nil || s.Stability != 0.3 || s.SimilarityBoost != 0.9 || s.Speed != 1.2 {
		t.Errorf("voice settings: got %+v", s)
	}
	if len(fake.fragments) != 2 || fake.fragments[0] != "Your table is ready. " {
		t.Errorf("fragments: got %q", fake.fragments)
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, &fakeSocket{failWith: "quota_exceeded"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := p.SynthesizeStream(ctx, feed("Hi."), tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var streamErr error
	for c := range out {
		if c.Err != nil {
			streamErr = c.Err
		}
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "quota_exceeded") {
		t.Errorf("stream error: want quota_exceeded, got %v", streamErr)
	}
}

func TestSynthesizeStream_RateLimitedHandshake(t *testing.T) {
	t.Parallel()

	var posts int
	var mu sync.Mutex
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			posts++
			mu.Unlock()
		}
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))

	_, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{ID: "v1"})
	var se *provider.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error: want *provider.StatusError, got %v", err)
	}
	if !se.RateLimited() {
		t.Errorf("RateLimited: want true for status %d", se.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if posts != 0 {
		t.Errorf("HTTP fallback: want no requests after 429, got %d", posts)
	}
}

func TestSynthesizeStream_HTTPFallback(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var texts []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/text-to-speech/{voice}/stream", func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Header.Get("xi-api-key") != "secret" || r.PathValue("voice") != "v1" ||
			r.URL.Query().Get("output_format") != DefaultOutputFormat || req.ModelID != DefaultModel {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		mu.Lock()
		texts = append(texts, req.Text)
		mu.Unlock()
		// Two bytes per character plus one stray byte.
		_, _ = w.Write(append(bytes.Repeat([]byte{1, 0}, len(req.Text)), 9))
	})
	p := newTestProvider(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.SynthesizeStream(ctx, feed("Your table is ready. ", "Please follow me."), tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: want fallback, got %v", err)
	}
	total := 0
	for c := range out {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		total += len(c.PCM)
	}
	want := 2 * len("Your table is ready.Please follow me.")
	if total != want {
		t.Errorf("pcm bytes: want %d, got %d", want, total)
	}

	mu.Lock()
	defer mu.Unlock()
	slices.Sort(texts)
	if w := []string{"Please follow me.", "Your table is ready."}; !slices.Equal(texts, w) {
		t.Errorf("sentences: want %q, got %q", w, texts)
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Error("empty voice: want error, got nil")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	var gotKey string
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("xi-api-key")
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"abc","name":"Rachel"}]}`))
	}))

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("xi-api-key: want secret, got %q", gotKey)
	}
	if len(voices) != 1 || voices[0].ID != "abc" {
		t.Errorf("voices: got %+v", voices)
	}
}

func TestListVoices_Unauthorized(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	_, err := p.ListVoices(context.Background())
	var se *provider.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("error: want 401 StatusError, got %v", err)
	}
}
