package deepgram

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

func query(t *testing.T, p *Provider, rate int) url.Values {
	t.Helper()
	raw, err := p.listenURL(rate)
	if err != nil {
		t.Fatalf("listenURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return u.Query()
}

func TestListenURL(t *testing.T) {
	t.Parallel()

	plain, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tuned, err := New("key",
		WithModel("base"),
		WithLanguage("de-DE"),
		WithKeywords([]stt.KeywordBoost{{Keyword: "Parley", Boost: 5}, {Keyword: "Kubernetes", Boost: 3.5}}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		q    url.Values
		want map[string]string
	}{
		{"defaults", query(t, plain, 16000), map[string]string{
			"model": "nova-3", "language": "en", "punctuate": "true", "encoding": "linear16", "sample_rate": "16000", "channels": "1",
		}},
		{"options", query(t, tuned, 48000), map[string]string{
			"model": "base", "language": "de-DE", "sample_rate": "48000",
		}},
	}
	for _, tt := range tests {
		for k, want := range tt.want {
			if got := tt.q.Get(k); got != want {
				t.Errorf("%s: %s: want %q, got %q", tt.name, k, want, got)
			}
		}
	}
	if _, ok := tests[0].q["keywords"]; ok {
		t.Error("defaults: want no keywords")
	}
	if kws := tests[1].q["keywords"]; len(kws) != 2 || kws[0] != "Parley:5" || kws[1] != "Kubernetes:3.5" {
		t.Errorf("keywords: want [Parley:5 Kubernetes:3.5], got %v", kws)
	}
}

func TestDecodeResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		ok    bool
		final bool
		text  string
	}{
		{"final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Book a table","confidence":0.95}]}}`, true, true, "Book a table"},
		{"interim", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Book","confidence":0.7}]}}`, true, false, "Book"},
		{"metadata", `{"type":"Metadata","request_id":"abc"}`, false, false, ""},
		{"no alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`, false, false, ""},
		{"garbage", `{invalid`, false, false, ""},
	}
	for _, tt := range tests {
		r, ok := decodeResult([]byte(tt.raw))
		if ok != tt.ok {
			t.Errorf("%s: ok: want %v, got %v", tt.name, tt.ok, ok)
			continue
		}
		if r.final != tt.final || r.text != tt.text {
			t.Errorf("%s: want (%v, %q), got (%v, %q)", tt.name, tt.final, tt.text, r.final, r.text)
		}
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()

	tr := join([]result{
		{text: "Book a table.", confidence: 0.9},
		{text: "  ", confidence: 0.1},
		{text: "For two?", confidence: 0.7},
	})
	if tr.Text != "Book a table. For two?" {
		t.Errorf("text: want %q, got %q", "Book a table. For two?", tr.Text)
	}
	if math.Abs(tr.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence: want 0.8, got %v", tr.Confidence)
	}
	if !join(nil).Empty() {
		t.Error("no results: want empty transcript")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("empty api key: want error")
	}
}

// fakeListen accepts one socket authorised with "Token key", counts audio
// bytes until CloseStream and answers with replies before closing.
func fakeListen(t *testing.T, replies []string, received *atomic.Int64) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received.Add(int64(len(msg)))
			} else if string(msg) == string(closeStream) {
				break
			}
		}
		for _, reply := range replies {
			if conn.Write(ctx, websocket.MessageText, []byte(reply)) != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	endpoint := fakeListen(t, []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hel","confidence":0.5}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hello there.","confidence":0.9}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Bye.","confidence":0.7}]}}`,
		`{"type":"Metadata","request_id":"r1"}`,
	}, &received)

	p, err := New("key", WithEndpoint(endpoint))
	if err != nil {
		t.Fatal(err)
	}
	// 250 ms at 16 kHz goes out as three messages.
	tr, err := p.Transcribe(context.Background(), audio.Segment{Samples: make([]float32, 4000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Hello there. Bye." || tr.Language != DefaultLanguage {
		t.Errorf("transcript: got %+v", tr)
	}
	if got := received.Load(); got != 8000 {
		t.Errorf("audio bytes: want 8000, got %d", got)
	}
}

func TestTranscribe_Unauthorized(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	p, _ := New("wrong", WithEndpoint(fakeListen(t, nil, &received)))
	_, err := p.Transcribe(context.Background(), audio.Segment{Samples: make([]float32, 160), SampleRate: 16000})

	var se *provider.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("error: want 401 StatusError, got %v", err)
	}
}
