package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var model, language atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		model.Store(r.FormValue("model"))
		language.Store(r.FormValue("language"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":" Turn on the lights. "}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithLanguage("en"))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := p.Transcribe(context.Background(), audio.Segment{Samples: make([]float32, 1600), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Turn on the lights." {
		t.Errorf("text: want %q, got %q", "Turn on the lights.", tr.Text)
	}
	if got := model.Load(); got != "whisper-1" {
		t.Errorf("model: want whisper-1, got %v", got)
	}
	if got := language.Load(); got != "en" {
		t.Errorf("language: want en, got %v", got)
	}
}

func TestTranscribe_EmptySegment(t *testing.T) {
	t.Parallel()

	p, _ := New("sk-test", "")
	if _, err := p.Transcribe(context.Background(), audio.Segment{}); !errors.Is(err, stt.ErrEmptySegment) {
		t.Errorf("want ErrEmptySegment, got %v", err)
	}
}

func TestTranscribe_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))

	_, err := p.Transcribe(context.Background(), audio.Segment{Samples: make([]float32, 160), SampleRate: 16000})
	var apiErr *oai.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *openai.Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status: want 429, got %d", apiErr.StatusCode)
	}
}

func TestConfidence(t *testing.T) {
	t.Parallel()

	if got := confidence(nil); got != 0 {
		t.Errorf("empty: want 0, got %v", got)
	}
	lps := []oai.TranscriptionLogprob{{Logprob: math.Log(0.5)}, {Logprob: math.Log(0.5)}}
	if got := confidence(lps); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("confidence: want 0.5, got %v", got)
	}
}
