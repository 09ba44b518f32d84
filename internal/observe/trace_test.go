package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func attrOf(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, a := range span.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTurnID_RoundTrip(t *testing.T) {
	t.Parallel()

	if got := TurnID(context.Background()); got != "" {
		t.Errorf("TurnID(background): want empty, got %q", got)
	}
	ctx := WithTurn(context.Background(), "turn-1")
	if got := TurnID(ctx); got != "turn-1" {
		t.Errorf("TurnID: want turn-1, got %q", got)
	}
}

func TestStartStage_TagsStageAndTurn(t *testing.T) {
	_, _, exp := testSetup(t)

	ctx := WithTurn(context.Background(), "b1946ac9")
	_, span := StartStage(ctx, "stt", attribute.Int("stt.chars", 12))
	EndSpan(span, nil)

	_, span = StartStage(context.Background(), "tts")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans: want 2, got %d", len(spans))
	}
	stt := spans[0]
	if stt.Name != "parley.stt" {
		t.Errorf("span name: want parley.stt, got %q", stt.Name)
	}
	if v, _ := attrOf(stt, AttrStage); v.AsString() != "stt" {
		t.Errorf("%s: want stt, got %q", AttrStage, v.AsString())
	}
	if v, _ := attrOf(stt, AttrTurnID); v.AsString() != "b1946ac9" {
		t.Errorf("%s: want b1946ac9, got %q", AttrTurnID, v.AsString())
	}
	if v, _ := attrOf(stt, "stt.chars"); v.AsInt64() != 12 {
		t.Errorf("stt.chars: want 12, got %d", v.AsInt64())
	}
	if _, ok := attrOf(spans[1], AttrTurnID); ok {
		t.Error("span without turn context should not carry a turn id")
	}
}

func TestEndSpan_Status(t *testing.T) {
	_, _, exp := testSetup(t)

	errStopped := errors.New("stopped")
	tests := []struct {
		name     string
		err      error
		expected []error
		want     codes.Code
		events   int
	}{
		{name: "ok", want: codes.Unset},
		{name: "canceled", err: fmt.Errorf("llm: %w", context.Canceled), want: codes.Unset},
		{name: "expected", err: fmt.Errorf("speech: %w", errStopped), expected: []error{errStopped}, want: codes.Unset, events: 1},
		{name: "failure", err: errors.New("status 503"), want: codes.Error, events: 1},
		{name: "deadline", err: context.DeadlineExceeded, want: codes.Error, events: 1},
	}
	for _, tt := range tests {
		exp.Reset()
		_, span := StartStage(context.Background(), tt.name)
		EndSpan(span, tt.err, tt.expected...)

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s: spans: want 1, got %d", tt.name, len(spans))
		}
		if got := spans[0].Status.Code; got != tt.want {
			t.Errorf("%s: status: want %v, got %v", tt.name, tt.want, got)
		}
		if got := len(spans[0].Events); got != tt.events {
			t.Errorf("%s: events: want %d, got %d", tt.name, tt.events, got)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	_, _, _ = testSetup(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background): want empty, got %q", got)
	}
	ctx, span := StartSpan(context.Background(), "conversation")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID: want 32 lowercase hex chars, got %q", cid)
	}
}

func TestLogger_Enrichment(t *testing.T) {
	_, _, _ = testSetup(t)
	logs := captureLogs(t, slog.LevelInfo)

	Logger(context.Background()).Info("plain")
	if out := logs.String(); strings.Contains(out, "trace_id") || strings.Contains(out, "turn_id") {
		t.Errorf("logger without context values: want no ids, got %q", out)
	}
	logs.Reset()

	ctx, span := StartStage(WithTurn(context.Background(), "turn-42"), "llm")
	defer span.End()
	Logger(ctx).Info("enriched")
	out := logs.String()
	for _, want := range []string{"trace_id=", "span_id=", "turn_id=turn-42"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line: want %q, got %q", want, out)
		}
	}
}
