package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the parley tracer.
const tracerName = "github.com/MrWong99/parley"

// Span attribute keys shared by every pipeline stage.
const (
	AttrStage  = attribute.Key("parley.stage")
	AttrTurnID = attribute.Key("parley.turn_id")
)

type turnKey struct{}

// Tracer returns the parley [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithTurn returns a context carrying the conversation turn id. Spans
// started with [StartStage] and loggers from [Logger] pick it up.
func WithTurn(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnKey{}, turnID)
}

// TurnID returns the turn id stored by [WithTurn], or "".
func TurnID(ctx context.Context) string {
	id, _ := ctx.Value(turnKey{}).(string)
	return id
}

// StartStage starts a span named after a pipeline stage ("stt", "llm",
// "tts") and tags it with the stage and the turn id from ctx.
func StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	kv := make([]attribute.KeyValue, 0, len(attrs)+2)
	kv = append(kv, AttrStage.String(stage))
	if id := TurnID(ctx); id != "" {
		kv = append(kv, AttrTurnID.String(id))
	}
	kv = append(kv, attrs...)
	return StartSpan(ctx, "parley."+stage, trace.WithAttributes(kv...))
}

// EndSpan records err on span and ends it. Cancellation and any of the
// expected errors end the span without an error status, since an
// interrupted turn is not a failure.
func EndSpan(span trace.Span, err error, expected ...error) {
	defer span.End()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			span.AddEvent("stopped")
			return
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id, span_id and
// turn_id when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := TurnID(ctx); id != "" {
		l = l.With(slog.String("turn_id", id))
	}
	return l
}
