package observe

import (
	"context"

	"github.com/MrWong99/parley/internal/perf"
)

// TurnSink exports finished turns as OpenTelemetry measurements.
type TurnSink struct {
	m *Metrics
}

var _ perf.Sink = (*TurnSink)(nil)

// NewTurnSink returns a [perf.Sink] recording into m.
func NewTurnSink(m *Metrics) *TurnSink {
	return &TurnSink{m: m}
}

// RecordTurn implements [perf.Sink]. Every measured stage lands in the stage
// histogram; the perceived latency also goes to its own histogram.
func (s *TurnSink) RecordTurn(ctx context.Context, r perf.Report) {
	for _, stage := range perf.Metrics() {
		d, ok := r.Metrics.Get(stage)
		if !ok {
			continue
		}
		s.m.RecordStage(ctx, stage.String(), d)
		if stage == perf.TotalPipeline {
			s.m.RecordTurnLatency(ctx, d)
		}
	}
	s.m.RecordTurn(ctx, r.Outcome.String())
}
