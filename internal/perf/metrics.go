// Package perf records per-turn latency of the conversation pipeline and
// keeps short rolling averages per stage.
//
// A [Tracker] hands out one [Turn] recorder per conversational turn. The
// orchestrator stamps stage boundaries on it; finishing the turn folds the
// durations into the rolling window and reports them to an optional [Sink]
// without waiting for it.
package perf

import (
	"encoding/json"
	"time"
)

// Metric names one measured stage of a turn.
type Metric int

const (
	// VADDetection is speech start to speech end as reported by detection.
	VADDetection Metric = iota
	// STTProcessing is the duration of the transcription call.
	STTProcessing
	// LLMFirstToken is request start to the first streamed chunk.
	LLMFirstToken
	// LLMCompletion is request start to the completed response.
	LLMCompletion
	// TTSFirstAudio is the first speak request to the first audible frame.
	TTSFirstAudio
	// TTSCompletion is the first speak request to the end of playback.
	TTSCompletion
	// TotalPipeline is speech end (or text submission) to the first audible
	// frame. It is the latency the user perceives.
	TotalPipeline

	numMetrics
)

var metricNames = [numMetrics]string{
	VADDetection:  "vadDetection",
	STTProcessing: "sttProcessing",
	LLMFirstToken: "llmFirstToken",
	LLMCompletion: "llmCompletion",
	TTSFirstAudio: "ttsFirstAudio",
	TTSCompletion: "ttsCompletion",
	TotalPipeline: "totalPipeline",
}

// String returns the metric's JSON name.
func (m Metric) String() string {
	if m < 0 || m >= numMetrics {
		return "unknown"
	}
	return metricNames[m]
}

// Metrics lists every metric in pipeline order.
func Metrics() []Metric {
	out := make([]Metric, numMetrics)
	for i := range out {
		out[i] = Metric(i)
	}
	return out
}

// TurnMetrics holds the stage durations of one turn. Only stages that
// actually ran are set; use [TurnMetrics.Has] to tell an unset stage from a
// zero duration.
type TurnMetrics struct {
	values [numMetrics]time.Duration
	set    uint16
}

// Get returns the duration for m and whether it was recorded.
func (t TurnMetrics) Get(m Metric) (time.Duration, bool) {
	if m < 0 || m >= numMetrics {
		return 0, false
	}
	return t.values[m], t.Has(m)
}

// Has reports whether m was recorded.
func (t TurnMetrics) Has(m Metric) bool {
	return m >= 0 && m < numMetrics && t.set&(1<<m) != 0
}

// put records d for m, clamping negative durations to zero.
func (t *TurnMetrics) put(m Metric, d time.Duration) {
	t.values[m] = max(d, 0)
	t.set |= 1 << m
}

// Empty reports whether nothing was recorded.
func (t TurnMetrics) Empty() bool { return t.set == 0 }

// MarshalJSON encodes recorded stages as milliseconds keyed by metric name.
func (t TurnMetrics) MarshalJSON() ([]byte, error) {
	out := make(map[string]float64, numMetrics)
	for _, m := range Metrics() {
		if d, ok := t.Get(m); ok {
			out[m.String()] = Millis(d)
		}
	}
	return json.Marshal(out)
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
