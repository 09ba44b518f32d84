package perf

import (
	"encoding/json"
	"time"
)

// WindowSize is the number of recent samples averaged per metric.
const WindowSize = 10

// RollingStats keeps the last [WindowSize] durations per metric. The zero
// value is ready to use. It is not safe for concurrent use; [Tracker]
// guards it.
type RollingStats struct {
	windows [numMetrics][]time.Duration
}

// Add appends d to the window of m, evicting the oldest sample on overflow.
func (r *RollingStats) Add(m Metric, d time.Duration) {
	if m < 0 || m >= numMetrics {
		return
	}
	w := append(r.windows[m], d)
	if len(w) > WindowSize {
		w = w[len(w)-WindowSize:]
	}
	r.windows[m] = w
}

// Average returns the arithmetic mean of m's window and false when the
// window is empty.
func (r *RollingStats) Average(m Metric) (time.Duration, bool) {
	if m < 0 || m >= numMetrics || len(r.windows[m]) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, d := range r.windows[m] {
		sum += d
	}
	return sum / time.Duration(len(r.windows[m])), true
}

// Count returns the number of samples held for m.
func (r *RollingStats) Count(m Metric) int {
	if m < 0 || m >= numMetrics {
		return 0
	}
	return len(r.windows[m])
}

// Reset empties every window.
func (r *RollingStats) Reset() {
	for i := range r.windows {
		r.windows[i] = nil
	}
}

// Summary is a point-in-time copy of the averages.
type Summary struct {
	averages map[Metric]time.Duration
	counts   map[Metric]int
}

// Summary returns the current averages of every non-empty window.
func (r *RollingStats) Summary() Summary {
	s := Summary{averages: make(map[Metric]time.Duration), counts: make(map[Metric]int)}
	for _, m := range Metrics() {
		if avg, ok := r.Average(m); ok {
			s.averages[m] = avg
			s.counts[m] = r.Count(m)
		}
	}
	return s
}

// Average returns the stored average of m.
func (s Summary) Average(m Metric) (time.Duration, bool) {
	d, ok := s.averages[m]
	return d, ok
}

// Count returns how many samples the average of m is based on.
func (s Summary) Count(m Metric) int { return s.counts[m] }

// Len returns the number of metrics with an average.
func (s Summary) Len() int { return len(s.averages) }

type summaryEntry struct {
	AverageMs float64 `json:"averageMs"`
	Samples   int     `json:"samples"`
}

// MarshalJSON encodes averages in milliseconds keyed by metric name.
func (s Summary) MarshalJSON() ([]byte, error) {
	out := make(map[string]summaryEntry, len(s.averages))
	for m, d := range s.averages {
		out[m.String()] = summaryEntry{AverageMs: Millis(d), Samples: s.counts[m]}
	}
	return json.Marshal(out)
}
