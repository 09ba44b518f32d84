// Package health serves the liveness and readiness probes of the control
// surface.
//
// GET /healthz answers 200 while the process serves HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only if all pass,
// 503 otherwise. Both return a JSON [Report].
package health

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds a single readiness check.
const CheckTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the component
// can take work.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Result is the outcome of one [Checker].
type Result struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the body of both probes.
type Report struct {
	Status string   `json:"status"`
	Uptime string   `json:"uptime"`
	Checks []Result `json:"checks,omitempty"`
}

// Ready reports whether every check passed.
func (r Report) Ready() bool { return r.Status == "ok" }

// Handler owns the registered checkers. It is safe for concurrent use.
type Handler struct {
	started time.Time
	log     *slog.Logger

	mu       sync.RWMutex
	checkers []Checker
	ready    *bool // last readiness seen, nil before the first probe
}

// New returns a Handler with the given checkers.
func New(checkers ...Checker) *Handler {
	h := &Handler{started: time.Now(), log: slog.Default()}
	for _, c := range checkers {
		h.Set(c)
	}
	return h
}

// Set registers c, replacing a checker of the same name.
func (h *Handler) Set(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := slices.IndexFunc(h.checkers, func(o Checker) bool { return o.Name == c.Name }); i >= 0 {
		h.checkers[i] = c
		return
	}
	h.checkers = append(h.checkers, c)
	slices.SortFunc(h.checkers, func(a, b Checker) int { return cmp.Compare(a.Name, b.Name) })
}

// Check runs all checkers, each under its own [CheckTimeout], and returns
// their results sorted by name. A change in overall readiness is logged.
func (h *Handler) Check(ctx context.Context) Report {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	h.mu.RUnlock()

	results := make([]Result, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = Result{Name: c.Name, OK: err == nil, Duration: time.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Uptime: h.uptime(), Checks: results}
	for _, r := range results {
		if !r.OK {
			rep.Status = "fail"
		}
	}
	h.noteReadiness(rep)
	return rep
}

func (h *Handler) noteReadiness(rep Report) {
	ready := rep.Ready()
	h.mu.Lock()
	changed := h.ready == nil || *h.ready != ready
	h.ready = &ready
	h.mu.Unlock()
	if !changed {
		return
	}
	if ready {
		h.log.Info("health: ready")
		return
	}
	for _, r := range rep.Checks {
		if !r.OK {
			h.log.Warn("health: not ready", "check", r.Name, "err", r.Error)
		}
	}
}

func (h *Handler) uptime() string {
	return time.Since(h.started).Truncate(time.Second).String()
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok", Uptime: h.uptime()})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if !rep.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
