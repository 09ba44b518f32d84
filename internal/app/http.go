package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/orchestrator"
	"github.com/MrWong99/parley/pkg/audio"
)

const (
	maxBodyBytes = 64 << 10
	writeTimeout = 5 * time.Second
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversation/start", a.handleStart)
	mux.HandleFunc("POST /v1/conversation/stop", a.handleStop)
	mux.HandleFunc("POST /v1/conversation/toggle", a.handleToggle)
	mux.HandleFunc("POST /v1/conversation/interrupt", a.handleInterrupt)
	mux.HandleFunc("POST /v1/conversation/text", a.handleText)
	mux.HandleFunc("GET /v1/conversation/history", a.handleHistory)
	mux.HandleFunc("DELETE /v1/conversation/history", a.handleClearHistory)
	mux.HandleFunc("GET /v1/conversation/state", a.handleState)
	mux.HandleFunc("GET /v1/events", a.handleEvents)
	mux.HandleFunc("GET /v1/audio", a.handleAudio)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

type textRequest struct {
	Text string `json:"text"`
}

type historyResponse struct {
	Messages []history.Message `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	orch := a.Orchestrator()
	a.respond(w, r, orch, orch.Start(r.Context()))
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	orch := a.Orchestrator()
	a.respond(w, r, orch, orch.Stop())
}

func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	orch := a.Orchestrator()
	a.respond(w, r, orch, orch.Toggle(r.Context()))
}

func (a *App) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	orch := a.Orchestrator()
	a.respond(w, r, orch, orch.Interrupt())
}

func (a *App) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	orch := a.Orchestrator()
	a.respond(w, r, orch, orch.SendText(r.Context(), req.Text))
}

func (a *App) handleHistory(w http.ResponseWriter, _ *http.Request) {
	msgs := a.Orchestrator().History()
	if msgs == nil {
		msgs = []history.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
}

func (a *App) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.Orchestrator().ClearHistory(); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Orchestrator().Snapshot())
}

// handleAudio hands the request to the audio device when it accepts
// WebSocket clients.
func (a *App) handleAudio(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	dev := a.prov.Audio
	a.mu.Unlock()

	h, ok := dev.(http.Handler)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "the configured audio device does not accept network clients"})
		return
	}
	h.ServeHTTP(w, r)
}

// handleEvents streams snapshots over a WebSocket. The stream follows the
// conversation across reloads.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	a.mu.Lock()
	origins := a.cfg.Server.AllowedOrigins
	a.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		log.Warn("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for {
		orch, swapped := a.current()
		snaps, cancel := orch.Subscribe()
		err := streamSnapshots(ctx, conn, snaps, swapped)
		cancel()
		switch {
		case err == nil:
			continue
		case errors.Is(err, orchestrator.ErrClosed):
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case ctx.Err() != nil:
			return
		default:
			log.Debug("events: stream ended", "err", err)
			return
		}
	}
}

// streamSnapshots writes snapshots until the orchestrator is replaced (nil),
// closed ([orchestrator.ErrClosed]) or the connection fails.
func streamSnapshots(ctx context.Context, conn *websocket.Conn, snaps <-chan orchestrator.Snapshot, swapped <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-swapped:
			return nil
		case snap, ok := <-snaps:
			if !ok {
				select {
				case <-swapped:
					return nil
				default:
					return orchestrator.ErrClosed
				}
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, snap)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// respond writes the snapshot after a successful command or the mapped
// error otherwise.
func (a *App) respond(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orch.Snapshot())
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInterruptDisabled):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrNotActive),
		errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, orchestrator.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed),
		errors.Is(err, audio.ErrNoDevice):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
