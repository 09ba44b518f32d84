// Package app wires parley's subsystems into a running server.
//
// The App owns the lifecycle: New builds the conversation orchestrator from
// the config and providers, Run serves the HTTP control surface and applies
// config reloads until its context ends, and Close tears everything down.
//
// For testing, construct [Providers] from mocks and drive the handler
// returned by [App.Handler] with httptest.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/generate"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/listen"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/orchestrator"
	"github.com/MrWong99/parley/internal/perf"
	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const shutdownTimeout = 5 * time.Second

// Option is a functional option for New.
type Option func(*App)

// WithRegistry sets the registry used to rebuild providers when their
// configuration changes on reload. Without one, provider changes are
// ignored until restart.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithWatcher makes Run poll w for config changes.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevelVar lets reloads change the log level of handlers built on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the instruments fed by the orchestrator, the turn sink
// and the HTTP middleware. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// App owns the orchestrator, its providers and the HTTP surface.
type App struct {
	log            *slog.Logger
	level          *slog.LevelVar
	reg            *config.Registry
	watcher        *config.Watcher
	metrics        *observe.Metrics
	metricsHandler http.Handler
	tracker        *perf.Tracker
	history        *history.History
	health         *health.Handler
	handler        http.Handler

	mu        sync.Mutex
	cfg       *config.Config
	prov      *Providers
	orch      *orchestrator.Orchestrator
	pending   *config.Config
	reloadErr error
	closed    bool

	// swapped is closed and replaced whenever orch is replaced.
	swapped chan struct{}

	closeOnce sync.Once
}

// New builds an App from cfg and providers. Defaults are applied to cfg.
// History and latency statistics outlive orchestrator rebuilds.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	config.ApplyDefaults(cfg)

	a := &App{
		cfg:     cfg,
		prov:    providers,
		history: history.New(),
		swapped: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.tracker = perf.NewTracker(perf.WithSink(observe.NewTurnSink(a.metrics)))

	orch, err := a.newOrchestrator(cfg, providers)
	if err != nil {
		return nil, err
	}
	a.orch = orch

	a.health = health.New(
		health.Checker{Name: "conversation", Check: a.checkConversation},
		health.Checker{Name: "providers", Check: a.checkProviders},
	)
	a.handler = a.routes()
	return a, nil
}

// newOrchestrator builds an orchestrator for cfg on top of prov.
func (a *App) newOrchestrator(cfg *config.Config, prov *Providers) (*orchestrator.Orchestrator, error) {
	c := cfg.Conversation
	if prov.LLM == nil || prov.TTS == nil {
		return nil, errors.New("app: llm and tts providers are required")
	}

	gen := generate.New(prov.LLM,
		generate.WithSystemPrompt(c.SystemPrompt),
		generate.WithTemperature(c.Temperature),
		generate.WithMaxTokens(c.MaxTokens),
		generate.WithMaxHistoryTokens(c.MaxHistoryTokens),
	)
	voice := tts.VoiceProfile{
		ID:          cfg.Voice.ID,
		Name:        cfg.Voice.Name,
		Provider:    cfg.Providers.TTS.Name,
		SpeedFactor: cfg.Voice.SpeedFactor,
	}
	speaker, err := speech.NewFactory(speech.Mode(c.SpeechMode), prov.TTS, voice)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	vocab := transcript.NewVocabulary(c.Vocabulary)
	orch, err := orchestrator.New(orchestratorConfig(cfg), orchestrator.Providers{
		Device:  prov.Audio,
		VAD:     prov.VAD,
		STT:     prov.STT,
		Gen:     gen,
		Speaker: speaker,
	},
		orchestrator.WithTracker(a.tracker),
		orchestrator.WithHistory(a.history),
		orchestrator.WithTranscriptFilter(transcript.Filter(vocab, a.log)),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.log),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return orch, nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	c := cfg.Conversation
	oc := orchestrator.DefaultConfig()
	if c.Interruptible != nil {
		oc.Interruptible = *c.Interruptible
	}
	if c.EarlySpeech != nil {
		oc.EarlySpeech = *c.EarlySpeech
	}
	if c.Cooldown > 0 {
		oc.Cooldown = c.Cooldown
	}
	if c.StageTimeout > 0 {
		oc.StageTimeout = c.StageTimeout
	}
	if c.RetryDelay > 0 {
		oc.RetryDelay = c.RetryDelay
	}
	if c.RateLimitDelay > 0 {
		oc.RateLimitDelay = c.RateLimitDelay
	}
	oc.Listen = listenConfig(cfg.Listen)
	return oc
}

func listenConfig(l config.ListenConfig) listen.Config {
	lc := listen.DefaultConfig()
	if l.PositiveThreshold > 0 {
		lc.PositiveThreshold = l.PositiveThreshold
	}
	if l.NegativeThreshold > 0 {
		lc.NegativeThreshold = l.NegativeThreshold
	}
	if l.MinSpeech > 0 {
		lc.MinSpeech = l.MinSpeech
	}
	if l.PreSpeechPad > 0 {
		lc.PreSpeechPad = l.PreSpeechPad
	}
	if l.Redemption > 0 {
		lc.Redemption = l.Redemption
	}
	return lc
}

// Handler returns the HTTP handler serving the control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the orchestrator currently in use. It changes when a
// reload rebuilds the conversation.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orch
}

// current returns the orchestrator and the channel closed when it is
// replaced.
func (a *App) current() (*orchestrator.Orchestrator, <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orch, a.swapped
}

func (a *App) checkConversation(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return orchestrator.ErrClosed
	}
	if a.reloadErr != nil {
		return fmt.Errorf("config reload failed: %w", a.reloadErr)
	}
	return nil
}

func (a *App) checkProviders(context.Context) error {
	a.mu.Lock()
	ps := a.prov
	a.mu.Unlock()
	return unavailable(ps)
}

// Run serves HTTP on the configured address, polls the config watcher and
// applies deferred reloads until ctx is cancelled. The App is closed before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	a.mu.Lock()
	srvCfg := a.cfg.Server
	a.mu.Unlock()

	srv := &http.Server{
		Addr:              srvCfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr, "tls", srvCfg.TLS != nil)
		var err error
		if tls := srvCfg.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error { return a.applyWhenIdle(gctx) })

	return g.Wait()
}

// Close stops the conversation and releases every provider. It is
// idempotent.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		orch, prov := a.orch, a.prov
		a.closed = true
		a.mu.Unlock()

		err = errors.Join(orch.Close(), closeProviders(prov))
		a.log.Info("parley stopped")
	})
	return err
}
