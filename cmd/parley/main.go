// Command parley runs the voice conversation server.
//
// Usage:
//
//	parley -config parley.yaml
//	parley -config parley.yaml -check
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

// Set with -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config.yaml", "YAML configuration file")
		interval   = flag.Duration("reload-interval", 5*time.Second, "config file poll interval")
		checkOnly  = flag.Bool("check", false, "validate the configuration and exit")
	)
	flag.Parse()

	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(cfg *config.Config, _ config.ConfigDiff) {
		application.Reload(cfg)
	}, config.WithInterval(*interval))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%s not found, start from configs/example.yaml", *configPath)
		}
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	cfg := watcher.Current()
	if *checkOnly {
		fmt.Printf("%s: ok\n", *configPath)
		return 0
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("telemetry setup failed", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Server)
	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("building providers failed", "err", err)
		return 1
	}
	logStartup(cfg, *configPath)

	application, err = app.New(cfg, providers,
		app.WithRegistry(reg),
		app.WithWatcher(watcher),
		app.WithLevelVar(level),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("app setup failed", "err", err)
		return 1
	}
	go reloadOnHangup(ctx, watcher)

	if err := application.Run(ctx); err != nil {
		slog.Error("parley stopped", "err", err)
		return 1
	}
	slog.Info("parley stopped")
	return 0
}

// reloadOnHangup polls the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !w.Poll() {
				slog.Info("SIGHUP: config unchanged", "err", w.Err())
			}
		}
	}
}

// logStartup writes one line naming the active stack.
func logStartup(cfg *config.Config, path string) {
	p := cfg.Providers
	slog.Info("parley starting",
		"version", version,
		"config", path,
		"addr", cfg.Server.ListenAddr,
		"llm", backend(p.LLM),
		"stt", backend(p.STT),
		"tts", backend(p.TTS),
		"vad", backend(p.VAD),
		"audio", backend(p.Audio),
		"fallbacks", len(p.LLMFallbacks)+len(p.STTFallbacks)+len(p.TTSFallbacks),
		"speech_mode", cfg.Conversation.SpeechMode,
		"vocabulary", len(cfg.Conversation.Vocabulary),
	)
}

func backend(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "none"
	case e.Model == "":
		return e.Name
	}
	return e.Name + "/" + e.Model
}
