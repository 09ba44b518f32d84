package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Populated by
// [BuildProviders] or injected directly in tests.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	Audio audio.Device
}

// BuildProviders instantiates every provider named in cfg using reg. LLM,
// STT and TTS entries with configured fallbacks are wrapped in a fallback
// group whose members each get a circuit breaker.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := cfg.Providers
	r := cfg.Resilience
	ps := &Providers{}

	var err error
	if ps.LLM, err = buildLLM(p, reg, fallbackConfig(r, "llm")); err != nil {
		return nil, err
	}
	if ps.STT, err = buildSTT(p, reg, fallbackConfig(r, "stt")); err != nil {
		closeProviders(ps)
		return nil, err
	}
	if ps.TTS, err = buildTTS(p, reg, fallbackConfig(r, "tts")); err != nil {
		closeProviders(ps)
		return nil, err
	}
	if ps.VAD, err = reg.CreateVAD(p.VAD); err != nil {
		closeProviders(ps)
		return nil, fmt.Errorf("app: create vad provider %q: %w", p.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", p.VAD.Name)
	if ps.Audio, err = reg.CreateAudio(p.Audio); err != nil {
		closeProviders(ps)
		return nil, fmt.Errorf("app: create audio device %q: %w", p.Audio.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", p.Audio.Name)
	return ps, nil
}

// fallbackConfig returns the breaker settings for the fallback group of one
// provider kind. Breaker transitions are logged by the breaker and counted
// in the default metrics.
func fallbackConfig(r config.ResilienceConfig, kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  r.MaxFailures,
			ResetTimeout: r.ResetTimeout,
			HalfOpenMax:  r.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				observe.DefaultMetrics().RecordCircuitTransition(context.Background(), kind, name, to.String())
			},
		},
	}
}

// breakerReporter is implemented by the resilience fallback wrappers.
type breakerReporter interface {
	Available() bool
	Status() []resilience.EntryStatus
}

// unavailable reports the provider kinds in ps whose every backend has an
// open circuit.
func unavailable(ps *Providers) error {
	if ps == nil {
		return nil
	}
	var errs []error
	for _, slot := range []struct {
		kind string
		p    any
	}{{"llm", ps.LLM}, {"stt", ps.STT}, {"tts", ps.TTS}} {
		br, ok := slot.p.(breakerReporter)
		if !ok || br.Available() {
			continue
		}
		var names []string
		for _, st := range br.Status() {
			names = append(names, st.Name+"="+st.State.String())
		}
		errs = append(errs, fmt.Errorf("%s: no backend accepts calls (%s)", slot.kind, strings.Join(names, ", ")))
	}
	return errors.Join(errs...)
}

func buildLLM(p config.ProvidersConfig, reg *config.Registry, fc resilience.FallbackConfig) (llm.Provider, error) {
	primary, err := reg.CreateLLM(p.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: create llm provider %q: %w", p.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", p.LLM.Name, "model", p.LLM.Model)
	if len(p.LLMFallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewLLMFallback(primary, p.LLM.Name, fc)
	for _, e := range p.LLMFallbacks {
		fb, err := reg.CreateLLM(e)
		if err != nil {
			closeAll(primary)
			return nil, fmt.Errorf("app: create llm fallback %q: %w", e.Name, err)
		}
		group.AddFallback(e.Name, fb)
		slog.Info("fallback provider created", "kind", "llm", "name", e.Name, "model", e.Model)
	}
	return group, nil
}

func buildSTT(p config.ProvidersConfig, reg *config.Registry, fc resilience.FallbackConfig) (stt.Provider, error) {
	primary, err := reg.CreateSTT(p.STT)
	if err != nil {
		return nil, fmt.Errorf("app: create stt provider %q: %w", p.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", p.STT.Name, "model", p.STT.Model)
	if len(p.STTFallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewSTTFallback(primary, p.STT.Name, fc)
	for _, e := range p.STTFallbacks {
		fb, err := reg.CreateSTT(e)
		if err != nil {
			closeAll(primary)
			return nil, fmt.Errorf("app: create stt fallback %q: %w", e.Name, err)
		}
		group.AddFallback(e.Name, fb)
		slog.Info("fallback provider created", "kind", "stt", "name", e.Name, "model", e.Model)
	}
	return group, nil
}

func buildTTS(p config.ProvidersConfig, reg *config.Registry, fc resilience.FallbackConfig) (tts.Provider, error) {
	primary, err := reg.CreateTTS(p.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: create tts provider %q: %w", p.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", p.TTS.Name, "model", p.TTS.Model)
	if len(p.TTSFallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewTTSFallback(primary, p.TTS.Name, fc)
	for _, e := range p.TTSFallbacks {
		fb, err := reg.CreateTTS(e)
		if err != nil {
			closeAll(primary)
			return nil, fmt.Errorf("app: create tts fallback %q: %w", e.Name, err)
		}
		group.AddFallback(e.Name, fb)
		slog.Info("fallback provider created", "kind", "tts", "name", e.Name, "model", e.Model)
	}
	return group, nil
}

// closeProviders releases every provider in ps that holds resources.
func closeProviders(ps *Providers) error {
	if ps == nil {
		return nil
	}
	return closeAll(ps.LLM, ps.STT, ps.TTS, ps.VAD, ps.Audio)
}

func closeAll(vals ...any) error {
	var errs []error
	for _, v := range vals {
		if c, ok := v.(io.Closer); ok && c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
