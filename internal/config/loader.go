package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"openai", "deepgram", "whisper", "whisper-native"},
	"tts":   {"openai", "elevenlabs", "coqui"},
	"vad":   {"energy"},
	"audio": {"websocket", "discord"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	c := cfg.Conversation
	if c.SpeechMode != "" && !c.SpeechMode.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.speech_mode %q is invalid; valid values: queue, single", c.SpeechMode))
	}
	if c.MaxHistoryTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_history_tokens %d must not be negative", c.MaxHistoryTokens))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must not be negative", c.MaxTokens))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	for name, d := range map[string]int64{
		"cooldown":         int64(c.Cooldown),
		"stage_timeout":    int64(c.StageTimeout),
		"retry_delay":      int64(c.RetryDelay),
		"rate_limit_delay": int64(c.RateLimitDelay),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("conversation.%s must not be negative", name))
		}
	}

	p := cfg.Providers
	if p.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if p.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if p.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	errs = append(errs, validateFallbacks("llm", p.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("stt", p.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", p.TTSFallbacks)...)

	validateProviderName("llm", p.LLM.Name)
	validateProviderName("stt", p.STT.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("vad", p.VAD.Name)
	validateProviderName("audio", p.Audio.Name)

	l := cfg.Listen
	if l.PositiveThreshold < 0 || l.PositiveThreshold > 1 {
		errs = append(errs, fmt.Errorf("listen.positive_threshold %.2f is out of range [0, 1]", l.PositiveThreshold))
	}
	if l.NegativeThreshold < 0 || l.NegativeThreshold > 1 {
		errs = append(errs, fmt.Errorf("listen.negative_threshold %.2f is out of range [0, 1]", l.NegativeThreshold))
	}
	if l.PositiveThreshold != 0 && l.NegativeThreshold != 0 && l.NegativeThreshold > l.PositiveThreshold {
		errs = append(errs, errors.New("listen.negative_threshold must not exceed listen.positive_threshold"))
	}
	if l.MinSpeech < 0 || l.PreSpeechPad < 0 || l.Redemption < 0 {
		errs = append(errs, errors.New("listen durations must not be negative"))
	}

	if f := cfg.Voice.SpeedFactor; f != 0 && (f < 0.5 || f > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", f))
	}

	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenMax < 0 || r.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, entries []ProviderEntry) []error {
	var errs []error
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
