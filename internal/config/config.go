// Package config provides the configuration schema, loader, and provider
// registry for the parley conversation server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SpeechMode selects how synthesised sentences reach the speaker.
type SpeechMode string

const (
	// SpeechQueue plays sentences back to back through a playback queue.
	SpeechQueue SpeechMode = "queue"

	// SpeechSingle synthesises one sentence at a time.
	SpeechSingle SpeechMode = "single"
)

// IsValid reports whether m is a recognised speech mode.
func (m SpeechMode) IsValid() bool {
	return m == SpeechQueue || m == SpeechSingle
}

// Config is the root configuration structure for parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Conversation ConversationConfig `yaml:"conversation"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Listen       ListenConfig       `yaml:"listen"`
	Voice        VoiceConfig        `yaml:"voice"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied immediately on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns accepted on WebSocket upgrades in
	// addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ConversationConfig tunes turn taking and response generation.
type ConversationConfig struct {
	// SystemPrompt is sent ahead of the history on every request.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps each response. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// MaxHistoryTokens bounds the history sent with each request. The oldest
	// messages are left out first. Zero sends everything.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	// Interruptible allows the user to cut off a response. Default: true.
	Interruptible *bool `yaml:"interruptible"`

	// EarlySpeech starts synthesising complete sentences while the response
	// is still streaming. Default: true.
	EarlySpeech *bool `yaml:"early_speech"`

	// SpeechMode selects the speaker variant. Default: queue.
	SpeechMode SpeechMode `yaml:"speech_mode"`

	// Cooldown is the pause after playback before listening resumes.
	// Default: 300ms.
	Cooldown time.Duration `yaml:"cooldown"`

	// StageTimeout bounds each STT, LLM and TTS call. Default: 30s.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// RetryDelay is how long a failed turn shows its error before listening
	// resumes. Default: 1s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RateLimitDelay replaces RetryDelay after a rate limit. Default: 5s.
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`

	// Vocabulary lists proper nouns that transcripts are corrected towards.
	Vocabulary []string `yaml:"vocabulary"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry]. Fallback entries are tried in order when the primary fails.
type ProvidersConfig struct {
	LLM          ProviderEntry   `yaml:"llm"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	VAD          ProviderEntry   `yaml:"vad"`
	Audio        ProviderEntry   `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// ListenConfig tunes speech detection.
type ListenConfig struct {
	// PositiveThreshold is the speech probability that starts an utterance.
	PositiveThreshold float64 `yaml:"positive_threshold"`

	// NegativeThreshold is the probability below which a frame is silence.
	NegativeThreshold float64 `yaml:"negative_threshold"`

	// MinSpeech is the shortest utterance that is transcribed; shorter ones
	// are misfires.
	MinSpeech time.Duration `yaml:"min_speech"`

	// PreSpeechPad is audio kept from before the detected start.
	PreSpeechPad time.Duration `yaml:"pre_speech_pad"`

	// Redemption is how long silence must last to end an utterance.
	Redemption time.Duration `yaml:"redemption"`
}

// VoiceConfig specifies the TTS voice.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. Zero means
	// provider default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ResilienceConfig tunes the circuit breaker guarding each provider.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultCooldown       = 300 * time.Millisecond
	DefaultStageTimeout   = 30 * time.Second
	DefaultRetryDelay     = time.Second
	DefaultRateLimitDelay = 5 * time.Second
)

// ApplyDefaults fills unset fields with their defaults. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Conversation
	if c.Interruptible == nil {
		c.Interruptible = ptr(true)
	}
	if c.EarlySpeech == nil {
		c.EarlySpeech = ptr(true)
	}
	if c.SpeechMode == "" {
		c.SpeechMode = SpeechQueue
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RateLimitDelay == 0 {
		c.RateLimitDelay = DefaultRateLimitDelay
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "websocket"
	}
}

func ptr[T any](v T) *T { return &v }
