package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/discord"
	"github.com/MrWong99/parley/pkg/audio/wsdevice"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/parley/pkg/provider/stt/openai"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/parley/pkg/provider/tts/openai"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation package. server supplies the origin patterns
// for the browser audio device.
func registerBuiltinProviders(reg *config.Registry, server config.ServerConfig) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other any-llm-go backend takes an optional base URL; hosted ones
	// also take an API key. The native openai provider above wins its name.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.Local(backend) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oaistt.WithPrompt(prompt))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if words := optStrings(entry.Options, "keywords"); len(words) > 0 {
			boost := 1.0
			if b, ok := optFloat(entry.Options, "keyword_boost"); ok {
				boost = b
			}
			kws := make([]stt.KeywordBoost, len(words))
			for i, w := range words {
				kws[i] = stt.KeywordBoost{Keyword: w, Boost: boost}
			}
			opts = append(opts, deepgram.WithKeywords(kws))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	whisperOpts := func(entry config.ProviderEntry) []whisper.Option {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if words := optStrings(entry.Options, "keywords"); len(words) > 0 {
			opts = append(opts, whisper.WithVocabulary(words))
		}
		return opts
	}

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := whisperOpts(entry)
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		path := entry.Model
		if path == "" {
			path = optString(entry.Options, "model_path")
		}
		return whisper.NewNative(path, whisperOpts(entry)...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if s := optString(entry.Options, "instructions"); s != "" {
			opts = append(opts, oaitts.WithInstructions(s))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if ws, api := optString(entry.Options, "ws_base_url"), optString(entry.Options, "http_base_url"); ws != "" || api != "" {
			opts = append(opts, elevenlabs.WithBaseURLs(ws, api))
		}
		stability, okS := optFloat(entry.Options, "stability")
		similarity, okB := optFloat(entry.Options, "similarity_boost")
		if okS || okB {
			if !okS {
				stability = 0.5
			}
			if !okB {
				similarity = 0.75
			}
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate, ok := optInt(entry.Options, "sample_rate"); ok {
			opts = append(opts, coqui.WithSampleRate(rate))
		}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		floor, okFloor := optFloat(entry.Options, "floor_db")
		ceiling, okCeiling := optFloat(entry.Options, "ceiling_db")
		if okFloor && okCeiling {
			opts = append(opts, energy.WithRange(floor, ceiling))
		}
		if alpha, ok := optFloat(entry.Options, "smoothing"); ok {
			opts = append(opts, energy.WithSmoothing(alpha))
		}
		return energy.New(opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("websocket", func(entry config.ProviderEntry) (audio.Device, error) {
		opts := []wsdevice.Option{wsdevice.WithOriginPatterns(server.AllowedOrigins...)}
		if d, ok := optDuration(entry.Options, "open_timeout"); ok {
			opts = append(opts, wsdevice.WithOpenTimeout(d))
		}
		return wsdevice.New(opts...), nil
	})

	reg.RegisterAudio("discord", newDiscordDevice)

	for _, kind := range []string{"llm", "stt", "tts", "vad", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// discordDevice owns the bot session behind a Discord voice device.
type discordDevice struct {
	*discord.Device
	session *discordgo.Session
}

// Close disconnects the bot.
func (d *discordDevice) Close() error {
	return d.session.Close()
}

// newDiscordDevice logs the bot in with entry.APIKey as token and binds the
// voice channel named by options.guild_id and options.channel_id. Joining
// the channel is retried since the voice gateway fails transiently.
func newDiscordDevice(entry config.ProviderEntry) (audio.Device, error) {
	guildID := optString(entry.Options, "guild_id")
	channelID := optString(entry.Options, "channel_id")
	if entry.APIKey == "" || guildID == "" || channelID == "" {
		return nil, errors.New("discord: api_key, options.guild_id and options.channel_id are required")
	}

	s, err := discordgo.New("Bot " + entry.APIKey)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: connect: %w", err)
	}

	var opts []discord.Option
	if d, ok := optDuration(entry.Options, "speaker_idle"); ok {
		opts = append(opts, discord.WithSpeakerIdle(d))
	}
	dev, err := discord.New(s, guildID, channelID, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	slog.Info("discord bot connected", "guild_id", guildID, "channel_id", channelID)

	retries, _ := optInt(entry.Options, "open_retries")
	return audio.NewRetryDevice(&discordDevice{Device: dev, session: s}, audio.RetryConfig{MaxRetries: retries}), nil
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a list of strings. Non-string items are skipped.
func optStrings(opts map[string]any, key string) []string {
	items, _ := opts[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	v, ok := opts[key].(int)
	return v, ok
}

// optDuration accepts Go duration strings ("750ms") or whole seconds.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v, "err", err)
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}
