package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func loadMinimal(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		rebuild bool
		check   func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "no changes",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.Empty() {
					t.Errorf("want empty diff, got %+v", d)
				}
			},
		},
		{
			name:   "log level only",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogWarn },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
					t.Errorf("log level: got %+v", d)
				}
			},
		},
		{
			name:    "system prompt",
			mutate:  func(c *config.Config) { c.Conversation.SystemPrompt = "Be brief." },
			rebuild: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ConversationChanged {
					t.Error("want ConversationChanged")
				}
			},
		},
		{
			name: "interruptible flag value",
			mutate: func(c *config.Config) {
				v := false
				c.Conversation.Interruptible = &v
			},
			rebuild: true,
		},
		{
			name: "fallback added",
			mutate: func(c *config.Config) {
				c.Providers.LLMFallbacks = append(c.Providers.LLMFallbacks, config.ProviderEntry{Name: "ollama"})
			},
			rebuild: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ProvidersChanged {
					t.Error("want ProvidersChanged")
				}
			},
		},
		{
			name:    "listen",
			mutate:  func(c *config.Config) { c.Listen.PositiveThreshold = 0.7 },
			rebuild: true,
		},
		{
			name:    "voice",
			mutate:  func(c *config.Config) { c.Voice.ID = "other" },
			rebuild: true,
		},
		{
			name:    "resilience",
			mutate:  func(c *config.Config) { c.Resilience.MaxFailures = 9 },
			rebuild: true,
		},
		{
			name:   "listen address needs restart",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":1" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ServerChanged || d.Empty() {
					t.Errorf("want ServerChanged, got %+v", d)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := loadMinimal(t)
			updated := loadMinimal(t)
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.NeedsRebuild() != tt.rebuild {
				t.Errorf("NeedsRebuild: want %v, got %v (%+v)", tt.rebuild, d.NeedsRebuild(), d)
			}
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}
