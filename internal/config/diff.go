package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs and how the change
// can be applied.
type ConfigDiff struct {
	// LogLevelChanged is applied in place.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged, ProvidersChanged, ListenChanged, VoiceChanged and
	// ResilienceChanged each require rebuilding the orchestrator.
	ConversationChanged bool
	ProvidersChanged    bool
	ListenChanged       bool
	VoiceChanged        bool
	ResilienceChanged   bool

	// ServerChanged covers the listen address and TLS, which only take
	// effect after a restart.
	ServerChanged bool
}

// NeedsRebuild reports whether the orchestrator must be rebuilt.
func (d ConfigDiff) NeedsRebuild() bool {
	return d.ConversationChanged || d.ProvidersChanged || d.ListenChanged ||
		d.VoiceChanged || d.ResilienceChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.NeedsRebuild() && !d.ServerChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.ServerChanged = true
	}

	d.ConversationChanged = !reflect.DeepEqual(old.Conversation, new.Conversation)
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.ListenChanged = old.Listen != new.Listen
	d.VoiceChanged = old.Voice != new.Voice
	d.ResilienceChanged = old.Resilience != new.Resilience

	return d
}
