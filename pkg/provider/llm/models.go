package llm

import "strings"

// family matches model names by prefix or substring, ignoring case. Zero
// limits keep the defaults.
type family struct {
	prefix   string
	contains string
	window   int
	maxOut   int
}

func (f family) matches(model string) bool {
	if f.prefix != "" {
		return strings.HasPrefix(model, f.prefix)
	}
	return strings.Contains(model, f.contains)
}

// families is searched in order; narrower names precede the family they
// belong to.
var families = []family{
	{prefix: "gpt-4.1", window: 1_047_576, maxOut: 32_768},
	{prefix: "gpt-4o", maxOut: 16_384},
	{prefix: "gpt-4-turbo"},
	{prefix: "gpt-4", window: 8_192},
	{prefix: "gpt-3.5-turbo", window: 16_385},
	{prefix: "o1-mini", maxOut: 65_536},
	{prefix: "o1", window: 200_000, maxOut: 100_000},
	{prefix: "o3", window: 200_000, maxOut: 100_000},
	{prefix: "o4", window: 200_000, maxOut: 100_000},
	{contains: "claude-3-opus", window: 200_000},
	{prefix: "claude", window: 200_000, maxOut: 8_192},
	{contains: "gemini-1.5-pro", window: 2_097_152, maxOut: 8_192},
	{contains: "gemini-1.5-flash", window: 1_048_576, maxOut: 8_192},
	{contains: "gemini-2.0-flash", window: 1_048_576, maxOut: 8_192},
	{prefix: "gemini", maxOut: 8_192},
}

// Defaults for models missing from the table.
const (
	DefaultContextWindow   = 128_000
	DefaultMaxOutputTokens = 4_096
)

// CapabilitiesFor looks up the limits of a hosted model family by name.
// Unknown models, local ones included, get the defaults. Every backend in
// this module streams.
func CapabilitiesFor(model string) ModelCapabilities {
	caps := ModelCapabilities{
		ContextWindow:     DefaultContextWindow,
		MaxOutputTokens:   DefaultMaxOutputTokens,
		SupportsStreaming: true,
	}
	model = strings.ToLower(model)
	for _, f := range families {
		if !f.matches(model) {
			continue
		}
		if f.window > 0 {
			caps.ContextWindow = f.window
		}
		if f.maxOut > 0 {
			caps.MaxOutputTokens = f.maxOut
		}
		break
	}
	return caps
}
