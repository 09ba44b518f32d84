package tts

// VoiceProfile selects a voice and how it speaks.
type VoiceProfile struct {
	ID       string // backend voice id, required by most backends
	Name     string
	Provider string // backend that owns ID

	// SpeedFactor scales speaking rate, 1.0 being normal. Zero leaves the
	// backend default.
	SpeedFactor float64

	// Metadata carries backend labels such as accent or language.
	Metadata map[string]string
}

// Chunk is a slice of a synthesis stream: audio, or the error that ended it.
type Chunk struct {
	PCM []byte // int16 little-endian at the provider's OutputFormat
	Err error
}
