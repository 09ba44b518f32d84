package stt

import (
	"strings"
	"time"
)

// Transcript is what a backend heard in one utterance.
type Transcript struct {
	Text       string        // trimmed
	Confidence float64       // 0..1, zero when the backend reports none
	Language   string        // detected or requested code, may be empty
	Duration   time.Duration // length of the audio sent
}

// Empty reports whether the transcript carries no words.
func (t Transcript) Empty() bool {
	return strings.TrimSpace(t.Text) == ""
}

// KeywordBoost biases recognition toward a rare word like a product or
// person name. Backends without boosting ignore it.
type KeywordBoost struct {
	Keyword string
	Boost   float64 // backend-specific scale
}
