package orchestrator

import "fmt"

// State is the turn-taking phase of a conversation.
type State int

const (
	// StateIdle means no conversation is running and no device is held.
	StateIdle State = iota
	// StateListening waits for the user to speak.
	StateListening
	// StateTranscribing converts a finished utterance to text.
	StateTranscribing
	// StateGenerating streams the reply from the language model until its
	// first sentence is ready to play.
	StateGenerating
	// StateSpeaking plays the reply, which may still be streaming, and the
	// cooldown after it.
	StateSpeaking
	// StateError holds a failed turn until the retry delay has passed.
	StateError
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateListening:    "listening",
	StateTranscribing: "transcribing",
	StateGenerating:   "generating",
	StateSpeaking:     "speaking",
	StateError:        "error",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// busy reports whether a turn occupies the pipeline.
func (s State) busy() bool {
	return s == StateTranscribing || s == StateGenerating || s == StateSpeaking
}
