package history

import (
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// TokenCounter estimates the prompt size of messages, usually
// [llm.Provider.CountTokens].
type TokenCounter func(messages []llm.Message) (int, error)

// Window returns the most recent messages whose estimated size fits within
// maxTokens. The oldest messages are dropped first; the newest message is
// always kept so the model sees the turn it must answer. A non-positive
// maxTokens disables trimming. The input slice is never modified.
//
// When count is nil or fails, the size is estimated at four characters per
// token with [llm.EstimateTokens].
func Window(msgs []llm.Message, maxTokens int, count TokenCounter) []llm.Message {
	if maxTokens <= 0 || len(msgs) == 0 {
		return msgs
	}
	size := func(m []llm.Message) int {
		if count != nil {
			if n, err := count(m); err == nil {
				return n
			}
		}
		return llm.EstimateTokens(m)
	}
	if size(msgs) <= maxTokens {
		return msgs
	}

	// Find the longest suffix that fits. Message sizes are additive for the
	// estimate, so walk from the newest message backwards.
	start := len(msgs) - 1
	for start > 0 && size(msgs[start-1:]) <= maxTokens {
		start--
	}
	return msgs[start:]
}
