// Package history holds the in-memory conversation transcript of a single
// orchestrator and trims it to fit a model's context window.
//
// Messages are append-only and kept in chronological order. The only way to
// remove messages is [History.Clear]. All methods are safe for concurrent use.
package history

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrEmptyContent is returned when appending a message without text.
var ErrEmptyContent = errors.New("history: message content must not be empty")

// Message is one immutable entry of the conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// History is an append-only list of messages.
type History struct {
	now func() time.Time

	mu       sync.Mutex
	messages []Message
}

// New returns an empty History.
func New() *History {
	return &History{now: time.Now}
}

// Append adds a message stamped with the current time and returns it.
func (h *History) Append(role Role, content string) (Message, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Message{}, fmt.Errorf("history: unknown role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	m := Message{Role: role, Content: content, CreatedAt: h.now()}
	// Keep CreatedAt non-decreasing even if the wall clock steps back.
	if n := len(h.messages); n > 0 && m.CreatedAt.Before(h.messages[n-1].CreatedAt) {
		m.CreatedAt = h.messages[n-1].CreatedAt
	}
	h.messages = append(h.messages, m)
	return m, nil
}

// Messages returns a copy of all messages in order.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Clear removes every message.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}

// LLMMessages converts messages to the provider message shape.
func LLMMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
