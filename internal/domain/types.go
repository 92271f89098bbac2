package domain

import (
	"strconv"
	"strings"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles accepted by the relay.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one chat completion call as seen by the relay.
// It is built per call and discarded once forwarded upstream.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`

	// UserAgent is forwarded upstream for traceability.
	UserAgent string `json:"-"`
}

// Validate checks the structural invariants of the request.
func (r *CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrInvalidRequest("messages must not be empty").WithParam("messages")
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return ErrInvalidRequest("unsupported role " + string(m.Role)).WithParam(messageParam(i, "role"))
		}
	}
	if r.MaxTokens < 0 {
		return ErrInvalidRequest("max_tokens must not be negative").WithParam("max_tokens")
	}
	return nil
}

// HasSystem reports whether the caller supplied any system turn.
func (r *CompletionRequest) HasSystem() bool {
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}

// EnsureSystemPrompt prepends a single system turn when the caller supplied none.
// An empty prompt leaves the request untouched.
func (r *CompletionRequest) EnsureSystemPrompt(prompt string) {
	if strings.TrimSpace(prompt) == "" || r.HasSystem() {
		return
	}
	msgs := make([]Message, 0, len(r.Messages)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: prompt})
	r.Messages = append(msgs, r.Messages...)
}

// LastUserIndex returns the index of the newest user turn, or -1.
func LastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// Usage is token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func messageParam(i int, field string) string {
	return "messages[" + strconv.Itoa(i) + "]." + field
}
