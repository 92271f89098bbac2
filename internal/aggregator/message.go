package aggregator

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// ErrFinalized is returned when appending to a finalized message.
var ErrFinalized = errors.New("message already finalized")

// Message is a display snapshot of one conversation turn.
type Message struct {
	ID      string      `json:"id"`
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// AggregatedMessage is the assistant turn being assembled from frames. Its
// content only grows, and stops changing once finalized.
type AggregatedMessage struct {
	id string

	mu      sync.RWMutex
	content strings.Builder
	final   bool
}

func NewAggregatedMessage() *AggregatedMessage {
	return &AggregatedMessage{id: uuid.NewString()}
}

func (m *AggregatedMessage) ID() string { return m.id }

func (m *AggregatedMessage) Role() domain.Role { return domain.RoleAssistant }

func (m *AggregatedMessage) Append(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.final {
		return ErrFinalized
	}
	m.content.WriteString(text)
	return nil
}

// Finalize freezes the content. Calling it again is a no-op.
func (m *AggregatedMessage) Finalize() {
	m.mu.Lock()
	m.final = true
	m.mu.Unlock()
}

func (m *AggregatedMessage) Finalized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.final
}

func (m *AggregatedMessage) Content() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.content.String()
}

func (m *AggregatedMessage) Snapshot() Message {
	return Message{ID: m.id, Role: m.Role(), Content: m.Content()}
}
