// Package storage defines the persistence port for chat sessions and their
// messages. The relay core never touches it; only the HTTP surface and the
// aggregator history do.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when a session belongs to someone else.
var ErrForbidden = errors.New("session belongs to another user")

// Session is one conversation owned by a user.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is a persisted conversation turn.
type StoredMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions filters and paginates ListSessions.
type ListOptions struct {
	OwnerID string
	Limit   int
	Offset  int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 100

// Store persists sessions and messages.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns the owner's sessions, most recently updated first.
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)
	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, id string) error
	AddMessage(ctx context.Context, sessionID string, msg *StoredMessage) error
	// ListMessages returns a session's messages in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]*StoredMessage, error)
	Close() error
}

// VerifyOwner loads a session and checks that ownerID owns it.
func VerifyOwner(ctx context.Context, store Store, sessionID, ownerID string) (*Session, error) {
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrForbidden)
	}
	return sess, nil
}
