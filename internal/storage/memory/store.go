// Package memory is an in-process Store for tests and single-user runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-chat-relay/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.Session
	messages map[string][]*storage.StoredMessage
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*storage.Session),
		messages: make(map[string][]*storage.StoredMessage),
		now:      time.Now,
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}

	now := s.now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	stored := *sess
	s.sessions[sess.ID] = &stored
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	out := *sess
	return &out, nil
}

func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Session
	for _, sess := range s.sessions {
		if opts.OwnerID != "" && sess.OwnerID != opts.OwnerID {
			continue
		}
		out := *sess
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	start := opts.Offset
	if start >= len(result) {
		return []*storage.Session{}, nil
	}
	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}
	end := start + limit
	if end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *Store) AddMessage(ctx context.Context, sessionID string, msg *storage.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}

	now := s.now()
	msg.SessionID = sessionID
	msg.CreatedAt = now
	stored := *msg
	s.messages[sessionID] = append(s.messages[sessionID], &stored)
	sess.UpdatedAt = now
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*storage.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	msgs := s.messages[sessionID]
	out := make([]*storage.StoredMessage, len(msgs))
	for i, m := range msgs {
		c := *m
		out[i] = &c
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
