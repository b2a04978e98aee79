// Package storage persists the context turns of relay sessions so a
// browser can resume a conversation after reconnecting.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/room4-2/livelink/messages"
)

// ErrInvalidID is returned for an empty session ID.
var ErrInvalidID = errors.New("invalid session id")

// ContextStore keeps the ordered context turns of a session.
type ContextStore interface {
	Append(ctx context.Context, sessionID string, turns ...messages.Content) error
	// Load returns the stored turns, empty when nothing was stored.
	Load(ctx context.Context, sessionID string) ([]messages.Content, error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore is a process-local ContextStore.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]messages.Content
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]messages.Content)}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, turns ...messages.Content) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turns...)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]messages.Content, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]messages.Content(nil), s.turns[sessionID]...), nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, sessionID)
	return nil
}
