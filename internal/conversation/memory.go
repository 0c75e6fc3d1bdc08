package conversation

import (
	"context"
	"slices"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string][]Entry{}}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, entries []Entry, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.sessions[sessionID], entries...)
	s.sessions[sessionID] = slices.Clone(trimHead(history, keep))
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions[sessionID]), nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
