package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by the client-side
// engine when no durable backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, owner, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[owner][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (s *MemoryStore) Set(_ context.Context, owner, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[owner] == nil {
		s.entries[owner] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[owner][key] = cp
	return nil
}

func (s *MemoryStore) Has(_ context.Context, owner, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[owner][key]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, owner, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[owner], key)
	return nil
}
