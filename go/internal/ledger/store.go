package ledger

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSnapshot is returned when no ledger has been persisted for an owner.
var ErrNoSnapshot = errors.New("no ledger snapshot")

// Store persists serialized ledgers keyed by owner. Save must be atomic:
// callers treat persistence as all-or-nothing.
type Store interface {
	Save(ctx context.Context, owner string, snapshot []byte) error
	Load(ctx context.Context, owner string) ([]byte, error)
}

// Save snapshots the ledger into the store under its owner key.
func (l *Ledger) Save(ctx context.Context, store Store) error {
	snapshot, err := l.Snapshot()
	if err != nil {
		return err
	}
	return store.Save(ctx, l.owner, snapshot)
}

// Load restores the ledger from the store. A missing snapshot leaves the
// ledger empty, which is the normal state of a fresh session.
func (l *Ledger) Load(ctx context.Context, store Store) error {
	snapshot, err := store.Load(ctx, l.owner)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return nil
		}
		return err
	}
	return l.Restore(snapshot)
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, owner string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	s.snapshots[owner] = cp
	return nil
}

func (s *MemoryStore) Load(_ context.Context, owner string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[owner]
	if !ok {
		return nil, ErrNoSnapshot
	}
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	return cp, nil
}
