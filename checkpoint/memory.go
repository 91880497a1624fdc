package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps the checkpoint in memory. It also counts saves, which
// tests use to check checkpoint frequency.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
	saves int
}

// NewMemoryStore creates a MemoryStore holding initial.
func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: initial}
}

func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
