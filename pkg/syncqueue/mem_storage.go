package syncqueue

import (
	"context"
	"sync"
)

// MemStorage is a non-durable queue backing for tests.
type MemStorage struct {
	mu      sync.Mutex
	entries []Intent
}

var _ Storage = (*MemStorage)(nil)

func NewMemStorage() *MemStorage {
	return &MemStorage{}
}

func (s *MemStorage) Append(_ context.Context, intent Intent) error {
	s.mu.Lock()
	s.entries = append(s.entries, intent)
	s.mu.Unlock()
	return nil
}

func (s *MemStorage) Oldest(_ context.Context, limit int) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	if n > limit {
		n = limit
	}
	out := make([]Intent, n)
	copy(out, s.entries[:n])
	return out, nil
}

func (s *MemStorage) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemStorage) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemStorage) Close() error {
	return nil
}
