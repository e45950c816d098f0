// Package mem_store implements an in-memory store backend on a sharded
// LRU. It backs tests and can front a durable backend for hot entries.
package mem_store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bahalabs/offgate/pkg/concurrent_lru"
	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/store"
)

const (
	shardSize           = 64
	defaultSizePerShard = 16
)

type MemStore struct {
	closed       uint32
	sizePerShard int
	mu           sync.RWMutex
	generations  map[string]*concurrent_lru.ShardedLRU[*snapshot.Snapshot]
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore creates a MemStore that holds up to size entries per
// generation.
func NewMemStore(size int) *MemStore {
	sizePerShard := size / shardSize
	if sizePerShard < defaultSizePerShard {
		sizePerShard = defaultSizePerShard
	}
	return &MemStore{
		sizePerShard: sizePerShard,
		generations:  make(map[string]*concurrent_lru.ShardedLRU[*snapshot.Snapshot]),
	}
}

func (m *MemStore) isClosed() bool {
	return atomic.LoadUint32(&m.closed) != 0
}

func (m *MemStore) Close() error {
	atomic.CompareAndSwapUint32(&m.closed, 0, 1)
	return nil
}

func (m *MemStore) getGen(generation string, create bool) *concurrent_lru.ShardedLRU[*snapshot.Snapshot] {
	m.mu.RLock()
	g := m.generations[generation]
	m.mu.RUnlock()
	if g != nil || !create {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g = m.generations[generation]; g == nil {
		g = concurrent_lru.NewShardedLRU[*snapshot.Snapshot](shardSize, m.sizePerShard, nil)
		m.generations[generation] = g
	}
	return g
}

func (m *MemStore) Get(_ context.Context, generation, key string) (*snapshot.Snapshot, bool, error) {
	if m.isClosed() {
		return nil, false, store.ErrClosed
	}
	g := m.getGen(generation, false)
	if g == nil {
		return nil, false, nil
	}
	s, ok := g.Get(key)
	return s, ok, nil
}

func (m *MemStore) Put(_ context.Context, generation, key string, s *snapshot.Snapshot) error {
	if m.isClosed() {
		return store.ErrClosed
	}
	m.getGen(generation, true).Add(key, s)
	return nil
}

func (m *MemStore) Delete(_ context.Context, generation, key string) error {
	if m.isClosed() {
		return store.ErrClosed
	}
	if g := m.getGen(generation, false); g != nil {
		g.Del(key)
	}
	return nil
}

func (m *MemStore) Generations(_ context.Context) ([]string, error) {
	if m.isClosed() {
		return nil, store.ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemStore) DropGeneration(_ context.Context, generation string) error {
	if m.isClosed() {
		return store.ErrClosed
	}
	m.mu.Lock()
	delete(m.generations, generation)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Len(_ context.Context, generation string) (int, error) {
	if m.isClosed() {
		return 0, store.ErrClosed
	}
	g := m.getGen(generation, false)
	if g == nil {
		return 0, nil
	}
	return g.Len(), nil
}
