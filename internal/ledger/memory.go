package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store.
// It is primarily useful for testing and for demos that do not need the
// ledger to survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []*Block
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Blocks implements Store.
func (s *MemoryStore) Blocks(_ context.Context) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBlocks(s.blocks), nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Index != len(s.blocks) {
		return fmt.Errorf("append block %d: store tail is %d", b.Index, len(s.blocks)-1)
	}
	cp := *b
	s.blocks = append(s.blocks, &cp)
	return nil
}

// Kind implements Store.
func (s *MemoryStore) Kind() string { return "memory" }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
