package stock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory stock store for demo/development mode.
// It enforces the same conditional-write contract as the Postgres store.
type MemoryStore struct {
	entries map[string]*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory stock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, productID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.entries[entry.ProductID] = &cp
	return nil
}

func (m *MemoryStore) UpdateQuantity(ctx context.Context, productID string, newQuantity, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[productID]
	if !ok {
		return ErrProductNotFound
	}
	if entry.Version != expectedVersion {
		return ErrVersionConflict
	}
	if newQuantity < 0 {
		// Mirrors the CHECK constraint on the table.
		return ErrInsufficientStock
	}

	entry.Quantity = newQuantity
	entry.Version++
	entry.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
