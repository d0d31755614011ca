package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	byPair  map[string]string // orderID+"/"+sellerID -> escrow ID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byPair:  make(map[string]string),
	}
}

func pairKey(orderID, sellerID string) string {
	return orderID + "/" + sellerID
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(rec.OrderID, rec.SellerID)
	if _, ok := m.byPair[key]; ok {
		return ErrEscrowExists
	}

	cp := *rec
	m.records[rec.ID] = &cp
	m.byPair[key] = rec.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetByOrderSeller(ctx context.Context, orderID, sellerID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPair[pairKey(orderID, sellerID)]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

// UpdateIf writes rec only if the stored record is still in status from.
// Writes over a released record are always rejected.
func (m *MemoryStore) UpdateIf(ctx context.Context, rec *Record, from Status) error {
	if from == StatusReleased {
		return ErrAlreadyReleased
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != from {
		return ErrTransitionConflict
	}

	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

// DeleteIf removes the record only if it is still in status from.
func (m *MemoryStore) DeleteIf(ctx context.Context, id string, from Status) error {
	if from == StatusReleased {
		return ErrAlreadyReleased
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != from {
		return ErrTransitionConflict
	}

	delete(m.byPair, pairKey(cur.OrderID, cur.SellerID))
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.OrderID == orderID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SellerID < result[j].SellerID })
	return result, nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.SellerID != sellerID {
			continue
		}
		if cursor != nil && !afterCursorPosition(rec, cursor) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// afterCursorPosition reports whether rec belongs on a page after the cursor
// in the newest-first (created_at, id) ordering.
func afterCursorPosition(rec *Record, c *pagination.Cursor) bool {
	if !rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.CreatedAt.Before(c.CreatedAt)
	}
	return rec.ID < c.ID
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.Status != StatusVerification || rec.VerificationEnd == nil {
			continue
		}
		if rec.VerificationEnd.After(now) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
