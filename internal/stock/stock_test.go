package stock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	mgr := NewManager(store, testLogger()).WithRetryPolicy(3, time.Millisecond)
	return mgr, store
}

func seed(t *testing.T, mgr *Manager, productID string, qty int64, active bool) {
	t.Helper()
	if _, err := mgr.Seed(context.Background(), productID, qty, active); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
}

func TestReserve_Success(t *testing.T) {
	mgr, _ := newTestManager(t)
	seed(t, mgr, "prod_1", 10, true)

	outcome := mgr.Reserve(context.Background(), "prod_1", 4)
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.AvailableStock != 6 {
		t.Errorf("expected 6 available after reserve, got %d", outcome.AvailableStock)
	}

	entry, err := mgr.Get(context.Background(), "prod_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Quantity != 6 {
		t.Errorf("expected quantity 6, got %d", entry.Quantity)
	}
	if entry.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", entry.Version)
	}
}

func TestReserve_InsufficientStock(t *testing.T) {
	mgr, _ := newTestManager(t)
	seed(t, mgr, "prod_1", 3, true)

	outcome := mgr.Reserve(context.Background(), "prod_1", 5)
	if outcome.Success {
		t.Fatal("expected failure")
	}
	if outcome.Retryable {
		t.Error("insufficient stock must not be retryable")
	}
	if outcome.AvailableStock != 3 {
		t.Errorf("expected available 3, got %d", outcome.AvailableStock)
	}

	// Stock untouched
	entry, _ := mgr.Get(context.Background(), "prod_1")
	if entry.Quantity != 3 {
		t.Errorf("expected quantity unchanged at 3, got %d", entry.Quantity)
	}
}

func TestReserve_ProductNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)

	outcome := mgr.Reserve(context.Background(), "missing", 1)
	if outcome.Success || outcome.Retryable {
		t.Fatalf("expected non-retryable failure, got %+v", outcome)
	}
}

func TestReserve_InactiveProduct(t *testing.T) {
	mgr, _ := newTestManager(t)
	seed(t, mgr, "prod_1", 10, false)

	outcome := mgr.Reserve(context.Background(), "prod_1", 1)
	if outcome.Success {
		t.Fatal("expected failure for inactive product")
	}
	if outcome.Retryable {
		t.Error("inactive product must not be retryable")
	}
}

func TestReserve_InvalidQuantity(t *testing.T) {
	mgr, _ := newTestManager(t)
	seed(t, mgr, "prod_1", 10, true)

	for _, qty := range []int64{0, -3} {
		outcome := mgr.Reserve(context.Background(), "prod_1", qty)
		if outcome.Success {
			t.Errorf("expected failure for quantity %d", qty)
		}
	}
}

// conflictStore injects version conflicts on the first n UpdateQuantity calls.
type conflictStore struct {
	Store
	remaining atomic.Int64
}

func (c *conflictStore) UpdateQuantity(ctx context.Context, productID string, newQuantity, expectedVersion int64) error {
	if c.remaining.Add(-1) >= 0 {
		return ErrVersionConflict
	}
	return c.Store.UpdateQuantity(ctx, productID, newQuantity, expectedVersion)
}

func TestReserve_RetriesOnConflictThenSucceeds(t *testing.T) {
	mem := NewMemoryStore()
	cs := &conflictStore{Store: mem}
	cs.remaining.Store(2) // two conflicts, third attempt lands
	mgr := NewManager(cs, testLogger()).WithRetryPolicy(3, time.Millisecond)

	if _, err := mgr.Seed(context.Background(), "prod_1", 5, true); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	outcome := mgr.Reserve(context.Background(), "prod_1", 2)
	if !outcome.Success {
		t.Fatalf("expected success after retries, got %+v", outcome)
	}
}

func TestReserve_ConflictBudgetExhausted(t *testing.T) {
	mem := NewMemoryStore()
	cs := &conflictStore{Store: mem}
	cs.remaining.Store(100) // never stops conflicting
	mgr := NewManager(cs, testLogger()).WithRetryPolicy(3, time.Millisecond)

	if _, err := mgr.Seed(context.Background(), "prod_1", 5, true); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	outcome := mgr.Reserve(context.Background(), "prod_1", 2)
	if outcome.Success {
		t.Fatal("expected failure")
	}
	if !outcome.Retryable {
		t.Error("contention exhaustion must be retryable, distinct from business failure")
	}

	// No stock was consumed.
	entry, _ := mgr.Get(context.Background(), "prod_1")
	if entry.Quantity != 5 {
		t.Errorf("expected quantity unchanged at 5, got %d", entry.Quantity)
	}
}

func TestRelease_RestoresStock(t *testing.T) {
	mgr, _ := newTestManager(t)
	seed(t, mgr, "prod_1", 10, true)

	if outcome := mgr.Reserve(context.Background(), "prod_1", 7); !outcome.Success {
		t.Fatalf("reserve failed: %+v", outcome)
	}
	ok, err := mgr.Release(context.Background(), "prod_1", 7)
	if err != nil || !ok {
		t.Fatalf("release failed: ok=%v err=%v", ok, err)
	}

	entry, _ := mgr.Get(context.Background(), "prod_1")
	if entry.Quantity != 10 {
		t.Errorf("expected stock restored to 10, got %d", entry.Quantity)
	}
}

func TestRelease_UnknownProduct(t *testing.T) {
	mgr, _ := newTestManager(t)

	ok, err := mgr.Release(context.Background(), "missing", 1)
	if ok || err == nil {
		t.Fatal("expected error for unknown product")
	}
}

// No oversell: the sum of successful concurrent reservations never exceeds
// the initial stock.
func TestReserve_NoOversellUnderContention(t *testing.T) {
	const initial = 50
	const workers = 20
	const perWorker = 5

	store := NewMemoryStore()
	mgr := NewManager(store, testLogger()).WithRetryPolicy(10, time.Millisecond)
	if _, err := mgr.Seed(context.Background(), "hot", initial, true); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	var successQty atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if outcome := mgr.Reserve(context.Background(), "hot", 1); outcome.Success {
					successQty.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	entry, _ := mgr.Get(context.Background(), "hot")
	if entry.Quantity < 0 {
		t.Fatalf("quantity went negative: %d", entry.Quantity)
	}
	if successQty.Load()+entry.Quantity != initial {
		t.Errorf("reserved %d + remaining %d != initial %d",
			successQty.Load(), entry.Quantity, initial)
	}
	if successQty.Load() > initial {
		t.Errorf("oversold: %d reservations against stock of %d", successQty.Load(), initial)
	}
}

func TestMemoryStore_UpdateQuantityVersionCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, &Entry{ProductID: "p", Quantity: 5, Version: 1, Active: true})

	if err := store.UpdateQuantity(ctx, "p", 4, 99); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := store.UpdateQuantity(ctx, "p", 4, 1); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := store.UpdateQuantity(ctx, "p", -1, 2); err != ErrInsufficientStock {
		t.Fatalf("expected ErrInsufficientStock for negative quantity, got %v", err)
	}
}
