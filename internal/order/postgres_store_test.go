package order

import (
	"context"
	"testing"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/testutil"
)

func pgOrder(id string) *Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Order{
		ID:            id,
		CustomerID:    "cust_pg",
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		Items: []LineItem{
			{ProductID: "prod_a", SellerID: "seller_1", Quantity: 2, UnitPriceCents: 1500, Reserved: true},
			{ProductID: "prod_b", SellerID: "seller_2", Quantity: 1, UnitPriceCents: 4000, Reserved: true},
		},
		SubtotalCents: 7000,
		FeeCents:      140,
		TotalCents:    7140,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresStore_CreateGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	ord := pgOrder("ord_pg_1")
	if err := store.Create(ctx, ord); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "ord_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TotalCents != 7140 || len(got.Items) != 2 {
		t.Errorf("unexpected order: %+v", got)
	}
	if got.PaymentStatus != PaymentPending {
		t.Errorf("payment status = %s, want pending", got.PaymentStatus)
	}
	// Items come back in insertion order.
	if got.Items[0].ProductID != "prod_a" || !got.Items[0].Reserved {
		t.Errorf("unexpected first item: %+v", got.Items[0])
	}
}

func TestPostgresStore_UpdateLedgerFlags(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	ord := pgOrder("ord_pg_2")
	if err := store.Create(ctx, ord); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ord.Status = StatusCancelled
	ord.PaymentStatus = PaymentRefunded
	ord.CancelReason = "test"
	ord.Items[0].Released = true
	ord.Items[1].Released = true
	ord.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := store.Update(ctx, ord); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get(ctx, "ord_pg_2")
	if got.Status != StatusCancelled || got.CancelReason != "test" {
		t.Errorf("unexpected order: %+v", got)
	}
	if got.PaymentStatus != PaymentRefunded {
		t.Errorf("payment status = %s, want refunded", got.PaymentStatus)
	}
	for _, item := range got.Items {
		if !item.Released {
			t.Errorf("release flag lost for %s", item.ProductID)
		}
	}
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if err := store.Update(context.Background(), pgOrder("ord_pg_missing")); err != ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresStore_Delete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOrder("ord_pg_del")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Delete(ctx, "ord_pg_del"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "ord_pg_del"); err != ErrOrderNotFound {
		t.Fatalf("expected order gone, got %v", err)
	}

	// Items go with the order.
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_items WHERE order_id = $1`, "ord_pg_del").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected order items deleted, %d remain", count)
	}

	if err := store.Delete(ctx, "ord_pg_del"); err != ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound on repeat delete, got %v", err)
	}
}

func TestPostgresStore_ListByCustomer(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, id := range []string{"ord_pg_a", "ord_pg_b"} {
		if err := store.Create(ctx, pgOrder(id)); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	other := pgOrder("ord_pg_other")
	other.CustomerID = "cust_other"
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	orders, err := store.ListByCustomer(ctx, "cust_pg", nil, 10)
	if err != nil {
		t.Fatalf("ListByCustomer failed: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("expected 2 orders, got %d", len(orders))
	}
	for _, o := range orders {
		if len(o.Items) != 2 {
			t.Errorf("items not loaded for %s", o.ID)
		}
	}
}

func TestPostgresStore_ListByCustomerCursor(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"ord_pg_c1", "ord_pg_c2", "ord_pg_c3"} {
		ord := pgOrder(id)
		ord.CreatedAt = base.Add(time.Duration(i) * time.Second)
		ord.UpdatedAt = ord.CreatedAt
		if err := store.Create(ctx, ord); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	first, err := store.ListByCustomer(ctx, "cust_pg", nil, 2)
	if err != nil {
		t.Fatalf("ListByCustomer failed: %v", err)
	}
	if len(first) != 2 || first[0].ID != "ord_pg_c3" || first[1].ID != "ord_pg_c2" {
		t.Fatalf("unexpected first page: %+v", first)
	}

	cur := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	second, err := store.ListByCustomer(ctx, "cust_pg", cur, 2)
	if err != nil {
		t.Fatalf("ListByCustomer with cursor failed: %v", err)
	}
	if len(second) != 1 || second[0].ID != "ord_pg_c1" {
		t.Fatalf("unexpected second page: %+v", second)
	}
}
