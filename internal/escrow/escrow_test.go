package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a settable time source.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time       { return c.now }
func (c *testClock) Set(t time.Time)      { c.now = t }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)}
	svc := NewService(NewMemoryStore(), testLogger()).WithClock(clock.Now)
	return svc, clock
}

func openInVerification(t *testing.T, svc *Service, clock *testClock, orderID, sellerID string) *Record {
	t.Helper()
	delivery := clock.Now()
	rec, err := svc.Open(context.Background(), orderID, sellerID, 10000, &delivery)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return rec
}

func TestCalculateVerificationEnd(t *testing.T) {
	// Delivery at any time of day on Jan 1 yields the same deadline:
	// midnight UTC Jan 8 for a 7-day window.
	want := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	for _, delivery := range []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC),
	} {
		got := CalculateVerificationEnd(delivery, 7)
		if !got.Equal(want) {
			t.Errorf("CalculateVerificationEnd(%v) = %v, want %v", delivery, got, want)
		}
	}
}

func TestCalculateVerificationEnd_MonthBoundary(t *testing.T) {
	delivery := time.Date(2024, 1, 29, 18, 0, 0, 0, time.UTC)
	want := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	if got := CalculateVerificationEnd(delivery, 7); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAmountWithFee(t *testing.T) {
	svc, _ := newTestService(t)

	// 2% of 10000 cents = 200 cents.
	if got := svc.AmountWithFee(10000); got != 10200 {
		t.Errorf("AmountWithFee(10000) = %d, want 10200", got)
	}
	if got := svc.AmountWithFee(0); got != 0 {
		t.Errorf("AmountWithFee(0) = %d, want 0", got)
	}
	// Fee truncates toward zero on sub-cent amounts.
	if got := svc.AmountWithFee(99); got != 100 {
		t.Errorf("AmountWithFee(99) = %d, want 100", got)
	}
}

func TestOpen_PendingWithoutDelivery(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.Open(context.Background(), "ord_1", "seller_1", 5000, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("expected pending, got %s", rec.Status)
	}
	if rec.VerificationEnd != nil {
		t.Error("verification end must be unset before delivery")
	}
	if rec.CustomerAction != ActionNone {
		t.Errorf("expected no customer action, got %s", rec.CustomerAction)
	}
}

func TestOpen_IdempotentPerOrderSeller(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Open(ctx, "ord_1", "seller_1", 5000, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := svc.Open(ctx, "ord_1", "seller_1", 5000, nil)
	if err != nil {
		t.Fatalf("repeated Open failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same record on retry, got %s and %s", first.ID, second.ID)
	}

	// A different seller on the same order gets its own record.
	other, err := svc.Open(ctx, "ord_1", "seller_2", 3000, nil)
	if err != nil {
		t.Fatalf("Open for second seller failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("expected distinct records per seller")
	}
}

func TestStartVerification(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	rec, _ := svc.Open(ctx, "ord_1", "seller_1", 5000, nil)

	delivery := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	rec, err := svc.StartVerification(ctx, rec.ID, delivery)
	if err != nil {
		t.Fatalf("StartVerification failed: %v", err)
	}
	if rec.Status != StatusVerification {
		t.Errorf("expected verification, got %s", rec.Status)
	}
	want := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	if rec.VerificationEnd == nil || !rec.VerificationEnd.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, rec.VerificationEnd)
	}

	// Starting again is a no-op, not an error.
	clock.Advance(time.Hour)
	again, err := svc.StartVerification(ctx, rec.ID, clock.Now())
	if err != nil {
		t.Fatalf("repeated StartVerification failed: %v", err)
	}
	if !again.VerificationEnd.Equal(want) {
		t.Errorf("repeated start moved the deadline: %v", again.VerificationEnd)
	}
}

func TestConfirmReceipt_ReleasesImmediately(t *testing.T) {
	svc, clock := newTestService(t)
	rec := openInVerification(t, svc, clock, "ord_1", "seller_1")

	rec, err := svc.RecordCustomerAction(context.Background(), rec.ID, ActionConfirmedReceipt, "")
	if err != nil {
		t.Fatalf("RecordCustomerAction failed: %v", err)
	}
	if rec.Status != StatusReleased {
		t.Errorf("expected released, got %s", rec.Status)
	}
	if rec.ReleasedBy != ReleasedBySystem {
		t.Errorf("expected system release, got %q", rec.ReleasedBy)
	}
	if rec.ReleasedAt == nil || !rec.ReleasedAt.Equal(clock.Now()) {
		t.Errorf("unexpected ReleasedAt: %v", rec.ReleasedAt)
	}
	if rec.CustomerAction != ActionConfirmedReceipt {
		t.Errorf("customer action not recorded: %s", rec.CustomerAction)
	}
}

func TestReportProblem_MovesToDisputed(t *testing.T) {
	svc, clock := newTestService(t)
	rec := openInVerification(t, svc, clock, "ord_1", "seller_1")

	rec, err := svc.RecordCustomerAction(context.Background(), rec.ID, ActionReportedProblem, "item damaged")
	if err != nil {
		t.Fatalf("RecordCustomerAction failed: %v", err)
	}
	if rec.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", rec.Status)
	}
	if rec.ActionDate == nil {
		t.Error("expected action date to be recorded")
	}
	if rec.Notes != "item damaged" {
		t.Errorf("expected notes to carry the report, got %q", rec.Notes)
	}
}

func TestCustomerAction_RejectedOutsideVerification(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, _ := svc.Open(ctx, "ord_1", "seller_1", 5000, nil) // still pending

	if _, err := svc.RecordCustomerAction(ctx, rec.ID, ActionConfirmedReceipt, ""); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReleasedIsTerminal(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	rec := openInVerification(t, svc, clock, "ord_1", "seller_1")

	if _, err := svc.RecordCustomerAction(ctx, rec.ID, ActionConfirmedReceipt, ""); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	// Every further operation is rejected.
	if _, err := svc.RecordCustomerAction(ctx, rec.ID, ActionReportedProblem, "too late"); err != ErrAlreadyReleased {
		t.Errorf("customer action after release: expected ErrAlreadyReleased, got %v", err)
	}
	if _, err := svc.ManualAction(ctx, rec.ID, ManualHold, "suspicious", "admin_1"); err != ErrAlreadyReleased {
		t.Errorf("manual action after release: expected ErrAlreadyReleased, got %v", err)
	}
	if _, err := svc.StartVerification(ctx, rec.ID, clock.Now()); err != ErrAlreadyReleased {
		t.Errorf("start verification after release: expected ErrAlreadyReleased, got %v", err)
	}
	if _, err := svc.AutoRelease(ctx, rec); err != ErrAlreadyReleased {
		t.Errorf("auto-release after release: expected ErrAlreadyReleased, got %v", err)
	}
}

func TestManualAction_RequiresReason(t *testing.T) {
	svc, clock := newTestService(t)
	rec := openInVerification(t, svc, clock, "ord_1", "seller_1")

	if _, err := svc.ManualAction(context.Background(), rec.ID, ManualRelease, "  ", "admin_1"); err != ErrReasonRequired {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}

	// Record untouched.
	fresh, _ := svc.Get(context.Background(), rec.ID)
	if fresh.Status != StatusVerification {
		t.Errorf("status changed despite rejected action: %s", fresh.Status)
	}
}

func TestManualAction_Transitions(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	t.Run("hold freezes", func(t *testing.T) {
		rec := openInVerification(t, svc, clock, "ord_h", "seller_1")
		rec, err := svc.ManualAction(ctx, rec.ID, ManualHold, "fraud review", "admin_1")
		if err != nil {
			t.Fatalf("hold failed: %v", err)
		}
		if rec.Status != StatusFrozen {
			t.Errorf("expected frozen, got %s", rec.Status)
		}
	})

	t.Run("release from frozen", func(t *testing.T) {
		rec := openInVerification(t, svc, clock, "ord_r", "seller_1")
		rec, _ = svc.ManualAction(ctx, rec.ID, ManualHold, "review", "admin_1")
		rec, err := svc.ManualAction(ctx, rec.ID, ManualRelease, "review cleared", "admin_1")
		if err != nil {
			t.Fatalf("release failed: %v", err)
		}
		if rec.Status != StatusReleased {
			t.Errorf("expected released, got %s", rec.Status)
		}
		if rec.ReleasedBy != "admin_1" {
			t.Errorf("expected admin identity in ReleasedBy, got %q", rec.ReleasedBy)
		}
	})

	t.Run("dispute from pending", func(t *testing.T) {
		rec, _ := svc.Open(ctx, "ord_d", "seller_1", 5000, nil)
		rec, err := svc.ManualAction(ctx, rec.ID, ManualDispute, "chargeback received", "admin_2")
		if err != nil {
			t.Fatalf("dispute failed: %v", err)
		}
		if rec.Status != StatusDisputed {
			t.Errorf("expected disputed, got %s", rec.Status)
		}
	})
}

func TestAutoRelease_OnlyAfterDeadline(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	rec := openInVerification(t, svc, clock, "ord_1", "seller_1")

	// Day 6: not due yet.
	clock.Set(time.Date(2024, 1, 7, 23, 0, 0, 0, time.UTC))
	if _, err := svc.AutoRelease(ctx, rec); err != ErrInvalidTransition {
		t.Fatalf("expected refusal before deadline, got %v", err)
	}

	// Deadline passed.
	clock.Set(time.Date(2024, 1, 8, 0, 0, 1, 0, time.UTC))
	released, err := svc.AutoRelease(ctx, rec)
	if err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if released.Status != StatusReleased || released.ReleasedBy != ReleasedBySystem {
		t.Errorf("unexpected release record: %+v", released)
	}
}

func TestAutoRelease_SkipsDisputed(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	rec := openInVerification(t, svc, clock, "ord_1", "seller_1")

	if _, err := svc.RecordCustomerAction(ctx, rec.ID, ActionReportedProblem, "wrong item"); err != nil {
		t.Fatalf("report failed: %v", err)
	}

	clock.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if _, err := svc.AutoRelease(ctx, rec); err != ErrTransitionConflict {
		t.Fatalf("expected ErrTransitionConflict for disputed record, got %v", err)
	}

	fresh, _ := svc.Get(ctx, rec.ID)
	if fresh.Status != StatusDisputed {
		t.Errorf("disputed record mutated by auto-release attempt: %s", fresh.Status)
	}
}

func TestVoid_OnlyPending(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	pending, _ := svc.Open(ctx, "ord_1", "seller_1", 5000, nil)
	if err := svc.Void(ctx, pending.ID); err != nil {
		t.Fatalf("Void of pending failed: %v", err)
	}
	if _, err := svc.Get(ctx, pending.ID); err != ErrEscrowNotFound {
		t.Errorf("expected record gone, got %v", err)
	}

	active := openInVerification(t, svc, clock, "ord_2", "seller_1")
	if err := svc.Void(ctx, active.ID); err != ErrTransitionConflict {
		t.Fatalf("expected ErrTransitionConflict voiding active escrow, got %v", err)
	}
}

func TestDueForRelease(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	due := openInVerification(t, svc, clock, "ord_due", "seller_1")
	_ = openInVerification(t, svc, clock, "ord_fresh", "seller_2")
	disputed := openInVerification(t, svc, clock, "ord_disp", "seller_3")
	if _, err := svc.RecordCustomerAction(ctx, disputed.ID, ActionReportedProblem, "broken"); err != nil {
		t.Fatalf("report failed: %v", err)
	}

	// Move only ord_due past its deadline by shrinking its end date: simplest
	// is to advance the clock past every deadline and check disputed is still
	// excluded, then confirm the fresh one appears too (same delivery day).
	clock.Set(time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC))
	records, err := svc.DueForRelease(ctx, clock.Now())
	if err != nil {
		t.Fatalf("DueForRelease failed: %v", err)
	}
	ids := make(map[string]bool)
	for _, r := range records {
		ids[r.OrderID] = true
	}
	if !ids["ord_due"] || !ids["ord_fresh"] {
		t.Errorf("expected both verification records due, got %v", ids)
	}
	if ids["ord_disp"] {
		t.Error("disputed record must never be due for release")
	}
	_ = due
}

func TestMemoryStore_UpdateIfConditional(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{ID: "esc_1", OrderID: "ord_1", SellerID: "s1", AmountCents: 100, Status: StatusPending}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Wrong expected status is rejected.
	rec.Status = StatusReleased
	if err := store.UpdateIf(ctx, rec, StatusVerification); err != ErrTransitionConflict {
		t.Fatalf("expected ErrTransitionConflict, got %v", err)
	}

	// Matching status lands.
	if err := store.UpdateIf(ctx, rec, StatusPending); err != nil {
		t.Fatalf("UpdateIf failed: %v", err)
	}

	// from=released is rejected outright: terminality at the data layer.
	if err := store.UpdateIf(ctx, rec, StatusReleased); err != ErrAlreadyReleased {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestMemoryStore_CreateDuplicatePair(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := &Record{ID: "esc_1", OrderID: "ord_1", SellerID: "s1", Status: StatusPending}
	b := &Record{ID: "esc_2", OrderID: "ord_1", SellerID: "s1", Status: StatusPending}

	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := store.Create(ctx, b); err != ErrEscrowExists {
		t.Fatalf("expected ErrEscrowExists, got %v", err)
	}
}
