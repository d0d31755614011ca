package payments

import (
	"context"
	"testing"
)

func TestNoopProvider_AuthorizeRefund(t *testing.T) {
	p := NewNoopProvider()
	ctx := context.Background()

	ref, err := p.Authorize(ctx, "cust_1", 7140, "ord_1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if ref == "" {
		t.Fatal("expected payment reference")
	}
	if got := p.Outstanding(ref); got != 7140 {
		t.Errorf("outstanding = %d, want 7140", got)
	}

	if err := p.Refund(ctx, ref, 7140); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if got := p.Outstanding(ref); got != 0 {
		t.Errorf("outstanding after refund = %d, want 0", got)
	}
}

func TestNoopProvider_RefundValidation(t *testing.T) {
	p := NewNoopProvider()
	ctx := context.Background()

	if err := p.Refund(ctx, "pay_unknown", 100); err == nil {
		t.Error("expected error for unknown reference")
	}

	ref, _ := p.Authorize(ctx, "cust_1", 100, "ord_1")
	if err := p.Refund(ctx, ref, 200); err == nil {
		t.Error("expected error for over-refund")
	}
}
