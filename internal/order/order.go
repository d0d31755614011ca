// Package order coordinates the marketplace order lifecycle: placement with
// all-or-nothing stock reservation, per-seller confirmation with escrow
// opening, delivery, cancellation with compensation, and completion once
// every seller's escrow has settled.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrEmptyOrder       = errors.New("order must contain at least one item")
	ErrNotCancellable   = errors.New("order can no longer be cancelled")
	ErrInvalidStatus    = errors.New("invalid order status for this operation")
	ErrSellerNotInOrder = errors.New("seller has no items in this order")
)

// Status represents the state of an order.
type Status string

const (
	StatusPending   Status = "pending"    // Stock reserved, awaiting seller confirmation
	StatusConfirmed Status = "confirmed"  // Every seller confirmed, escrows open
	StatusPickedUp  Status = "picked_up"  // Courier collected the parcel
	StatusOnTheWay  Status = "on_the_way" // In transit to the customer
	StatusDelivered Status = "delivered"  // Delivery confirmed, verification running
	StatusCompleted Status = "completed"  // All escrows released (terminal)
	StatusCancelled Status = "cancelled"  // Cancelled with stock compensated (terminal)
	StatusDisputed  Status = "disputed"   // At least one escrow disputed
)

// IsTerminal returns true if the order is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PaymentStatus aggregates the order's escrow records into one
// customer-facing payment state. It is recomputed on every escrow
// transition, never cached across them.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"            // funds held, nothing released yet
	PaymentPartiallyReleased PaymentStatus = "partially_released" // some sellers settled, others outstanding
	PaymentReleased          PaymentStatus = "released"           // every escrow released
	PaymentDisputed          PaymentStatus = "disputed"           // at least one escrow disputed or frozen
	PaymentRefunded          PaymentStatus = "refunded"           // order cancelled, authorization refunded
)

// LineItem is one product line within an order. Reserved and Released form
// the per-order reservation ledger: Reserved marks stock taken at placement,
// Released marks stock given back during cancellation. Compensation only
// touches items with Reserved && !Released, which is what makes a retried
// cancellation release each item exactly once.
type LineItem struct {
	ProductID      string `json:"productId"`
	SellerID       string `json:"sellerId"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	Reserved       bool   `json:"reserved"`
	Released       bool   `json:"released"`
	Confirmed      bool   `json:"confirmed"`
}

// Subtotal returns the line total in cents.
func (li *LineItem) Subtotal() int64 {
	return li.Quantity * li.UnitPriceCents
}

// Order is a customer purchase spanning one or more sellers.
type Order struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customerId"`
	Items         []LineItem    `json:"items"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	SubtotalCents int64         `json:"subtotalCents"`
	FeeCents      int64         `json:"feeCents"` // buyer-protection fee across all sellers
	TotalCents    int64         `json:"totalCents"`
	PaymentRef    string        `json:"paymentRef,omitempty"`
	CancelReason  string        `json:"cancelReason,omitempty"`
	DeliveredAt   *time.Time    `json:"deliveredAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SellerIDs returns the distinct sellers in the order, in item order.
func (o *Order) SellerIDs() []string {
	seen := make(map[string]bool)
	var sellers []string
	for i := range o.Items {
		if !seen[o.Items[i].SellerID] {
			seen[o.Items[i].SellerID] = true
			sellers = append(sellers, o.Items[i].SellerID)
		}
	}
	return sellers
}

// SellerSubtotal returns the subtotal of one seller's items.
func (o *Order) SellerSubtotal(sellerID string) int64 {
	var total int64
	for i := range o.Items {
		if o.Items[i].SellerID == sellerID {
			total += o.Items[i].Subtotal()
		}
	}
	return total
}

// AllSellersConfirmed reports whether every line item has been confirmed.
func (o *Order) AllSellersConfirmed() bool {
	for i := range o.Items {
		if !o.Items[i].Confirmed {
			return false
		}
	}
	return true
}

// Store persists orders with their line items. ListByCustomer returns orders
// newest first, strictly after the cursor position when one is given; results
// are keyed on (created_at, id) so pages stay stable under concurrent inserts.
// Delete removes an order and its items; it exists for placement rollback,
// which must not leave a failed order behind.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	Delete(ctx context.Context, id string) error
	ListByCustomer(ctx context.Context, customerID string, cursor *pagination.Cursor, limit int) ([]*Order, error)
}
