package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/escrow"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/idgen"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/metrics"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/notify"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/stock"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/syncutil"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/traces"
)

// StockReserver abstracts the stock manager so the orchestrator can be
// tested against an in-memory ledger.
type StockReserver interface {
	Reserve(ctx context.Context, productID string, quantity int64) stock.Outcome
	Release(ctx context.Context, productID string, quantity int64) (bool, error)
}

// EscrowService is the slice of the escrow service the orchestrator needs.
type EscrowService interface {
	Open(ctx context.Context, orderID, sellerID string, amountCents int64, deliveryDate *time.Time) (*escrow.Record, error)
	StartVerification(ctx context.Context, id string, deliveryDate time.Time) (*escrow.Record, error)
	Void(ctx context.Context, id string) error
	ListByOrder(ctx context.Context, orderID string) ([]*escrow.Record, error)
	AmountWithFee(subtotalCents int64) int64
}

// PaymentProvider authorizes and refunds customer payments.
type PaymentProvider interface {
	Authorize(ctx context.Context, customerID string, amountCents int64, orderID string) (string, error)
	Refund(ctx context.Context, paymentRef string, amountCents int64) error
}

// Notifier dispatches order lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, recipientType, recipientID, eventType string, payload map[string]interface{})
}

// ItemRequest is one requested product line.
type ItemRequest struct {
	ProductID      string `json:"productId" binding:"required"`
	SellerID       string `json:"sellerId" binding:"required"`
	Quantity       int64  `json:"quantity" binding:"required"`
	UnitPriceCents int64  `json:"unitPriceCents" binding:"required"`
}

// PlaceRequest contains the parameters for placing an order.
type PlaceRequest struct {
	CustomerID string        `json:"customerId" binding:"required"`
	Items      []ItemRequest `json:"items" binding:"required"`
}

// ReservationError reports which product made placement fail.
type ReservationError struct {
	ProductID string
	Outcome   stock.Outcome
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("reservation failed for product %s: %s", e.ProductID, e.Outcome.Message)
}

// Orchestrator coordinates the order lifecycle across the stock ledger, the
// escrow engine, and the payment provider.
type Orchestrator struct {
	store    Store
	stock    StockReserver
	escrow   EscrowService
	payments PaymentProvider
	notifier Notifier
	logger   *slog.Logger
	nowFn    func() time.Time
	locks    syncutil.ShardedMutex // serializes lifecycle transitions per order ID
}

// NewOrchestrator creates a new order orchestrator.
func NewOrchestrator(store Store, stockMgr StockReserver, escrowSvc EscrowService, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		stock:  stockMgr,
		escrow: escrowSvc,
		logger: logger,
		nowFn:  time.Now,
	}
}

// WithPayments adds a payment provider. Without one, orders are placed
// without an upfront authorization.
func (o *Orchestrator) WithPayments(p PaymentProvider) *Orchestrator {
	o.payments = p
	return o
}

// WithNotifier adds a notification dispatcher.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithClock injects a time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.nowFn = now
	}
	return o
}

// PlaceOrder reserves stock for every line item and creates the order.
// Placement is all-or-nothing: if any reservation fails, everything reserved
// so far is released in reverse order and the order is recorded as cancelled.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req PlaceRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.PlaceOrder")
	defer span.End()

	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("invalid quantity %d for product %s", item.Quantity, item.ProductID)
		}
		if item.UnitPriceCents < 0 {
			return nil, fmt.Errorf("invalid price for product %s", item.ProductID)
		}
	}

	now := o.nowFn()
	ord := &Order{
		ID:            idgen.WithPrefix("ord_"),
		CustomerID:    req.CustomerID,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, item := range req.Items {
		ord.Items = append(ord.Items, LineItem{
			ProductID:      item.ProductID,
			SellerID:       item.SellerID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
		ord.SubtotalCents += item.Quantity * item.UnitPriceCents
	}
	for _, sellerID := range ord.SellerIDs() {
		sub := ord.SellerSubtotal(sellerID)
		ord.FeeCents += o.escrow.AmountWithFee(sub) - sub
	}
	ord.TotalCents = ord.SubtotalCents + ord.FeeCents

	// Reserve in ascending product order. A fixed acquisition order keeps
	// concurrent multi-item placements from chasing each other's version
	// bumps across products in opposite directions.
	sort.Slice(ord.Items, func(i, j int) bool { return ord.Items[i].ProductID < ord.Items[j].ProductID })

	if err := o.store.Create(ctx, ord); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for i := range ord.Items {
		outcome := o.stock.Reserve(ctx, ord.Items[i].ProductID, ord.Items[i].Quantity)
		if !outcome.Success {
			resErr := &ReservationError{ProductID: ord.Items[i].ProductID, Outcome: outcome}
			o.rollbackPlacement(ctx, ord, resErr.Error())
			metrics.OrdersPlacedTotal.WithLabelValues("reservation_failed").Inc()
			return nil, resErr
		}
		ord.Items[i].Reserved = true
		// Persist the ledger flag per item so a crash mid-placement leaves
		// an exact record of what needs compensating.
		ord.UpdatedAt = o.nowFn()
		if err := o.store.Update(ctx, ord); err != nil {
			o.rollbackPlacement(ctx, ord, "failed to persist reservation ledger")
			return nil, fmt.Errorf("failed to persist order: %w", err)
		}
	}

	if o.payments != nil {
		ref, err := o.payments.Authorize(ctx, ord.CustomerID, ord.TotalCents, ord.ID)
		if err != nil {
			o.rollbackPlacement(ctx, ord, "payment authorization failed")
			metrics.OrdersPlacedTotal.WithLabelValues("payment_failed").Inc()
			return nil, fmt.Errorf("payment authorization failed: %w", err)
		}
		ord.PaymentRef = ref
		ord.UpdatedAt = o.nowFn()
		if err := o.store.Update(ctx, ord); err != nil {
			return nil, fmt.Errorf("failed to persist payment reference: %w", err)
		}
	}

	metrics.OrdersPlacedTotal.WithLabelValues("ok").Inc()
	o.logger.Info("order placed",
		"orderId", ord.ID, "customer", ord.CustomerID,
		"items", len(ord.Items), "totalCents", ord.TotalCents)
	o.notify(ctx, "customer", ord.CustomerID, notify.EventOrderPlaced, map[string]interface{}{
		"orderId": ord.ID, "totalCents": ord.TotalCents,
	})
	return ord, nil
}

// rollbackPlacement releases everything reserved so far, in reverse order,
// then deletes the order row: a failed placement never leaves an order
// behind. The row only existed to anchor the reservation ledger while
// reservations ran; if any release fails, the row is kept as a cancelled
// order so the unreleased ledger flags survive for repair.
func (o *Orchestrator) rollbackPlacement(ctx context.Context, ord *Order, reason string) {
	leaked := false
	for i := len(ord.Items) - 1; i >= 0; i-- {
		item := &ord.Items[i]
		if !item.Reserved || item.Released {
			continue
		}
		if _, err := o.stock.Release(ctx, item.ProductID, item.Quantity); err != nil {
			o.logger.Error("failed to release stock during rollback",
				"orderId", ord.ID, "productId", item.ProductID, "error", err)
			leaked = true
			continue
		}
		item.Released = true
	}

	if !leaked {
		err := o.store.Delete(ctx, ord.ID)
		if err == nil {
			o.logger.Warn("order placement rolled back", "orderId", ord.ID, "reason", reason)
			return
		}
		o.logger.Error("failed to delete order during rollback", "orderId", ord.ID, "error", err)
	}

	ord.Status = StatusCancelled
	ord.PaymentStatus = PaymentRefunded
	ord.CancelReason = reason
	ord.UpdatedAt = o.nowFn()
	if err := o.store.Update(ctx, ord); err != nil {
		o.logger.Error("failed to persist rollback", "orderId", ord.ID, "error", err)
	}
	o.logger.Warn("order placement rolled back", "orderId", ord.ID, "reason", reason)
}

// ConfirmSellerItems marks a seller's line items as confirmed and opens that
// seller's escrow. Once every seller has confirmed, the order moves to
// Confirmed. Confirming twice is a no-op.
func (o *Orchestrator) ConfirmSellerItems(ctx context.Context, orderID, sellerID string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.ConfirmSellerItems",
		traces.OrderID(orderID), traces.SellerID(sellerID))
	defer span.End()

	unlock := o.locks.Lock(orderID)
	defer unlock()

	ord, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != StatusPending && ord.Status != StatusConfirmed {
		return nil, ErrInvalidStatus
	}

	found := false
	for i := range ord.Items {
		if ord.Items[i].SellerID == sellerID {
			found = true
			ord.Items[i].Confirmed = true
		}
	}
	if !found {
		return nil, ErrSellerNotInOrder
	}

	amount := o.escrow.AmountWithFee(ord.SellerSubtotal(sellerID))
	if _, err := o.escrow.Open(ctx, ord.ID, sellerID, amount, nil); err != nil {
		return nil, fmt.Errorf("failed to open escrow for seller %s: %w", sellerID, err)
	}

	if ord.AllSellersConfirmed() {
		ord.Status = StatusConfirmed
	}
	ord.UpdatedAt = o.nowFn()
	if err := o.store.Update(ctx, ord); err != nil {
		return nil, err
	}

	o.logger.Info("seller confirmed order items",
		"orderId", ord.ID, "seller", sellerID, "orderStatus", string(ord.Status))
	o.notify(ctx, "customer", ord.CustomerID, notify.EventOrderSellerConfirmed, map[string]interface{}{
		"orderId": ord.ID, "sellerId": sellerID,
	})
	return ord, nil
}

// MarkPickedUp records that the courier collected the parcel.
func (o *Orchestrator) MarkPickedUp(ctx context.Context, orderID string) (*Order, error) {
	return o.advanceShipping(ctx, orderID, StatusConfirmed, StatusPickedUp, notify.EventOrderPickedUp)
}

// MarkOnTheWay records that the parcel is in transit to the customer.
func (o *Orchestrator) MarkOnTheWay(ctx context.Context, orderID string) (*Order, error) {
	return o.advanceShipping(ctx, orderID, StatusPickedUp, StatusOnTheWay, notify.EventOrderOnTheWay)
}

// advanceShipping moves an order one step along the shipping path. Shipping
// updates carry no settlement side effects; escrows stay untouched until
// delivery starts the verification clock.
func (o *Orchestrator) advanceShipping(ctx context.Context, orderID string, from, to Status, event string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.AdvanceShipping", traces.OrderID(orderID))
	defer span.End()

	unlock := o.locks.Lock(orderID)
	defer unlock()

	ord, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != from {
		return nil, ErrInvalidStatus
	}

	ord.Status = to
	ord.UpdatedAt = o.nowFn()
	if err := o.store.Update(ctx, ord); err != nil {
		return nil, err
	}

	o.logger.Info("order shipping update", "orderId", ord.ID, "status", string(to))
	o.notify(ctx, "customer", ord.CustomerID, event, map[string]interface{}{
		"orderId": ord.ID,
	})
	return ord, nil
}

// MarkDelivered records delivery and starts the verification clock on every
// escrow of the order. The shipping steps are optional: a delivery can be
// recorded straight from confirmation.
func (o *Orchestrator) MarkDelivered(ctx context.Context, orderID string, deliveryDate time.Time) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.MarkDelivered", traces.OrderID(orderID))
	defer span.End()

	unlock := o.locks.Lock(orderID)
	defer unlock()

	ord, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch ord.Status {
	case StatusConfirmed, StatusPickedUp, StatusOnTheWay:
	default:
		return nil, ErrInvalidStatus
	}

	records, err := o.escrow.ListByOrder(ctx, ord.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	for _, rec := range records {
		if _, err := o.escrow.StartVerification(ctx, rec.ID, deliveryDate); err != nil {
			// Already-running clocks are fine; anything else stops delivery.
			if !errors.Is(err, escrow.ErrInvalidTransition) {
				return nil, fmt.Errorf("failed to start verification on escrow %s: %w", rec.ID, err)
			}
		}
	}

	ord.Status = StatusDelivered
	ord.DeliveredAt = &deliveryDate
	ord.UpdatedAt = o.nowFn()
	if err := o.store.Update(ctx, ord); err != nil {
		return nil, err
	}

	o.logger.Info("order delivered", "orderId", ord.ID, "deliveredAt", deliveryDate)
	o.notify(ctx, "customer", ord.CustomerID, notify.EventOrderDelivered, map[string]interface{}{
		"orderId": ord.ID,
	})
	return ord, nil
}

// CancelOrder cancels a pending or confirmed order: stock for every reserved
// line item is released exactly once, pending escrows are voided, and any
// payment authorization is refunded. Orders past delivery are not
// cancellable; those disputes go through escrow.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID, reason string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.CancelOrder", traces.OrderID(orderID))
	defer span.End()

	unlock := o.locks.Lock(orderID)
	defer unlock()

	ord, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != StatusPending && ord.Status != StatusConfirmed {
		return nil, ErrNotCancellable
	}

	for i := range ord.Items {
		item := &ord.Items[i]
		if !item.Reserved || item.Released {
			continue
		}
		if _, err := o.stock.Release(ctx, item.ProductID, item.Quantity); err != nil {
			o.logger.Error("failed to release stock during cancellation",
				"orderId", ord.ID, "productId", item.ProductID, "error", err)
			continue
		}
		item.Released = true
		ord.UpdatedAt = o.nowFn()
		if err := o.store.Update(ctx, ord); err != nil {
			return nil, fmt.Errorf("failed to persist release ledger: %w", err)
		}
	}

	records, err := o.escrow.ListByOrder(ctx, ord.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	for _, rec := range records {
		if err := o.escrow.Void(ctx, rec.ID); err != nil {
			// Only pending escrows are voidable; others are left for the
			// dispute path.
			o.logger.Warn("escrow not voided during cancellation",
				"orderId", ord.ID, "escrowId", rec.ID, "error", err)
		}
	}

	if o.payments != nil && ord.PaymentRef != "" {
		if err := o.payments.Refund(ctx, ord.PaymentRef, ord.TotalCents); err != nil {
			o.logger.Error("failed to refund payment during cancellation",
				"orderId", ord.ID, "paymentRef", ord.PaymentRef, "error", err)
		}
	}

	ord.Status = StatusCancelled
	ord.PaymentStatus = PaymentRefunded
	ord.CancelReason = reason
	ord.UpdatedAt = o.nowFn()
	if err := o.store.Update(ctx, ord); err != nil {
		return nil, err
	}

	metrics.OrdersCancelledTotal.Inc()
	o.logger.Info("order cancelled", "orderId", ord.ID, "reason", reason)
	o.notify(ctx, "customer", ord.CustomerID, notify.EventOrderCancelled, map[string]interface{}{
		"orderId": ord.ID, "reason": reason,
	})
	return ord, nil
}

// OnEscrowTransition re-evaluates the order whenever one of its escrows
// changes state. All escrows released → Completed. Any escrow disputed →
// Disputed. A resolved dispute with settlements still outstanding puts the
// order back to Delivered.
func (o *Orchestrator) OnEscrowTransition(ctx context.Context, rec *escrow.Record) {
	// Only settlement outcomes change order state. Verification-start
	// transitions originate from MarkDelivered, which already holds the
	// order lock.
	switch rec.Status {
	case escrow.StatusReleased, escrow.StatusDisputed, escrow.StatusFrozen:
	default:
		return
	}

	unlock := o.locks.Lock(rec.OrderID)
	defer unlock()

	ord, err := o.store.Get(ctx, rec.OrderID)
	if err != nil {
		o.logger.Warn("escrow transition for unknown order",
			"orderId", rec.OrderID, "escrowId", rec.ID, "error", err)
		return
	}
	if ord.Status.IsTerminal() || ord.Status == StatusPending {
		return
	}

	records, err := o.escrow.ListByOrder(ctx, ord.ID)
	if err != nil {
		o.logger.Warn("failed to list escrows for completion check",
			"orderId", ord.ID, "error", err)
		return
	}

	payment := paymentStatusOf(records)

	anyContested := false
	allReleased := len(records) > 0
	for _, r := range records {
		if r.Status == escrow.StatusDisputed || r.Status == escrow.StatusFrozen {
			anyContested = true
		}
		if r.Status != escrow.StatusReleased {
			allReleased = false
		}
	}

	prev := ord.Status
	next := prev
	switch {
	case anyContested:
		next = StatusDisputed
	case allReleased:
		next = StatusCompleted
	case prev == StatusDisputed:
		// Dispute resolved with settlements still outstanding: back to
		// Delivered when delivery already happened, Confirmed otherwise.
		next = StatusConfirmed
		if ord.DeliveredAt != nil {
			next = StatusDelivered
		}
	}
	if next == prev && payment == ord.PaymentStatus {
		return
	}

	ord.Status = next
	ord.PaymentStatus = payment
	ord.UpdatedAt = o.nowFn()
	if next == StatusCompleted && ord.CompletedAt == nil {
		now := o.nowFn()
		ord.CompletedAt = &now
	}
	if err := o.store.Update(ctx, ord); err != nil {
		o.logger.Error("failed to persist order status", "orderId", ord.ID, "error", err)
		return
	}

	o.logger.Info("order updated from escrow settlement",
		"orderId", ord.ID, "status", string(next), "paymentStatus", string(payment), "escrowId", rec.ID)

	if next == prev {
		return
	}
	var event string
	switch next {
	case StatusCompleted:
		event = notify.EventOrderCompleted
	case StatusDisputed:
		event = notify.EventOrderDisputed
	case StatusDelivered:
		event = notify.EventOrderDelivered
	}
	if event != "" {
		o.notify(ctx, "customer", ord.CustomerID, event, map[string]interface{}{
			"orderId": ord.ID,
		})
	}
}

// paymentStatusOf derives the aggregate payment state of an order from its
// escrow records. A contested escrow dominates; otherwise the state follows
// how many sellers have been paid out.
func paymentStatusOf(records []*escrow.Record) PaymentStatus {
	if len(records) == 0 {
		return PaymentPending
	}
	released := 0
	for _, r := range records {
		switch r.Status {
		case escrow.StatusDisputed, escrow.StatusFrozen:
			return PaymentDisputed
		case escrow.StatusReleased:
			released++
		}
	}
	switch released {
	case 0:
		return PaymentPending
	case len(records):
		return PaymentReleased
	default:
		return PaymentPartiallyReleased
	}
}

// Get returns an order by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Order, error) {
	return o.store.Get(ctx, id)
}

// ListByCustomer returns a customer's orders, newest first, starting after
// the cursor position when one is given.
func (o *Orchestrator) ListByCustomer(ctx context.Context, customerID string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	return o.store.ListByCustomer(ctx, customerID, cursor, limit)
}

func (o *Orchestrator) notify(ctx context.Context, recipientType, recipientID, eventType string, payload map[string]interface{}) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, recipientType, recipientID, eventType, payload)
}
