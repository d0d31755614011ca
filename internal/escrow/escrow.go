// Package escrow provides buyer-protection payment holds for marketplace orders.
//
// Flow:
//  1. Seller confirms order items → escrow opened for that (order, seller) pair
//  2. Delivery confirmed → verification clock starts (deadline = delivery + N days)
//  3. Customer confirms receipt → funds released to seller immediately
//  4. Customer reports a problem → escrow disputed, auto-release halted
//  5. Deadline passes with no dispute → scheduler auto-releases
//  6. Admin may release, hold, or dispute any record that is not yet released
//
// Released is terminal. The stores enforce this with conditional writes:
// every transition is an update conditioned on the record still being in the
// status the caller observed, so the scheduler, customer actions, and admin
// actions can race safely on the same record.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/idgen"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/metrics"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/notify"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/syncutil"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/traces"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrEscrowExists       = errors.New("escrow already exists for this order and seller")
	ErrInvalidTransition  = errors.New("invalid escrow status for this operation")
	ErrAlreadyReleased    = errors.New("escrow already released")
	ErrReasonRequired     = errors.New("a non-empty reason is required")
	ErrTransitionConflict = errors.New("escrow status changed concurrently")
)

// Status represents the state of an escrow record.
type Status string

const (
	StatusPending      Status = "pending"      // Opened, verification clock not started
	StatusVerification Status = "verification" // Delivery confirmed, clock running
	StatusReleased     Status = "released"     // Funds released to seller (terminal)
	StatusFrozen       Status = "frozen"       // Admin hold, no auto-release
	StatusDisputed     Status = "disputed"     // Customer reported a problem
)

// CustomerAction records what the customer did during verification.
type CustomerAction string

const (
	ActionNone             CustomerAction = "none"
	ActionConfirmedReceipt CustomerAction = "confirmed_receipt"
	ActionReportedProblem  CustomerAction = "reported_problem"
)

// ManualActionType is an admin-initiated transition.
type ManualActionType string

const (
	ManualRelease ManualActionType = "release"
	ManualHold    ManualActionType = "hold"
	ManualDispute ManualActionType = "dispute"
)

// ReleasedBySystem marks releases performed by the settlement scheduler or
// by the customer's own receipt confirmation.
const ReleasedBySystem = "system"

// DefaultVerificationDays is the verification window after delivery.
const DefaultVerificationDays = 7

// DefaultFeeBasisPoints is the buyer-protection surcharge (2%).
const DefaultFeeBasisPoints = 200

// Record is a held payment for one seller's portion of an order.
type Record struct {
	ID                string         `json:"id"`
	OrderID           string         `json:"orderId"`
	SellerID          string         `json:"sellerId"`
	AmountCents       int64          `json:"amountCents"` // subtotal + buyer-protection fee
	Status            Status         `json:"status"`
	CustomerAction    CustomerAction `json:"customerAction"`
	VerificationStart *time.Time     `json:"verificationStart,omitempty"`
	VerificationEnd   *time.Time     `json:"verificationEnd,omitempty"`
	ActionDate        *time.Time     `json:"actionDate,omitempty"`
	ReleasedAt        *time.Time     `json:"releasedAt,omitempty"`
	ReleasedBy        string         `json:"releasedBy,omitempty"` // "system" or admin identity
	Notes             string         `json:"notes,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if no further transition is permitted.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusReleased
}

// Store persists escrow records. UpdateIf and DeleteIf are conditional
// writes: they fail with ErrTransitionConflict when the stored status no
// longer matches from. That is how terminality and transition validity are
// enforced below the service layer.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByOrderSeller(ctx context.Context, orderID, sellerID string) (*Record, error)
	UpdateIf(ctx context.Context, rec *Record, from Status) error
	DeleteIf(ctx context.Context, id string, from Status) error
	ListByOrder(ctx context.Context, orderID string) ([]*Record, error)
	ListBySeller(ctx context.Context, sellerID string, cursor *pagination.Cursor, limit int) ([]*Record, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)
}

// Notifier dispatches events to sellers, customers, and admins.
// Implementations are fire-and-forget; failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, recipientType, recipientID, eventType string, payload map[string]interface{})
}

// TransitionListener is invoked after every successful escrow transition.
// The order orchestrator uses it to re-evaluate order completion.
type TransitionListener interface {
	OnEscrowTransition(ctx context.Context, rec *Record)
}

// Service implements escrow settlement business logic.
type Service struct {
	store            Store
	logger           *slog.Logger
	notifier         Notifier
	listener         TransitionListener
	verificationDays int
	feeBasisPoints   int64
	nowFn            func() time.Time
	locks            *syncutil.ContextShardedMutex // serializes transitions per escrow ID
}

// NewService creates a new escrow settlement service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:            store,
		logger:           logger,
		verificationDays: DefaultVerificationDays,
		feeBasisPoints:   DefaultFeeBasisPoints,
		nowFn:            time.Now,
		locks:            syncutil.NewContextShardedMutex(),
	}
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithTransitionListener adds a listener called after every transition.
func (s *Service) WithTransitionListener(l TransitionListener) *Service {
	s.listener = l
	return s
}

// WithVerificationDays overrides the verification window.
func (s *Service) WithVerificationDays(days int) *Service {
	if days > 0 {
		s.verificationDays = days
	}
	return s
}

// WithFeeBasisPoints overrides the buyer-protection fee.
func (s *Service) WithFeeBasisPoints(bp int64) *Service {
	if bp >= 0 {
		s.feeBasisPoints = bp
	}
	return s
}

// WithClock injects a time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.nowFn = now
	}
	return s
}

// VerificationDays returns the configured verification window.
func (s *Service) VerificationDays() int { return s.verificationDays }

// AmountWithFee adds the buyer-protection fee to a subtotal.
func (s *Service) AmountWithFee(subtotalCents int64) int64 {
	return subtotalCents + subtotalCents*s.feeBasisPoints/10000
}

// CalculateVerificationEnd computes the auto-release deadline from a delivery
// date. The deadline is day-granular: the delivery timestamp is truncated to
// midnight UTC before adding the window, so the result is unaffected by
// time-of-day.
func CalculateVerificationEnd(delivery time.Time, days int) time.Time {
	d := delivery.UTC()
	midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, days)
}

// Open creates an escrow record for a seller's portion of an order.
// If a record already exists for the (order, seller) pair the existing record
// is returned: a retried confirmation call is a no-op, not an error.
// A non-nil deliveryDate starts the verification clock immediately.
func (s *Service) Open(ctx context.Context, orderID, sellerID string, amountCents int64, deliveryDate *time.Time) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Open",
		traces.OrderID(orderID), traces.SellerID(sellerID), traces.AmountCents(amountCents))
	defer span.End()

	if orderID == "" || sellerID == "" {
		return nil, errors.New("orderID and sellerID are required")
	}
	if amountCents <= 0 {
		return nil, errors.New("amount must be positive")
	}

	if existing, err := s.store.GetByOrderSeller(ctx, orderID, sellerID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	now := s.nowFn()
	rec := &Record{
		ID:             idgen.WithPrefix("esc_"),
		OrderID:        orderID,
		SellerID:       sellerID,
		AmountCents:    amountCents,
		Status:         StatusPending,
		CustomerAction: ActionNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if deliveryDate != nil {
		start := *deliveryDate
		end := CalculateVerificationEnd(start, s.verificationDays)
		rec.Status = StatusVerification
		rec.VerificationStart = &start
		rec.VerificationEnd = &end
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrEscrowExists) {
			// Lost a create race with a concurrent retry; return the winner.
			return s.store.GetByOrderSeller(ctx, orderID, sellerID)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status), "open").Inc()
	s.notify(ctx, "seller", sellerID, notify.EventEscrowOpened, map[string]interface{}{
		"escrowId": rec.ID, "orderId": orderID, "amountCents": amountCents,
	})
	return rec, nil
}

// StartVerification begins the verification clock on a pending escrow.
// Calling it when the clock is already running is a no-op.
func (s *Service) StartVerification(ctx context.Context, id string, deliveryDate time.Time) (*Record, error) {
	rec, changed, err := s.startVerification(ctx, id, deliveryDate)
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterTransition(ctx, rec)
	}
	return rec, nil
}

// The per-escrow lock serializes transitions racing from different code
// paths, e.g. customer confirmation against scheduler auto-release. The
// transition listener is always invoked after the lock is dropped: the
// orchestrator takes its own order lock inside the callback, and cancellation
// acquires the two locks in the opposite direction.
func (s *Service) startVerification(ctx context.Context, id string, deliveryDate time.Time) (*Record, bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if rec.Status == StatusVerification {
		return rec, false, nil
	}
	if rec.IsTerminal() {
		return nil, false, ErrAlreadyReleased
	}
	if rec.Status != StatusPending {
		return nil, false, ErrInvalidTransition
	}

	start := deliveryDate
	end := CalculateVerificationEnd(start, s.verificationDays)
	rec.Status = StatusVerification
	rec.VerificationStart = &start
	rec.VerificationEnd = &end
	rec.UpdatedAt = s.nowFn()

	if err := s.store.UpdateIf(ctx, rec, StatusPending); err != nil {
		return nil, false, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusVerification), "delivery").Inc()
	s.logger.Info("escrow verification started",
		"escrowId", rec.ID, "orderId", rec.OrderID, "verificationEnd", end)
	return rec, true, nil
}

// RecordCustomerAction applies a customer action during the verification
// period. ConfirmedReceipt releases funds immediately; ReportedProblem moves
// the record to Disputed and halts the auto-release clock.
func (s *Service) RecordCustomerAction(ctx context.Context, id string, action CustomerAction, notes string) (*Record, error) {
	rec, err := s.recordCustomerAction(ctx, id, action, notes)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, rec)
	return rec, nil
}

func (s *Service) recordCustomerAction(ctx context.Context, id string, action CustomerAction, notes string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.IsTerminal() {
		return nil, ErrAlreadyReleased
	}
	if rec.Status != StatusVerification {
		return nil, ErrInvalidTransition
	}

	now := s.nowFn()
	rec.CustomerAction = action
	rec.ActionDate = &now
	rec.UpdatedAt = now

	switch action {
	case ActionConfirmedReceipt:
		return s.release(ctx, rec, StatusVerification, ReleasedBySystem, "customer confirmed receipt", "customer")

	case ActionReportedProblem:
		rec.Status = StatusDisputed
		rec.Notes = appendNote(rec.Notes, notes)
		if err := s.store.UpdateIf(ctx, rec, StatusVerification); err != nil {
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed), "customer").Inc()
		s.logger.Info("escrow disputed by customer",
			"escrowId", rec.ID, "orderId", rec.OrderID, "notes", notes)
		s.notify(ctx, "seller", rec.SellerID, notify.EventEscrowDisputed, map[string]interface{}{
			"escrowId": rec.ID, "orderId": rec.OrderID, "reason": notes,
		})
		return rec, nil

	default:
		return nil, fmt.Errorf("unknown customer action %q", action)
	}
}

// ManualAction applies an admin transition. It is permitted against any
// record except a released one, and always requires a non-empty reason for
// the audit trail.
func (s *Service) ManualAction(ctx context.Context, id string, action ManualActionType, reason, adminID string) (*Record, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	if adminID == "" {
		return nil, errors.New("adminID is required")
	}

	rec, err := s.manualAction(ctx, id, action, reason, adminID)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, rec)
	return rec, nil
}

func (s *Service) manualAction(ctx context.Context, id string, action ManualActionType, reason, adminID string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return nil, ErrAlreadyReleased
	}

	from := rec.Status
	rec.UpdatedAt = s.nowFn()
	rec.Notes = appendNote(rec.Notes, fmt.Sprintf("[%s] %s", adminID, reason))

	switch action {
	case ManualRelease:
		return s.release(ctx, rec, from, adminID, reason, "admin")
	case ManualHold:
		rec.Status = StatusFrozen
	case ManualDispute:
		rec.Status = StatusDisputed
	default:
		return nil, fmt.Errorf("unknown manual action %q", action)
	}

	if err := s.store.UpdateIf(ctx, rec, from); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Status), "admin").Inc()
	s.logger.Info("escrow manual action",
		"escrowId", rec.ID, "action", string(action), "admin", adminID, "reason", reason)
	event := notify.EventEscrowFrozen
	if rec.Status == StatusDisputed {
		event = notify.EventEscrowDisputed
	}
	s.notify(ctx, "seller", rec.SellerID, event, map[string]interface{}{
		"escrowId": rec.ID, "orderId": rec.OrderID, "reason": reason, "admin": adminID,
	})
	return rec, nil
}

// AutoRelease releases a due escrow on behalf of the scheduler. The write is
// conditioned on the record still being in the verification period: if a
// customer dispute or admin action got there first, ErrTransitionConflict is
// returned and the caller skips the record.
func (s *Service) AutoRelease(ctx context.Context, rec *Record) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.EscrowID(rec.ID))
	defer span.End()

	released, err := s.autoRelease(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, released)
	return released, nil
}

func (s *Service) autoRelease(ctx context.Context, id string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under lock to avoid acting on a stale snapshot.
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if fresh.IsTerminal() {
		return nil, ErrAlreadyReleased
	}
	if fresh.Status != StatusVerification {
		return nil, ErrTransitionConflict
	}
	if fresh.VerificationEnd == nil || s.nowFn().Before(*fresh.VerificationEnd) {
		return nil, ErrInvalidTransition
	}

	fresh.UpdatedAt = s.nowFn()
	return s.release(ctx, fresh, StatusVerification, ReleasedBySystem, "auto-released: verification period expired", "scheduler")
}

// release performs the single atomic transition into the terminal state.
// Caller must hold the escrow lock.
func (s *Service) release(ctx context.Context, rec *Record, from Status, releasedBy, reason, actor string) (*Record, error) {
	now := s.nowFn()
	rec.Status = StatusReleased
	rec.ReleasedAt = &now
	rec.ReleasedBy = releasedBy
	rec.Notes = appendNote(rec.Notes, reason)
	rec.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, rec, from); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased), actor).Inc()
	s.logger.Info("escrow released",
		"escrowId", rec.ID, "orderId", rec.OrderID, "seller", rec.SellerID,
		"amountCents", rec.AmountCents, "releasedBy", releasedBy, "reason", reason)
	s.notify(ctx, "seller", rec.SellerID, notify.EventEscrowReleased, map[string]interface{}{
		"escrowId": rec.ID, "orderId": rec.OrderID, "amountCents": rec.AmountCents, "reason": reason,
	})
	return rec, nil
}

// Void removes a pending escrow during order cancellation. Records whose
// verification clock has started are left untouched: money already in
// flight follows the dispute path, not cancellation.
func (s *Service) Void(ctx context.Context, id string) error {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.store.DeleteIf(ctx, id, StatusPending)
	if err == nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("voided", "cancellation").Inc()
		s.logger.Info("escrow voided", "escrowId", id)
	}
	return err
}

// DueForRelease returns records in the verification period whose deadline has
// passed. Pure query: due-ness is a function of stored state plus the clock,
// which is what makes scheduler crash recovery automatic.
func (s *Service) DueForRelease(ctx context.Context, now time.Time) ([]*Record, error) {
	return s.store.ListDue(ctx, now, 100)
}

// Get returns an escrow record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns all escrow records for an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// ListBySeller returns a seller's escrow records, newest first, starting
// after the cursor position when one is given.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	return s.store.ListBySeller(ctx, sellerID, cursor, limit)
}

func (s *Service) notify(ctx context.Context, recipientType, recipientID, eventType string, payload map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, recipientType, recipientID, eventType, payload)
}

func (s *Service) afterTransition(ctx context.Context, rec *Record) {
	if s.listener == nil {
		return
	}
	s.listener.OnEscrowTransition(ctx, rec)
}

func appendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
