// Package stock implements the stock ledger and reservation manager.
//
// Flow:
//  1. Order placement reserves stock per line item (quantity decremented)
//  2. A failed or cancelled order releases the reservation (quantity restored)
//  3. Every write is a compare-and-swap on the entry version; conflicting
//     writers retry with a bounded, linearly increasing backoff
//
// The ledger is the only owner of stock mutation: no other code path writes
// quantities directly, so the non-negative invariant cannot be bypassed.
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/metrics"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/retry"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/traces"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrProductInactive   = errors.New("product is not active")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be a positive integer")
	ErrVersionConflict   = errors.New("stock entry version conflict")
)

// Entry is a durable per-product stock record with optimistic versioning.
type Entry struct {
	ProductID string    `json:"productId"`
	Quantity  int64     `json:"quantity"`
	Version   int64     `json:"version"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Outcome is the synchronous result of a reservation attempt. It is returned
// to the caller and never persisted. Retryable distinguishes contention
// exhaustion ("try again") from business-rule failures ("out of stock").
type Outcome struct {
	Success        bool   `json:"success"`
	AvailableStock int64  `json:"availableStock"`
	Retryable      bool   `json:"retryable"`
	Message        string `json:"message"`
}

// Store persists stock entries. UpdateQuantity is the conditional write:
// it must fail with ErrVersionConflict when the stored version no longer
// matches expectedVersion, and atomically bump the version on success.
type Store interface {
	Get(ctx context.Context, productID string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	UpdateQuantity(ctx context.Context, productID string, newQuantity, expectedVersion int64) error
}

// Manager coordinates reservations and releases against the ledger.
type Manager struct {
	store       Store
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
}

// Default retry policy for contended writes. Reservations are short and
// high-frequency; three attempts with 50ms linear backoff resolves transient
// conflicts on hot products without serializing unrelated orders.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 50 * time.Millisecond
)

// NewManager creates a reservation manager with the default retry policy.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:       store,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
	}
}

// WithRetryPolicy overrides the conflict retry budget and backoff base.
func (m *Manager) WithRetryPolicy(maxAttempts int, backoffBase time.Duration) *Manager {
	if maxAttempts > 0 {
		m.maxAttempts = maxAttempts
	}
	if backoffBase > 0 {
		m.backoffBase = backoffBase
	}
	return m
}

// Reserve atomically decrements available stock for a product.
//
// Business-rule failures (missing product, inactive product, insufficient
// stock) fail fast and are not retried. Version conflicts are retried up to
// the configured budget, reloading the entry each attempt; exhausting the
// budget yields a retryable outcome so the caller can surface "try again"
// instead of "out of stock".
func (m *Manager) Reserve(ctx context.Context, productID string, quantity int64) Outcome {
	ctx, span := traces.StartSpan(ctx, "stock.Reserve",
		traces.ProductID(productID), traces.Quantity(quantity))
	defer span.End()

	if quantity <= 0 {
		return Outcome{Retryable: false, Message: ErrInvalidQuantity.Error()}
	}

	var available int64

	err := retry.Do(ctx, m.maxAttempts, m.backoffBase, func() error {
		entry, err := m.store.Get(ctx, productID)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				return retry.Permanent(err)
			}
			return err
		}

		available = entry.Quantity
		if !entry.Active {
			return retry.Permanent(ErrProductInactive)
		}
		if entry.Quantity < quantity {
			return retry.Permanent(ErrInsufficientStock)
		}

		err = m.store.UpdateQuantity(ctx, productID, entry.Quantity-quantity, entry.Version)
		if errors.Is(err, ErrVersionConflict) {
			metrics.ReservationConflictsTotal.Inc()
			m.logger.Debug("reservation write conflict, retrying",
				"productId", productID, "version", entry.Version)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.ReservationsTotal.WithLabelValues("success").Inc()
		return Outcome{Success: true, AvailableStock: available - quantity}
	case errors.Is(err, ErrProductNotFound):
		metrics.ReservationsTotal.WithLabelValues("not_found").Inc()
		return Outcome{AvailableStock: 0, Retryable: false, Message: err.Error()}
	case errors.Is(err, ErrProductInactive):
		metrics.ReservationsTotal.WithLabelValues("inactive").Inc()
		return Outcome{AvailableStock: available, Retryable: false, Message: err.Error()}
	case errors.Is(err, ErrInsufficientStock):
		metrics.ReservationsTotal.WithLabelValues("insufficient").Inc()
		return Outcome{
			AvailableStock: available,
			Retryable:      false,
			Message:        fmt.Sprintf("insufficient stock: %d available, %d requested", available, quantity),
		}
	default:
		// Conflict budget exhausted (or ctx cancelled): contention failure,
		// distinct from a business-rule failure.
		metrics.ReservationsTotal.WithLabelValues("contention").Inc()
		m.logger.Warn("reservation retries exhausted",
			"productId", productID, "quantity", quantity, "error", err)
		return Outcome{
			AvailableStock: available,
			Retryable:      true,
			Message:        "stock entry is contended, please retry",
		}
	}
}

// Release restores previously reserved stock, compensating a failed or
// cancelled order. It follows the same conflict retry discipline as Reserve.
// Callers track which line items were actually reserved and release only
// those, which keeps Release safe against partial placement failures.
func (m *Manager) Release(ctx context.Context, productID string, quantity int64) (bool, error) {
	if quantity <= 0 {
		return false, ErrInvalidQuantity
	}

	err := retry.Do(ctx, m.maxAttempts, m.backoffBase, func() error {
		entry, err := m.store.Get(ctx, productID)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				return retry.Permanent(err)
			}
			return err
		}

		err = m.store.UpdateQuantity(ctx, productID, entry.Quantity+quantity, entry.Version)
		if errors.Is(err, ErrVersionConflict) {
			metrics.ReservationConflictsTotal.Inc()
		}
		return err
	})
	if err != nil {
		m.logger.Error("stock release failed",
			"productId", productID, "quantity", quantity, "error", err)
		return false, err
	}

	metrics.StockReleasesTotal.Inc()
	return true, nil
}

// Get returns the current stock entry for a product.
func (m *Manager) Get(ctx context.Context, productID string) (*Entry, error) {
	return m.store.Get(ctx, productID)
}

// Seed creates or replaces a stock entry. Used by catalog integration and
// tests; not part of the reservation write path.
func (m *Manager) Seed(ctx context.Context, productID string, quantity int64, active bool) (*Entry, error) {
	if quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	entry := &Entry{
		ProductID: productID,
		Quantity:  quantity,
		Version:   1,
		Active:    active,
		UpdatedAt: time.Now(),
	}
	if err := m.store.Put(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
