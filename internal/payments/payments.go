// Package payments abstracts customer payment authorization and refunds.
//
// The settlement core only needs two operations: authorize the order total
// at placement and refund it on cancellation. Actual fund movement to
// sellers is driven by escrow release and handled by payout tooling outside
// this service.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/idgen"
)

// Provider authorizes and refunds customer payments.
type Provider interface {
	Authorize(ctx context.Context, customerID string, amountCents int64, orderID string) (string, error)
	Refund(ctx context.Context, paymentRef string, amountCents int64) error
}

// StripeProvider charges customers through Stripe PaymentIntents.
type StripeProvider struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeProvider creates a Stripe-backed payment provider.
func NewStripeProvider(secretKey string, logger *slog.Logger) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api, logger: logger}
}

// Authorize creates a PaymentIntent for the order total and returns its ID
// as the payment reference.
func (s *StripeProvider) Authorize(ctx context.Context, customerID string, amountCents int64, orderID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		Metadata: map[string]string{
			"order_id":    orderID,
			"customer_id": customerID,
		},
	}
	params.Context = ctx

	intent, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe payment intent failed: %w", err)
	}

	s.logger.Info("payment authorized",
		"orderId", orderID, "paymentRef", intent.ID, "amountCents", amountCents)
	return intent.ID, nil
}

// Refund reverses a PaymentIntent charge.
func (s *StripeProvider) Refund(ctx context.Context, paymentRef string, amountCents int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx

	if _, err := s.api.Refunds.New(params); err != nil {
		return fmt.Errorf("stripe refund failed: %w", err)
	}

	s.logger.Info("payment refunded", "paymentRef", paymentRef, "amountCents", amountCents)
	return nil
}

// NoopProvider records authorizations in memory. Used in demo mode and
// whenever no Stripe key is configured.
type NoopProvider struct {
	mu      sync.Mutex
	charges map[string]int64 // paymentRef -> outstanding cents
}

// NewNoopProvider creates an in-memory payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{charges: make(map[string]int64)}
}

func (n *NoopProvider) Authorize(ctx context.Context, customerID string, amountCents int64, orderID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ref := idgen.WithPrefix("pay_")
	n.charges[ref] = amountCents
	return ref, nil
}

func (n *NoopProvider) Refund(ctx context.Context, paymentRef string, amountCents int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	outstanding, ok := n.charges[paymentRef]
	if !ok {
		return fmt.Errorf("unknown payment reference %s", paymentRef)
	}
	if amountCents > outstanding {
		return fmt.Errorf("refund of %d exceeds outstanding charge %d", amountCents, outstanding)
	}
	n.charges[paymentRef] = outstanding - amountCents
	return nil
}

// Outstanding returns the unrefunded amount for a payment reference.
func (n *NoopProvider) Outstanding(paymentRef string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.charges[paymentRef]
}

var (
	_ Provider = (*StripeProvider)(nil)
	_ Provider = (*NoopProvider)(nil)
)
