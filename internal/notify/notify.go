// Package notify delivers marketplace lifecycle events to external services.
//
// Customers, sellers, and admin tooling register webhook URLs and receive
// signed notifications about order and escrow transitions. Delivery is
// fire-and-forget: a failed webhook is recorded on the subscription and
// never blocks the settlement path that emitted it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/circuitbreaker"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/idgen"
)

// Event types emitted by the settlement core.
const (
	EventOrderPlaced          = "order.placed"
	EventOrderSellerConfirmed = "order.seller_confirmed"
	EventOrderPickedUp        = "order.picked_up"
	EventOrderOnTheWay        = "order.on_the_way"
	EventOrderDelivered       = "order.delivered"
	EventOrderCancelled       = "order.cancelled"
	EventOrderCompleted       = "order.completed"
	EventOrderDisputed        = "order.disputed"
	EventEscrowOpened         = "escrow.opened"
	EventEscrowReleased       = "escrow.released"
	EventEscrowDisputed       = "escrow.disputed"
	EventEscrowFrozen         = "escrow.frozen"
)

// Event is one delivered notification.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	RecipientType string                 `json:"recipientType"` // customer, seller, admin
	RecipientID   string                 `json:"recipientId"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID            string     `json:"id"`
	RecipientType string     `json:"recipientType"`
	RecipientID   string     `json:"recipientId"`
	URL           string     `json:"url"`
	Secret        string     `json:"-"` // used for HMAC signing
	Events        []string   `json:"events"` // empty = all events
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastSuccess   *time.Time `json:"lastSuccess,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByRecipient(ctx context.Context, recipientType, recipientID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends notification events to subscribed endpoints. It satisfies
// the Notifier interfaces of the order and escrow packages.
//
// A per-endpoint circuit breaker guards delivery: after repeated failures to
// the same URL the breaker opens and further sends are skipped until the
// endpoint recovers, so a dead webhook does not burn a request per event.
type Dispatcher struct {
	store   Store
	client  *http.Client
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
}

// Breaker policy for webhook endpoints. Five consecutive failures open the
// circuit; one probe is allowed each minute until the endpoint answers again.
const (
	breakerThreshold    = 5
	breakerOpenDuration = time.Minute
)

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenDuration),
	}
}

// Notify delivers an event to every active subscription of the recipient.
// Delivery happens in the background; errors are recorded per subscription.
func (d *Dispatcher) Notify(ctx context.Context, recipientType, recipientID, eventType string, payload map[string]interface{}) {
	subs, err := d.store.ListByRecipient(ctx, recipientType, recipientID)
	if err != nil {
		d.logger.Warn("failed to list notification subscriptions",
			"recipientType", recipientType, "recipientId", recipientID, "error", err)
		return
	}

	event := &Event{
		ID:            idgen.WithPrefix("evt_"),
		Type:          eventType,
		RecipientType: recipientType,
		RecipientID:   recipientID,
		Timestamp:     time.Now().UTC(),
		Data:          payload,
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(eventType) {
			continue
		}
		// Detach from the caller's context: the settlement operation that
		// emitted this event must not wait on a slow webhook endpoint.
		go d.send(context.Background(), sub, event)
	}
}

// EndpointState reports the circuit state for a webhook URL.
func (d *Dispatcher) EndpointState(url string) string {
	return d.breaker.State(url).String()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if !d.breaker.Allow(sub.URL) {
		d.logger.Debug("webhook circuit open, delivery skipped",
			"subscriptionId", sub.ID, "url", sub.URL, "event", event.Type)
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(body))
	if err != nil {
		d.recordError(ctx, sub, "failed to create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Marketplace-Event", event.Type)
	req.Header.Set("X-Marketplace-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Marketplace-Signature", Sign(body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.RecordFailure(sub.URL)
		d.recordError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.breaker.RecordSuccess(sub.URL)
		d.recordSuccess(ctx, sub)
	} else {
		d.breaker.RecordFailure(sub.URL)
		d.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of the payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "subscriptionId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook error", "subscriptionId", sub.ID, "error", err)
	}
	d.logger.Warn("webhook delivery failed", "subscriptionId", sub.ID, "url", sub.URL, "error", msg)
}

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription not found")
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByRecipient(ctx context.Context, recipientType, recipientID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.RecipientType == recipientType && sub.RecipientID == recipientID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
