// Package events bridges push-style settlement notifications from the payment
// gateway's realtime channel into single-fire awaitables scoped per invoice.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/clinicops/internal/platform/metrics"
)

var (
	// ErrDuplicateSubscription reports a second Subscribe for an invoice whose
	// first subscription has not been released. Sequencing bug in the caller.
	ErrDuplicateSubscription = errors.New("subscription already active for invoice")

	// ErrEmptyInvoiceID reports a Subscribe issued before the gateway link step
	// produced an invoice id.
	ErrEmptyInvoiceID = errors.New("invoice id is required before subscribing")

	// ErrBrokerClosed reports a Subscribe after session teardown.
	ErrBrokerClosed = errors.New("broker is closed")
)

// Settlement is a gateway-confirmed "money has moved" notification.
type Settlement struct {
	InvoiceID string    `json:"invoiceId"`
	OrderCode string    `json:"orderCode"`
	Amount    int64     `json:"amount"`
	PaidAt    time.Time `json:"paidAt"`
}

// EventKind classifies a delivered event.
type EventKind int

const (
	// EventPaid carries a settlement.
	EventPaid EventKind = iota
	// EventUndeliverable is terminal: the transport dropped before a settlement
	// could arrive. It says nothing about the payment itself.
	EventUndeliverable
)

// Event is the single value a Subscription ever delivers.
type Event struct {
	Kind       EventKind
	Settlement Settlement // valid when Kind == EventPaid
	Reason     string     // valid when Kind == EventUndeliverable
}

// Sink receives transport-level callbacks. The Broker implements it.
type Sink interface {
	Deliver(stl Settlement)
	ConnectionLost(err error)
}

// Transport is the realtime push channel. Connecting is lazy, disconnecting is
// explicit; reconnection is the transport's own business.
type Transport interface {
	Connect(ctx context.Context, sink Sink) error
	Disconnect() error
}

// Subscription is a single-fire awaitable for one invoice. Exactly one Event
// is ever delivered; Unsubscribe is idempotent and safe after firing.
type Subscription struct {
	invoiceID string
	events    chan Event
	fired     atomic.Bool
	broker    *Broker
	unsubOnce sync.Once
}

// InvoiceID returns the invoice this subscription is bound to.
func (s *Subscription) InvoiceID() string { return s.invoiceID }

// Events returns the single-fire delivery channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Fired reports whether an event has been accepted for this subscription,
// whether or not the owner has consumed it yet.
func (s *Subscription) Fired() bool { return s.fired.Load() }

// Unsubscribe releases the invoice slot. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		s.broker.remove(s.invoiceID)
	})
}

// Claim takes the single-fire slot without delivering an event, so no later
// delivery can fire. Returns false when an event already won the slot; the
// caller must then consume it from Events.
func (s *Subscription) Claim() bool {
	return s.fired.CompareAndSwap(false, true)
}

// fire delivers evt if nothing has been delivered yet. Returns true when this
// call won the single-fire slot.
func (s *Subscription) fire(evt Event) bool {
	if !s.fired.CompareAndSwap(false, true) {
		return false
	}
	s.events <- evt // cap 1, guarded by the CAS above
	return true
}

// Broker owns the shared transport connection and the per-invoice subscription
// table. One broker per operator session; inject it, never reach for a global.
type Broker struct {
	transport Transport
	logger    zerolog.Logger

	mu        sync.Mutex
	subs      map[string]*Subscription
	connected bool
	closed    bool
}

func NewBroker(transport Transport, logger zerolog.Logger) *Broker {
	return &Broker{
		transport: transport,
		logger:    logger,
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe opens the single awaitable for invoiceID, lazily connecting the
// transport on first use. A second Subscribe for the same invoice before the
// first unsubscribes fails with ErrDuplicateSubscription.
func (b *Broker) Subscribe(ctx context.Context, invoiceID string) (*Subscription, error) {
	if invoiceID == "" {
		return nil, ErrEmptyInvoiceID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if _, exists := b.subs[invoiceID]; exists {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, ErrDuplicateSubscription)
	}

	if !b.connected {
		if err := b.transport.Connect(ctx, b); err != nil {
			return nil, fmt.Errorf("connect transport: %w", err)
		}
		b.connected = true
	}

	sub := &Subscription{
		invoiceID: invoiceID,
		events:    make(chan Event, 1),
		broker:    b,
	}
	b.subs[invoiceID] = sub
	return sub, nil
}

// Disconnect tears the shared connection down. Active subscriptions receive a
// terminal undeliverable event rather than hanging forever.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	b.closed = true
	wasConnected := b.connected
	b.connected = false
	active := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		active = append(active, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range active {
		sub.fire(Event{Kind: EventUndeliverable, Reason: "session teardown"})
	}

	if !wasConnected {
		return nil
	}
	return b.transport.Disconnect()
}

// ActiveSubscriptions returns the number of invoices currently awaited.
func (b *Broker) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Deliver implements Sink. Settlements for unknown invoices are dropped: the
// payment may belong to another terminal, or the subscription already released.
func (b *Broker) Deliver(stl Settlement) {
	b.mu.Lock()
	sub := b.subs[stl.InvoiceID]
	b.mu.Unlock()

	if sub == nil {
		metrics.SettlementEvents.WithLabelValues("dropped").Inc()
		b.logger.Debug().Str("invoice_id", stl.InvoiceID).Msg("settlement for inactive invoice dropped")
		return
	}

	if sub.fire(Event{Kind: EventPaid, Settlement: stl}) {
		metrics.SettlementEvents.WithLabelValues("delivered").Inc()
	} else {
		metrics.SettlementEvents.WithLabelValues("duplicate").Inc()
	}
}

// ConnectionLost implements Sink. Every active subscription gets a terminal
// undeliverable event; the next Subscribe reconnects lazily.
func (b *Broker) ConnectionLost(err error) {
	b.mu.Lock()
	b.connected = false
	active := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		active = append(active, sub)
	}
	b.mu.Unlock()

	reason := "transport connection lost"
	if err != nil {
		reason = fmt.Sprintf("transport connection lost: %v", err)
	}
	b.logger.Warn().Err(err).Int("active_subscriptions", len(active)).Msg("realtime transport dropped")

	for _, sub := range active {
		if sub.fire(Event{Kind: EventUndeliverable, Reason: reason}) {
			metrics.SettlementEvents.WithLabelValues("undeliverable").Inc()
		}
	}
}

func (b *Broker) remove(invoiceID string) {
	b.mu.Lock()
	delete(b.subs, invoiceID)
	b.mu.Unlock()
}
