package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/clinicops/internal/platform/events"
	"github.com/clinicops/clinicops/internal/platform/metrics"
)

var (
	// ErrCancelled reports a QR session the operator cancelled before any
	// settlement was observed.
	ErrCancelled = errors.New("qr session cancelled")

	// ErrTimedOut reports a QR session that expired without settlement.
	ErrTimedOut = errors.New("qr session timed out")

	// ErrUndeliverable reports a QR session whose realtime channel dropped, so
	// settlement can no longer be confirmed even if the customer paid.
	ErrUndeliverable = errors.New("settlement notification undeliverable")
)

// PostPaymentCommitFailedError reports money confirmed by the gateway that the
// local commit failed to record. This is the one failure that must never be
// swallowed or retried blindly: the customer has paid.
type PostPaymentCommitFailedError struct {
	InvoiceID string
	OrderCode string
	Err       error
}

func (e *PostPaymentCommitFailedError) Error() string {
	return fmt.Sprintf("payment settled for order %s (invoice %s) but commit failed: %v", e.OrderCode, e.InvoiceID, e.Err)
}

func (e *PostPaymentCommitFailedError) Unwrap() error { return e.Err }

// SessionState is the QR session lifecycle position. Transitions out of
// AWAITING_SETTLEMENT happen exactly once, by compare-and-swap.
type SessionState int32

const (
	StateAwaitingSettlement SessionState = iota
	StateSettled
	StateCancelled
	StateTimedOut
	StateUndeliverable
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingSettlement:
		return "AWAITING_SETTLEMENT"
	case StateSettled:
		return "SETTLED"
	case StateCancelled:
		return "CANCELLED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateUndeliverable:
		return "UNDELIVERABLE"
	default:
		return "UNKNOWN"
	}
}

// QrSession is a live asynchronous payment awaiting gateway settlement. It is
// created by Orchestrator.BeginQR and resolved exactly once, either by the
// settlement event, by Cancel, or by timeout.
type QrSession struct {
	OrderCode string
	InvoiceID string
	QrPayload string

	amount    int64
	allocs    []LineAllocation
	reference string
	commit    CommitFunc
	sub       *events.Subscription
	timeout   time.Duration
	issuedAt  time.Time
	logger    zerolog.Logger

	state atomic.Int32
	done  chan struct{}

	mu      sync.Mutex
	receipt *Receipt
	err     error
}

// State returns the session's current lifecycle position.
func (s *QrSession) State() SessionState {
	return SessionState(s.state.Load())
}

// resolve moves the session out of AWAITING_SETTLEMENT. Returns true when this
// call won the transition. Losers must treat the session as already decided.
func (s *QrSession) resolve(to SessionState) bool {
	return s.state.CompareAndSwap(int32(StateAwaitingSettlement), int32(to))
}

// AwaitSettlement blocks until the session resolves and returns the receipt on
// settlement. On cancel, timeout, transport loss or commit failure it returns
// the corresponding error. Safe to call once; the orchestrator owns the call.
func (s *QrSession) AwaitSettlement(ctx context.Context) (*Receipt, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case evt := <-s.sub.Events():
		s.handleEvent(ctx, evt)

	case <-timer.C:
		// A settlement that won the subscription slot beats the deadline,
		// even if its event has not been consumed yet. Money always wins
		// over the clock.
		if !s.sub.Claim() {
			s.consumeClaimed(ctx)
			break
		}
		if s.resolve(StateTimedOut) {
			s.finish(nil, fmt.Errorf("order %s: %w", s.OrderCode, ErrTimedOut))
			metrics.PaymentsTotal.WithLabelValues(string(MethodQR), metrics.OutcomeTimedOut).Inc()
			s.logger.Info().Str("order_code", s.OrderCode).Msg("qr session timed out")
		}

	case <-ctx.Done():
		if !s.sub.Claim() {
			s.consumeClaimed(ctx)
			break
		}
		if s.resolve(StateCancelled) {
			s.finish(nil, fmt.Errorf("order %s: %w", s.OrderCode, ErrCancelled))
			metrics.PaymentsTotal.WithLabelValues(string(MethodQR), metrics.OutcomeCancelled).Inc()
		}

	case <-s.done:
	}

	return s.wait()
}

// consumeClaimed drains the claim this session lost. The slot was taken
// either by a delivery, whose event is in flight on the channel, or by
// Cancel, which resolves the session and closes done instead.
func (s *QrSession) consumeClaimed(ctx context.Context) {
	select {
	case evt := <-s.sub.Events():
		s.handleEvent(ctx, evt)
	case <-s.done:
	}
}

// handleEvent resolves the session from a delivered event.
func (s *QrSession) handleEvent(ctx context.Context, evt events.Event) {
	switch evt.Kind {
	case events.EventPaid:
		s.settle(ctx, evt.Settlement)
	case events.EventUndeliverable:
		if s.resolve(StateUndeliverable) {
			s.finish(nil, fmt.Errorf("order %s: %s: %w", s.OrderCode, evt.Reason, ErrUndeliverable))
			metrics.PaymentsTotal.WithLabelValues(string(MethodQR), metrics.OutcomeUndeliverable).Inc()
			s.logger.Warn().Str("order_code", s.OrderCode).Str("reason", evt.Reason).Msg("qr session undeliverable")
		}
	}
}

// settle runs the post-payment commit. The commit runs exactly once, inside
// the CAS winner. A failed commit still leaves the session SETTLED: the money
// moved, and the caller gets a PostPaymentCommitFailedError to act on.
func (s *QrSession) settle(ctx context.Context, stl events.Settlement) {
	if !s.resolve(StateSettled) {
		return
	}

	metrics.SettlementLatency.Observe(time.Since(s.issuedAt).Seconds())

	result, err := s.commit(ctx, stl, s.allocs)
	if err != nil {
		s.finish(nil, &PostPaymentCommitFailedError{
			InvoiceID: s.InvoiceID,
			OrderCode: s.OrderCode,
			Err:       err,
		})
		metrics.PaymentsTotal.WithLabelValues(string(MethodQR), metrics.OutcomeCommitFailed).Inc()
		s.logger.Error().Err(err).
			Str("order_code", s.OrderCode).
			Str("invoice_id", s.InvoiceID).
			Msg("settlement received but commit failed")
		return
	}

	paidAt := stl.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	s.finish(&Receipt{
		ID:          result.ReceiptID,
		Method:      MethodQR,
		Amount:      s.amount,
		RecordID:    result.RecordID,
		RecordCode:  result.RecordCode,
		OrderCode:   s.OrderCode,
		InvoiceID:   s.InvoiceID,
		Reference:   s.reference,
		IssuedAt:    paidAt,
		Allocations: s.allocs,
	}, nil)
	metrics.PaymentsTotal.WithLabelValues(string(MethodQR), metrics.OutcomeSettled).Inc()
	s.logger.Info().
		Str("order_code", s.OrderCode).
		Str("invoice_id", s.InvoiceID).
		Int64("amount", s.amount).
		Msg("qr payment settled")
}

// Cancel resolves the session as operator-cancelled. Cancellation and
// settlement race for the subscription's single-fire slot; a settlement that
// already holds it makes the cancel a no-op in every interleaving, and the
// in-flight event is left for AwaitSettlement to consume. Returns the state
// the session ended in.
func (s *QrSession) Cancel() SessionState {
	if !s.sub.Claim() {
		return s.State()
	}
	if s.resolve(StateCancelled) {
		s.finish(nil, fmt.Errorf("order %s: %w", s.OrderCode, ErrCancelled))
		metrics.PaymentsTotal.WithLabelValues(string(MethodQR), metrics.OutcomeCancelled).Inc()
		s.logger.Info().Str("order_code", s.OrderCode).Msg("qr session cancelled")
	}
	return s.State()
}

// finish records the terminal result and releases waiters and the invoice
// subscription slot. Called exactly once, by the CAS winner.
func (s *QrSession) finish(receipt *Receipt, err error) {
	s.mu.Lock()
	s.receipt = receipt
	s.err = err
	s.mu.Unlock()
	close(s.done)
	s.sub.Unsubscribe()
}

// wait blocks until finish has run and returns the terminal result.
func (s *QrSession) wait() (*Receipt, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipt, s.err
}
