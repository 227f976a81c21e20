// Package payment implements cash and QR payment handling for clinic visits:
// greedy allocation of a tendered amount across invoice lines, and the
// asynchronous QR flow that awaits a gateway settlement push before committing.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinicops/internal/platform/events"
	"github.com/clinicops/clinicops/internal/platform/metrics"
)

// Method identifies how a payment was tendered.
type Method string

const (
	MethodCash Method = "CASH"
	MethodQR   Method = "QR"
)

// Receipt is the durable proof of a completed payment.
type Receipt struct {
	ID          string           `json:"id"`
	Method      Method           `json:"method"`
	Amount      int64            `json:"amount"`
	RecordID    string           `json:"recordId"`
	RecordCode  string           `json:"recordCode,omitempty"`
	OrderCode   string           `json:"orderCode,omitempty"`
	InvoiceID   string           `json:"invoiceId,omitempty"`
	Reference   string           `json:"reference,omitempty"`
	IssuedAt    time.Time        `json:"issuedAt"`
	Allocations []LineAllocation `json:"allocations"`
}

// CommitResult is what a CommitFunc hands back after durably recording a
// settled payment.
type CommitResult struct {
	ReceiptID  string
	RecordID   string
	RecordCode string
}

// CommitFunc durably applies a settled payment: persist line allocations,
// advance record status, write the receipt. It runs exactly once per session,
// only after the gateway has confirmed the money.
type CommitFunc func(ctx context.Context, stl events.Settlement, allocs []LineAllocation) (CommitResult, error)

// CashRequest is a synchronous counter payment.
type CashRequest struct {
	Amount    int64
	Lines     []Line
	RecordID  string
	Reference string
	Commit    CommitFunc
}

// QrRequest opens an asynchronous QR payment session.
type QrRequest struct {
	Amount      int64
	Lines       []Line
	Description string
	Reference   string
	Commit      CommitFunc
}

// Orchestrator drives both payment flows. One orchestrator per process; the
// broker and gateway are injected so tests can substitute fakes.
type Orchestrator struct {
	gateway   Gateway
	broker    *events.Broker
	qrTimeout time.Duration
	logger    zerolog.Logger
}

func NewOrchestrator(gateway Gateway, broker *events.Broker, qrTimeout time.Duration, logger zerolog.Logger) *Orchestrator {
	if qrTimeout <= 0 {
		qrTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		gateway:   gateway,
		broker:    broker,
		qrTimeout: qrTimeout,
		logger:    logger.With().Str("component", "payment_orchestrator").Logger(),
	}
}

// PayCash allocates the tendered amount across the given lines and commits
// immediately. Overpayment is rejected before any state changes.
func (o *Orchestrator) PayCash(ctx context.Context, req CashRequest) (*Receipt, error) {
	allocs, err := Allocate(req.Amount, req.Lines)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(string(MethodCash), metrics.OutcomeRejected).Inc()
		return nil, err
	}

	stl := events.Settlement{
		InvoiceID: "",
		OrderCode: "",
		Amount:    req.Amount,
		PaidAt:    time.Now().UTC(),
	}
	result, err := req.Commit(ctx, stl, allocs)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(string(MethodCash), metrics.OutcomeRejected).Inc()
		return nil, fmt.Errorf("commit cash payment: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(string(MethodCash), metrics.OutcomeSettled).Inc()
	o.logger.Info().
		Str("record_id", result.RecordID).
		Int64("amount", req.Amount).
		Msg("cash payment committed")

	return &Receipt{
		ID:          result.ReceiptID,
		Method:      MethodCash,
		Amount:      req.Amount,
		RecordID:    result.RecordID,
		RecordCode:  result.RecordCode,
		Reference:   req.Reference,
		IssuedAt:    stl.PaidAt,
		Allocations: allocs,
	}, nil
}

// BeginQR validates the allocation up front, creates a gateway payment link
// and binds a settlement subscription to the invoice id the link produced.
// Nothing is committed yet; the returned session resolves that later.
func (o *Orchestrator) BeginQR(ctx context.Context, req QrRequest) (*QrSession, error) {
	allocs, err := Allocate(req.Amount, req.Lines)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(string(MethodQR), metrics.OutcomeRejected).Inc()
		return nil, err
	}

	orderCode := newOrderCode()
	link, err := o.gateway.CreatePaymentLink(ctx, LinkRequest{
		OrderCode:   orderCode,
		Amount:      req.Amount,
		Description: req.Description,
		Reference:   req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment link: %w", err)
	}

	// Subscribing only after the link step means the invoice id is always
	// known here; an empty one is a gateway contract violation.
	sub, err := o.broker.Subscribe(ctx, link.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("subscribe settlement for order %s: %w", orderCode, err)
	}

	o.logger.Info().
		Str("order_code", orderCode).
		Str("invoice_id", link.InvoiceID).
		Int64("amount", req.Amount).
		Msg("qr payment session opened")

	return &QrSession{
		OrderCode: orderCode,
		InvoiceID: link.InvoiceID,
		QrPayload: link.QrPayload,
		amount:    req.Amount,
		allocs:    allocs,
		reference: req.Reference,
		commit:    req.Commit,
		sub:       sub,
		timeout:   o.qrTimeout,
		issuedAt:  time.Now().UTC(),
		logger:    o.logger,
		done:      make(chan struct{}),
	}, nil
}

func newOrderCode() string {
	return fmt.Sprintf("PAY-%s", uuid.New().String()[:8])
}
