package visit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinicops/internal/domain/payment"
	"github.com/clinicops/clinicops/internal/platform/events"
	"github.com/clinicops/clinicops/internal/platform/invoice"
	"github.com/clinicops/clinicops/internal/platform/metrics"
)

// CheckoutRequest asks for money against a record's open invoice lines.
// LineIDs fixes the allocation order; when empty every open line is taken in
// attach order.
type CheckoutRequest struct {
	RecordID  uuid.UUID
	Method    payment.Method
	Amount    int64
	LineIDs   []uuid.UUID
	Reference string
}

// QrCheckout is the caller-facing half of an open QR session: what to render
// and the code to await or cancel by.
type QrCheckout struct {
	OrderCode string `json:"order_code"`
	InvoiceID string `json:"invoice_id"`
	QrPayload string `json:"qr_payload"`
}

// CheckoutResult carries whichever half the chosen method produced: a
// committed receipt with its printed invoice for cash, an open QR session
// otherwise.
type CheckoutResult struct {
	Receipt  *payment.Receipt  `json:"receipt,omitempty"`
	Document *invoice.Document `json:"document,omitempty"`
	Qr       *QrCheckout       `json:"qr,omitempty"`
}

// Checkout dispatches to the cash or QR protocol. Cash commits and renders
// the invoice before returning; QR returns the payload to render and leaves
// settlement to AwaitSettlement.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	rec, err := s.repo.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusCancelled {
		return nil, &InvalidTransitionError{Kind: KindVisitRecord, Current: rec.Status, Requested: rec.Status}
	}

	lines, err := selectLines(rec, req.LineIDs)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case payment.MethodCash:
		receipt, err := s.payments.PayCash(ctx, payment.CashRequest{
			Amount:    req.Amount,
			Lines:     lines,
			RecordID:  rec.ID.String(),
			Reference: req.Reference,
			Commit:    s.commitFunc(rec, payment.MethodCash, req.Amount, req.Reference),
		})
		if err != nil {
			return nil, err
		}
		doc, err := s.renderReceipt(ctx, receipt)
		if err != nil {
			s.logger.Error().Err(err).Str("receipt_id", receipt.ID).Msg("invoice render failed")
		}
		return &CheckoutResult{Receipt: receipt, Document: doc}, nil

	case payment.MethodQR:
		session, err := s.payments.BeginQR(ctx, payment.QrRequest{
			Amount:      req.Amount,
			Lines:       lines,
			Description: fmt.Sprintf("Clinic visit %s", rec.Code),
			Reference:   req.Reference,
			Commit:      s.commitFunc(rec, payment.MethodQR, req.Amount, req.Reference),
		})
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sessions[session.OrderCode] = session
		s.mu.Unlock()
		return &CheckoutResult{Qr: &QrCheckout{
			OrderCode: session.OrderCode,
			InvoiceID: session.InvoiceID,
			QrPayload: session.QrPayload,
		}}, nil

	default:
		return nil, fmt.Errorf("unknown payment method %q", req.Method)
	}
}

// AwaitSettlement blocks until the QR session identified by orderCode
// resolves, then renders the invoice for a settled payment exactly once.
func (s *Service) AwaitSettlement(ctx context.Context, orderCode string) (*CheckoutResult, error) {
	s.mu.Lock()
	session := s.sessions[orderCode]
	s.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("order %s: %w", orderCode, ErrNoActiveSession)
	}

	receipt, err := session.AwaitSettlement(ctx)

	s.mu.Lock()
	delete(s.sessions, orderCode)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	doc, rerr := s.renderReceipt(ctx, receipt)
	if rerr != nil {
		s.logger.Error().Err(rerr).Str("receipt_id", receipt.ID).Msg("invoice render failed")
	}
	return &CheckoutResult{Receipt: receipt, Document: doc}, nil
}

// CancelCheckout cancels an open QR session. If a settlement has already been
// observed the cancel is a no-op and the session resolves settled.
func (s *Service) CancelCheckout(orderCode string) (payment.SessionState, error) {
	s.mu.Lock()
	session := s.sessions[orderCode]
	s.mu.Unlock()
	if session == nil {
		return 0, fmt.Errorf("order %s: %w", orderCode, ErrNoActiveSession)
	}
	return session.Cancel(), nil
}

// commitFunc builds the durable commit step for one checkout: apply the
// allocations, write the receipt, all in one transaction.
func (s *Service) commitFunc(rec *VisitRecord, method payment.Method, amount int64, reference string) payment.CommitFunc {
	return func(ctx context.Context, stl events.Settlement, allocs []payment.LineAllocation) (payment.CommitResult, error) {
		issuedAt := stl.PaidAt
		if issuedAt.IsZero() {
			issuedAt = time.Now().UTC()
		}
		receipt := &PaymentReceipt{
			ID:        uuid.New(),
			RecordID:  rec.ID,
			Method:    string(method),
			Amount:    amount,
			OrderCode: stl.OrderCode,
			InvoiceID: stl.InvoiceID,
			Reference: reference,
			IssuedAt:  issuedAt,
		}

		payments := make([]LinePayment, 0, len(allocs))
		for _, alloc := range allocs {
			payments = append(payments, LinePayment{
				LineID:  alloc.LineID,
				Amount:  alloc.Amount,
				Settled: alloc.Settled,
			})
		}

		err := s.repo.InTx(ctx, func(ctx context.Context) error {
			if err := s.repo.ApplyPayment(ctx, rec.ID, payments); err != nil {
				return err
			}
			return s.repo.CreateReceipt(ctx, receipt)
		})
		if err != nil {
			return payment.CommitResult{}, err
		}
		return payment.CommitResult{
			ReceiptID:  receipt.ID.String(),
			RecordID:   rec.ID.String(),
			RecordCode: rec.Code,
		}, nil
	}
}

// renderReceipt prints the invoice for a committed payment at most once. A
// repeat call for the same receipt loses the render claim and returns nil.
func (s *Service) renderReceipt(ctx context.Context, receipt *payment.Receipt) (*invoice.Document, error) {
	receiptID, err := uuid.Parse(receipt.ID)
	if err != nil {
		return nil, fmt.Errorf("malformed receipt id %q: %w", receipt.ID, err)
	}

	claimed, err := s.repo.ClaimInvoiceRender(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	recordID, err := uuid.Parse(receipt.RecordID)
	if err != nil {
		return nil, fmt.Errorf("malformed record id %q: %w", receipt.RecordID, err)
	}
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	doc, err := s.renderer.RenderInvoice(ctx, s.buildInvoice(rec, receipt.ID, string(receipt.Method), receipt.Amount, receipt.IssuedAt))
	if err != nil {
		return nil, err
	}
	metrics.InvoicesRendered.Inc()
	return doc, nil
}

// selectLines maps the requested line ids onto the orchestrator's view in the
// caller-supplied order. An empty request takes every open line in attach
// order.
func selectLines(rec *VisitRecord, lineIDs []uuid.UUID) ([]payment.Line, error) {
	byID := make(map[uuid.UUID]*InvoiceLine, len(rec.Lines))
	for _, line := range rec.Lines {
		byID[line.ID] = line
	}

	var out []payment.Line
	if len(lineIDs) == 0 {
		for _, line := range rec.Lines {
			if line.Outstanding() > 0 {
				out = append(out, payment.Line{ID: line.ID, Outstanding: line.Outstanding()})
			}
		}
		return out, nil
	}

	for _, id := range lineIDs {
		line := byID[id]
		if line == nil {
			return nil, fmt.Errorf("invoice line %s: %w", id, ErrNotFound)
		}
		out = append(out, payment.Line{ID: line.ID, Outstanding: line.Outstanding()})
	}
	return out, nil
}
