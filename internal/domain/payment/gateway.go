package payment

import (
	"context"
	"fmt"
	"sync"
)

// LinkRequest asks the gateway for a scannable payment link. The record the
// payment is for may not exist yet; Reference is the placeholder the operator
// terminal uses to identify the checkout.
type LinkRequest struct {
	OrderCode   string
	Amount      int64
	Description string
	Reference   string
}

// PaymentLink is the gateway's response: the authoritative order code, the
// gateway-issued invoice id the settlement push will be keyed by, and the
// payload the UI renders as a QR code.
type PaymentLink struct {
	OrderCode string
	InvoiceID string
	QrPayload string
}

// Gateway is the payment gateway collaborator.
type Gateway interface {
	CreatePaymentLink(ctx context.Context, req LinkRequest) (*PaymentLink, error)
}

// FakeGateway issues deterministic links without talking to anyone. Used in
// development mode and tests.
type FakeGateway struct {
	mu    sync.Mutex
	seq   int
	links []PaymentLink
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{}
}

func (g *FakeGateway) CreatePaymentLink(_ context.Context, req LinkRequest) (*PaymentLink, error) {
	if req.Amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	link := PaymentLink{
		OrderCode: req.OrderCode,
		InvoiceID: fmt.Sprintf("FAKE-%s-%d", req.OrderCode, g.seq),
		QrPayload: fmt.Sprintf("fakepay://checkout/%s?amount=%d", req.OrderCode, req.Amount),
	}
	g.links = append(g.links, link)
	return &link, nil
}

// IssuedLinks returns every link created so far, for assertions in tests.
func (g *FakeGateway) IssuedLinks() []PaymentLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PaymentLink, len(g.links))
	copy(out, g.links)
	return out
}
