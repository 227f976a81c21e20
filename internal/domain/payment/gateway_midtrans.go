package payment

import (
	"context"
	"fmt"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

// MidtransGateway creates payment links through the Midtrans Snap API. The
// Snap token doubles as the invoice id the settlement push is keyed by.
type MidtransGateway struct {
	client snap.Client
}

func NewMidtransGateway(serverKey string, production bool) *MidtransGateway {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	g := &MidtransGateway{}
	g.client.New(serverKey, env)
	return g
}

func (g *MidtransGateway) CreatePaymentLink(_ context.Context, req LinkRequest) (*PaymentLink, error) {
	if req.Amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if req.OrderCode == "" {
		return nil, fmt.Errorf("order code is required")
	}

	resp, snapErr := g.client.CreateTransaction(snapRequest(req))
	if snapErr != nil {
		return nil, fmt.Errorf("midtrans create transaction: %w", snapErr)
	}

	return &PaymentLink{
		OrderCode: req.OrderCode,
		InvoiceID: resp.Token,
		QrPayload: resp.RedirectURL,
	}, nil
}

// snapRequest maps a link request onto the Snap payload. Item names are
// capped at Midtrans's 50-character limit; the internal reference rides in
// CustomField1 so reconciliation can find it on the dashboard.
func snapRequest(req LinkRequest) *snap.Request {
	name := req.Description
	if name == "" {
		name = "Clinic visit"
	}
	if len(name) > 50 {
		name = name[:50]
	}

	return &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderCode,
			GrossAmt: req.Amount,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    req.OrderCode,
			Price: req.Amount,
			Qty:   1,
			Name:  name,
		}},
		CustomField1: req.Reference,
	}
}
