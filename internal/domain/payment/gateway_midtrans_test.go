package payment

import (
	"strings"
	"testing"
)

func TestSnapRequestMapping(t *testing.T) {
	req := LinkRequest{
		OrderCode:   "PAY-1a2b3c4d",
		Amount:      80000,
		Description: "Visit VST-9F3A21BC",
		Reference:   "VST-9F3A21BC",
	}

	sr := snapRequest(req)
	if sr.TransactionDetails.OrderID != req.OrderCode {
		t.Errorf("expected order id %s, got %s", req.OrderCode, sr.TransactionDetails.OrderID)
	}
	if sr.TransactionDetails.GrossAmt != req.Amount {
		t.Errorf("expected gross amount %d, got %d", req.Amount, sr.TransactionDetails.GrossAmt)
	}
	if sr.CustomField1 != req.Reference {
		t.Errorf("expected reference %s in custom field, got %s", req.Reference, sr.CustomField1)
	}
	items := *sr.Items
	if len(items) != 1 || items[0].Price != req.Amount || items[0].Qty != 1 {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestSnapRequestCapsItemName(t *testing.T) {
	sr := snapRequest(LinkRequest{
		OrderCode:   "PAY-1",
		Amount:      100,
		Description: strings.Repeat("x", 80),
	})
	if got := len((*sr.Items)[0].Name); got != 50 {
		t.Errorf("expected item name capped at 50, got %d", got)
	}

	sr = snapRequest(LinkRequest{OrderCode: "PAY-2", Amount: 100})
	if (*sr.Items)[0].Name != "Clinic visit" {
		t.Errorf("expected default item name, got %s", (*sr.Items)[0].Name)
	}
}
