// Package invoice renders printable invoice documents for settled visits.
package invoice

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Line is one billable entry on the printed invoice.
type Line struct {
	Description string
	Amount      int64
	Paid        int64
}

// Invoice is the data handed to a Renderer.
type Invoice struct {
	Number     string // receipt/payment reference, unique per committed payment
	RecordID   string
	RecordCode string
	PatientID  string
	Method     string
	Lines      []Line
	Total      int64
	Paid       int64
	IssuedAt   time.Time
}

// Document is a rendered, printable invoice.
type Document struct {
	Number      string
	ContentType string
	Body        []byte
}

// Renderer produces a printable document for a committed payment.
type Renderer interface {
	RenderInvoice(ctx context.Context, inv Invoice) (*Document, error)
}

// TextRenderer renders a fixed-width plain-text invoice suitable for receipt
// printers.
type TextRenderer struct {
	ClinicName string
	Currency   string
}

func NewTextRenderer(clinicName, currency string) *TextRenderer {
	if currency == "" {
		currency = "VND"
	}
	return &TextRenderer{ClinicName: clinicName, Currency: currency}
}

func (r *TextRenderer) RenderInvoice(_ context.Context, inv Invoice) (*Document, error) {
	if inv.Number == "" {
		return nil, fmt.Errorf("invoice number is required")
	}
	if len(inv.Lines) == 0 {
		return nil, fmt.Errorf("invoice %s has no lines", inv.Number)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", r.ClinicName)
	fmt.Fprintf(&b, "INVOICE %s\n", inv.Number)
	fmt.Fprintf(&b, "Visit: %s  Patient: %s\n", inv.RecordCode, inv.PatientID)
	fmt.Fprintf(&b, "Issued: %s  Method: %s\n", inv.IssuedAt.Format(time.RFC3339), inv.Method)
	b.WriteString(strings.Repeat("-", 40) + "\n")
	for _, line := range inv.Lines {
		fmt.Fprintf(&b, "%-28s %10d\n", truncate(line.Description, 28), line.Amount)
	}
	b.WriteString(strings.Repeat("-", 40) + "\n")
	fmt.Fprintf(&b, "%-28s %10d %s\n", "TOTAL", inv.Total, r.Currency)
	fmt.Fprintf(&b, "%-28s %10d %s\n", "PAID", inv.Paid, r.Currency)

	return &Document{
		Number:      inv.Number,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(b.String()),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
