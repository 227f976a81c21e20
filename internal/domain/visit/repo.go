package visit

import (
	"context"

	"github.com/google/uuid"
)

// LinePayment is one committed allocation applied to an invoice line.
type LinePayment struct {
	LineID  uuid.UUID
	Amount  int64
	Settled bool
}

// Repository persists visit records, their invoice lines, lab work and
// payment receipts.
type Repository interface {
	// InTx runs fn with every repository call inside one transaction. Nested
	// calls join the outer transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateRecord(ctx context.Context, rec *VisitRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*VisitRecord, error)
	ListRecords(ctx context.Context, status string, limit, offset int) ([]*VisitRecord, int, error)
	UpdateRecordStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateClinicalFields(ctx context.Context, rec *VisitRecord) error

	// AddLine inserts the line and grows the owning record's total by the
	// line amount.
	AddLine(ctx context.Context, line *InvoiceLine) error
	GetLines(ctx context.Context, recordID uuid.UUID) ([]*InvoiceLine, error)
	// ApplyPayment adds each allocation to its line and the sum to the
	// record's paid amount.
	ApplyPayment(ctx context.Context, recordID uuid.UUID, payments []LinePayment) error

	CreateLabOrder(ctx context.Context, order *LabOrder) error
	GetLabOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	ListLabOrders(ctx context.Context, recordID uuid.UUID) ([]*LabOrder, error)
	UpdateLabOrderStatus(ctx context.Context, id uuid.UUID, status string) error

	UpsertLabResult(ctx context.Context, result *LabResult) error
	GetLabResult(ctx context.Context, orderID uuid.UUID) (*LabResult, error)

	CreateReceipt(ctx context.Context, receipt *PaymentReceipt) error
	// ClaimInvoiceRender flips the receipt's rendered flag and reports
	// whether this call won the claim. At most one caller ever gets true.
	ClaimInvoiceRender(ctx context.Context, receiptID uuid.UUID) (bool, error)
}

// PlanRepository reads the billable service catalog.
type PlanRepository interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*CarePlan, error)
	ListPlans(ctx context.Context) ([]*CarePlan, error)
	GetParameters(ctx context.Context, planID uuid.UUID) ([]*PlanParameter, error)
}
