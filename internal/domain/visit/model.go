package visit

import (
	"time"

	"github.com/google/uuid"
)

// VisitRecord statuses.
const (
	StatusAwaitingExam = "AWAITING_EXAM"
	StatusInExam       = "IN_EXAM"
	StatusAwaitingLab  = "AWAITING_LAB"
	StatusCompleted    = "COMPLETED"
	StatusCancelled    = "CANCELLED"
)

// LabOrder statuses.
const (
	OrderPending        = "PENDING"
	OrderInProgress     = "IN_PROGRESS"
	OrderAwaitingResult = "AWAITING_RESULT"
	OrderDone           = "DONE"
	OrderCancelled      = "CANCELLED"
)

// LabResult statuses.
const (
	ResultDraft     = "DRAFT"
	ResultFinal     = "FINAL"
	ResultCancelled = "CANCELLED"
)

// InvoiceLine settlement statuses.
const (
	LineUnpaid        = "UNPAID"
	LinePartiallyPaid = "PARTIALLY_PAID"
	LinePaid          = "PAID"
)

// VisitRecord is one patient encounter, the root aggregate for status and
// billing. Maps to the visit_record table.
type VisitRecord struct {
	ID               uuid.UUID `db:"id" json:"id"`
	Code             string    `db:"code" json:"code"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	Status           string    `db:"status" json:"status"`
	Total            int64     `db:"total" json:"total"`
	Paid             int64     `db:"paid" json:"paid"`
	Diagnosis        string    `db:"diagnosis" json:"diagnosis"`
	TreatmentPlan    string    `db:"treatment_plan" json:"treatment_plan"`
	ClinicalFindings string    `db:"clinical_findings" json:"clinical_findings"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`

	Lines []*InvoiceLine `db:"-" json:"lines,omitempty"`
}

// Outstanding returns what is still owed on the record.
func (r *VisitRecord) Outstanding() int64 { return r.Total - r.Paid }

// InvoiceLine is one billable plan entry on a record with its own settlement
// status. Position preserves the order lines were attached in, which is the
// order cash allocation walks them by default.
type InvoiceLine struct {
	ID          uuid.UUID `db:"id" json:"id"`
	RecordID    uuid.UUID `db:"record_id" json:"record_id"`
	PlanID      uuid.UUID `db:"plan_id" json:"plan_id"`
	Description string    `db:"description" json:"description"`
	Amount      int64     `db:"amount" json:"amount"`
	PaidAmount  int64     `db:"paid_amount" json:"paid_amount"`
	Settlement  string    `db:"settlement" json:"settlement"`
	Position    int       `db:"position" json:"position"`
}

// Outstanding returns what is still owed on the line.
func (l *InvoiceLine) Outstanding() int64 { return l.Amount - l.PaidAmount }

// LabOrder is a billable diagnostic task attached to a record through one
// invoice line.
type LabOrder struct {
	ID        uuid.UUID `db:"id" json:"id"`
	RecordID  uuid.UUID `db:"record_id" json:"record_id"`
	LineID    uuid.UUID `db:"line_id" json:"line_id"`
	PlanID    uuid.UUID `db:"plan_id" json:"plan_id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LabResult holds the parameter values entered for a lab order. One result
// row per order; drafts overwrite in place until finalized.
type LabResult struct {
	ID        uuid.UUID         `db:"id" json:"id"`
	OrderID   uuid.UUID         `db:"order_id" json:"order_id"`
	Status    string            `db:"status" json:"status"`
	Values    map[string]string `db:"values" json:"values"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// CarePlan is a billable service from the catalog. Lab plans declare the
// parameters a result must report.
type CarePlan struct {
	ID    uuid.UUID `db:"id" json:"id"`
	Code  string    `db:"code" json:"code"`
	Name  string    `db:"name" json:"name"`
	Price int64     `db:"price" json:"price"`
	IsLab bool      `db:"is_lab" json:"is_lab"`
}

// PlanParameter is one measurement a lab plan reports.
type PlanParameter struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PlanID         uuid.UUID `db:"plan_id" json:"plan_id"`
	Name           string    `db:"name" json:"name"`
	Unit           string    `db:"unit" json:"unit"`
	ReferenceRange string    `db:"reference_range" json:"reference_range"`
	Required       bool      `db:"required" json:"required"`
	Position       int       `db:"position" json:"position"`
}

// PaymentReceipt is the durable record of one committed payment. Rendered
// tracks the single allowed invoice print for this receipt.
type PaymentReceipt struct {
	ID        uuid.UUID `db:"id" json:"id"`
	RecordID  uuid.UUID `db:"record_id" json:"record_id"`
	Method    string    `db:"method" json:"method"`
	Amount    int64     `db:"amount" json:"amount"`
	OrderCode string    `db:"order_code" json:"order_code,omitempty"`
	InvoiceID string    `db:"invoice_id" json:"invoice_id,omitempty"`
	Reference string    `db:"reference" json:"reference,omitempty"`
	Rendered  bool      `db:"rendered" json:"rendered"`
	IssuedAt  time.Time `db:"issued_at" json:"issued_at"`
}
