package visit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockRepo is an in-memory Repository for tests.
type mockRepo struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*VisitRecord
	lines    map[uuid.UUID]*InvoiceLine
	orders   map[uuid.UUID]*LabOrder
	results  map[uuid.UUID]*LabResult // keyed by order id
	receipts map[uuid.UUID]*PaymentReceipt
	seq      int

	failReceipts bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		records:  make(map[uuid.UUID]*VisitRecord),
		lines:    make(map[uuid.UUID]*InvoiceLine),
		orders:   make(map[uuid.UUID]*LabOrder),
		results:  make(map[uuid.UUID]*LabResult),
		receipts: make(map[uuid.UUID]*PaymentReceipt),
	}
}

func (m *mockRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) CreateRecord(_ context.Context, rec *VisitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockRepo) GetRecord(_ context.Context, id uuid.UUID) (*VisitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("visit record %s: %w", id, ErrNotFound)
	}
	cp := *rec
	cp.Lines = m.linesOf(id)
	return &cp, nil
}

func (m *mockRepo) linesOf(recordID uuid.UUID) []*InvoiceLine {
	var lines []*InvoiceLine
	for _, l := range m.lines {
		if l.RecordID == recordID {
			cp := *l
			lines = append(lines, &cp)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Position < lines[j].Position })
	return lines
}

func (m *mockRepo) ListRecords(_ context.Context, status string, limit, offset int) ([]*VisitRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*VisitRecord
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	return recs, len(recs), nil
}

func (m *mockRepo) UpdateRecordStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("visit record %s: %w", id, ErrNotFound)
	}
	rec.Status = status
	return nil
}

func (m *mockRepo) UpdateClinicalFields(_ context.Context, rec *VisitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[rec.ID]
	if !ok {
		return fmt.Errorf("visit record %s: %w", rec.ID, ErrNotFound)
	}
	stored.Diagnosis = rec.Diagnosis
	stored.TreatmentPlan = rec.TreatmentPlan
	stored.ClinicalFindings = rec.ClinicalFindings
	return nil
}

func (m *mockRepo) AddLine(_ context.Context, line *InvoiceLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[line.RecordID]
	if !ok {
		return fmt.Errorf("visit record %s: %w", line.RecordID, ErrNotFound)
	}
	cp := *line
	m.lines[line.ID] = &cp
	rec.Total += line.Amount
	return nil
}

func (m *mockRepo) GetLines(_ context.Context, recordID uuid.UUID) ([]*InvoiceLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linesOf(recordID), nil
}

func (m *mockRepo) ApplyPayment(_ context.Context, recordID uuid.UUID, payments []LinePayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("visit record %s: %w", recordID, ErrNotFound)
	}
	var sum int64
	for _, p := range payments {
		line, ok := m.lines[p.LineID]
		if !ok || line.RecordID != recordID {
			return fmt.Errorf("invoice line %s: %w", p.LineID, ErrNotFound)
		}
		line.PaidAmount += p.Amount
		if p.Settled {
			line.Settlement = LinePaid
		} else {
			line.Settlement = LinePartiallyPaid
		}
		sum += p.Amount
	}
	rec.Paid += sum
	return nil
}

func (m *mockRepo) CreateLabOrder(_ context.Context, order *LabOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	if cp.CreatedAt.IsZero() {
		m.seq++
		cp.CreatedAt = time.Unix(int64(m.seq), 0)
	}
	m.orders[order.ID] = &cp
	return nil
}

func (m *mockRepo) GetLabOrder(_ context.Context, id uuid.UUID) (*LabOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("lab order %s: %w", id, ErrNotFound)
	}
	cp := *order
	return &cp, nil
}

func (m *mockRepo) ListLabOrders(_ context.Context, recordID uuid.UUID) ([]*LabOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []*LabOrder
	for _, o := range m.orders {
		if o.RecordID == recordID {
			cp := *o
			orders = append(orders, &cp)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (m *mockRepo) UpdateLabOrderStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("lab order %s: %w", id, ErrNotFound)
	}
	order.Status = status
	return nil
}

func (m *mockRepo) UpsertLabResult(_ context.Context, result *LabResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	cp.Values = make(map[string]string, len(result.Values))
	for k, v := range result.Values {
		cp.Values[k] = v
	}
	if existing, ok := m.results[result.OrderID]; ok {
		cp.ID = existing.ID
	} else if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	m.results[result.OrderID] = &cp
	return nil
}

func (m *mockRepo) GetLabResult(_ context.Context, orderID uuid.UUID) (*LabResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[orderID]
	if !ok {
		return nil, fmt.Errorf("result for lab order %s: %w", orderID, ErrNotFound)
	}
	cp := *result
	return &cp, nil
}

func (m *mockRepo) CreateReceipt(_ context.Context, receipt *PaymentReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReceipts {
		return fmt.Errorf("receipt store unavailable")
	}
	cp := *receipt
	m.receipts[receipt.ID] = &cp
	return nil
}

func (m *mockRepo) ClaimInvoiceRender(_ context.Context, receiptID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[receiptID]
	if !ok {
		return false, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	if receipt.Rendered {
		return false, nil
	}
	receipt.Rendered = true
	return true, nil
}

// mockPlanRepo is an in-memory PlanRepository.
type mockPlanRepo struct {
	plans  map[uuid.UUID]*CarePlan
	params map[uuid.UUID][]*PlanParameter
}

func newMockPlanRepo() *mockPlanRepo {
	return &mockPlanRepo{
		plans:  make(map[uuid.UUID]*CarePlan),
		params: make(map[uuid.UUID][]*PlanParameter),
	}
}

func (m *mockPlanRepo) add(plan *CarePlan, params ...*PlanParameter) {
	m.plans[plan.ID] = plan
	m.params[plan.ID] = params
}

func (m *mockPlanRepo) GetPlan(_ context.Context, id uuid.UUID) (*CarePlan, error) {
	plan, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("care plan %s: %w", id, ErrNotFound)
	}
	return plan, nil
}

func (m *mockPlanRepo) ListPlans(_ context.Context) ([]*CarePlan, error) {
	var plans []*CarePlan
	for _, p := range m.plans {
		plans = append(plans, p)
	}
	return plans, nil
}

func (m *mockPlanRepo) GetParameters(_ context.Context, planID uuid.UUID) ([]*PlanParameter, error) {
	return m.params[planID], nil
}
