package visit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinicops/internal/domain/payment"
	"github.com/clinicops/clinicops/internal/platform/invoice"
	"github.com/clinicops/clinicops/internal/platform/metrics"
)

// Service sequences the visit lifecycle: status transitions, lab work,
// checkout and the post-settlement side effects. It is the single authority
// on transition legality; callers only reflect the state it returns.
type Service struct {
	repo     Repository
	plans    PlanRepository
	payments *payment.Orchestrator
	renderer invoice.Renderer
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*payment.QrSession
}

func NewService(repo Repository, plans PlanRepository, payments *payment.Orchestrator, renderer invoice.Renderer, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		plans:    plans,
		payments: payments,
		renderer: renderer,
		logger:   logger.With().Str("component", "visit_service").Logger(),
		sessions: make(map[string]*payment.QrSession),
	}
}

// CreateRecord opens a new encounter in AWAITING_EXAM.
func (s *Service) CreateRecord(ctx context.Context, patientID uuid.UUID) (*VisitRecord, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient id is required")
	}
	rec := &VisitRecord{
		ID:        uuid.New(),
		Code:      newRecordCode(),
		PatientID: patientID,
		Status:    StatusAwaitingExam,
	}
	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create visit record: %w", err)
	}
	s.logger.Info().Str("record_id", rec.ID.String()).Str("code", rec.Code).Msg("visit record created")
	return s.repo.GetRecord(ctx, rec.ID)
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*VisitRecord, error) {
	return s.repo.GetRecord(ctx, id)
}

func (s *Service) ListRecords(ctx context.Context, status string, limit, offset int) ([]*VisitRecord, int, error) {
	return s.repo.ListRecords(ctx, status, limit, offset)
}

// ListLabOrders returns a record's lab orders in attachment order.
func (s *Service) ListLabOrders(ctx context.Context, recordID uuid.UUID) ([]*LabOrder, error) {
	if _, err := s.repo.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	return s.repo.ListLabOrders(ctx, recordID)
}

// StartExam moves the record into IN_EXAM. Calling it on a record already in
// IN_EXAM is a no-op success; operators double-click.
func (s *Service) StartExam(ctx context.Context, recordID uuid.UUID) (*VisitRecord, error) {
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusInExam {
		return rec, nil
	}
	if err := ValidateTransition(KindVisitRecord, rec.Status, StatusInExam); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateRecordStatus(ctx, recordID, StatusInExam); err != nil {
		return nil, err
	}
	rec.Status = StatusInExam
	return rec, nil
}

// UpdateClinicalNotes saves the examination text fields. Only legal while the
// record is being examined or waiting on labs.
func (s *Service) UpdateClinicalNotes(ctx context.Context, recordID uuid.UUID, diagnosis, treatmentPlan, findings string) (*VisitRecord, error) {
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusInExam && rec.Status != StatusAwaitingLab {
		return nil, &InvalidTransitionError{Kind: KindVisitRecord, Current: rec.Status, Requested: rec.Status}
	}
	rec.Diagnosis = diagnosis
	rec.TreatmentPlan = treatmentPlan
	rec.ClinicalFindings = findings
	if err := s.repo.UpdateClinicalFields(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AttachLabOrder bills a lab plan onto the record and opens a PENDING order
// for it. The first attach moves an IN_EXAM record to AWAITING_LAB.
func (s *Service) AttachLabOrder(ctx context.Context, recordID, planID uuid.UUID) (*LabOrder, error) {
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusInExam && rec.Status != StatusAwaitingLab {
		return nil, fmt.Errorf("record %s in %s: %w", rec.Code, rec.Status, ErrLabOrderNotAttachable)
	}

	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsLab {
		return nil, fmt.Errorf("plan %s: %w", plan.Code, ErrNotALabPlan)
	}

	line := &InvoiceLine{
		ID:          uuid.New(),
		RecordID:    recordID,
		PlanID:      planID,
		Description: plan.Name,
		Amount:      plan.Price,
		Settlement:  LineUnpaid,
		Position:    len(rec.Lines),
	}
	order := &LabOrder{
		ID:       uuid.New(),
		RecordID: recordID,
		LineID:   line.ID,
		PlanID:   planID,
		Status:   OrderPending,
	}

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if rec.Status == StatusInExam {
			if err := ValidateTransition(KindVisitRecord, rec.Status, StatusAwaitingLab); err != nil {
				return err
			}
			if err := s.repo.UpdateRecordStatus(ctx, recordID, StatusAwaitingLab); err != nil {
				return err
			}
		}
		if err := s.repo.AddLine(ctx, line); err != nil {
			return err
		}
		return s.repo.CreateLabOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("attach lab order: %w", err)
	}

	s.logger.Info().
		Str("record_id", recordID.String()).
		Str("order_id", order.ID.String()).
		Str("plan", plan.Code).
		Msg("lab order attached")
	return order, nil
}

// BeginLabOrder moves a PENDING order into IN_PROGRESS.
func (s *Service) BeginLabOrder(ctx context.Context, orderID uuid.UUID) (*LabOrder, error) {
	return s.advanceLabOrder(ctx, orderID, OrderInProgress)
}

// RecordLabResult saves a result draft. The first call moves the order from
// IN_PROGRESS to AWAITING_RESULT; later calls just replace the draft, so the
// lab can save as often as it likes.
func (s *Service) RecordLabResult(ctx context.Context, orderID uuid.UUID, values map[string]string) (*LabOrder, error) {
	order, err := s.repo.GetLabOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderAwaitingResult {
		if err := ValidateTransition(KindLabOrder, order.Status, OrderAwaitingResult); err != nil {
			return nil, err
		}
	}

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if order.Status != OrderAwaitingResult {
			if err := s.repo.UpdateLabOrderStatus(ctx, orderID, OrderAwaitingResult); err != nil {
				return err
			}
		}
		return s.repo.UpsertLabResult(ctx, &LabResult{
			OrderID: orderID,
			Status:  ResultDraft,
			Values:  values,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record lab result: %w", err)
	}
	order.Status = OrderAwaitingResult
	return order, nil
}

// FinalizeLabOrder locks the result in and marks the order DONE. Every
// required parameter of the plan must have a non-empty value; a gap rejects
// the call and leaves the order in AWAITING_RESULT.
func (s *Service) FinalizeLabOrder(ctx context.Context, orderID uuid.UUID, values map[string]string) (*LabOrder, error) {
	order, err := s.repo.GetLabOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(KindLabOrder, order.Status, OrderDone); err != nil {
		return nil, err
	}

	params, err := s.plans.GetParameters(ctx, order.PlanID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, p := range params {
		if p.Required && strings.TrimSpace(values[p.Name]) == "" {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingRequiredFieldsError{Fields: missing}
	}

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpsertLabResult(ctx, &LabResult{
			OrderID: orderID,
			Status:  ResultFinal,
			Values:  values,
		}); err != nil {
			return err
		}
		return s.repo.UpdateLabOrderStatus(ctx, orderID, OrderDone)
	})
	if err != nil {
		return nil, fmt.Errorf("finalize lab order: %w", err)
	}
	order.Status = OrderDone
	s.logger.Info().Str("order_id", orderID.String()).Msg("lab order finalized")
	return order, nil
}

// CancelLabOrder cancels an order that has not produced a final result. Its
// invoice line stays on the record for the billing desk to settle or adjust.
func (s *Service) CancelLabOrder(ctx context.Context, orderID uuid.UUID) (*LabOrder, error) {
	order, err := s.repo.GetLabOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(KindLabOrder, order.Status, OrderCancelled); err != nil {
		return nil, err
	}

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if res, err := s.repo.GetLabResult(ctx, orderID); err == nil && res.Status == ResultDraft {
			res.Status = ResultCancelled
			if err := s.repo.UpsertLabResult(ctx, res); err != nil {
				return err
			}
		}
		return s.repo.UpdateLabOrderStatus(ctx, orderID, OrderCancelled)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel lab order: %w", err)
	}
	order.Status = OrderCancelled
	return order, nil
}

// CompleteVisit closes the encounter after verifying the cross-entity
// preconditions: clinical fields filled in and every non-cancelled lab order
// DONE. On success it renders the visit summary exactly once; COMPLETED is
// terminal, so a repeat call fails the transition check before rendering.
func (s *Service) CompleteVisit(ctx context.Context, recordID uuid.UUID) (*VisitRecord, *invoice.Document, error) {
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}

	// The transition itself must be reachable before the prerequisite check,
	// so a completed or cancelled record fails with InvalidTransition rather
	// than a misleading prerequisites report.
	if rec.Status != StatusInExam {
		if err := ValidateTransition(KindVisitRecord, rec.Status, StatusCompleted); err != nil {
			return nil, nil, err
		}
	}

	if err := s.checkCompletionPrerequisites(ctx, rec); err != nil {
		return nil, nil, err
	}

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		// A visit with no lab work completes from IN_EXAM through the lab
		// stage explicitly; both edges stay validated.
		if rec.Status == StatusInExam {
			if err := ValidateTransition(KindVisitRecord, rec.Status, StatusAwaitingLab); err != nil {
				return err
			}
			if err := s.repo.UpdateRecordStatus(ctx, recordID, StatusAwaitingLab); err != nil {
				return err
			}
			rec.Status = StatusAwaitingLab
		}
		if err := ValidateTransition(KindVisitRecord, rec.Status, StatusCompleted); err != nil {
			return err
		}
		return s.repo.UpdateRecordStatus(ctx, recordID, StatusCompleted)
	})
	if err != nil {
		return nil, nil, err
	}
	rec.Status = StatusCompleted
	metrics.VisitsCompleted.Inc()
	s.logger.Info().Str("record_id", recordID.String()).Str("code", rec.Code).Msg("visit completed")

	doc, err := s.renderer.RenderInvoice(ctx, s.buildInvoice(rec, rec.Code, "SUMMARY", rec.Paid, time.Now().UTC()))
	if err != nil {
		// The visit is completed either way; the operator can reprint from
		// the receipt history.
		s.logger.Error().Err(err).Str("record_id", recordID.String()).Msg("summary invoice render failed")
		return rec, nil, nil
	}
	metrics.InvoicesRendered.Inc()
	return rec, doc, nil
}

func (s *Service) checkCompletionPrerequisites(ctx context.Context, rec *VisitRecord) error {
	prereq := &IncompletePrerequisitesError{}
	if strings.TrimSpace(rec.Diagnosis) == "" {
		prereq.MissingFields = append(prereq.MissingFields, "diagnosis")
	}
	if strings.TrimSpace(rec.TreatmentPlan) == "" {
		prereq.MissingFields = append(prereq.MissingFields, "treatment_plan")
	}
	if strings.TrimSpace(rec.ClinicalFindings) == "" {
		prereq.MissingFields = append(prereq.MissingFields, "clinical_findings")
	}

	orders, err := s.repo.ListLabOrders(ctx, rec.ID)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.Status != OrderDone && order.Status != OrderCancelled {
			prereq.UnfinishedOrders = append(prereq.UnfinishedOrders, order.ID)
		}
	}

	if len(prereq.MissingFields) > 0 || len(prereq.UnfinishedOrders) > 0 {
		return prereq
	}
	return nil
}

// CancelVisit voids a non-terminal record together with its unfinished lab
// orders.
func (s *Service) CancelVisit(ctx context.Context, recordID uuid.UUID) (*VisitRecord, error) {
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(KindVisitRecord, rec.Status, StatusCancelled); err != nil {
		return nil, err
	}

	orders, err := s.repo.ListLabOrders(ctx, recordID)
	if err != nil {
		return nil, err
	}

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		for _, order := range orders {
			if order.Status == OrderDone || order.Status == OrderCancelled {
				continue
			}
			if err := s.repo.UpdateLabOrderStatus(ctx, order.ID, OrderCancelled); err != nil {
				return err
			}
		}
		return s.repo.UpdateRecordStatus(ctx, recordID, StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	rec.Status = StatusCancelled
	s.logger.Info().Str("record_id", recordID.String()).Msg("visit cancelled")
	return rec, nil
}

func (s *Service) advanceLabOrder(ctx context.Context, orderID uuid.UUID, requested string) (*LabOrder, error) {
	order, err := s.repo.GetLabOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(KindLabOrder, order.Status, requested); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateLabOrderStatus(ctx, orderID, requested); err != nil {
		return nil, err
	}
	order.Status = requested
	return order, nil
}

func (s *Service) buildInvoice(rec *VisitRecord, number, method string, paid int64, issuedAt time.Time) invoice.Invoice {
	inv := invoice.Invoice{
		Number:     number,
		RecordID:   rec.ID.String(),
		RecordCode: rec.Code,
		PatientID:  rec.PatientID.String(),
		Method:     method,
		Total:      rec.Total,
		Paid:       paid,
		IssuedAt:   issuedAt,
	}
	for _, line := range rec.Lines {
		inv.Lines = append(inv.Lines, invoice.Line{
			Description: line.Description,
			Amount:      line.Amount,
			Paid:        line.PaidAmount,
		})
	}
	return inv
}

func newRecordCode() string {
	return "VST-" + strings.ToUpper(uuid.New().String()[:8])
}
