package visit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/clinicops/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}

const recordCols = `id, code, patient_id, status, total, paid,
	diagnosis, treatment_plan, clinical_findings, created_at, updated_at`

func (r *repoPG) CreateRecord(ctx context.Context, rec *VisitRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visit_record (id, code, patient_id, status, total, paid, diagnosis, treatment_plan, clinical_findings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.Code, rec.PatientID, rec.Status, rec.Total, rec.Paid,
		rec.Diagnosis, rec.TreatmentPlan, rec.ClinicalFindings,
	)
	return err
}

func (r *repoPG) GetRecord(ctx context.Context, id uuid.UUID) (*VisitRecord, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM visit_record WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rec.Lines, err = r.GetLines(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *repoPG) ListRecords(ctx context.Context, status string, limit, offset int) ([]*VisitRecord, int, error) {
	where := ``
	args := []interface{}{limit, offset}
	if status != "" {
		where = ` WHERE status = $3`
		args = append(args, status)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM visit_record`+where+
		` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []*VisitRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countArgs := args[2:]
	countWhere := ``
	if status != "" {
		countWhere = ` WHERE status = $1`
	}
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit_record`+countWhere, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (r *repoPG) UpdateRecordStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE visit_record SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visit record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *repoPG) UpdateClinicalFields(ctx context.Context, rec *VisitRecord) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit_record SET diagnosis = $2, treatment_plan = $3, clinical_findings = $4, updated_at = NOW()
		WHERE id = $1`,
		rec.ID, rec.Diagnosis, rec.TreatmentPlan, rec.ClinicalFindings)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visit record %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (r *repoPG) AddLine(ctx context.Context, line *InvoiceLine) error {
	if line.ID == uuid.Nil {
		line.ID = uuid.New()
	}
	if line.Settlement == "" {
		line.Settlement = LineUnpaid
	}
	return r.InTx(ctx, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO invoice_line (id, record_id, plan_id, description, amount, paid_amount, settlement, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			line.ID, line.RecordID, line.PlanID, line.Description, line.Amount,
			line.PaidAmount, line.Settlement, line.Position,
		)
		if err != nil {
			return err
		}
		_, err = r.conn(ctx).Exec(ctx,
			`UPDATE visit_record SET total = total + $2, updated_at = NOW() WHERE id = $1`,
			line.RecordID, line.Amount)
		return err
	})
}

func (r *repoPG) GetLines(ctx context.Context, recordID uuid.UUID) ([]*InvoiceLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, record_id, plan_id, description, amount, paid_amount, settlement, position
		FROM invoice_line WHERE record_id = $1 ORDER BY position`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []*InvoiceLine
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ID, &l.RecordID, &l.PlanID, &l.Description,
			&l.Amount, &l.PaidAmount, &l.Settlement, &l.Position); err != nil {
			return nil, err
		}
		lines = append(lines, &l)
	}
	return lines, rows.Err()
}

func (r *repoPG) ApplyPayment(ctx context.Context, recordID uuid.UUID, payments []LinePayment) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		var sum int64
		for _, p := range payments {
			settlement := LinePartiallyPaid
			if p.Settled {
				settlement = LinePaid
			}
			tag, err := r.conn(ctx).Exec(ctx, `
				UPDATE invoice_line SET paid_amount = paid_amount + $2, settlement = $3
				WHERE id = $1 AND record_id = $4`,
				p.LineID, p.Amount, settlement, recordID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("invoice line %s: %w", p.LineID, ErrNotFound)
			}
			sum += p.Amount
		}
		_, err := r.conn(ctx).Exec(ctx,
			`UPDATE visit_record SET paid = paid + $2, updated_at = NOW() WHERE id = $1`,
			recordID, sum)
		return err
	})
}

func (r *repoPG) CreateLabOrder(ctx context.Context, order *LabOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_order (id, record_id, line_id, plan_id, status)
		VALUES ($1,$2,$3,$4,$5)`,
		order.ID, order.RecordID, order.LineID, order.PlanID, order.Status,
	)
	return err
}

func (r *repoPG) GetLabOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	var o LabOrder
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, record_id, line_id, plan_id, status, created_at, updated_at
		FROM lab_order WHERE id = $1`, id).
		Scan(&o.ID, &o.RecordID, &o.LineID, &o.PlanID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lab order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repoPG) ListLabOrders(ctx context.Context, recordID uuid.UUID) ([]*LabOrder, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, record_id, line_id, plan_id, status, created_at, updated_at
		FROM lab_order WHERE record_id = $1 ORDER BY created_at`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*LabOrder
	for rows.Next() {
		var o LabOrder
		if err := rows.Scan(&o.ID, &o.RecordID, &o.LineID, &o.PlanID, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func (r *repoPG) UpdateLabOrderStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE lab_order SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lab order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *repoPG) UpsertLabResult(ctx context.Context, result *LabResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_result (id, order_id, status, "values")
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (order_id) DO UPDATE
		SET status = EXCLUDED.status, "values" = EXCLUDED."values", updated_at = NOW()`,
		result.ID, result.OrderID, result.Status, result.Values,
	)
	return err
}

func (r *repoPG) GetLabResult(ctx context.Context, orderID uuid.UUID) (*LabResult, error) {
	var res LabResult
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, order_id, status, "values", created_at, updated_at
		FROM lab_result WHERE order_id = $1`, orderID).
		Scan(&res.ID, &res.OrderID, &res.Status, &res.Values, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result for lab order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *repoPG) CreateReceipt(ctx context.Context, receipt *PaymentReceipt) error {
	if receipt.ID == uuid.Nil {
		receipt.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment_receipt (id, record_id, method, amount, order_code, invoice_id, reference, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		receipt.ID, receipt.RecordID, receipt.Method, receipt.Amount,
		receipt.OrderCode, receipt.InvoiceID, receipt.Reference, receipt.IssuedAt,
	)
	return err
}

func (r *repoPG) ClaimInvoiceRender(ctx context.Context, receiptID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE payment_receipt SET rendered = TRUE WHERE id = $1 AND rendered = FALSE`, receiptID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanRecord(row pgx.Row) (*VisitRecord, error) {
	var rec VisitRecord
	err := row.Scan(&rec.ID, &rec.Code, &rec.PatientID, &rec.Status, &rec.Total, &rec.Paid,
		&rec.Diagnosis, &rec.TreatmentPlan, &rec.ClinicalFindings, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("visit record: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type planRepoPG struct {
	pool *pgxpool.Pool
}

func NewPlanRepo(pool *pgxpool.Pool) PlanRepository {
	return &planRepoPG{pool: pool}
}

func (r *planRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *planRepoPG) GetPlan(ctx context.Context, id uuid.UUID) (*CarePlan, error) {
	var p CarePlan
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, code, name, price, is_lab FROM care_plan WHERE id = $1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.Price, &p.IsLab)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("care plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *planRepoPG) ListPlans(ctx context.Context) ([]*CarePlan, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, code, name, price, is_lab FROM care_plan ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*CarePlan
	for rows.Next() {
		var p CarePlan
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Price, &p.IsLab); err != nil {
			return nil, err
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

func (r *planRepoPG) GetParameters(ctx context.Context, planID uuid.UUID) ([]*PlanParameter, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, plan_id, name, unit, reference_range, required, position
		FROM care_plan_parameter WHERE plan_id = $1 ORDER BY position`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*PlanParameter
	for rows.Next() {
		var p PlanParameter
		if err := rows.Scan(&p.ID, &p.PlanID, &p.Name, &p.Unit, &p.ReferenceRange, &p.Required, &p.Position); err != nil {
			return nil, err
		}
		params = append(params, &p)
	}
	return params, rows.Err()
}
