package visit

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/clinicops/internal/domain/payment"
	"github.com/clinicops/clinicops/internal/platform/auth"
	"github.com/clinicops/clinicops/internal/platform/events"
	"github.com/clinicops/clinicops/pkg/pagination"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "lab", "cashier"))
	readGroup.GET("/records", h.ListRecords)
	readGroup.GET("/records/:id", h.GetRecord)
	readGroup.GET("/records/:id/lab-orders", h.ListLabOrders)
	readGroup.GET("/plans", h.ListPlans)

	clinical := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	clinical.POST("/records", h.CreateRecord)
	clinical.POST("/records/:id/start-exam", h.StartExam)
	clinical.PUT("/records/:id/clinical", h.UpdateClinicalNotes)
	clinical.POST("/records/:id/lab-orders", h.AttachLabOrder)
	clinical.POST("/records/:id/complete", h.CompleteVisit)
	clinical.DELETE("/records/:id", h.CancelVisit)

	lab := api.Group("", auth.RequireRole("admin", "lab"))
	lab.POST("/lab-orders/:id/begin", h.BeginLabOrder)
	lab.POST("/lab-orders/:id/result", h.RecordLabResult)
	lab.POST("/lab-orders/:id/finalize", h.FinalizeLabOrder)
	lab.DELETE("/lab-orders/:id", h.CancelLabOrder)

	cashier := api.Group("", auth.RequireRole("admin", "cashier"))
	cashier.POST("/records/:id/checkout", h.Checkout)
	cashier.POST("/checkouts/:orderCode/await", h.AwaitSettlement)
	cashier.DELETE("/checkouts/:orderCode", h.CancelCheckout)
}

type createRecordRequest struct {
	PatientID string `json:"patient_id" validate:"required,uuid"`
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	rec, err := h.svc.CreateRecord(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	recs, total, err := h.svc.ListRecords(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListLabOrders(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	orders, err := h.svc.ListLabOrders(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, orders)
}

func (h *Handler) ListPlans(c echo.Context) error {
	plans, err := h.svc.plans.ListPlans(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, plans)
}

func (h *Handler) StartExam(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.StartExam(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type clinicalNotesRequest struct {
	Diagnosis        string `json:"diagnosis"`
	TreatmentPlan    string `json:"treatment_plan"`
	ClinicalFindings string `json:"clinical_findings"`
}

func (h *Handler) UpdateClinicalNotes(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req clinicalNotesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.UpdateClinicalNotes(c.Request().Context(), id, req.Diagnosis, req.TreatmentPlan, req.ClinicalFindings)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type attachLabOrderRequest struct {
	PlanID string `json:"plan_id" validate:"required,uuid"`
}

func (h *Handler) AttachLabOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req attachLabOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	planID, err := uuid.Parse(req.PlanID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid plan_id")
	}
	order, err := h.svc.AttachLabOrder(c.Request().Context(), id, planID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) CompleteVisit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, doc, err := h.svc.CompleteVisit(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	resp := map[string]interface{}{"record": rec}
	if doc != nil {
		resp["document"] = doc
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CancelVisit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.CancelVisit(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) BeginLabOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	order, err := h.svc.BeginLabOrder(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

type labResultRequest struct {
	Values map[string]string `json:"values" validate:"required"`
}

func (h *Handler) RecordLabResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req labResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.RecordLabResult(c.Request().Context(), id, req.Values)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) FinalizeLabOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req labResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.FinalizeLabOrder(c.Request().Context(), id, req.Values)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) CancelLabOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	order, err := h.svc.CancelLabOrder(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

type checkoutRequest struct {
	Method    string   `json:"method" validate:"required,oneof=CASH QR"`
	Amount    int64    `json:"amount" validate:"required,gt=0"`
	LineIDs   []string `json:"line_ids"`
	Reference string   `json:"reference"`
}

func (h *Handler) Checkout(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req checkoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	lineIDs := make([]uuid.UUID, 0, len(req.LineIDs))
	for _, raw := range req.LineIDs {
		lineID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid line id "+raw)
		}
		lineIDs = append(lineIDs, lineID)
	}

	result, err := h.svc.Checkout(c.Request().Context(), CheckoutRequest{
		RecordID:  id,
		Method:    payment.Method(req.Method),
		Amount:    req.Amount,
		LineIDs:   lineIDs,
		Reference: req.Reference,
	})
	if err != nil {
		return httpError(err)
	}
	status := http.StatusOK
	if result.Qr != nil {
		status = http.StatusAccepted
	}
	return c.JSON(status, result)
}

func (h *Handler) AwaitSettlement(c echo.Context) error {
	result, err := h.svc.AwaitSettlement(c.Request().Context(), c.Param("orderCode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) CancelCheckout(c echo.Context) error {
	state, err := h.svc.CancelCheckout(c.Param("orderCode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"state": state.String()})
}

// httpError maps domain errors onto transport codes. Commit failures after
// settlement stay 500s with the reconciliation ids in the body; they must
// never look like an ordinary validation problem.
func httpError(err error) error {
	var (
		transitionErr *InvalidTransitionError
		prereqErr     *IncompletePrerequisitesError
		missingErr    *MissingRequiredFieldsError
		commitErr     *payment.PostPaymentCommitFailedError
	)

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoActiveSession):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &transitionErr):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &prereqErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":           prereqErr.Error(),
			"missing_fields":    prereqErr.MissingFields,
			"unfinished_orders": prereqErr.UnfinishedOrders,
		})
	case errors.As(err, &missingErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":        missingErr.Error(),
			"missing_values": missingErr.Fields,
		})
	case errors.As(err, &commitErr):
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{
			"message":    commitErr.Error(),
			"order_code": commitErr.OrderCode,
			"invoice_id": commitErr.InvoiceID,
		})
	case errors.Is(err, payment.ErrOverpayment),
		errors.Is(err, payment.ErrNoLines),
		errors.Is(err, payment.ErrNonPositiveAmount),
		errors.Is(err, ErrNotALabPlan):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrLabOrderNotAttachable),
		errors.Is(err, payment.ErrCancelled),
		errors.Is(err, events.ErrDuplicateSubscription):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrTimedOut):
		return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
	case errors.Is(err, payment.ErrUndeliverable):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
