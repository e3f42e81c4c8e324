package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shopforge/storefront/internal/common"
	"github.com/shopforge/storefront/internal/processor"
)

// Handler exposes the direct payment API.
type Handler struct {
	Engine          *Engine
	Validate        *validator.Validate
	DefaultCurrency string
	Logger          zerolog.Logger
}

// Mount registers payment routes on the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/intent", h.CreateIntent)
	r.Post("/", h.ProcessPayment)
	r.Get("/{paymentID}", h.GetPayment)
	r.Post("/{paymentID}/refund", h.Refund)
	r.Get("/{paymentID}/refunds", h.RefundHistory)
	r.Post("/{paymentID}/dispute", h.SubmitDispute)
	r.Get("/disputes/{disputeRef}", h.GetDispute)
	r.Get("/order/{orderID}", h.ListByOrder)
	r.Get("/order/{orderID}/status", h.OrderStatus)
}

type createIntentRequest struct {
	OrderID  string  `json:"orderId" validate:"required,uuid"`
	Amount   float64 `json:"amount" validate:"required,gt=0"`
	Currency string  `json:"currency" validate:"omitempty,len=3,alpha"`
}

type createIntentResponse struct {
	Payment      Payment `json:"payment"`
	ClientSecret string  `json:"clientSecret"`
}

// CreateIntent opens a processor intent for an order and returns the
// pending payment with the client secret.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if !h.decode(w, r, &req) {
		return
	}
	orderID, _ := uuid.Parse(req.OrderID)

	created, secret, err := h.Engine.CreatePaymentIntent(r.Context(), orderID, req.Amount, h.currency(req.Currency))
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, createIntentResponse{Payment: created, ClientSecret: secret})
}

type processPaymentRequest struct {
	OrderID         string  `json:"orderId" validate:"required,uuid"`
	Amount          float64 `json:"amount" validate:"required,gt=0"`
	Currency        string  `json:"currency" validate:"omitempty,len=3,alpha"`
	PaymentMethodID string  `json:"paymentMethodId" validate:"required"`
}

// ProcessPayment creates and confirms an intent in one call.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req processPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	orderID, _ := uuid.Parse(req.OrderID)

	p, err := h.Engine.ProcessPayment(r.Context(), orderID, req.Amount, h.currency(req.Currency), req.PaymentMethodID)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"payment": p})
}

// GetPayment resolves a single payment by id.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "paymentID")
	if !ok {
		return
	}
	p, err := h.Engine.PaymentByID(r.Context(), id)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"payment": p})
}

type refundRequest struct {
	Amount float64 `json:"amount" validate:"required,gt=0"`
	Reason string  `json:"reason" validate:"omitempty,max=500"`
}

// Refund refunds part or all of a payment.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "paymentID")
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	refund, err := h.Engine.ProcessRefund(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"refund": refund})
}

// RefundHistory lists refunds and the cumulative total for a payment.
func (h *Handler) RefundHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "paymentID")
	if !ok {
		return
	}
	refunds, total, err := h.Engine.RefundHistory(r.Context(), id)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"refunds":       refunds,
		"refundedMinor": total,
	})
}

type disputeRequest struct {
	DisputeRef string            `json:"disputeId" validate:"required"`
	Evidence   map[string]string `json:"evidence" validate:"required,min=1"`
}

// SubmitDispute forwards dispute evidence to the processor and records
// the dispute against the payment.
func (h *Handler) SubmitDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "paymentID")
	if !ok {
		return
	}
	var req disputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	dispute, err := h.Engine.SubmitDisputeEvidence(r.Context(), id, req.DisputeRef, req.Evidence)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"dispute": dispute})
}

// GetDispute returns the local dispute refreshed from the processor.
func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "disputeRef"))
	if ref == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "dispute reference is required", nil)
		return
	}
	dispute, err := h.Engine.DisputeDetails(r.Context(), ref)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"dispute": dispute})
}

// ListByOrder lists all payment attempts for an order.
func (h *Handler) ListByOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	payments, err := h.Engine.PaymentsForOrder(r.Context(), id)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

// OrderStatus returns the consolidated money view of an order.
func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	status, err := h.Engine.ConsolidatedStatus(r.Context(), id)
	if err != nil {
		h.renderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, status)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid json", nil)
		return false
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(dst); err != nil {
			common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION", "request validation failed", validationDetails(err))
			return false
		}
	}
	return true
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "invalid identifier", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) currency(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		return h.DefaultCurrency
	}
	return strings.ToUpper(c)
}

func (h *Handler) renderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
	case errors.Is(err, ErrOrderNotFound):
		common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrDisputeNotFound):
		common.JSONError(w, http.StatusNotFound, "DISPUTE_NOT_FOUND", "dispute not found", nil)
	case errors.Is(err, ErrAlreadyRefunded):
		common.JSONError(w, http.StatusConflict, "ALREADY_REFUNDED", "payment is already fully refunded", nil)
	case errors.Is(err, ErrAmountExceedsBalance):
		common.JSONError(w, http.StatusUnprocessableEntity, "AMOUNT_EXCEEDS_BALANCE", "refund amount exceeds remaining balance", nil)
	case errors.Is(err, ErrNotRefundable):
		common.JSONError(w, http.StatusUnprocessableEntity, "NOT_REFUNDABLE", "payment is not in a refundable state", nil)
	case errors.Is(err, ErrInvalidAmount):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_AMOUNT", "amount is not representable in minor units", nil)
	case errors.Is(err, ErrReconciliationFailed):
		common.JSONError(w, http.StatusInternalServerError, "RECONCILIATION_FAILED", "payment state could not be persisted", nil)
	default:
		var pe *processor.Error
		if errors.As(err, &pe) {
			h.renderProcessorError(w, pe)
			return
		}
		h.Logger.Error().Err(err).Msg("unhandled payment error")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func (h *Handler) renderProcessorError(w http.ResponseWriter, pe *processor.Error) {
	if pe.Category == processor.CategoryTransient {
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment processor is unavailable", nil)
		return
	}
	if pe.Status == http.StatusPaymentRequired || pe.Code == "card_declined" {
		common.JSONError(w, http.StatusPaymentRequired, "PAYMENT_DECLINED", "payment was declined", map[string]string{"code": pe.Code})
		return
	}
	common.JSONError(w, http.StatusUnprocessableEntity, "PROCESSOR_REJECTED", "payment processor rejected the request", map[string]string{"code": pe.Code})
}

func validationDetails(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}
