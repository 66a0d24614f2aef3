package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/uni-registrar-api/internal/service"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
	"github.com/noah-isme/uni-registrar-api/pkg/response"
)

// PaymentHandler exposes payment initiation and the provider callback
// webhook.
type PaymentHandler struct {
	payments *service.PaymentService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(payments *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// Create godoc
// @Summary Initiate a tuition payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body service.InitiatePaymentRequest true "Payment payload"
// @Success 201 {object} response.Envelope
// @Router /payments [post]
func (h *PaymentHandler) Create(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	txn, err := h.payments.Initiate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, txn)
}

// Callback godoc
// @Summary Receive a provider payment notification
// @Description Providers retry callbacks; replays of finalized orders are
// @Description acknowledged with the recorded outcome so retries stop.
// @Tags Payments
// @Accept json
// @Produce json
// @Param provider path string true "Provider identifier"
// @Success 200 {object} response.Envelope
// @Router /payments/callback/{provider} [post]
func (h *PaymentHandler) Callback(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrMalformedPayload.Code, appErrors.ErrMalformedPayload.Status, "failed to read callback body"))
		return
	}
	outcome, err := h.payments.HandleCallback(c.Request.Context(), c.Param("provider"), raw)
	if err != nil {
		response.Error(c, err)
		return
	}
	var meta map[string]interface{}
	if outcome.Replayed {
		meta = map[string]interface{}{"replayed": true}
	}
	response.JSON(c, http.StatusOK, outcome, nil, meta)
}
