package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/services/payments"
)

// PaymentService is what the payment routes need from the orchestrator.
type PaymentService interface {
	InitiatePayment(ctx context.Context, in payments.InitiateInput) (*payments.InitiateResult, error)
	HandleCallback(ctx context.Context, provider string, header http.Header, raw []byte) (*payments.CallbackResult, error)
	Verify(ctx context.Context, provider, reference string, actor payments.Actor) (*payments.VerifyResult, error)
	Refund(ctx context.Context, in payments.RefundInput) (*payments.RefundResult, error)
	GetTransaction(ctx context.Context, id uuid.UUID, actor payments.Actor) (*models.Transaction, error)
}

type PaymentHandler struct {
	service  PaymentService
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewPaymentHandler(s PaymentService, registry *providers.Registry, log logrus.FieldLogger) *PaymentHandler {
	return &PaymentHandler{service: s, validate: newValidator(registry), log: log}
}

type initiateRequest struct {
	Provider        string          `json:"provider" validate:"required,provider"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"required,len=3,alpha"`
	PaymentMethodID string          `json:"paymentMethodId" validate:"omitempty,max=128"`
	CardToken       string          `json:"cardToken" validate:"omitempty,max=256"`
	PhoneNumber     string          `json:"phoneNumber" validate:"omitempty,max=32"`
	Email           string          `json:"email" validate:"omitempty,email"`
	RideID          *string         `json:"rideId" validate:"omitempty,max=64"`
	IdempotencyKey  string          `json:"idempotencyKey" validate:"omitempty,max=128"`
	Type            string          `json:"type" validate:"omitempty,oneof=payment top_up"`
	Metadata        map[string]any  `json:"metadata"`
}

func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req initiateRequest
	if !bind(c, h.validate, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.service.InitiatePayment(c.Request.Context(), payments.InitiateInput{
		UserID:   actorOf(c).UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Provider: req.Provider,
		Details: payments.PaymentDetails{
			PhoneNumber:     req.PhoneNumber,
			CardToken:       req.CardToken,
			PaymentMethodID: req.PaymentMethodID,
			Email:           req.Email,
		},
		RideID:         req.RideID,
		IdempotencyKey: req.IdempotencyKey,
		Type:           models.TransactionType(req.Type),
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondError(c, h.log, "Initiate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionId":  res.Transaction.ID,
		"status":         res.Transaction.Status,
		"requiresAction": res.RequiresAction,
		"actionUrl":      res.ActionURL,
	})
}

func (h *PaymentHandler) Verify(c *gin.Context) {
	res, err := h.service.Verify(c.Request.Context(), c.Param("provider"), c.Param("reference"), actorOf(c))
	if err != nil {
		respondError(c, h.log, "Verify", err)
		return
	}
	body := gin.H{
		"provider":       res.Provider,
		"reference":      res.Reference,
		"providerStatus": res.ProviderStatus,
		"amount":         res.Amount,
		"currency":       res.Currency,
		"outcome":        res.Outcome,
	}
	if res.Transaction != nil {
		body["transactionId"] = res.Transaction.ID
		body["status"] = res.Transaction.Status
	}
	c.JSON(http.StatusOK, body)
}

// Callback acknowledges every notification it could make sense of, even
// ones that changed nothing, so providers stop redelivering them.
func (h *PaymentHandler) Callback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	res, err := h.service.HandleCallback(c.Request.Context(), c.Param("provider"), c.Request.Header, raw)
	if err != nil {
		switch payerr.KindOf(err) {
		case payerr.KindForbidden:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case payerr.KindNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": payerr.Public(err)})
		default:
			h.log.WithError(err).WithField("provider", c.Param("provider")).Warn("callback not stored, asking provider to retry")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome":       res.Outcome,
		"transactionId": res.TransactionID,
		"status":        res.Status,
	})
}

type refundRequest struct {
	TransactionID string              `json:"transactionId" validate:"required,uuid"`
	Amount        decimal.NullDecimal `json:"amount"`
	Reason        string              `json:"reason" validate:"omitempty,max=255"`
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	var req refundRequest
	if !bind(c, h.validate, &req) {
		return
	}
	res, err := h.service.Refund(c.Request.Context(), payments.RefundInput{
		TransactionID: uuid.MustParse(req.TransactionID),
		Amount:        req.Amount,
		Reason:        req.Reason,
		Actor:         actorOf(c),
	})
	if err != nil {
		respondError(c, h.log, "Refund", err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"transactionId":   res.Transaction.ID,
		"status":          res.Transaction.Status,
		"amount":          res.Amount,
		"refundedAmount":  res.Transaction.RefundedAmount,
		"refundReference": res.RefundReference,
		"pending":         res.Pending,
	})
}

func (h *PaymentHandler) Get(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	t, err := h.service.GetTransaction(c.Request.Context(), id, actorOf(c))
	if err != nil {
		respondError(c, h.log, "Get", err)
		return
	}
	c.JSON(http.StatusOK, t)
}
