// Package notify emits payment lifecycle events for downstream consumers
// (wallet crediting, receipts, push notifications).
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/models"
)

type EventType string

const (
	PaymentCompleted EventType = "payment.completed"
	PaymentRefunded  EventType = "payment.refunded"
)

type Event struct {
	Type           EventType                `json:"type"`
	TransactionID  uuid.UUID                `json:"transaction_id"`
	CorrelationID  string                   `json:"correlation_id"`
	UserID         string                   `json:"user_id"`
	RideID         *string                  `json:"ride_id,omitempty"`
	Provider       string                   `json:"provider"`
	Status         models.TransactionStatus `json:"status"`
	Amount         decimal.Decimal          `json:"amount"`
	RefundedAmount decimal.Decimal          `json:"refunded_amount"`
	Currency       string                   `json:"currency"`
	OccurredAt     time.Time                `json:"occurred_at"`
}

// EventFor snapshots a transaction into an event.
func EventFor(typ EventType, t *models.Transaction) Event {
	return Event{
		Type:           typ,
		TransactionID:  t.ID,
		CorrelationID:  t.CorrelationID,
		UserID:         t.UserID,
		RideID:         t.RideID,
		Provider:       t.Provider,
		Status:         t.Status,
		Amount:         t.Amount,
		RefundedAmount: t.RefundedAmount,
		Currency:       t.Currency,
		OccurredAt:     time.Now().UTC(),
	}
}

// Notifier publishes events after the ledger change they describe has
// committed. Publish failures never roll back a payment.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// LogNotifier is used when no broker is configured.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Publish(_ context.Context, ev Event) error {
	n.Logger.WithFields(logrus.Fields{
		"event":          ev.Type,
		"transaction_id": ev.TransactionID,
		"status":         ev.Status,
		"amount":         ev.Amount.String(),
		"currency":       ev.Currency,
	}).Info("payment event")
	return nil
}
