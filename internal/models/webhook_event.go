package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type WebhookOutcome string

const (
	WebhookApplied        WebhookOutcome = "applied"
	WebhookDuplicate      WebhookOutcome = "duplicate"
	WebhookIgnored        WebhookOutcome = "ignored"
	WebhookUnmatched      WebhookOutcome = "unmatched"
	WebhookAmountMismatch WebhookOutcome = "amount_mismatch"
	WebhookMalformed      WebhookOutcome = "malformed"
	WebhookRejected       WebhookOutcome = "rejected"
	WebhookFailed         WebhookOutcome = "failed"
)

// WebhookEvent keeps the raw body of every provider callback.
type WebhookEvent struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Provider          string         `gorm:"size:32;index" json:"provider"`
	ProviderReference string         `gorm:"size:128;index" json:"providerReference"`
	TransactionID     *uuid.UUID     `gorm:"type:uuid" json:"transactionId"`
	Payload           datatypes.JSON `json:"payload"`
	RawBody           string         `gorm:"type:text" json:"-"`
	Outcome           WebhookOutcome `gorm:"size:24;index" json:"outcome"`
	Error             string         `json:"error,omitempty"`
	ReceivedAt        time.Time      `gorm:"index" json:"receivedAt"`
}
