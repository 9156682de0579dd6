package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionAuditLog records every status change and reconciliation
// correction applied to a transaction.
type TransactionAuditLog struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	TransactionID uuid.UUID         `gorm:"type:uuid;index" json:"transactionId"`
	Action        string            `gorm:"size:32" json:"action"`
	FromStatus    TransactionStatus `gorm:"size:32" json:"fromStatus"`
	ToStatus      TransactionStatus `gorm:"size:32" json:"toStatus"`
	PerformedBy   string            `gorm:"size:96" json:"performedBy"`
	Reason        string            `json:"reason"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// AuditRefundRequested marks a refund the provider accepted but has not
// settled; AuditRefundRejected one it later turned down.
const (
	AuditCreated         = "created"
	AuditTransition      = "transition"
	AuditRefund          = "refund"
	AuditRefundRequested = "refund_requested"
	AuditRefundRejected  = "refund_rejected"
	AuditCorrection      = "correction"
	AuditSynthesized     = "synthesized"
)
