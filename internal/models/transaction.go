package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionStatus string

const (
	StatusPending           TransactionStatus = "pending"
	StatusProcessing        TransactionStatus = "processing"
	StatusCompleted         TransactionStatus = "completed"
	StatusFailed            TransactionStatus = "failed"
	StatusRefunded          TransactionStatus = "refunded"
	StatusPartiallyRefunded TransactionStatus = "partially_refunded"

	// StatusUnknown is only ever reported by a provider; it is never stored.
	StatusUnknown TransactionStatus = "unknown"
)

type TransactionType string

const (
	TypePayment TransactionType = "payment"
	TypeTopUp   TransactionType = "top_up"
	TypeRefund  TransactionType = "refund"
)

// Metadata keys written by the payment core.
const (
	MetaFailureReason  = "failureReason"
	MetaFailureKind    = "failureKind"
	MetaCreditedAmount = "creditedAmount"
	MetaRefunds        = "refunds"
	MetaPendingRefunds = "pendingRefunds"
	MetaActionURL      = "actionUrl"
	MetaCorrections    = "reconciliationCorrections"
	MetaSynthesized    = "synthesized"
	MetaAmountMismatch = "callbackAmountMismatch"
	MetaPhoneNumber    = "phoneNumber"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:           {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing:        {StatusCompleted, StatusFailed},
	StatusCompleted:         {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal ledger transition.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal is true once a payment outcome is settled; only refund fields
// may change afterwards.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// IsSettled is true for statuses where the customer was charged.
func (s TransactionStatus) IsSettled() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

type Transaction struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            string            `gorm:"size:64;not null;index" json:"userId"`
	RideID            *string           `gorm:"size:64;index" json:"rideId"`
	Provider          string            `gorm:"size:32;not null;uniqueIndex:idx_provider_reference" json:"provider"`
	ProviderReference *string           `gorm:"size:128;uniqueIndex:idx_provider_reference" json:"providerReference"`
	CorrelationID     string            `gorm:"size:64;not null;uniqueIndex" json:"correlationId"`
	IdempotencyKey    *string           `gorm:"size:128;uniqueIndex" json:"-"`
	Amount            decimal.Decimal   `gorm:"type:numeric(18,2);not null" json:"amount"`
	RefundedAmount    decimal.Decimal   `gorm:"type:numeric(18,2);not null;default:0" json:"refundedAmount"`
	Currency          string            `gorm:"size:3;not null" json:"currency"`
	Status            TransactionStatus `gorm:"size:32;not null;index" json:"status"`
	Type              TransactionType   `gorm:"size:16;not null" json:"type"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	CompletedAt       *time.Time        `json:"completedAt"`
	CreatedAt         time.Time         `gorm:"index" json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// RemainingRefundable is the amount that can still be returned to the payer.
func (t *Transaction) RemainingRefundable() decimal.Decimal {
	return t.Amount.Sub(t.RefundedAmount)
}

// AvailableToRefund is RemainingRefundable minus refunds the provider has
// accepted but not yet settled.
func (t *Transaction) AvailableToRefund() decimal.Decimal {
	avail := t.RemainingRefundable()
	for _, p := range t.PendingRefunds() {
		avail = avail.Sub(p.Amount)
	}
	return avail
}

// PendingRefund is a refund the provider accepted asynchronously. It is
// kept in metadata until the provider confirms or rejects it.
type PendingRefund struct {
	Reference   string
	Amount      decimal.Decimal
	Reason      string
	RequestedBy string
	RequestedAt string
}

func (p PendingRefund) meta() map[string]any {
	return map[string]any{
		"reference": p.Reference,
		"amount":    p.Amount.StringFixed(2),
		"reason":    p.Reason,
		"by":        p.RequestedBy,
		"at":        p.RequestedAt,
	}
}

// PendingRefunds returns the unsettled refunds in request order.
func (t *Transaction) PendingRefunds() []PendingRefund {
	if t.Metadata == nil {
		return nil
	}
	list, _ := t.Metadata[MetaPendingRefunds].([]any)
	out := make([]PendingRefund, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(metaStr(m, "amount"))
		if err != nil {
			continue
		}
		out = append(out, PendingRefund{
			Reference:   metaStr(m, "reference"),
			Amount:      amount,
			Reason:      metaStr(m, "reason"),
			RequestedBy: metaStr(m, "by"),
			RequestedAt: metaStr(m, "at"),
		})
	}
	return out
}

// PendingRefund looks up an unsettled refund by its provider reference.
func (t *Transaction) PendingRefund(reference string) (PendingRefund, bool) {
	for _, p := range t.PendingRefunds() {
		if reference != "" && p.Reference == reference {
			return p, true
		}
	}
	return PendingRefund{}, false
}

func (t *Transaction) AddPendingRefund(p PendingRefund) {
	t.AppendMeta(MetaPendingRefunds, p.meta())
}

// RemovePendingRefund drops the pending refund with reference, if any.
func (t *Transaction) RemovePendingRefund(reference string) {
	var kept []any
	for _, p := range t.PendingRefunds() {
		if p.Reference != reference {
			kept = append(kept, p.meta())
		}
	}
	if len(kept) == 0 {
		delete(t.Metadata, MetaPendingRefunds)
		return
	}
	t.SetMeta(MetaPendingRefunds, kept)
}

func (t *Transaction) Reference() string {
	if t.ProviderReference == nil {
		return ""
	}
	return *t.ProviderReference
}

// SetMeta writes a metadata key, allocating the map on first use.
func (t *Transaction) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = datatypes.JSONMap{}
	}
	t.Metadata[key] = value
}

func (t *Transaction) MetaString(key string) string {
	return metaStr(t.Metadata, key)
}

func metaStr(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// AppendMeta appends value to the list stored under key.
func (t *Transaction) AppendMeta(key string, value any) {
	var list []any
	if t.Metadata != nil {
		if existing, ok := t.Metadata[key].([]any); ok {
			list = existing
		}
	}
	t.SetMeta(key, append(list, value))
}
