// Package providers hides each payment provider's API behind one Adapter
// interface and normalizes their callbacks into canonical deltas.
package providers

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"payment-orchestration-backend/internal/models"
)

type Kind string

const (
	KindCard        Kind = "card"
	KindMobileMoney Kind = "mobile_money"
)

//go:generate mockgen -destination=mocks/mock_adapter.go -package=mocks -source=adapter.go Adapter
type Adapter interface {
	ID() string
	Kind() Kind
	Currencies() []string

	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	Verify(ctx context.Context, reference string) (*VerifyResponse, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error)
	ParseCallback(raw []byte) (*CallbackDelta, error)

	// ListTransactions is lazy: pages are fetched while the caller ranges.
	// Ranging again starts over from the first page.
	ListTransactions(ctx context.Context, w Window) iter.Seq2[Record, error]
}

// SignatureVerifier is implemented by providers that sign their callbacks.
type SignatureVerifier interface {
	VerifySignature(h http.Header, body []byte) error
}

// RefundPoller is implemented by providers that settle refunds
// asynchronously and expose their status.
type RefundPoller interface {
	RefundStatus(ctx context.Context, refundReference string) (*RefundResponse, error)
}

// InitiateRequest amounts are in major units; adapters convert.
type InitiateRequest struct {
	CorrelationID string
	Amount        decimal.Decimal
	Currency      string
	UserID        string
	Email         string
	PhoneNumber   string
	CardToken     string
	Description   string
	Metadata      map[string]any
}

type InitiateResponse struct {
	ProviderReference string
	Status            models.TransactionStatus
	RequiresAction    bool
	ActionURL         string
}

type VerifyResponse struct {
	Reference     string
	Status        models.TransactionStatus
	RawStatus     string
	Amount        decimal.Decimal
	Currency      string
	CompletedAt   *time.Time
	FailureReason string
}

type RefundRequest struct {
	Reference     string
	CorrelationID string
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// RefundResponse.Status is completed once the provider confirmed the
// refund, processing while it is still settling, failed otherwise.
type RefundResponse struct {
	RefundReference string
	Status          models.TransactionStatus
}

// CallbackDelta is the canonical change carried by a provider callback.
type CallbackDelta struct {
	Reference     string
	CorrelationID string
	Status        models.TransactionStatus
	RawStatus     string
	Amount        decimal.NullDecimal
	Currency      string
	FailureReason string
	OccurredAt    *time.Time
}

type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Record is one provider-side transaction seen during reconciliation.
type Record struct {
	Reference     string
	CorrelationID string
	Status        models.TransactionStatus
	RawStatus     string
	Amount        decimal.Decimal
	Currency      string
	Customer      string
	CreatedAt     time.Time
}
