package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

// TransactionRepository is the ledger store. Create and Transition are the
// only code paths that write transaction rows; both enforce the status
// machine and append to the audit log in the same database transaction.
type TransactionRepository struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

func NewTransactionRepository(db *gorm.DB, log logrus.FieldLogger) *TransactionRepository {
	return &TransactionRepository{db: db, log: log}
}

func (r *TransactionRepository) DB() *gorm.DB {
	return r.db
}

// Change describes one guarded update. From is the status the caller last
// observed; the update only lands if the row still has it.
type Change struct {
	From        models.TransactionStatus
	To          models.TransactionStatus
	Action      string
	PerformedBy string
	Reason      string
	Apply       func(t *models.Transaction) error
}

// Create inserts a new ledger row. Every transaction starts pending.
func (r *TransactionRepository) Create(ctx context.Context, t *models.Transaction, performedBy string) error {
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	if t.Status != models.StatusPending {
		return payerr.Newf(payerr.KindInvalidStateTransition, "new transactions must start pending, got %s", t.Status)
	}
	if !t.Amount.IsPositive() {
		return payerr.InvalidRequest("amount must be greater than zero")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CorrelationID == "" {
		t.CorrelationID = t.ID.String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return payerr.Wrap(payerr.KindConflict, "transaction already exists", err)
			}
			return err
		}
		return tx.Create(&models.TransactionAuditLog{
			ID:            uuid.New(),
			TransactionID: t.ID,
			Action:        models.AuditCreated,
			ToStatus:      t.Status,
			PerformedBy:   performedBy,
			CreatedAt:     now,
		}).Error
	})
}

// Transition moves a transaction from ch.From to ch.To using a
// compare-and-swap on the status column.
func (r *TransactionRepository) Transition(ctx context.Context, id uuid.UUID, ch Change) (*models.Transaction, error) {
	if !models.CanTransition(ch.From, ch.To) {
		r.log.WithFields(logrus.Fields{
			"transactionId": id,
			"from":          ch.From,
			"to":            ch.To,
			"performedBy":   ch.PerformedBy,
		}).Error("illegal transaction status transition rejected")
		return nil, payerr.Newf(payerr.KindInvalidStateTransition, "cannot move transaction from %s to %s", ch.From, ch.To)
	}
	if ch.Action == "" {
		ch.Action = models.AuditTransition
	}
	return r.update(ctx, id, ch)
}

// Annotate changes metadata only, under the same status guard.
func (r *TransactionRepository) Annotate(ctx context.Context, id uuid.UUID, expected models.TransactionStatus, fn func(meta map[string]any)) (*models.Transaction, error) {
	return r.update(ctx, id, Change{
		From: expected,
		To:   expected,
		Apply: func(t *models.Transaction) error {
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			fn(t.Metadata)
			return nil
		},
	})
}

// Amend applies ch.Apply without moving the status and records ch.Action
// in the audit log.
func (r *TransactionRepository) Amend(ctx context.Context, id uuid.UUID, ch Change) (*models.Transaction, error) {
	if ch.From != ch.To || ch.Action == "" {
		return nil, payerr.New(payerr.KindInternal, "amend needs an unchanged status and an audit action")
	}
	return r.update(ctx, id, ch)
}

func (r *TransactionRepository) update(ctx context.Context, id uuid.UUID, ch Change) (*models.Transaction, error) {
	var next models.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Transaction
		if err := tx.First(&cur, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return payerr.NotFound("transaction %s not found", id)
			}
			return err
		}
		if cur.Status != ch.From {
			return payerr.Newf(payerr.KindConflict, "transaction %s is %s, expected %s", id, cur.Status, ch.From)
		}

		next = cur
		next.Metadata = maps.Clone(cur.Metadata)
		if ch.Apply != nil {
			if err := ch.Apply(&next); err != nil {
				return err
			}
		}
		if err := checkInvariants(&cur, &next); err != nil {
			return err
		}

		now := time.Now().UTC()
		next.Status = ch.To
		next.UpdatedAt = now
		if ch.To == models.StatusCompleted && next.CompletedAt == nil {
			next.CompletedAt = &now
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", id, ch.From).
			Updates(map[string]interface{}{
				"status":             next.Status,
				"provider_reference": next.ProviderReference,
				"amount":             next.Amount,
				"refunded_amount":    next.RefundedAmount,
				"metadata":           next.Metadata,
				"completed_at":       next.CompletedAt,
				"updated_at":         next.UpdatedAt,
			})
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return payerr.Wrap(payerr.KindConflict, "provider reference already recorded", res.Error)
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return payerr.Newf(payerr.KindConflict, "transaction %s changed concurrently", id)
		}

		if ch.From == ch.To && ch.Action == "" {
			return nil
		}
		return tx.Create(&models.TransactionAuditLog{
			ID:            uuid.New(),
			TransactionID: id,
			Action:        ch.Action,
			FromStatus:    ch.From,
			ToStatus:      ch.To,
			PerformedBy:   ch.PerformedBy,
			Reason:        ch.Reason,
			CreatedAt:     now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func checkInvariants(cur, next *models.Transaction) error {
	if !next.Amount.IsPositive() {
		return payerr.InvalidRequest("amount must be greater than zero")
	}
	if next.RefundedAmount.IsNegative() {
		return payerr.InvalidRequest("refunded amount cannot be negative")
	}
	if next.RefundedAmount.GreaterThan(next.Amount) {
		return payerr.Newf(payerr.KindInsufficientRefundable,
			"refund exceeds original amount %s", next.Amount.StringFixed(2))
	}
	if next.AvailableToRefund().IsNegative() {
		return payerr.Newf(payerr.KindInsufficientRefundable,
			"settled and pending refunds exceed original amount %s", next.Amount.StringFixed(2))
	}
	if cur.Status.IsTerminal() && !next.Amount.Equal(cur.Amount) {
		return payerr.Newf(payerr.KindInvalidStateTransition, "amount of a %s transaction is immutable", cur.Status)
	}
	if cur.ProviderReference != nil && (next.ProviderReference == nil || *next.ProviderReference != *cur.ProviderReference) {
		return payerr.Newf(payerr.KindInvalidStateTransition, "provider reference cannot change once set")
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *TransactionRepository) FindByProviderReference(ctx context.Context, provider, reference string) (*models.Transaction, error) {
	return r.first(ctx, "provider = ? AND provider_reference = ?", provider, reference)
}

func (r *TransactionRepository) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error) {
	return r.first(ctx, "correlation_id = ?", correlationID)
}

func (r *TransactionRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return r.first(ctx, "idempotency_key = ?", key)
}

func (r *TransactionRepository) first(ctx context.Context, query string, args ...any) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).Where(query, args...).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payerr.NotFound("transaction not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Filter narrows a window scan over the ledger.
type Filter struct {
	Provider         string
	Currency         string
	Start            time.Time
	End              time.Time
	ExcludePending   bool
	RequireReference bool
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("created_at >= ? AND created_at < ?", f.Start, f.End)
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.Currency != "" {
		q = q.Where("currency = ?", f.Currency)
	}
	if f.ExcludePending {
		q = q.Where("status <> ?", models.StatusPending)
	}
	if f.RequireReference {
		q = q.Where("provider_reference IS NOT NULL")
	}
	return q
}

// EachInWindow streams matching rows in batches of batchSize.
func (r *TransactionRepository) EachInWindow(ctx context.Context, f Filter, batchSize int, fn func([]models.Transaction) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var batch []models.Transaction
	var fnErr error
	res := f.apply(r.db.WithContext(ctx).Model(&models.Transaction{})).
		FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(batch); err != nil {
				fnErr = err
				return err
			}
			return nil
		})
	if fnErr != nil {
		return fnErr
	}
	if res.Error != nil {
		return fmt.Errorf("scan ledger window: %w", res.Error)
	}
	return nil
}

func (r *TransactionRepository) AuditTrail(ctx context.Context, id uuid.UUID) ([]models.TransactionAuditLog, error) {
	var logs []models.TransactionAuditLog
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", id).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
