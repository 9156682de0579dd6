package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/repository"
)

type RefundInput struct {
	TransactionID uuid.UUID
	// Amount defaults to everything still refundable.
	Amount decimal.NullDecimal
	Reason string
	Actor  Actor
}

type RefundResult struct {
	Transaction     *models.Transaction
	Amount          decimal.Decimal
	RefundReference string
	// Pending is true when the provider accepted the refund but has not
	// settled it yet. The amount is reserved against the transaction but
	// RefundedAmount and the status only move once the provider confirms.
	Pending bool
}

// Refund returns money for a completed payment. Refunds of one transaction
// are serialized so their sum can never exceed the original amount.
func (s *Service) Refund(ctx context.Context, in RefundInput) (*RefundResult, error) {
	ctx, span := s.tracer.Start(ctx, "payments.Refund")
	defer span.End()

	var result *RefundResult
	err := s.withTransactionLock(ctx, in.TransactionID, func() error {
		var err error
		result, err = s.refundLocked(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) refundLocked(ctx context.Context, in RefundInput) (*RefundResult, error) {
	txn, err := s.ledger.GetByID(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	if !s.canRefund(in.Actor, txn) {
		return nil, payerr.New(payerr.KindForbidden, "not allowed to refund this transaction")
	}
	if txn.Status != models.StatusCompleted && txn.Status != models.StatusPartiallyRefunded {
		return nil, payerr.Newf(payerr.KindNotRefundable, "a %s transaction cannot be refunded", txn.Status)
	}

	remaining := txn.AvailableToRefund()
	if !remaining.IsPositive() {
		return nil, payerr.New(payerr.KindInsufficientRefundable, "nothing left to refund until pending refunds settle")
	}
	amount := remaining
	if in.Amount.Valid {
		amount = in.Amount.Decimal
	}
	if !amount.IsPositive() {
		return nil, payerr.InvalidRequest("refund amount must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, payerr.InvalidRequest("refund amount has more than two decimal places")
	}
	if amount.GreaterThan(remaining) {
		return nil, payerr.Newf(payerr.KindInsufficientRefundable,
			"refund of %s exceeds the refundable %s", amount.StringFixed(2), remaining.StringFixed(2))
	}

	adapter, err := s.registry.Get(txn.Provider)
	if err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{
		"transactionId": txn.ID,
		"provider":      txn.Provider,
		"amount":        amount.String(),
	})

	resp, err := adapter.Refund(ctx, providers.RefundRequest{
		Reference:     txn.Reference(),
		CorrelationID: txn.CorrelationID,
		Amount:        amount,
		Currency:      txn.Currency,
		Reason:        in.Reason,
	})
	if err != nil {
		err = providerError(err)
		log.WithError(err).Warn("provider refund failed")
		return nil, err
	}

	actor := "user:" + in.Actor.UserID
	switch resp.Status {
	case models.StatusCompleted:
	case models.StatusFailed:
		log.Warn("provider declined refund")
		return nil, payerr.New(payerr.KindProviderUnavailable, "provider could not process the refund")
	default:
		next, err := s.reserveRefund(ctx, txn, models.PendingRefund{
			Reference:   firstNonEmpty(resp.RefundReference, "unreferenced-"+uuid.NewString()),
			Amount:      amount,
			Reason:      in.Reason,
			RequestedBy: actor,
			RequestedAt: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		log.WithField("refundReference", resp.RefundReference).Info("refund accepted, awaiting provider settlement")
		return &RefundResult{Transaction: next, Amount: amount, RefundReference: resp.RefundReference, Pending: true}, nil
	}

	next, err := s.recordRefund(ctx, txn, models.PendingRefund{
		Reference:   resp.RefundReference,
		Amount:      amount,
		Reason:      in.Reason,
		RequestedBy: actor,
	}, actor)
	if err != nil {
		return nil, err
	}
	log.WithField("status", next.Status).Info("refund recorded")
	return &RefundResult{Transaction: next, Amount: amount, RefundReference: resp.RefundReference}, nil
}

// reserveRefund records a refund the provider accepted asynchronously so
// it counts against the refundable amount until it settles.
func (s *Service) reserveRefund(ctx context.Context, txn *models.Transaction, p models.PendingRefund) (*models.Transaction, error) {
	next, err := s.ledger.Amend(context.WithoutCancel(ctx), txn.ID, repository.Change{
		From:        txn.Status,
		To:          txn.Status,
		Action:      models.AuditRefundRequested,
		PerformedBy: p.RequestedBy,
		Reason:      p.Reason,
		Apply: func(t *models.Transaction) error {
			t.AddPendingRefund(p)
			return nil
		},
	})
	if err != nil {
		config.LogError(s.log, "payments", "Refund", "provider accepted refund but ledger reservation failed",
			map[string]any{"transactionId": txn.ID, "amount": p.Amount.String(), "refundReference": p.Reference}, err)
		return nil, err
	}
	return next, nil
}

// recordRefund moves RefundedAmount and the status for a refund the
// provider has confirmed. A matching pending reservation is released in
// the same write.
func (s *Service) recordRefund(ctx context.Context, txn *models.Transaction, p models.PendingRefund, performedBy string) (*models.Transaction, error) {
	refunded := txn.RefundedAmount.Add(p.Amount)
	to := models.StatusPartiallyRefunded
	if refunded.Equal(txn.Amount) {
		to = models.StatusRefunded
	}
	next, err := s.ledger.Transition(context.WithoutCancel(ctx), txn.ID, repository.Change{
		From:        txn.Status,
		To:          to,
		Action:      models.AuditRefund,
		PerformedBy: performedBy,
		Reason:      p.Reason,
		Apply: func(t *models.Transaction) error {
			t.RemovePendingRefund(p.Reference)
			t.RefundedAmount = refunded
			t.AppendMeta(models.MetaRefunds, map[string]any{
				"amount":    p.Amount.StringFixed(2),
				"reference": p.Reference,
				"reason":    p.Reason,
				"by":        p.RequestedBy,
				"at":        time.Now().UTC().Format(time.RFC3339),
			})
			return nil
		},
	})
	if err != nil {
		// The provider already returned the money; this needs a human.
		config.LogError(s.log, "payments", "Refund", "provider refunded but ledger update failed",
			map[string]any{"transactionId": txn.ID, "amount": p.Amount.String(), "refundReference": p.Reference}, err)
		return nil, err
	}
	s.publish(ctx, notify.PaymentRefunded, next)
	return next, nil
}

// settleRefund applies a provider's answer for one pending refund. It must
// run under the transaction lock with cur freshly read.
func (s *Service) settleRefund(ctx context.Context, cur *models.Transaction, reference string, status models.TransactionStatus, source string) (models.WebhookOutcome, *models.Transaction, error) {
	p, ok := cur.PendingRefund(reference)
	if !ok {
		return models.WebhookDuplicate, cur, nil
	}
	log := s.log.WithFields(logrus.Fields{
		"transactionId":   cur.ID,
		"refundReference": reference,
		"reported":        status,
		"source":          source,
	})

	switch status {
	case models.StatusCompleted, models.StatusRefunded, models.StatusPartiallyRefunded:
		next, err := s.recordRefund(ctx, cur, p, source)
		if err != nil {
			return "", nil, err
		}
		log.WithField("status", next.Status).Info("pending refund settled")
		return models.WebhookApplied, next, nil
	case models.StatusFailed:
		next, err := s.ledger.Amend(context.WithoutCancel(ctx), cur.ID, repository.Change{
			From:        cur.Status,
			To:          cur.Status,
			Action:      models.AuditRefundRejected,
			PerformedBy: source,
			Reason:      p.Reason,
			Apply: func(t *models.Transaction) error {
				t.RemovePendingRefund(reference)
				return nil
			},
		})
		if err != nil {
			return "", nil, err
		}
		log.Warn("provider rejected pending refund, amount released")
		return models.WebhookApplied, next, nil
	}
	return models.WebhookIgnored, cur, nil
}

// pollPendingRefunds asks the provider about every unsettled refund of cur
// and applies the answers. Providers without a refund status endpoint are
// left to their callbacks.
func (s *Service) pollPendingRefunds(ctx context.Context, adapter providers.Adapter, cur *models.Transaction) (*models.Transaction, error) {
	poller, ok := adapter.(providers.RefundPoller)
	if !ok {
		return cur, nil
	}
	for _, p := range cur.PendingRefunds() {
		resp, err := poller.RefundStatus(ctx, p.Reference)
		if err != nil {
			s.log.WithFields(logrus.Fields{"transactionId": cur.ID, "refundReference": p.Reference}).
				WithError(err).Warn("refund status poll failed")
			continue
		}
		_, next, err := s.settleRefund(ctx, cur, p.Reference, resp.Status, "verify:"+adapter.ID())
		if err != nil {
			return cur, err
		}
		cur = next
	}
	return cur, nil
}
