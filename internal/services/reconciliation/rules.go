package reconciliation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/lock"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/repository"
)

// statusAgrees compares a ledger status with a provider status. Providers
// keep reporting the original charge as successful after a refund, so a
// refunded ledger row agrees with a completed provider record.
func statusAgrees(local, provider models.TransactionStatus) bool {
	if local == provider {
		return true
	}
	return provider == models.StatusCompleted &&
		(local == models.StatusRefunded || local == models.StatusPartiallyRefunded)
}

func agrees(local *models.Transaction, rec providers.Record) bool {
	if !statusAgrees(local.Status, rec.Status) {
		return false
	}
	if !local.Amount.Equal(rec.Amount) {
		return false
	}
	return rec.Currency == "" || strings.EqualFold(local.Currency, rec.Currency)
}

func nullAmount(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NewNullDecimal(d)
}

// correct applies the provider's view to a mismatched row when the status
// machine allows it. It reports (false, note, nil) for corrections that are
// left to a human.
func (s *ReconciliationService) correct(ctx context.Context, run *providerRun, id uuid.UUID, rec providers.Record) (bool, string, error) {
	ctx = context.WithoutCancel(ctx)
	release, err := s.locker.Acquire(ctx, lock.TransactionKey(id.String()))
	if err != nil {
		return false, "", err
	}
	defer release()

	cur, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return false, "", err
	}
	if agrees(cur, rec) {
		return false, "resolved before correction", nil
	}
	if rec.Currency != "" && !strings.EqualFold(cur.Currency, rec.Currency) {
		return false, "currency differences are not corrected automatically", nil
	}
	if !rec.Status.Valid() {
		return false, fmt.Sprintf("provider status %q cannot be applied", rec.RawStatus), nil
	}

	amountChanged := !cur.Amount.Equal(rec.Amount)
	if statusAgrees(cur.Status, rec.Status) {
		if cur.Status.IsTerminal() {
			return false, fmt.Sprintf("amount of a %s transaction is not changed automatically", cur.Status), nil
		}
		return false, "amount differs without a status change to apply it with", nil
	}
	if !models.CanTransition(cur.Status, rec.Status) {
		return false, fmt.Sprintf("%s to %s is not a permitted transition", cur.Status, rec.Status), nil
	}
	if amountChanged && cur.Status.IsTerminal() {
		return false, fmt.Sprintf("amount of a %s transaction is not changed automatically", cur.Status), nil
	}
	if rec.Status == models.StatusPartiallyRefunded {
		return false, "provider did not report the refunded amount", nil
	}
	if amountChanged && !rec.Amount.IsPositive() {
		return false, "provider amount is not positive", nil
	}

	reason := fmt.Sprintf("provider reported %s", rec.Status)
	_, err = s.ledger.Transition(ctx, cur.ID, repository.Change{
		From:        cur.Status,
		To:          rec.Status,
		Action:      models.AuditCorrection,
		PerformedBy: performedBy,
		Reason:      reason,
		Apply: func(t *models.Transaction) error {
			entry := map[string]any{
				"reportId":   run.in.ReportID.String(),
				"fromStatus": string(cur.Status),
				"toStatus":   string(rec.Status),
				"rawStatus":  rec.RawStatus,
				"at":         time.Now().UTC().Format(time.RFC3339),
			}
			if amountChanged {
				entry["fromAmount"] = t.Amount.StringFixed(2)
				entry["toAmount"] = rec.Amount.StringFixed(2)
				t.Amount = rec.Amount
			}
			switch rec.Status {
			case models.StatusCompleted:
				t.SetMeta(models.MetaCreditedAmount, t.Amount.StringFixed(2))
			case models.StatusRefunded:
				t.RefundedAmount = t.Amount
			case models.StatusFailed:
				t.SetMeta(models.MetaFailureReason, "reported failed by "+run.adapter.ID()+" during reconciliation")
			}
			t.AppendMeta(models.MetaCorrections, entry)
			return nil
		},
	})
	if err != nil {
		return false, "", err
	}
	run.log.WithFields(logrus.Fields{
		"transactionId": cur.ID,
		"from":          cur.Status,
		"to":            rec.Status,
	}).Info("ledger corrected from provider record")
	return true, reason, nil
}

// synthesizePath is the chain of legal transitions from pending to a
// provider status.
var synthesizePath = map[models.TransactionStatus][]models.TransactionStatus{
	models.StatusPending:    nil,
	models.StatusProcessing: {models.StatusProcessing},
	models.StatusCompleted:  {models.StatusCompleted},
	models.StatusFailed:     {models.StatusFailed},
	models.StatusRefunded:   {models.StatusCompleted, models.StatusRefunded},
}

// synthesize creates the ledger row a provider record should have had and
// walks it to the provider's status.
func (s *ReconciliationService) synthesize(ctx context.Context, run *providerRun, rec providers.Record) (*models.Transaction, string, error) {
	ctx = context.WithoutCancel(ctx)
	path, ok := synthesizePath[rec.Status]
	if !ok {
		return nil, fmt.Sprintf("provider status %s cannot be synthesized", rec.Status), nil
	}
	if !rec.Amount.IsPositive() {
		return nil, "provider amount is not positive", nil
	}
	if rec.Reference == "" {
		return nil, "provider record has no reference", nil
	}
	currency := strings.ToUpper(rec.Currency)
	if currency == "" {
		return nil, "provider record has no currency", nil
	}

	userID := rec.Customer
	if userID == "" {
		userID = "unknown"
	}
	ref := rec.Reference
	t := &models.Transaction{
		UserID:            userID,
		Provider:          run.adapter.ID(),
		ProviderReference: &ref,
		CorrelationID:     rec.CorrelationID,
		Amount:            rec.Amount,
		Currency:          currency,
		Type:              models.TypePayment,
	}
	t.SetMeta(models.MetaSynthesized, true)
	t.SetMeta("reconciliationReportId", run.in.ReportID.String())
	if err := s.ledger.Create(ctx, t, performedBy); err != nil {
		return nil, "", err
	}

	cur := t
	for _, to := range path {
		next, err := s.ledger.Transition(ctx, cur.ID, repository.Change{
			From:        cur.Status,
			To:          to,
			Action:      models.AuditSynthesized,
			PerformedBy: performedBy,
			Reason:      "synthesized from provider record",
			Apply: func(row *models.Transaction) error {
				switch to {
				case models.StatusCompleted:
					row.SetMeta(models.MetaCreditedAmount, row.Amount.StringFixed(2))
				case models.StatusRefunded:
					row.RefundedAmount = row.Amount
				}
				return nil
			},
		})
		if err != nil {
			return cur, "", err
		}
		cur = next
	}
	run.log.WithFields(logrus.Fields{
		"transactionId": cur.ID,
		"reference":     rec.Reference,
		"status":        cur.Status,
	}).Info("synthesized ledger transaction from provider record")
	return cur, "synthesized", nil
}

