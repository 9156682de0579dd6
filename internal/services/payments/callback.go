package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/repository"
)

type CallbackResult struct {
	Outcome       models.WebhookOutcome
	TransactionID *uuid.UUID
	Status        models.TransactionStatus
}

// HandleCallback applies one provider notification. Every logical outcome
// is reported through CallbackResult; an error is only returned for a bad
// signature, an unknown provider or a store failure the provider should
// retry.
func (s *Service) HandleCallback(ctx context.Context, provider string, header http.Header, raw []byte) (*CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "payments.HandleCallback")
	defer span.End()
	span.SetAttributes(attribute.String("provider", provider))

	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, payerr.NotFound("unknown provider %s", provider)
	}
	log := s.log.WithField("provider", provider)

	if sv, ok := adapter.(providers.SignatureVerifier); ok {
		if err := sv.VerifySignature(header, raw); err != nil {
			log.WithError(err).Warn("callback signature rejected")
			if ev, rerr := s.webhooks.Record(ctx, provider, raw); rerr == nil {
				_ = s.webhooks.Resolve(ctx, ev.ID, "", nil, models.WebhookRejected, err.Error())
			}
			return nil, err
		}
	}

	event, err := s.webhooks.Record(ctx, provider, raw)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindInternal, "could not store callback", err)
	}

	res, ref, err := s.handleCallback(ctx, adapter, raw, log)
	if err != nil {
		_ = s.webhooks.Resolve(context.WithoutCancel(ctx), event.ID, ref, nil, models.WebhookFailed, err.Error())
		return nil, err
	}
	errMsg := ""
	if res.Outcome == models.WebhookMalformed {
		errMsg = "unparseable payload"
	}
	if err := s.webhooks.Resolve(ctx, event.ID, ref, res.TransactionID, res.Outcome, errMsg); err != nil {
		log.WithError(err).Warn("failed to resolve webhook event")
	}
	log.WithFields(logrus.Fields{"outcome": res.Outcome, "reference": ref}).Info("callback handled")
	return res, nil
}

func (s *Service) handleCallback(ctx context.Context, adapter providers.Adapter, raw []byte, log logrus.FieldLogger) (*CallbackResult, string, error) {
	delta, err := adapter.ParseCallback(raw)
	if err != nil {
		log.WithError(err).Warn("malformed callback")
		return &CallbackResult{Outcome: models.WebhookMalformed}, "", nil
	}
	ref := firstNonEmpty(delta.Reference, delta.CorrelationID)

	txn, err := s.locate(ctx, adapter.ID(), delta.Reference, delta.CorrelationID)
	if errors.Is(err, payerr.ErrNotFound) {
		log.WithField("reference", ref).Warn("callback for unknown transaction")
		return &CallbackResult{Outcome: models.WebhookUnmatched}, ref, nil
	}
	if err != nil {
		return nil, ref, err
	}

	obs := observation{
		Status:        delta.Status,
		Amount:        delta.Amount,
		Currency:      delta.Currency,
		Reference:     delta.Reference,
		FailureReason: delta.FailureReason,
		Source:        "callback:" + adapter.ID(),
	}
	var res *CallbackResult
	err = s.withTransactionLock(ctx, txn.ID, func() error {
		outcome, cur, err := s.applyObservation(ctx, txn.ID, obs)
		if err != nil {
			return err
		}
		id := cur.ID
		res = &CallbackResult{Outcome: outcome, TransactionID: &id, Status: cur.Status}
		return nil
	})
	return res, ref, err
}

// locate finds a provider's transaction by its reference, falling back to
// our correlation id for providers that echo it instead.
func (s *Service) locate(ctx context.Context, provider, reference, correlationID string) (*models.Transaction, error) {
	if reference != "" {
		t, err := s.ledger.FindByProviderReference(ctx, provider, reference)
		if err == nil || !errors.Is(err, payerr.ErrNotFound) {
			return t, err
		}
	}
	for _, id := range []string{correlationID, reference} {
		if id == "" {
			continue
		}
		t, err := s.ledger.FindByCorrelationID(ctx, id)
		if err == nil && t.Provider != provider {
			continue
		}
		if err == nil || !errors.Is(err, payerr.ErrNotFound) {
			return t, err
		}
	}
	return nil, payerr.NotFound("no transaction for %s reference %q", provider, reference)
}

// observation is a provider-reported state from a callback or a verify poll.
type observation struct {
	Status        models.TransactionStatus
	Amount        decimal.NullDecimal
	Currency      string
	Reference     string
	FailureReason string
	Source        string
}

// applyObservation must run under the transaction lock. It re-reads the
// row, decides the outcome and moves the ledger through the guarded path.
func (s *Service) applyObservation(ctx context.Context, id uuid.UUID, obs observation) (models.WebhookOutcome, *models.Transaction, error) {
	cur, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	log := s.log.WithFields(logrus.Fields{
		"transactionId": cur.ID,
		"current":       cur.Status,
		"reported":      obs.Status,
		"source":        obs.Source,
	})

	// Async refund settlements carry the refund's own reference.
	if p, ok := cur.PendingRefund(obs.Reference); ok {
		return s.settleRefund(ctx, cur, p.Reference, obs.Status, obs.Source)
	}

	switch obs.Status {
	case models.StatusCompleted:
		switch {
		case cur.Status.IsSettled():
			return models.WebhookDuplicate, cur, nil
		case cur.Status == models.StatusFailed:
			log.Error("provider reports success for a failed transaction")
			return models.WebhookIgnored, cur, nil
		}
		if mismatch(cur, obs) {
			next, err := s.ledger.Annotate(ctx, cur.ID, cur.Status, func(meta map[string]any) {
				meta[models.MetaAmountMismatch] = map[string]any{
					"expected":   cur.Amount.StringFixed(2),
					"received":   obs.Amount.Decimal.String(),
					"currency":   obs.Currency,
					"source":     obs.Source,
					"observedAt": time.Now().UTC().Format(time.RFC3339),
				}
			})
			if err != nil {
				return "", nil, err
			}
			log.WithField("received", obs.Amount.Decimal.String()).Warn("provider amount differs from ledger, not crediting")
			return models.WebhookAmountMismatch, next, nil
		}
		next, err := s.ledger.Transition(ctx, cur.ID, repository.Change{
			From:        cur.Status,
			To:          models.StatusCompleted,
			PerformedBy: obs.Source,
			Apply: func(t *models.Transaction) error {
				attachReference(t, obs.Reference)
				t.SetMeta(models.MetaCreditedAmount, t.Amount.StringFixed(2))
				return nil
			},
		})
		if err != nil {
			return "", nil, err
		}
		s.publish(ctx, notify.PaymentCompleted, next)
		return models.WebhookApplied, next, nil

	case models.StatusFailed:
		switch {
		case cur.Status == models.StatusFailed:
			return models.WebhookDuplicate, cur, nil
		case cur.Status.IsTerminal():
			log.Warn("provider reports failure for a settled transaction")
			return models.WebhookIgnored, cur, nil
		}
		next, err := s.ledger.Transition(ctx, cur.ID, repository.Change{
			From:        cur.Status,
			To:          models.StatusFailed,
			PerformedBy: obs.Source,
			Reason:      obs.FailureReason,
			Apply: func(t *models.Transaction) error {
				attachReference(t, obs.Reference)
				t.SetMeta(models.MetaFailureReason, firstNonEmpty(obs.FailureReason, "declined by provider"))
				return nil
			},
		})
		if err != nil {
			return "", nil, err
		}
		return models.WebhookApplied, next, nil

	case models.StatusRefunded, models.StatusPartiallyRefunded:
		// Without a refund reference the oldest pending refund is the one
		// the provider is confirming.
		if pending := cur.PendingRefunds(); len(pending) > 0 {
			return s.settleRefund(ctx, cur, pending[0].Reference, obs.Status, obs.Source)
		}
		if cur.Status == obs.Status {
			return models.WebhookDuplicate, cur, nil
		}
		// Refund state is driven by our own refund calls.
		log.Info("provider-side refund status noted, ledger unchanged")
		return models.WebhookIgnored, cur, nil
	}

	log.Debug("non-terminal provider status ignored")
	return models.WebhookIgnored, cur, nil
}

func mismatch(t *models.Transaction, obs observation) bool {
	if obs.Amount.Valid && !obs.Amount.Decimal.Equal(t.Amount) {
		return true
	}
	return obs.Currency != "" && !strings.EqualFold(obs.Currency, t.Currency)
}

func attachReference(t *models.Transaction, ref string) {
	if t.ProviderReference == nil && ref != "" {
		t.ProviderReference = &ref
	}
}

type VerifyResult struct {
	Provider       string
	Reference      string
	ProviderStatus models.TransactionStatus
	Amount         decimal.Decimal
	Currency       string
	Outcome        models.WebhookOutcome
	Transaction    *models.Transaction
}

// Verify polls the provider and applies a terminal answer through the same
// guarded path as callbacks. Pending refunds of the transaction are polled
// too when the provider supports it.
func (s *Service) Verify(ctx context.Context, provider, reference string, actor Actor) (*VerifyResult, error) {
	ctx, span := s.tracer.Start(ctx, "payments.Verify")
	defer span.End()

	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	if reference == "" {
		return nil, payerr.InvalidRequest("reference is required")
	}

	local, err := s.locate(ctx, provider, reference, reference)
	if err != nil && !errors.Is(err, payerr.ErrNotFound) {
		return nil, err
	}
	if local != nil && actor.UserID != local.UserID && !s.privileged(actor) {
		return nil, payerr.New(payerr.KindForbidden, "not allowed to verify this transaction")
	}
	if local == nil && !s.privileged(actor) {
		return nil, payerr.NotFound("transaction %s not found", reference)
	}

	var vr *providers.VerifyResponse
	err = providers.Retry(ctx, 3, 250*time.Millisecond, func(ctx context.Context) error {
		var err error
		vr, err = adapter.Verify(ctx, reference)
		return err
	})
	if err != nil {
		return nil, providerError(err)
	}

	res := &VerifyResult{
		Provider:       provider,
		Reference:      reference,
		ProviderStatus: vr.Status,
		Amount:         vr.Amount,
		Currency:       vr.Currency,
		Outcome:        models.WebhookUnmatched,
	}
	if local == nil {
		return res, nil
	}

	obs := observation{
		Status:        vr.Status,
		Currency:      vr.Currency,
		Reference:     vr.Reference,
		FailureReason: vr.FailureReason,
		Source:        "verify:" + provider,
	}
	if !vr.Amount.IsZero() {
		obs.Amount = decimal.NewNullDecimal(vr.Amount)
	}
	err = s.withTransactionLock(ctx, local.ID, func() error {
		outcome, cur, err := s.applyObservation(ctx, local.ID, obs)
		if err != nil {
			return err
		}
		if cur, err = s.pollPendingRefunds(ctx, adapter, cur); err != nil {
			return err
		}
		res.Outcome, res.Transaction = outcome, cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
