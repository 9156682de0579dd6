package payments

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/ttacon/libphonenumber"
	"go.opentelemetry.io/otel/attribute"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/repository"
)

type PaymentDetails struct {
	PhoneNumber     string
	CardToken       string
	PaymentMethodID string
	Email           string
}

type InitiateInput struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Provider       string
	Details        PaymentDetails
	RideID         *string
	IdempotencyKey string
	Type           models.TransactionType
	Metadata       map[string]any
}

type InitiateResult struct {
	Transaction    *models.Transaction
	RequiresAction bool
	ActionURL      string
}

// InitiatePayment records a pending transaction, then asks the provider to
// charge. The provider is called at most once per transaction; failures
// leave a failed row behind with the reason in its metadata.
func (s *Service) InitiatePayment(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "payments.InitiatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("provider", in.Provider), attribute.String("currency", in.Currency))

	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))

	if in.UserID == "" {
		return nil, payerr.InvalidRequest("user is required")
	}
	if !in.Amount.IsPositive() {
		return nil, payerr.InvalidRequest("amount must be greater than zero")
	}
	if !in.Amount.Equal(in.Amount.Round(2)) {
		return nil, payerr.InvalidRequest("amount has more than two decimal places")
	}
	if !slices.Contains(s.cfg.SupportedCurrencies, in.Currency) {
		return nil, payerr.InvalidRequest("currency %s is not supported", in.Currency)
	}
	adapter, err := s.registry.Get(in.Provider)
	if err != nil {
		return nil, err
	}
	if cs := adapter.Currencies(); len(cs) > 0 && !slices.Contains(cs, in.Currency) {
		return nil, payerr.InvalidRequest("%s does not support %s", in.Provider, in.Currency)
	}

	if in.IdempotencyKey != "" {
		if res, err := s.replay(ctx, in); res != nil || err != nil {
			return res, err
		}
	}

	req, err := s.prepare(ctx, adapter, in)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		UserID:   in.UserID,
		RideID:   in.RideID,
		Provider: in.Provider,
		Amount:   in.Amount,
		Currency: in.Currency,
		Type:     in.Type,
		Metadata: map[string]any{},
	}
	if txn.Type == "" {
		txn.Type = models.TypePayment
	}
	for k, v := range in.Metadata {
		txn.Metadata[k] = v
	}
	if req.PhoneNumber != "" {
		txn.Metadata[models.MetaPhoneNumber] = req.PhoneNumber
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		txn.IdempotencyKey = &key
	}
	if err := s.ledger.Create(ctx, txn, "user:"+in.UserID); err != nil {
		if payerr.KindOf(err) == payerr.KindConflict && in.IdempotencyKey != "" {
			// Lost a race with an identical request.
			if res, rerr := s.replay(ctx, in); res != nil || rerr != nil {
				return res, rerr
			}
		}
		return nil, err
	}
	req.CorrelationID = txn.CorrelationID

	log := s.log.WithFields(logrus.Fields{
		"transactionId": txn.ID,
		"provider":      in.Provider,
		"amount":        in.Amount.String(),
		"currency":      in.Currency,
	})

	resp, callErr := adapter.Initiate(ctx, req)
	if callErr != nil {
		callErr = providerError(callErr)
		log.WithError(callErr).Warn("provider initiation failed")
		s.markInitiateFailed(ctx, txn, callErr)
		return nil, callErr
	}

	var result *InitiateResult
	err = s.withTransactionLock(ctx, txn.ID, func() error {
		cur, err := s.ledger.GetByID(ctx, txn.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending {
			// A callback beat us here and already moved the row on.
			result = &InitiateResult{Transaction: cur, RequiresAction: resp.RequiresAction, ActionURL: resp.ActionURL}
			return nil
		}

		to := resp.Status
		switch to {
		case models.StatusCompleted, models.StatusFailed, models.StatusProcessing:
		default:
			to = models.StatusProcessing
		}
		next, err := s.ledger.Transition(ctx, cur.ID, repository.Change{
			From:        models.StatusPending,
			To:          to,
			PerformedBy: "provider:" + in.Provider,
			Reason:      "initiated",
			Apply: func(t *models.Transaction) error {
				if resp.ProviderReference != "" {
					ref := resp.ProviderReference
					t.ProviderReference = &ref
				}
				if resp.ActionURL != "" {
					t.SetMeta(models.MetaActionURL, resp.ActionURL)
				}
				if to == models.StatusCompleted {
					t.SetMeta(models.MetaCreditedAmount, t.Amount.StringFixed(2))
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		if to == models.StatusCompleted {
			s.publish(ctx, notify.PaymentCompleted, next)
		}
		result = &InitiateResult{Transaction: next, RequiresAction: resp.RequiresAction, ActionURL: resp.ActionURL}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("failed to record provider initiation")
		return nil, err
	}
	log.WithField("status", result.Transaction.Status).Info("payment initiated")
	return result, nil
}

// replay returns the earlier result for a repeated idempotency key.
func (s *Service) replay(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	prev, err := s.ledger.FindByIdempotencyKey(ctx, in.IdempotencyKey)
	if errors.Is(err, payerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prev.UserID != in.UserID || !prev.Amount.Equal(in.Amount) || prev.Provider != in.Provider {
		return nil, payerr.New(payerr.KindConflict, "idempotency key was used for a different payment")
	}
	action := prev.MetaString(models.MetaActionURL)
	return &InitiateResult{
		Transaction:    prev,
		RequiresAction: action != "" && !prev.Status.IsTerminal(),
		ActionURL:      action,
	}, nil
}

// prepare validates payer details against the directory and builds the
// provider request.
func (s *Service) prepare(ctx context.Context, adapter providers.Adapter, in InitiateInput) (providers.InitiateRequest, error) {
	req := providers.InitiateRequest{
		Amount:      in.Amount,
		Currency:    in.Currency,
		UserID:      in.UserID,
		Email:       in.Details.Email,
		PhoneNumber: in.Details.PhoneNumber,
		CardToken:   firstNonEmpty(in.Details.CardToken, in.Details.PaymentMethodID),
		Metadata:    in.Metadata,
	}

	if s.directory != nil {
		user, err := s.directory.User(ctx, in.UserID)
		if err != nil {
			return req, err
		}
		req.PhoneNumber = firstNonEmpty(req.PhoneNumber, user.Phone)
		req.Email = firstNonEmpty(req.Email, user.Email)

		if in.RideID != nil && *in.RideID != "" {
			ride, err := s.directory.Ride(ctx, *in.RideID)
			if err != nil {
				return req, err
			}
			if ride.UserID != "" && ride.UserID != in.UserID {
				return req, payerr.New(payerr.KindForbidden, "ride belongs to another user")
			}
			if strings.EqualFold(ride.Status, "cancelled") || strings.EqualFold(ride.Status, "canceled") {
				return req, payerr.InvalidRequest("ride %s was cancelled", ride.ID)
			}
			req.Description = "Ride " + ride.ID
		}
	}

	switch adapter.Kind() {
	case providers.KindMobileMoney:
		if req.PhoneNumber == "" {
			return req, payerr.InvalidRequest("phone number is required for mobile money")
		}
		phone, err := NormalizePhone(req.PhoneNumber, s.cfg.DefaultPhoneRegion)
		if err != nil {
			return req, err
		}
		req.PhoneNumber = phone
		req.CardToken = ""
	case providers.KindCard:
		if req.CardToken == "" && req.Email == "" {
			return req, payerr.InvalidRequest("card token, payment method or email is required for card payments")
		}
	}
	return req, nil
}

// NormalizePhone validates a number for region and formats it as E.164.
func NormalizePhone(number, region string) (string, error) {
	p, err := libphonenumber.Parse(number, region)
	if err != nil || !libphonenumber.IsValidNumber(p) {
		return "", payerr.InvalidRequest("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

func (s *Service) markInitiateFailed(ctx context.Context, txn *models.Transaction, cause error) {
	_, err := s.ledger.Transition(context.WithoutCancel(ctx), txn.ID, repository.Change{
		From:        models.StatusPending,
		To:          models.StatusFailed,
		PerformedBy: "provider:" + txn.Provider,
		Reason:      "initiation failed",
		Apply: func(t *models.Transaction) error {
			t.SetMeta(models.MetaFailureReason, payerr.Public(cause))
			t.SetMeta(models.MetaFailureKind, string(payerr.KindOf(cause)))
			return nil
		},
	})
	if err != nil && payerr.KindOf(err) != payerr.KindConflict {
		s.log.WithError(err).WithField("transactionId", txn.ID).Error("failed to mark transaction failed")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
