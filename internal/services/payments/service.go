// Package payments orchestrates payment initiation, provider callbacks,
// verification polls and refunds against the ledger.
package payments

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/lock"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/repository"
)

// Ledger is the subset of the transaction repository the orchestrator
// writes through.
type Ledger interface {
	Create(ctx context.Context, t *models.Transaction, performedBy string) error
	Transition(ctx context.Context, id uuid.UUID, ch repository.Change) (*models.Transaction, error)
	Annotate(ctx context.Context, id uuid.UUID, expected models.TransactionStatus, fn func(meta map[string]any)) (*models.Transaction, error)
	Amend(ctx context.Context, id uuid.UUID, ch repository.Change) (*models.Transaction, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByProviderReference(ctx context.Context, provider, reference string) (*models.Transaction, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
}

// Directory resolves users and rides owned by the rest of the platform.
type Directory interface {
	User(ctx context.Context, id string) (*repository.UserInfo, error)
	Ride(ctx context.Context, id string) (*repository.RideInfo, error)
}

// WebhookLog keeps every inbound callback body with its outcome.
type WebhookLog interface {
	Record(ctx context.Context, provider string, raw []byte) (*models.WebhookEvent, error)
	Resolve(ctx context.Context, id uuid.UUID, reference string, txID *uuid.UUID, outcome models.WebhookOutcome, errMsg string) error
}

type Deps struct {
	Ledger    Ledger
	Directory Directory
	Webhooks  WebhookLog
	Registry  *providers.Registry
	Locker    lock.Locker
	Notifier  notify.Notifier
	Config    config.PaymentsConfig
	Logger    logrus.FieldLogger
}

type Service struct {
	ledger    Ledger
	directory Directory
	webhooks  WebhookLog
	registry  *providers.Registry
	locker    lock.Locker
	notifier  notify.Notifier
	cfg       config.PaymentsConfig
	log       logrus.FieldLogger
	tracer    trace.Tracer
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{Logger: d.Logger}
	}
	if d.Config.DefaultPhoneRegion == "" {
		d.Config.DefaultPhoneRegion = "GH"
	}
	return &Service{
		ledger:    d.Ledger,
		directory: d.Directory,
		webhooks:  d.Webhooks,
		registry:  d.Registry,
		locker:    d.Locker,
		notifier:  d.Notifier,
		cfg:       d.Config,
		log:       d.Logger.WithField("module", "payments"),
		tracer:    otel.Tracer("payment-orchestration-backend/payments"),
	}
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   string
}

func (s *Service) canRefund(a Actor, t *models.Transaction) bool {
	return a.UserID == t.UserID || s.privileged(a)
}

func (s *Service) privileged(a Actor) bool {
	return a.Role != "" && slices.ContainsFunc(s.cfg.RefundRoles, func(r string) bool {
		return strings.EqualFold(r, a.Role)
	})
}

// withTransactionLock serializes work on one transaction across requests,
// workers and instances.
func (s *Service) withTransactionLock(ctx context.Context, id uuid.UUID, fn func() error) error {
	release, err := s.locker.Acquire(ctx, lock.TransactionKey(id.String()))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return payerr.Wrap(payerr.KindConflict, "transaction is busy, try again", err)
	}
	defer release()
	return fn()
}

// providerError makes sure nothing unmapped leaves the orchestrator.
func providerError(err error) error {
	var pe *payerr.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return payerr.Wrap(payerr.KindTimeout, "provider did not respond in time", err)
	}
	return payerr.Wrap(payerr.KindProviderUnavailable, "provider request failed", err)
}

func (s *Service) publish(ctx context.Context, typ notify.EventType, t *models.Transaction) {
	if err := s.notifier.Publish(context.WithoutCancel(ctx), notify.EventFor(typ, t)); err != nil {
		config.LogError(s.log, "payments", "publish", string(typ), t.ID, err)
	}
}

func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID, actor Actor) (*models.Transaction, error) {
	t, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.UserID != t.UserID && !s.privileged(actor) {
		return nil, payerr.New(payerr.KindForbidden, "not allowed to view this transaction")
	}
	return t, nil
}
