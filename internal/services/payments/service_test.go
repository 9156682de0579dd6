package payments

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/lock"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/providers/mocks"
	"payment-orchestration-backend/internal/repository"
	"payment-orchestration-backend/internal/testutil"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) count(typ notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	ledger   *repository.TransactionRepository
	webhooks *repository.WebhookRepository
	events   *recordingNotifier
}

func paymentsConfig() config.PaymentsConfig {
	return config.PaymentsConfig{
		SupportedCurrencies: []string{"GHS", "NGN", "USD"},
		DefaultPhoneRegion:  "GH",
		RefundRoles:         []string{"admin", "finance"},
	}
}

func newFixture(t *testing.T, adapters ...providers.Adapter) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log, _ := testutil.Logger()

	f := &fixture{
		db:       db,
		ledger:   repository.NewTransactionRepository(db, log),
		webhooks: repository.NewWebhookRepository(db),
		events:   &recordingNotifier{},
	}
	f.svc = NewService(Deps{
		Ledger:    f.ledger,
		Directory: repository.NewDirectoryRepository(db),
		Webhooks:  f.webhooks,
		Registry:  providers.NewRegistry(adapters...),
		Locker:    lock.NewLocal(),
		Notifier:  f.events,
		Config:    paymentsConfig(),
		Logger:    log,
	})
	testutil.SeedUser(t, db, "user-1", "0241234567", "ama@example.com")
	testutil.SeedUser(t, db, "user-2", "0201234567", "kofi@example.com")
	return f
}

func mockAdapter(ctrl *gomock.Controller, id string, kind providers.Kind) *mocks.MockAdapter {
	m := mocks.NewMockAdapter(ctrl)
	m.EXPECT().ID().Return(id).AnyTimes()
	m.EXPECT().Kind().Return(kind).AnyTimes()
	m.EXPECT().Currencies().Return([]string{"GHS", "NGN"}).AnyTimes()
	return m
}

// seed writes a transaction straight through the ledger and walks it to
// status.
func (f *fixture) seed(t *testing.T, provider, reference string, amount int64, status models.TransactionStatus) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	txn := &models.Transaction{
		UserID:   "user-1",
		Provider: provider,
		Amount:   decimal.NewFromInt(amount),
		Currency: "GHS",
		Type:     models.TypePayment,
	}
	require.NoError(t, f.ledger.Create(ctx, txn, "test"))
	if status == models.StatusPending {
		return txn
	}

	path := map[models.TransactionStatus][]models.TransactionStatus{
		models.StatusProcessing: {models.StatusProcessing},
		models.StatusCompleted:  {models.StatusProcessing, models.StatusCompleted},
		models.StatusFailed:     {models.StatusProcessing, models.StatusFailed},
	}[status]
	require.NotEmpty(t, path, "unsupported seed status %s", status)

	cur := txn
	for i, to := range path {
		var err error
		cur, err = f.ledger.Transition(ctx, cur.ID, repository.Change{
			From: cur.Status,
			To:   to,
			Apply: func(row *models.Transaction) error {
				if i == 0 && reference != "" {
					row.ProviderReference = &reference
				}
				return nil
			},
		})
		require.NoError(t, err)
	}
	return cur
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *models.Transaction {
	t.Helper()
	txn, err := f.ledger.GetByID(context.Background(), id)
	require.NoError(t, err)
	return txn
}
