package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
)

const paystackSecret = "sk_test_callbacks"

func realPaystack(t *testing.T) providers.Adapter {
	t.Helper()
	a, err := providers.NewPaystack(config.ProviderConfig{
		Enabled:    true,
		BaseURL:    "http://paystack.invalid",
		SecretKey:  paystackSecret,
		Currencies: []string{"GHS"},
	})
	require.NoError(t, err)
	return a
}

func signed(body string) (http.Header, []byte) {
	mac := hmac.New(sha512.New, []byte(paystackSecret))
	mac.Write([]byte(body))
	h := http.Header{}
	h.Set("x-paystack-signature", hex.EncodeToString(mac.Sum(nil)))
	return h, []byte(body)
}

const paystackSuccess = `{"event":"charge.success","data":{"reference":"PS-123","status":"success","amount":50000,"currency":"GHS"}}`

func TestCallbackCompletesPaystackPaymentInMajorUnits(t *testing.T) {
	f := newFixture(t, realPaystack(t))
	txn := f.seed(t, "paystack", "PS-123", 500, models.StatusProcessing)

	h, body := signed(paystackSuccess)
	res, err := f.svc.HandleCallback(context.Background(), "paystack", h, body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookApplied, res.Outcome)

	got := f.reload(t, txn.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "500.00", got.MetaString(models.MetaCreditedAmount))
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, f.events.count(notify.PaymentCompleted))

	events, err := f.webhooks.ListByProvider(context.Background(), "paystack", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookApplied, events[0].Outcome)
	assert.Equal(t, "PS-123", events[0].ProviderReference)
}

func TestDuplicateCallbacksCreditOnce(t *testing.T) {
	f := newFixture(t, realPaystack(t))
	txn := f.seed(t, "paystack", "PS-123", 500, models.StatusProcessing)

	const deliveries = 6
	outcomes := make([]models.WebhookOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, body := signed(paystackSuccess)
			res, err := f.svc.HandleCallback(context.Background(), "paystack", h, body)
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == models.WebhookApplied {
			applied++
		} else {
			assert.Equal(t, models.WebhookDuplicate, o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.events.count(notify.PaymentCompleted))

	trail, err := f.ledger.AuditTrail(context.Background(), txn.ID)
	require.NoError(t, err)
	completions := 0
	for _, e := range trail {
		if e.ToStatus == models.StatusCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}

func TestCallbackAmountMismatchIsNotCredited(t *testing.T) {
	f := newFixture(t, realPaystack(t))
	txn := f.seed(t, "paystack", "PS-123", 600, models.StatusProcessing)

	h, body := signed(paystackSuccess)
	res, err := f.svc.HandleCallback(context.Background(), "paystack", h, body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookAmountMismatch, res.Outcome)

	got := f.reload(t, txn.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Empty(t, got.MetaString(models.MetaCreditedAmount))
	mismatch, ok := got.Metadata[models.MetaAmountMismatch].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "600.00", mismatch["expected"])
	assert.Equal(t, "500", mismatch["received"])
	assert.Zero(t, f.events.count(notify.PaymentCompleted))
}

func TestCallbackOutcomes(t *testing.T) {
	f := newFixture(t, realPaystack(t))
	failed := f.seed(t, "paystack", "PS-FAILED", 500, models.StatusFailed)
	f.seed(t, "paystack", "PS-PENDING", 500, models.StatusProcessing)

	cases := map[string]struct {
		body string
		want models.WebhookOutcome
	}{
		"unmatched":         {`{"event":"charge.success","data":{"reference":"PS-404","status":"success","amount":100}}`, models.WebhookUnmatched},
		"malformed":         {`{"event":"charge.success"`, models.WebhookMalformed},
		"non-terminal":      {`{"event":"charge.pending","data":{"reference":"PS-PENDING","status":"ongoing"}}`, models.WebhookIgnored},
		"unknown status":    {`{"event":"charge.x","data":{"reference":"PS-PENDING","status":"weird"}}`, models.WebhookIgnored},
		"success on failed": {`{"event":"charge.success","data":{"reference":"PS-FAILED","status":"success","amount":50000}}`, models.WebhookIgnored},
		"repeat failure":    {`{"event":"charge.failed","data":{"reference":"PS-FAILED","status":"failed"}}`, models.WebhookDuplicate},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h, body := signed(tc.body)
			res, err := f.svc.HandleCallback(context.Background(), "paystack", h, body)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Outcome)
		})
	}
	assert.Equal(t, models.StatusFailed, f.reload(t, failed.ID).Status)
}

func TestCallbackFailureTransition(t *testing.T) {
	f := newFixture(t, realPaystack(t))
	txn := f.seed(t, "paystack", "PS-7", 500, models.StatusProcessing)

	h, body := signed(`{"event":"charge.failed","data":{"reference":"PS-7","status":"failed","gateway_response":"Insufficient Funds"}}`)
	res, err := f.svc.HandleCallback(context.Background(), "paystack", h, body)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookApplied, res.Outcome)

	got := f.reload(t, txn.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Insufficient Funds", got.MetaString(models.MetaFailureReason))
}

func TestCallbackSignatureRejected(t *testing.T) {
	f := newFixture(t, realPaystack(t))
	f.seed(t, "paystack", "PS-123", 500, models.StatusProcessing)

	h := http.Header{}
	h.Set("x-paystack-signature", "deadbeef")
	_, err := f.svc.HandleCallback(context.Background(), "paystack", h, []byte(paystackSuccess))
	assert.ErrorIs(t, err, payerr.ErrForbidden)

	events, err := f.webhooks.ListByProvider(context.Background(), "paystack", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookRejected, events[0].Outcome)
}

func TestCallbackUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.HandleCallback(context.Background(), "bitcoin", http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, payerr.ErrNotFound)
}

func TestCallbackFallsBackToCorrelationID(t *testing.T) {
	ctrl := gomock.NewController(t)
	momo := mockAdapter(ctrl, "mtn_momo", providers.KindMobileMoney)
	f := newFixture(t, momo)
	txn := f.seed(t, "mtn_momo", "", 25, models.StatusProcessing)

	momo.EXPECT().ParseCallback(gomock.Any()).Return(&providers.CallbackDelta{
		CorrelationID: txn.CorrelationID,
		Status:        models.StatusCompleted,
		Amount:        decimal.NewNullDecimal(decimal.NewFromInt(25)),
	}, nil)

	res, err := f.svc.HandleCallback(context.Background(), "mtn_momo", http.Header{}, []byte(`{"externalId":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookApplied, res.Outcome)
	require.NotNil(t, res.TransactionID)
	assert.Equal(t, txn.ID, *res.TransactionID)
}

func TestVerifyAppliesProviderStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	paystack := mockAdapter(ctrl, "paystack", providers.KindCard)
	f := newFixture(t, paystack)
	txn := f.seed(t, "paystack", "PS-55", 500, models.StatusProcessing)

	gomock.InOrder(
		paystack.EXPECT().Verify(gomock.Any(), "PS-55").Return(nil, payerr.New(payerr.KindTimeout, "slow")),
		paystack.EXPECT().Verify(gomock.Any(), "PS-55").Return(&providers.VerifyResponse{
			Reference: "PS-55",
			Status:    models.StatusCompleted,
			Amount:    decimal.NewFromInt(500),
			Currency:  "GHS",
		}, nil),
	)

	res, err := f.svc.Verify(context.Background(), "paystack", "PS-55", Actor{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, models.WebhookApplied, res.Outcome)
	assert.Equal(t, models.StatusCompleted, res.Transaction.Status)
	assert.Equal(t, models.StatusCompleted, f.reload(t, txn.ID).Status)

	_, err = f.svc.Verify(context.Background(), "paystack", "PS-55", Actor{UserID: "user-2"})
	assert.ErrorIs(t, err, payerr.ErrForbidden)
}

func TestVerifyRacingCallbackCreditsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	paystack := mockAdapter(ctrl, "paystack", providers.KindCard)
	f := newFixture(t, paystack)
	txn := f.seed(t, "paystack", "PS-88", 500, models.StatusProcessing)

	paystack.EXPECT().ParseCallback(gomock.Any()).AnyTimes().Return(&providers.CallbackDelta{
		Reference: "PS-88",
		Status:    models.StatusCompleted,
		Amount:    decimal.NewNullDecimal(decimal.NewFromInt(500)),
		Currency:  "GHS",
	}, nil)
	paystack.EXPECT().Verify(gomock.Any(), "PS-88").AnyTimes().Return(&providers.VerifyResponse{
		Reference: "PS-88",
		Status:    models.StatusCompleted,
		Amount:    decimal.NewFromInt(500),
		Currency:  "GHS",
	}, nil)

	const rounds = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []models.WebhookOutcome
	)
	record := func(o models.WebhookOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := f.svc.HandleCallback(context.Background(), "paystack", http.Header{}, []byte(`{"reference":"PS-88"}`))
			if assert.NoError(t, err) {
				record(res.Outcome)
			}
		}()
		go func() {
			defer wg.Done()
			res, err := f.svc.Verify(context.Background(), "paystack", "PS-88", Actor{UserID: "user-1"})
			if assert.NoError(t, err) {
				record(res.Outcome)
			}
		}()
	}
	wg.Wait()

	require.Len(t, outcomes, 2*rounds)
	applied := 0
	for _, o := range outcomes {
		if o == models.WebhookApplied {
			applied++
		} else {
			assert.Equal(t, models.WebhookDuplicate, o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.events.count(notify.PaymentCompleted))

	trail, err := f.ledger.AuditTrail(context.Background(), txn.ID)
	require.NoError(t, err)
	completions := 0
	for _, e := range trail {
		if e.ToStatus == models.StatusCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
	assert.Equal(t, models.StatusCompleted, f.reload(t, txn.ID).Status)
}
