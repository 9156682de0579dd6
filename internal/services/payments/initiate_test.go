package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/testutil"
)

func cardInput() InitiateInput {
	return InitiateInput{
		UserID:   "user-1",
		Amount:   decimal.NewFromInt(500),
		Currency: "GHS",
		Provider: "paystack",
		Details:  PaymentDetails{CardToken: "AUTH_abc"},
	}
}

func TestInitiatePaymentRecordsProviderReference(t *testing.T) {
	ctrl := gomock.NewController(t)
	paystack := mockAdapter(ctrl, "paystack", providers.KindCard)
	f := newFixture(t, paystack)

	paystack.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req providers.InitiateRequest) (*providers.InitiateResponse, error) {
			// The row must already exist when the provider is called.
			pending, err := f.ledger.FindByCorrelationID(context.Background(), req.CorrelationID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, pending.Status)
			assert.Equal(t, "ama@example.com", req.Email)
			return &providers.InitiateResponse{ProviderReference: "PS-123", Status: models.StatusProcessing}, nil
		})

	res, err := f.svc.InitiatePayment(context.Background(), cardInput())
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, res.Transaction.Status)
	assert.Equal(t, "PS-123", res.Transaction.Reference())

	stored, err := f.ledger.FindByProviderReference(context.Background(), "paystack", "PS-123")
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, stored.ID)

	trail, err := f.ledger.AuditTrail(context.Background(), stored.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditCreated, trail[0].Action)
	assert.Equal(t, models.StatusProcessing, trail[1].ToStatus)
}

func TestInitiatePaymentProviderFailureLeavesFailedRow(t *testing.T) {
	cases := map[string]struct {
		providerErr error
		want        payerr.Kind
	}{
		"unavailable": {payerr.New(payerr.KindProviderUnavailable, "paystack is unavailable"), payerr.KindProviderUnavailable},
		"timeout":     {payerr.New(payerr.KindTimeout, "paystack did not respond in time"), payerr.KindTimeout},
		"unmapped":    {errors.New("socket closed"), payerr.KindProviderUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			paystack := mockAdapter(ctrl, "paystack", providers.KindCard)
			f := newFixture(t, paystack)
			paystack.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return(nil, tc.providerErr).Times(1)

			_, err := f.svc.InitiatePayment(context.Background(), cardInput())
			require.Error(t, err)
			assert.Equal(t, tc.want, payerr.KindOf(err))

			var rows []models.Transaction
			require.NoError(t, f.db.Find(&rows).Error)
			require.Len(t, rows, 1)
			assert.Equal(t, models.StatusFailed, rows[0].Status)
			assert.Equal(t, string(tc.want), rows[0].MetaString(models.MetaFailureKind))
			assert.NotEmpty(t, rows[0].MetaString(models.MetaFailureReason))
		})
	}
}

func TestInitiatePaymentSynchronousCompletion(t *testing.T) {
	ctrl := gomock.NewController(t)
	paystack := mockAdapter(ctrl, "paystack", providers.KindCard)
	f := newFixture(t, paystack)
	paystack.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		Return(&providers.InitiateResponse{ProviderReference: "PS-9", Status: models.StatusCompleted}, nil)

	res, err := f.svc.InitiatePayment(context.Background(), cardInput())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Transaction.Status)
	assert.Equal(t, "500.00", res.Transaction.MetaString(models.MetaCreditedAmount))
	assert.NotNil(t, res.Transaction.CompletedAt)
	assert.Equal(t, 1, f.events.count(notify.PaymentCompleted))
}

func TestInitiatePaymentValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	paystack := mockAdapter(ctrl, "paystack", providers.KindCard)
	momo := mockAdapter(ctrl, "mtn_momo", providers.KindMobileMoney)
	f := newFixture(t, paystack, momo)
	testutil.SeedUser(t, f.db, "no-phone", "", "")
	testutil.SeedRide(t, f.db, "ride-cancelled", "user-1", decimal.NewFromInt(40), "cancelled")
	testutil.SeedRide(t, f.db, "ride-other", "user-2", decimal.NewFromInt(40), "completed")

	str := func(s string) *string { return &s }
	cases := map[string]struct {
		mutate func(*InitiateInput)
		want   payerr.Kind
	}{
		"zero amount":         {func(in *InitiateInput) { in.Amount = decimal.Zero }, payerr.KindInvalidRequest},
		"negative amount":     {func(in *InitiateInput) { in.Amount = decimal.NewFromInt(-5) }, payerr.KindInvalidRequest},
		"sub-minor amount":    {func(in *InitiateInput) { in.Amount = decimal.RequireFromString("1.005") }, payerr.KindInvalidRequest},
		"unsupported ccy":     {func(in *InitiateInput) { in.Currency = "EUR" }, payerr.KindInvalidRequest},
		"provider lacks ccy":  {func(in *InitiateInput) { in.Currency = "USD" }, payerr.KindInvalidRequest},
		"unknown provider":    {func(in *InitiateInput) { in.Provider = "bitcoin" }, payerr.KindInvalidRequest},
		"unknown user":        {func(in *InitiateInput) { in.UserID = "ghost" }, payerr.KindNotFound},
		"unknown ride":        {func(in *InitiateInput) { in.RideID = str("ride-404") }, payerr.KindNotFound},
		"cancelled ride":      {func(in *InitiateInput) { in.RideID = str("ride-cancelled") }, payerr.KindInvalidRequest},
		"someone else's ride": {func(in *InitiateInput) { in.RideID = str("ride-other") }, payerr.KindForbidden},
		"momo without phone": {func(in *InitiateInput) {
			in.Provider, in.UserID = "mtn_momo", "no-phone"
		}, payerr.KindInvalidRequest},
		"momo invalid phone": {func(in *InitiateInput) {
			in.Provider, in.Details.PhoneNumber = "mtn_momo", "12345"
		}, payerr.KindInvalidRequest},
		"card without token or email": {func(in *InitiateInput) {
			in.UserID, in.Details = "no-phone", PaymentDetails{}
		}, payerr.KindInvalidRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := cardInput()
			tc.mutate(&in)
			_, err := f.svc.InitiatePayment(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, tc.want, payerr.KindOf(err), err.Error())
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count, "rejected requests must not create ledger rows")
}

func TestInitiateMobileMoneyNormalizesPhone(t *testing.T) {
	ctrl := gomock.NewController(t)
	momo := mockAdapter(ctrl, "mtn_momo", providers.KindMobileMoney)
	f := newFixture(t, momo)

	momo.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req providers.InitiateRequest) (*providers.InitiateResponse, error) {
			assert.Equal(t, "+233241234567", req.PhoneNumber)
			assert.Empty(t, req.CardToken)
			return &providers.InitiateResponse{ProviderReference: req.CorrelationID, Status: models.StatusProcessing, RequiresAction: true}, nil
		})

	in := cardInput()
	in.Provider = "mtn_momo"
	res, err := f.svc.InitiatePayment(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.RequiresAction)
	assert.Equal(t, res.Transaction.CorrelationID, res.Transaction.Reference())
	assert.Equal(t, "+233241234567", res.Transaction.MetaString(models.MetaPhoneNumber))
}

func TestInitiatePaymentIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	paystack := mockAdapter(ctrl, "paystack", providers.KindCard)
	f := newFixture(t, paystack)
	paystack.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		Return(&providers.InitiateResponse{ProviderReference: "PS-1", Status: models.StatusProcessing, RequiresAction: true, ActionURL: "https://pay/1"}, nil).
		Times(1)

	in := cardInput()
	in.IdempotencyKey = "ride-42-attempt-1"
	first, err := f.svc.InitiatePayment(context.Background(), in)
	require.NoError(t, err)

	second, err := f.svc.InitiatePayment(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, "https://pay/1", second.ActionURL)
	assert.True(t, second.RequiresAction)

	in.Amount = decimal.NewFromInt(900)
	_, err = f.svc.InitiatePayment(context.Background(), in)
	assert.ErrorIs(t, err, payerr.ErrConflict)
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("024 123 4567", "GH")
	require.NoError(t, err)
	assert.Equal(t, "+233241234567", got)

	got, err = NormalizePhone("+233241234567", "NG")
	require.NoError(t, err)
	assert.Equal(t, "+233241234567", got)

	_, err = NormalizePhone("not a number", "GH")
	assert.ErrorIs(t, err, payerr.ErrInvalidRequest)
}
