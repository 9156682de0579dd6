package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

func serverAdapter(t *testing.T, f Factory, h http.HandlerFunc, mutate ...func(*config.ProviderConfig)) Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 2 * time.Second
	cfg.PageSize = 2
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := f(cfg, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	return a
}

func TestPaystackInitiateSendsMinorUnits(t *testing.T) {
	var got map[string]any
	a := serverAdapter(t, NewPaystack, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"status":true,"message":"ok","data":{"reference":"PS-123","authorization_url":"https://checkout.paystack.com/x"}}`)
	})

	res, err := a.Initiate(context.Background(), InitiateRequest{
		CorrelationID: "corr-1",
		Amount:        decimal.NewFromInt(500),
		Currency:      "GHS",
		Email:         "ama@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "50000", got["amount"])
	assert.Equal(t, "corr-1", got["reference"])
	assert.Equal(t, "PS-123", res.ProviderReference)
	assert.Equal(t, models.StatusProcessing, res.Status)
	assert.True(t, res.RequiresAction)
	assert.Equal(t, "https://checkout.paystack.com/x", res.ActionURL)
}

func TestPaystackVerify(t *testing.T) {
	a := serverAdapter(t, NewPaystack, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/transaction/verify/missing" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"status":false,"message":"Transaction reference not found"}`)
			return
		}
		fmt.Fprint(w, `{"status":true,"data":{"reference":"PS-123","status":"success","amount":50000,"currency":"GHS","paid_at":"2024-03-01T10:15:00Z"}}`)
	})

	v, err := a.Verify(context.Background(), "PS-123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, v.Status)
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(500)))
	require.NotNil(t, v.CompletedAt)

	_, err = a.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, payerr.ErrNotFound)
}

func TestMoMoInitiateUsesCorrelationIDAsReference(t *testing.T) {
	a := serverAdapter(t, NewMTNMoMo, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "corr-9", r.Header.Get("X-Reference-Id"))
		var body struct {
			Payer struct {
				PartyID string `json:"partyId"`
			} `json:"payer"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "233241234567", body.Payer.PartyID)
		w.WriteHeader(http.StatusAccepted)
	})

	res, err := a.Initiate(context.Background(), InitiateRequest{
		CorrelationID: "corr-9",
		Amount:        decimal.NewFromInt(25),
		Currency:      "GHS",
		PhoneNumber:   "+233241234567",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-9", res.ProviderReference)
	assert.Equal(t, models.StatusProcessing, res.Status)

	_, err = a.Initiate(context.Background(), InitiateRequest{CorrelationID: "x", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, payerr.ErrInvalidRequest)
}

func TestRefundStatusPolling(t *testing.T) {
	momo := serverAdapter(t, NewMTNMoMo, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/disbursement/v1_0/refund/RF-OK":
			fmt.Fprint(w, `{"status":"SUCCESSFUL","amount":"500","currency":"GHS"}`)
		case "/disbursement/v1_0/refund/RF-WAIT":
			fmt.Fprint(w, `{"status":"PENDING"}`)
		default:
			fmt.Fprint(w, `{"status":"FAILED","reason":"PAYEE_NOT_FOUND"}`)
		}
	})
	poller, ok := momo.(RefundPoller)
	require.True(t, ok)
	for ref, want := range map[string]models.TransactionStatus{
		"RF-OK":   models.StatusCompleted,
		"RF-WAIT": models.StatusProcessing,
		"RF-BAD":  models.StatusFailed,
	} {
		res, err := poller.RefundStatus(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, want, res.Status, ref)
		assert.Equal(t, ref, res.RefundReference)
	}

	paystack := serverAdapter(t, NewPaystack, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refund/1234", r.URL.Path)
		fmt.Fprint(w, `{"status":true,"data":{"id":1234,"status":"processed"}}`)
	})
	res, err := paystack.(RefundPoller).RefundStatus(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
}

func TestHTTPErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   payerr.Kind
	}{
		{http.StatusServiceUnavailable, payerr.KindProviderUnavailable},
		{http.StatusBadGateway, payerr.KindProviderUnavailable},
		{http.StatusTooManyRequests, payerr.KindProviderUnavailable},
		{http.StatusUnauthorized, payerr.KindInternal},
		{http.StatusForbidden, payerr.KindInternal},
		{http.StatusNotFound, payerr.KindNotFound},
		{http.StatusUnprocessableEntity, payerr.KindInvalidRequest},
		{http.StatusGatewayTimeout, payerr.KindTimeout},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			a := serverAdapter(t, NewVodafoneCash, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"responseMessage":"internal detail"}`)
			})
			_, err := a.Verify(context.Background(), "VF-1")
			require.Error(t, err)
			assert.Equal(t, tc.want, payerr.KindOf(err))
			assert.NotContains(t, payerr.Public(err), "internal detail")
		})
	}
}

func TestRejectedCredentialsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	a := serverAdapter(t, NewPaystack, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"status":false,"message":"Invalid key"}`)
	})

	err := Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		_, err := a.Verify(ctx, "PS-1")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, payerr.KindInternal, payerr.KindOf(err))
	assert.False(t, payerr.Retryable(err))
	assert.Equal(t, int32(1), calls.Load())

	var pages int
	for _, err := range a.ListTransactions(context.Background(), Window{Start: time.Now().Add(-time.Hour), End: time.Now()}) {
		require.Error(t, err)
		pages++
	}
	assert.Equal(t, 1, pages)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProviderTimeout(t *testing.T) {
	release := make(chan struct{})
	a := serverAdapter(t, NewAirtelTigo, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(c *config.ProviderConfig) { c.Timeout = 50 * time.Millisecond })
	defer close(release)

	_, err := a.Verify(context.Background(), "ATG-1")
	require.Error(t, err)
	assert.Equal(t, payerr.KindTimeout, payerr.KindOf(err))
	assert.True(t, payerr.Retryable(err))
}

func TestUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig()
	cfg.BaseURL = url
	a, err := NewFlutterwave(cfg)
	require.NoError(t, err)

	_, err = a.Verify(context.Background(), "FLW-1")
	assert.ErrorIs(t, err, payerr.ErrProviderUnavailable)
}

func listPage(page, pages int, per int) string {
	items := make([]map[string]any, 0, per)
	for i := 0; i < per; i++ {
		items = append(items, map[string]any{
			"transactionId": fmt.Sprintf("VF-%d-%d", page, i),
			"reference":     fmt.Sprintf("c-%d-%d", page, i),
			"responseCode":  "00",
			"amount":        "10.00",
			"currency":      "GHS",
			"createdAt":     "2024-03-01T10:00:00Z",
		})
	}
	raw, _ := json.Marshal(map[string]any{"items": items, "hasMore": page < pages})
	return string(raw)
}

func TestListTransactionsRetriesTransientPages(t *testing.T) {
	var calls atomic.Int32
	a := serverAdapter(t, NewVodafoneCash, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		// Page 2 fails once before succeeding.
		if page == 2 && calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, listPage(page, 3, 2))
	})

	window := Window{Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}
	var refs []string
	for rec, err := range a.ListTransactions(context.Background(), window) {
		require.NoError(t, err)
		refs = append(refs, rec.Reference)
		assert.Equal(t, models.StatusCompleted, rec.Status)
	}
	assert.Len(t, refs, 6)

	// The sequence is restartable.
	var again int
	for _, err := range a.ListTransactions(context.Background(), window) {
		require.NoError(t, err)
		again++
	}
	assert.Equal(t, 6, again)
}

func TestListTransactionsStopsOnPersistentFailure(t *testing.T) {
	a := serverAdapter(t, NewVodafoneCash, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, listPage(page, 3, 2))
	})

	var (
		seen int
		errs []error
	)
	for _, err := range a.ListTransactions(context.Background(), Window{End: time.Now()}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen++
	}
	assert.Equal(t, 2, seen)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], payerr.ErrProviderUnavailable)
}

func TestListTransactionsEarlyBreak(t *testing.T) {
	var calls atomic.Int32
	a := serverAdapter(t, NewVodafoneCash, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		fmt.Fprint(w, listPage(page, 10, 2))
	})

	for range a.ListTransactions(context.Background(), Window{End: time.Now()}) {
		break
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	var n int
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		n++
		return payerr.InvalidRequest("bad")
	})
	assert.ErrorIs(t, err, payerr.ErrInvalidRequest)
	assert.Equal(t, 1, n)

	n = 0
	err = Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		n++
		return payerr.New(payerr.KindProviderUnavailable, "down")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, n)
}
