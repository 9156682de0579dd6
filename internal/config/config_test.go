package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProviders(t *testing.T) {
	t.Setenv("PAYSTACK_SECRET", "sk_test_123")
	raw := []byte(`
providers:
  Paystack:
    enabled: true
    base_url: https://api.paystack.co
    secret_key: ${PAYSTACK_SECRET}
    callback_url: https://rides.example/api/payments/callback/paystack
    currencies: [ghs, " ngn "]
  mtn_momo:
    enabled: false
    base_url: https://sandbox.momodeveloper.mtn.com
    timeout: 30s
    page_size: 200
`)
	got, err := ParseProviders(raw)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ps := got["paystack"]
	assert.True(t, ps.Enabled)
	assert.Equal(t, "sk_test_123", ps.SecretKey)
	assert.Equal(t, []string{"GHS", "NGN"}, ps.Currencies)
	assert.Equal(t, 15*time.Second, ps.Timeout)
	assert.Equal(t, 50, ps.PageSize)

	momo := got["mtn_momo"]
	assert.False(t, momo.Enabled)
	assert.Equal(t, 30*time.Second, momo.Timeout)
	assert.Equal(t, 200, momo.PageSize)
}

func TestParseProvidersRejectsBadFiles(t *testing.T) {
	_, err := ParseProviders([]byte("providers:\n  paystack:\n    enabled: true\n"))
	assert.ErrorContains(t, err, "base_url is required")

	_, err = ParseProviders([]byte("providers: ["))
	assert.Error(t, err)

	_, err = LoadProviders("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PROVIDERS_CONFIG", "../../providers.example.yaml")
	t.Setenv("RECON_INTERVAL", "15m")
	t.Setenv("RECON_AUTOFIX", "true")
	t.Setenv("REFUND_ROLES", "admin, support ,")
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Reconciliation.Interval)
	assert.True(t, cfg.Reconciliation.AutoFix)
	assert.Equal(t, []string{"admin", "support"}, cfg.Payments.RefundRoles)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
	assert.Equal(t, 24*time.Hour, cfg.Reconciliation.Lookback)
	assert.NotEmpty(t, cfg.Providers)
}
