package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setEnv sets an env var for the duration of the test.
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func validConfig() Config {
	return Config{
		DepositFraction:       decimal.RequireFromString("0.1"),
		PlatformFeeRate:       decimal.Zero,
		NonRefundableFraction: decimal.Zero,
		DisputeProducerShare:  decimal.RequireFromString("0.5"),
		OfferTTL:              time.Hour,
		ConfirmationGrace:     time.Hour,
		SweepInterval:         time.Second,
		ProviderTimeout:       time.Second,
		TransportCostPerKm:    decimal.RequireFromString("0.02"),
		SellNowThreshold:      0.7,
		RateLimitPerMinute:    60,
		RateLimitBurst:        10,
		AuditInterval:         time.Minute,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "DEPOSIT_FRACTION", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.DepositFraction.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, DefaultConfirmationGrace, cfg.ConfirmationGrace)
	assert.Equal(t, DefaultOfferTTL, cfg.OfferTTL)
	assert.Equal(t, time.Duration(0), cfg.DisputeAutoResolve)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "DEPOSIT_FRACTION", "0.25")
	setEnv(t, "CONFIRMATION_GRACE", "24h")
	setEnv(t, "PLATFORM_FEE_RATE", "0.02")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.DepositFraction.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 24*time.Hour, cfg.ConfirmationGrace)
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.02")))
}

func TestLoad_RejectsBadFraction(t *testing.T) {
	setEnv(t, "DEPOSIT_FRACTION", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPOSIT_FRACTION")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero deposit", func(c *Config) { c.DepositFraction = decimal.Zero }, "DEPOSIT_FRACTION"},
		{"negative fee", func(c *Config) { c.PlatformFeeRate = decimal.RequireFromString("-0.1") }, "PLATFORM_FEE_RATE"},
		{"zero grace", func(c *Config) { c.ConfirmationGrace = 0 }, "CONFIRMATION_GRACE"},
		{"stripe without webhook secret", func(c *Config) { c.StripeSecretKey = "sk_test_x" }, "STRIPE_WEBHOOK_SECRET"},
		{"mobile money without secret", func(c *Config) { c.MobileMoneyURL = "http://mm" }, "MOBILEMONEY_SECRET"},
		{"crypto with bad signer", func(c *Config) {
			c.CryptoURL = "http://invoices"
			c.CryptoSignerAddress = "nope"
		}, "CRYPTO_SIGNER_ADDRESS"},
		{"crypto with signer", func(c *Config) {
			c.CryptoURL = "http://invoices"
			c.CryptoSignerAddress = "0x1234567890123456789012345678901234567890"
		}, ""},
		{"threshold out of range", func(c *Config) { c.SellNowThreshold = 1.2 }, "SELL_NOW_THRESHOLD"},
		{"zero rate limit", func(c *Config) { c.RateLimitBurst = 0 }, "RATE_LIMIT"},
		{"production without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"production with plain http provider", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s3cret"
			c.MobileMoneyURL = "http://203.0.113.10"
			c.MobileMoneySecret = "mm"
		}, "MOBILEMONEY_URL"},
		{"production with public https", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s3cret"
			c.NotifyURL = "https://203.0.113.10/events"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "HM_TEST_DURATION", "90s")
	setEnv(t, "HM_TEST_BAD_DURATION", "soon")
	setEnv(t, "HM_TEST_DECIMAL", "0.33")

	assert.Equal(t, 90*time.Second, getEnvDuration("HM_TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("HM_TEST_BAD_DURATION", time.Minute))
	assert.Equal(t, "0.33", getEnvDecimal("HM_TEST_DECIMAL", "1").String())
	assert.Equal(t, "fallback", getEnv("HM_TEST_UNSET", "fallback"))

	setEnv(t, "HM_TEST_INT", "42")
	setEnv(t, "HM_TEST_BAD_INT", "many")
	assert.Equal(t, 42, getEnvInt("HM_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("HM_TEST_BAD_INT", 1))
}
