package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "DEPOSIT_FEE_POLICY", "")
	setEnv(t, "STRIPE_SECRET_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCountry, cfg.DefaultCountry)
	assert.Equal(t, DefaultCurrency, cfg.DefaultCurrency)
	assert.Equal(t, DepositFeeNone, cfg.DepositFeePolicy)
	assert.Equal(t, DefaultWebhookLease, cfg.WebhookLease)
	assert.False(t, cfg.ProcessorConfigured())
}

func TestLoad_ProcessorSettings(t *testing.T) {
	setEnv(t, "STRIPE_SECRET_KEY", "sk_test_123")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_abc")
	setEnv(t, "STRIPE_PRICE_PRO_ANNUAL", "price_pro_y")
	setEnv(t, "WEBHOOK_LEASE", "45s")
	setEnv(t, "APP_BASE_URL", "https://admin.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.ProcessorConfigured())
	assert.Equal(t, "price_pro_y", cfg.StripePrices.ProAnnual)
	assert.Equal(t, 45*time.Second, cfg.WebhookLease)
	assert.Equal(t, "https://admin.example.com", cfg.AppBaseURL)
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:              "development",
			DefaultCountry:   "US",
			DefaultCurrency:  "usd",
			DepositFeePolicy: DepositFeeNone,
			WebhookLease:     time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"booking rate policy", func(c *Config) { c.DepositFeePolicy = DepositFeeBookingRate }, ""},
		{"unknown policy", func(c *Config) { c.DepositFeePolicy = "half" }, "DEPOSIT_FEE_POLICY"},
		{"publishable key", func(c *Config) { c.StripeSecretKey = "pk_live_1" }, "STRIPE_SECRET_KEY"},
		{"bad country", func(c *Config) { c.DefaultCountry = "USA" }, "DEFAULT_COUNTRY"},
		{"bad currency", func(c *Config) { c.DefaultCurrency = "dollars" }, "DEFAULT_CURRENCY"},
		{"zero lease", func(c *Config) { c.WebhookLease = 0 }, "WEBHOOK_LEASE"},
		{"prod without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"prod key without webhook secret", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s"
			c.StripeSecretKey = "sk_live_1"
		}, "STRIPE_WEBHOOK_SECRET"},
		{"prod without database", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s"
		}, "DATABASE_URL"},
		{"prod with database", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s"
			c.DatabaseURL = "postgres://db/luxbill"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	c := &Config{Env: "production"}
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())
}
