// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Deposit fee policies.
const (
	DepositFeeNone        = "none"
	DepositFeeBookingRate = "booking_rate"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	// PostgreSQL connection string. Without it the in-memory stores are used;
	// they do not roll back failed transactions and are for development only.
	DatabaseURL string

	// Payment processor. An empty secret key leaves processing unconfigured.
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePrices        PriceIDs
	ProcessorMaxRetries int

	// Billing defaults
	AppBaseURL       string // return/refresh URLs for hosted flows
	DefaultCountry   string
	DefaultCurrency  string
	DepositFeePolicy string
	WebhookLease     time.Duration

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// PriceIDs maps the sold plans and billing intervals to processor price ids.
type PriceIDs struct {
	StarterMonthly string
	StarterAnnual  string
	ProMonthly     string
	ProAnnual      string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultAppBaseURL    = "http://localhost:3000"
	DefaultCountry       = "US"
	DefaultCurrency      = "usd"
	DefaultRateLimitRPM  = 600
	DefaultWebhookLease  = 2 * time.Minute
	DefaultMaxRetries    = 3
	DefaultDepositPolicy = DepositFeeNone
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePrices: PriceIDs{
			StarterMonthly: os.Getenv("STRIPE_PRICE_STARTER_MONTHLY"),
			StarterAnnual:  os.Getenv("STRIPE_PRICE_STARTER_ANNUAL"),
			ProMonthly:     os.Getenv("STRIPE_PRICE_PRO_MONTHLY"),
			ProAnnual:      os.Getenv("STRIPE_PRICE_PRO_ANNUAL"),
		},
		ProcessorMaxRetries: int(getEnvInt64("PROCESSOR_MAX_RETRIES", DefaultMaxRetries)),
		AppBaseURL:          strings.TrimRight(getEnv("APP_BASE_URL", DefaultAppBaseURL), "/"),
		DefaultCountry:      strings.ToUpper(getEnv("DEFAULT_COUNTRY", DefaultCountry)),
		DefaultCurrency:     strings.ToLower(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		DepositFeePolicy:    strings.ToLower(getEnv("DEPOSIT_FEE_POLICY", DefaultDepositPolicy)),
		WebhookLease:        getEnvDuration("WEBHOOK_LEASE", DefaultWebhookLease),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.DepositFeePolicy {
	case DepositFeeNone, DepositFeeBookingRate:
	default:
		return fmt.Errorf("DEPOSIT_FEE_POLICY must be %q or %q", DepositFeeNone, DepositFeeBookingRate)
	}

	if c.StripeSecretKey != "" && !strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		return fmt.Errorf("STRIPE_SECRET_KEY must be a secret (sk_) or restricted (rk_) key")
	}

	if len(c.DefaultCountry) != 2 {
		return fmt.Errorf("DEFAULT_COUNTRY must be a two-letter country code")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a three-letter currency code")
	}

	if c.WebhookLease <= 0 {
		return fmt.Errorf("WEBHOOK_LEASE must be positive")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// ProcessorConfigured reports whether processor credentials are present
func (c *Config) ProcessorConfigured() bool {
	return c.StripeSecretKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
