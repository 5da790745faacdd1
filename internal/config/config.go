// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Regional snapshot cache (optional)

	// Tracing
	OTLPEndpoint string

	// Escrow policy
	DepositFraction       decimal.Decimal
	PlatformFeeRate       decimal.Decimal
	NonRefundableFraction decimal.Decimal
	OfferTTL              time.Duration
	ConfirmationGrace     time.Duration
	DisputeAutoResolve    time.Duration // 0 = disputes wait for a human
	DisputeProducerShare  decimal.Decimal
	SweepInterval         time.Duration

	// Money providers
	ProviderTimeout     time.Duration
	StripeSecretKey     string
	StripeWebhookSecret string
	MobileMoneyURL      string
	MobileMoneySecret   string
	WalletURL           string
	WalletSecret        string
	CryptoURL           string
	CryptoSignerAddress string

	// Collaborators
	IdentityURL     string
	RegionalDataURL string
	NotifyURL       string
	NotifySecret    string

	// Market optimizer
	TransportCostPerKm decimal.Decimal
	SellNowThreshold   float64
	OptimizerRegions   string // comma-separated default candidate regions

	AdminSecret string

	// HTTP edge
	CORSOrigins        string // comma-separated; empty allows any origin
	RateLimitPerMinute int
	RateLimitBurst     int
	AuditInterval      time.Duration
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultDepositFraction   = "0.10"
	DefaultOfferTTL          = 72 * time.Hour
	DefaultConfirmationGrace = 72 * time.Hour
	DefaultProducerShare     = "0.5"
	DefaultSweepInterval     = 30 * time.Second
	DefaultProviderTimeout   = 10 * time.Second
	DefaultTransportCost     = "0.02"
	DefaultSellNowThreshold  = 0.7
	DefaultRateLimit         = 120
	DefaultRateLimitBurst    = 30
	DefaultAuditInterval     = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DepositFraction:       getEnvDecimal("DEPOSIT_FRACTION", DefaultDepositFraction),
		PlatformFeeRate:       getEnvDecimal("PLATFORM_FEE_RATE", "0"),
		NonRefundableFraction: getEnvDecimal("NON_REFUNDABLE_FRACTION", "0"),
		OfferTTL:              getEnvDuration("OFFER_TTL", DefaultOfferTTL),
		ConfirmationGrace:     getEnvDuration("CONFIRMATION_GRACE", DefaultConfirmationGrace),
		DisputeAutoResolve:    getEnvDuration("DISPUTE_AUTO_RESOLVE_AFTER", 0),
		DisputeProducerShare:  getEnvDecimal("DISPUTE_DEFAULT_PRODUCER_SHARE", DefaultProducerShare),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		MobileMoneyURL:        os.Getenv("MOBILEMONEY_URL"),
		MobileMoneySecret:     os.Getenv("MOBILEMONEY_SECRET"),
		WalletURL:             os.Getenv("WALLET_URL"),
		WalletSecret:          os.Getenv("WALLET_SECRET"),
		CryptoURL:             os.Getenv("CRYPTO_URL"),
		CryptoSignerAddress:   os.Getenv("CRYPTO_SIGNER_ADDRESS"),
		IdentityURL:           os.Getenv("IDENTITY_URL"),
		RegionalDataURL:       os.Getenv("REGIONAL_DATA_URL"),
		NotifyURL:             os.Getenv("NOTIFY_URL"),
		NotifySecret:          os.Getenv("NOTIFY_SECRET"),
		TransportCostPerKm:    getEnvDecimal("TRANSPORT_COST_PER_KM", DefaultTransportCost),
		SellNowThreshold:      getEnvFloat("SELL_NOW_THRESHOLD", DefaultSellNowThreshold),
		OptimizerRegions:      os.Getenv("OPTIMIZER_REGIONS"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		CORSOrigins:           os.Getenv("CORS_ORIGINS"),
		RateLimitPerMinute:    getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimit),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		AuditInterval:         getEnvDuration("AUDIT_INTERVAL", DefaultAuditInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	fractions := map[string]decimal.Decimal{
		"DEPOSIT_FRACTION":               c.DepositFraction,
		"PLATFORM_FEE_RATE":              c.PlatformFeeRate,
		"NON_REFUNDABLE_FRACTION":        c.NonRefundableFraction,
		"DISPUTE_DEFAULT_PRODUCER_SHARE": c.DisputeProducerShare,
	}
	for name, v := range fractions {
		if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be between 0 and 1, got %s", name, v)
		}
	}
	if !c.DepositFraction.IsPositive() {
		return fmt.Errorf("DEPOSIT_FRACTION must be greater than 0")
	}

	durations := map[string]time.Duration{
		"OFFER_TTL":          c.OfferTTL,
		"CONFIRMATION_GRACE": c.ConfirmationGrace,
		"SWEEP_INTERVAL":     c.SweepInterval,
		"PROVIDER_TIMEOUT":   c.ProviderTimeout,
		"AUDIT_INTERVAL":     c.AuditInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.DisputeAutoResolve < 0 {
		return fmt.Errorf("DISPUTE_AUTO_RESOLVE_AFTER must not be negative")
	}

	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.MobileMoneyURL != "" && c.MobileMoneySecret == "" {
		return fmt.Errorf("MOBILEMONEY_SECRET is required when MOBILEMONEY_URL is set")
	}
	if c.WalletURL != "" && c.WalletSecret == "" {
		return fmt.Errorf("WALLET_SECRET is required when WALLET_URL is set")
	}
	if c.CryptoURL != "" && !common.IsHexAddress(c.CryptoSignerAddress) {
		return fmt.Errorf("CRYPTO_SIGNER_ADDRESS must be a hex address when CRYPTO_URL is set")
	}
	if c.TransportCostPerKm.IsNegative() {
		return fmt.Errorf("TRANSPORT_COST_PER_KM must not be negative")
	}
	if c.SellNowThreshold <= 0 || c.SellNowThreshold > 1 {
		return fmt.Errorf("SELL_NOW_THRESHOLD must be in (0, 1]")
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		for name, u := range c.outboundURLs() {
			if err := security.ValidateEndpointURL(u); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	return nil
}

// outboundURLs are the configured services the server calls.
func (c *Config) outboundURLs() map[string]string {
	out := make(map[string]string)
	for name, u := range map[string]string{
		"MOBILEMONEY_URL":   c.MobileMoneyURL,
		"WALLET_URL":        c.WalletURL,
		"CRYPTO_URL":        c.CryptoURL,
		"IDENTITY_URL":      c.IdentityURL,
		"REGIONAL_DATA_URL": c.RegionalDataURL,
		"NOTIFY_URL":        c.NotifyURL,
	} {
		if u != "" {
			out[name] = u
		}
	}
	return out
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvDecimal falls back to defaultValue for unset or unparsable input.
func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}
