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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables the scheduler leader lock and the redis event sink
	AutoMigrate bool   // Apply embedded migrations at startup

	// Ledger
	DefaultCountry     string // Used when credit/debit has to create a wallet
	RecentTransactions int    // Transactions returned with a wallet read

	// Escrow scheduler
	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	SchedulerBatch    int

	// Ledger sweep; zero disables the periodic run
	ReconcileInterval time.Duration

	// Payment gateways
	StripeSecretKey   string
	RazorpayKeyID     string
	RazorpayKeySecret string
	RazorpayBaseURL   string
	GatewayTimeout    time.Duration

	// Transaction security
	RiskBlockThreshold float64
	RiskMaxAmount      int64 // Minor units; a single movement at this size scores 1.0

	// Notifications
	WebhookURL    string
	WebhookSecret string

	// Receipts
	ReceiptSecret   string // HS256 secret for settlement receipts; empty disables them
	ReceiptValidity time.Duration

	// Security
	JWTSecret      string   // HS256 secret for service tokens; empty disables auth in development
	CORSOrigins    []string // Empty allows any origin without credentials
	RateLimitRPM   int
	RateLimitBurst int
	MaxBodyBytes   int64

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultCountry            = "US"
	DefaultRecentTransactions = 20
	DefaultSchedulerInterval  = 5 * time.Minute
	DefaultSchedulerBatch     = 500
	DefaultReconcileInterval  = time.Hour
	DefaultGatewayTimeout     = 10 * time.Second
	DefaultRiskBlockThreshold = 0.8
	DefaultRiskMaxAmount      = 100_000_000 // 1,000,000.00 in minor units
	DefaultRazorpayBaseURL    = "https://api.razorpay.com"
	DefaultRateLimitRPM       = 600
	DefaultRateLimitBurst     = 50
	DefaultMaxBodyBytes       = 1 << 20
	DefaultReceiptValidity    = 365 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", ""),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		AutoMigrate:        getEnvBool("DB_AUTO_MIGRATE", false),
		DefaultCountry:     strings.ToUpper(getEnv("DEFAULT_COUNTRY", DefaultCountry)),
		RecentTransactions: int(getEnvInt64("RECENT_TRANSACTIONS", DefaultRecentTransactions)),
		SchedulerEnabled:   getEnvBool("ESCROW_SCHEDULER_ENABLED", true),
		SchedulerInterval:  getEnvDuration("ESCROW_SCHEDULER_INTERVAL", DefaultSchedulerInterval),
		SchedulerBatch:     int(getEnvInt64("ESCROW_SCHEDULER_BATCH", DefaultSchedulerBatch)),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		RazorpayKeyID:      os.Getenv("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:  os.Getenv("RAZORPAY_KEY_SECRET"),
		RazorpayBaseURL:    getEnv("RAZORPAY_BASE_URL", DefaultRazorpayBaseURL),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		RiskBlockThreshold: getEnvFloat("RISK_BLOCK_THRESHOLD", DefaultRiskBlockThreshold),
		RiskMaxAmount:      getEnvInt64("RISK_MAX_AMOUNT", DefaultRiskMaxAmount),
		WebhookURL:         os.Getenv("WEBHOOK_URL"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		ReceiptSecret:      os.Getenv("RECEIPT_SIGNING_SECRET"),
		ReceiptValidity:    getEnvDuration("RECEIPT_VALIDITY", DefaultReceiptValidity),
		JWTSecret:          os.Getenv("AUTH_JWT_SECRET"),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		MaxBodyBytes:       getEnvInt64("MAX_BODY_BYTES", DefaultMaxBodyBytes),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.DefaultCountry) != 2 {
		return fmt.Errorf("DEFAULT_COUNTRY must be an ISO 3166-1 alpha-2 code")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("ESCROW_SCHEDULER_INTERVAL must be positive")
	}
	if c.SchedulerBatch <= 0 {
		return fmt.Errorf("ESCROW_SCHEDULER_BATCH must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.RiskBlockThreshold <= 0 || c.RiskBlockThreshold > 1 {
		return fmt.Errorf("RISK_BLOCK_THRESHOLD must be in (0, 1]")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.ReceiptValidity < 0 {
		return fmt.Errorf("RECEIPT_VALIDITY must not be negative")
	}
	if c.ReceiptSecret != "" && c.ReceiptSecret == c.JWTSecret {
		return fmt.Errorf("RECEIPT_SIGNING_SECRET must differ from AUTH_JWT_SECRET")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters")
		}
	}

	return nil
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
