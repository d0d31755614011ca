// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement settings
	VerificationDays  int   // Days after delivery before escrow auto-releases
	BuyerProtectionBP int64 // Buyer-protection fee in basis points (200 = 2%)
	SchedulerInterval time.Duration

	// Reservation settings
	ReserveMaxAttempts int           // Bounded retry count on write conflicts
	ReserveBackoffBase time.Duration // Linear backoff: base × attempt

	// Payments
	StripeSecretKey string // Optional; payments disabled when empty

	// Notifications
	NotifySigningSecret string // HMAC secret for signing outbound notifications

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Defaults for the settlement policy; all overridable via env.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultVerificationDays   = 7
	DefaultBuyerProtectionBP  = 200
	DefaultSchedulerInterval  = 2 * time.Minute
	DefaultReserveMaxAttempts = 3
	DefaultReserveBackoffBase = 50 * time.Millisecond
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		VerificationDays:    int(getEnvInt64("VERIFICATION_DAYS", DefaultVerificationDays)),
		BuyerProtectionBP:   getEnvInt64("BUYER_PROTECTION_BP", DefaultBuyerProtectionBP),
		SchedulerInterval:   getEnvDuration("SCHEDULER_INTERVAL", DefaultSchedulerInterval),
		ReserveMaxAttempts:  int(getEnvInt64("RESERVE_MAX_ATTEMPTS", DefaultReserveMaxAttempts)),
		ReserveBackoffBase:  getEnvDuration("RESERVE_BACKOFF_BASE", DefaultReserveBackoffBase),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		NotifySigningSecret: os.Getenv("NOTIFY_SIGNING_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.VerificationDays <= 0 {
		return fmt.Errorf("VERIFICATION_DAYS must be positive, got %d", c.VerificationDays)
	}
	if c.BuyerProtectionBP < 0 {
		return fmt.Errorf("BUYER_PROTECTION_BP must not be negative, got %d", c.BuyerProtectionBP)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive, got %s", c.SchedulerInterval)
	}
	if c.ReserveMaxAttempts <= 0 {
		return fmt.Errorf("RESERVE_MAX_ATTEMPTS must be positive, got %d", c.ReserveMaxAttempts)
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
