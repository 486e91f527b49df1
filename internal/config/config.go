// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mezatlabs/settlement/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement settings
	DefaultCommissionRate string        // Fraction of the winning bid retained at release, e.g. "0.05"
	EscrowHoldPeriod      time.Duration // Time until a HELD escrow auto-releases to the seller
	SweepInterval         time.Duration // How often the auto-release sweep runs
	ReconcileInterval     time.Duration // How often ledger reconciliation runs

	// Admin
	AdminSecret string // Shared secret for admin endpoints (required in production)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (empty disables tracing)
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCommissionRate = "0.05"
	DefaultHoldPeriod     = 30 * 24 * time.Hour
	DefaultSweepInterval  = time.Hour
	DefaultReconcile      = 15 * time.Minute
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultCommissionRate: getEnv("COMMISSION_RATE", DefaultCommissionRate),
		EscrowHoldPeriod:      getEnvDuration("ESCROW_HOLD_PERIOD", DefaultHoldPeriod),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcile),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if _, ok := money.ParseRate(c.DefaultCommissionRate); !ok {
		return fmt.Errorf("COMMISSION_RATE must be a decimal fraction in [0, 1): %q", c.DefaultCommissionRate)
	}
	if c.EscrowHoldPeriod <= 0 {
		return fmt.Errorf("ESCROW_HOLD_PERIOD must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		// Plain integers are treated as days for operator convenience.
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return defaultValue
}
