// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mversen/custodia/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	StripeSecretKey string // Required outside development; empty means the fake gateway
	Currency        string // Default settlement currency (ISO code, lowercase)

	// Escrow policy
	CommissionRate        float64       // Default commission on release, [0, 1)
	CommissionRateExpress float64       // Higher rate published for small express jobs
	AutoReleaseAfter      time.Duration // Hold duration before automatic release
	ContestWindow         time.Duration // Post-release window in which a dispute may still open
	TimerInterval         time.Duration // Sweep interval for auto-release and pending settlements
	MinAmount             string        // Smallest escrow amount accepted
	MaxAmount             string        // Largest escrow amount accepted

	// Security
	RateLimitRPS int // Per-client request budget, requests per second

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultCurrency              = "usd"
	DefaultCommissionRate        = 0.10
	DefaultCommissionRateExpress = 0.15
	DefaultAutoReleaseAfter      = 7 * 24 * time.Hour
	DefaultContestWindow         = 72 * time.Hour
	DefaultTimerInterval         = 30 * time.Second
	DefaultMinAmount             = "1.00"
	DefaultMaxAmount             = "1000000.00"
	DefaultRateLimit             = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		Currency:              getEnv("CURRENCY", DefaultCurrency),
		CommissionRate:        getEnvFloat("COMMISSION_RATE", DefaultCommissionRate),
		CommissionRateExpress: getEnvFloat("COMMISSION_RATE_EXPRESS", DefaultCommissionRateExpress),
		AutoReleaseAfter:      getEnvDuration("AUTO_RELEASE_AFTER", DefaultAutoReleaseAfter),
		ContestWindow:         getEnvDuration("CONTEST_WINDOW", DefaultContestWindow),
		TimerInterval:         getEnvDuration("TIMER_INTERVAL", DefaultTimerInterval),
		MinAmount:             getEnv("MIN_AMOUNT", DefaultMinAmount),
		MaxAmount:             getEnv("MAX_AMOUNT", DefaultMaxAmount),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %v", c.CommissionRate)
	}
	if c.CommissionRateExpress < 0 || c.CommissionRateExpress >= 1 {
		return fmt.Errorf("COMMISSION_RATE_EXPRESS must be in [0, 1), got %v", c.CommissionRateExpress)
	}

	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}

	minCents, ok := money.Parse(c.MinAmount)
	if !ok {
		return fmt.Errorf("MIN_AMOUNT: invalid amount %q", c.MinAmount)
	}
	maxCents, ok := money.Parse(c.MaxAmount)
	if !ok {
		return fmt.Errorf("MAX_AMOUNT: invalid amount %q", c.MaxAmount)
	}
	if minCents > maxCents {
		return fmt.Errorf("MIN_AMOUNT exceeds MAX_AMOUNT")
	}

	if c.AutoReleaseAfter <= 0 {
		return fmt.Errorf("AUTO_RELEASE_AFTER must be positive")
	}
	if c.ContestWindow < 0 {
		return fmt.Errorf("CONTEST_WINDOW must not be negative")
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
