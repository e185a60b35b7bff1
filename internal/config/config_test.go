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
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "COMMISSION_RATE", "0.08")
	setEnv(t, "AUTO_RELEASE_AFTER", "48h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.08, cfg.CommissionRate)
	assert.Equal(t, 48*time.Hour, cfg.AutoReleaseAfter)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultContestWindow, cfg.ContestWindow)
}

func TestLoad_InvalidCommissionRate(t *testing.T) {
	setEnv(t, "COMMISSION_RATE", "1.5")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "COMMISSION_RATE")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:              "development",
		CommissionRate:   0.10,
		AutoReleaseAfter: time.Hour,
		ContestWindow:    time.Hour,
		MinAmount:        "1.00",
		MaxAmount:        "100.00",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "commission rate at one",
			mutate:  func(c *Config) { c.CommissionRate = 1.0 },
			wantErr: "COMMISSION_RATE",
		},
		{
			name:    "negative commission rate",
			mutate:  func(c *Config) { c.CommissionRate = -0.1 },
			wantErr: "COMMISSION_RATE",
		},
		{
			name:    "production without stripe key",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "STRIPE_SECRET_KEY",
		},
		{
			name:    "production with stripe key",
			mutate:  func(c *Config) { c.Env = "production"; c.StripeSecretKey = "sk_test_123" },
			wantErr: "",
		},
		{
			name:    "unparseable min amount",
			mutate:  func(c *Config) { c.MinAmount = "a lot" },
			wantErr: "MIN_AMOUNT",
		},
		{
			name:    "min above max",
			mutate:  func(c *Config) { c.MinAmount = "500.00" },
			wantErr: "MIN_AMOUNT exceeds MAX_AMOUNT",
		},
		{
			name:    "zero auto release",
			mutate:  func(c *Config) { c.AutoReleaseAfter = 0 },
			wantErr: "AUTO_RELEASE_AFTER",
		},
		{
			name:    "negative contest window",
			mutate:  func(c *Config) { c.ContestWindow = -time.Hour },
			wantErr: "CONTEST_WINDOW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}
