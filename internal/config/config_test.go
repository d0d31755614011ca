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

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultVerificationDays, cfg.VerificationDays)
	assert.Equal(t, int64(DefaultBuyerProtectionBP), cfg.BuyerProtectionBP)
	assert.Equal(t, DefaultSchedulerInterval, cfg.SchedulerInterval)
	assert.Equal(t, DefaultReserveMaxAttempts, cfg.ReserveMaxAttempts)
	assert.Equal(t, DefaultReserveBackoffBase, cfg.ReserveBackoffBase)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "VERIFICATION_DAYS", "14")
	setEnv(t, "SCHEDULER_INTERVAL", "30s")
	setEnv(t, "RESERVE_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 14, cfg.VerificationDays)
	assert.Equal(t, 30*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 5, cfg.ReserveMaxAttempts)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		VerificationDays:   7,
		BuyerProtectionBP:  200,
		SchedulerInterval:  time.Minute,
		ReserveMaxAttempts: 3,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "zero verification days",
			mutate:  func(c *Config) { c.VerificationDays = 0 },
			wantErr: "VERIFICATION_DAYS",
		},
		{
			name:    "negative fee",
			mutate:  func(c *Config) { c.BuyerProtectionBP = -1 },
			wantErr: "BUYER_PROTECTION_BP",
		},
		{
			name:    "zero scheduler interval",
			mutate:  func(c *Config) { c.SchedulerInterval = 0 },
			wantErr: "SCHEDULER_INTERVAL",
		},
		{
			name:    "zero retry budget",
			mutate:  func(c *Config) { c.ReserveMaxAttempts = 0 },
			wantErr: "RESERVE_MAX_ATTEMPTS",
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
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}
