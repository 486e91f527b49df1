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
	setEnv(t, "PORT", "")
	setEnv(t, "COMMISSION_RATE", "")
	setEnv(t, "ESCROW_HOLD_PERIOD", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCommissionRate, cfg.DefaultCommissionRate)
	assert.Equal(t, DefaultHoldPeriod, cfg.EscrowHoldPeriod)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "production")
	setEnv(t, "COMMISSION_RATE", "0.10")
	setEnv(t, "ESCROW_HOLD_PERIOD", "168h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "0.10", cfg.DefaultCommissionRate)
	assert.Equal(t, 7*24*time.Hour, cfg.EscrowHoldPeriod)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_HoldPeriodInDays(t *testing.T) {
	// Plain integers mean days
	setEnv(t, "ESCROW_HOLD_PERIOD", "14")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, cfg.EscrowHoldPeriod)
}

func TestLoad_InvalidCommissionRate(t *testing.T) {
	setEnv(t, "COMMISSION_RATE", "1.5")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "COMMISSION_RATE")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				DefaultCommissionRate: "0.05",
				EscrowHoldPeriod:      DefaultHoldPeriod,
				SweepInterval:         DefaultSweepInterval,
			},
			wantErr: "",
		},
		{
			name: "rate of one is rejected",
			config: Config{
				DefaultCommissionRate: "1",
				EscrowHoldPeriod:      DefaultHoldPeriod,
				SweepInterval:         DefaultSweepInterval,
			},
			wantErr: "COMMISSION_RATE",
		},
		{
			name: "zero hold period",
			config: Config{
				DefaultCommissionRate: "0.05",
				SweepInterval:         DefaultSweepInterval,
			},
			wantErr: "ESCROW_HOLD_PERIOD",
		},
		{
			name: "zero sweep interval",
			config: Config{
				DefaultCommissionRate: "0.05",
				EscrowHoldPeriod:      DefaultHoldPeriod,
			},
			wantErr: "SWEEP_INTERVAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
