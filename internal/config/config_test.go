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
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:                 DefaultPort,
		Env:                  DefaultEnv,
		OperationTimeout:     DefaultOperationTimeout,
		SharesPerHour:        DefaultSharesPerHour,
		ViewsPerHour:         DefaultViewsPerHour,
		SignupsPerDay:        DefaultSignupsPerDay,
		UpdatesPerMinute:     DefaultUpdatesPerMinute,
		HalfLifeDays:         DefaultHalfLifeDays,
		MinWeight:            DefaultMinWeight,
		BanditWindowDays:     DefaultBanditWindowDays,
		BanditStrategy:       DefaultBanditStrategy,
		ExplorationRate:      DefaultExplorationRate,
		ReferralSecret:       devReferralSecret,
		ReferralRewardMonths: DefaultRewardMonths,
		ReconcileInterval:    DefaultReconcileEvery,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultSharesPerHour, cfg.SharesPerHour)
	assert.Equal(t, DefaultViewsPerHour, cfg.ViewsPerHour)
	assert.Equal(t, DefaultSignupsPerDay, cfg.SignupsPerDay)
	assert.Equal(t, DefaultUpdatesPerMinute, cfg.UpdatesPerMinute)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.InDelta(t, 30.0, cfg.HalfLifeDays, 1e-9)
	assert.InDelta(t, 0.1, cfg.MinWeight, 1e-9)
	assert.Equal(t, "thompson", cfg.BanditStrategy)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "RATE_LIMIT_SHARES_PER_HOUR", "50")
	setEnv(t, "OPERATION_TIMEOUT", "2s")
	setEnv(t, "DISCOUNT_HALF_LIFE_DAYS", "7.5")
	setEnv(t, "BANDIT_STRATEGY", "epsilon_greedy")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.SharesPerHour)
	assert.Equal(t, 2*time.Second, cfg.OperationTimeout)
	assert.InDelta(t, 7.5, cfg.HalfLifeDays, 1e-9)
	assert.Equal(t, "epsilon_greedy", cfg.BanditStrategy)
}

func TestLoad_IgnoresUnparseableNumbers(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "RATE_LIMIT_VIEWS_PER_HOUR", "lots")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultViewsPerHour, cfg.ViewsPerHour)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "REFERRAL_SECRET", "")
	setEnv(t, "DATABASE_URL", "postgres://localhost/viralloop")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFERRAL_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero shares cap", func(c *Config) { c.SharesPerHour = 0 }, "RATE_LIMIT_SHARES_PER_HOUR"},
		{"negative timeout", func(c *Config) { c.OperationTimeout = -time.Second }, "OPERATION_TIMEOUT"},
		{"min weight above one", func(c *Config) { c.MinWeight = 1.5 }, "DISCOUNT_MIN_WEIGHT"},
		{"unknown strategy", func(c *Config) { c.BanditStrategy = "ucb" }, "BANDIT_STRATEGY"},
		{"zero reconcile interval", func(c *Config) { c.ReconcileInterval = 0 }, "RECONCILE_INTERVAL"},
		{"exploration out of range", func(c *Config) { c.ExplorationRate = 2 }, "EXPLORATION_RATE"},
		{"production without database", func(c *Config) {
			c.Env = "production"
			c.ReferralSecret = "s3cret"
		}, "DATABASE_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
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
	cfg := Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
