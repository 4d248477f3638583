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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL      string        // PostgreSQL connection string (optional, uses in-memory if not set)
	OperationTimeout time.Duration // Upper bound for a single store round trip

	// Ledger rate limits (per content id)
	SharesPerHour    int
	ViewsPerHour     int
	SignupsPerDay    int
	UpdatesPerMinute int

	// HTTP ingress limiter
	HTTPRateLimitRPM int

	// Scoring
	HalfLifeDays     float64
	MinWeight        float64
	BanditWindowDays int
	BanditStrategy   string // "thompson" or "epsilon_greedy"
	ExplorationRate  float64

	// Referrals
	ReferralSecret       string
	ReferralLinkHost     string
	ReferralLinkMaxAge   time.Duration
	ReferralRewardMonths int

	// Webhooks
	WebhookSecret       string
	StripeWebhookSecret string

	// Background jobs
	ReconcileInterval time.Duration

	// Tracing (disabled when OTLPEndpoint is empty)
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultOperationTimeout = 5 * time.Second
	DefaultSharesPerHour    = 1000
	DefaultViewsPerHour     = 10000
	DefaultSignupsPerDay    = 100
	DefaultUpdatesPerMinute = 10
	DefaultHTTPRateLimitRPM = 600
	DefaultHalfLifeDays     = 30
	DefaultMinWeight        = 0.1
	DefaultBanditWindowDays = 30
	DefaultBanditStrategy   = "thompson"
	DefaultExplorationRate  = 0.2
	DefaultReferralLinkHost = "app.viralloop.dev"
	DefaultLinkMaxAge       = 720 * time.Hour
	DefaultRewardMonths     = 1
	DefaultReconcileEvery   = 5 * time.Minute

	// devReferralSecret is only accepted outside production.
	devReferralSecret = "dev-referral-secret-change-me"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		OperationTimeout:     getEnvDuration("OPERATION_TIMEOUT", DefaultOperationTimeout),
		SharesPerHour:        getEnvInt("RATE_LIMIT_SHARES_PER_HOUR", DefaultSharesPerHour),
		ViewsPerHour:         getEnvInt("RATE_LIMIT_VIEWS_PER_HOUR", DefaultViewsPerHour),
		SignupsPerDay:        getEnvInt("RATE_LIMIT_SIGNUPS_PER_DAY", DefaultSignupsPerDay),
		UpdatesPerMinute:     getEnvInt("RATE_LIMIT_UPDATES_PER_MINUTE", DefaultUpdatesPerMinute),
		HTTPRateLimitRPM:     getEnvInt("HTTP_RATE_LIMIT_RPM", DefaultHTTPRateLimitRPM),
		HalfLifeDays:         getEnvFloat("DISCOUNT_HALF_LIFE_DAYS", DefaultHalfLifeDays),
		MinWeight:            getEnvFloat("DISCOUNT_MIN_WEIGHT", DefaultMinWeight),
		BanditWindowDays:     getEnvInt("BANDIT_WINDOW_DAYS", DefaultBanditWindowDays),
		BanditStrategy:       getEnv("BANDIT_STRATEGY", DefaultBanditStrategy),
		ExplorationRate:      getEnvFloat("EXPLORATION_RATE", DefaultExplorationRate),
		ReferralSecret:       getEnv("REFERRAL_SECRET", devReferralSecret),
		ReferralLinkHost:     getEnv("REFERRAL_LINK_HOST", DefaultReferralLinkHost),
		ReferralLinkMaxAge:   getEnvDuration("REFERRAL_LINK_MAX_AGE", DefaultLinkMaxAge),
		ReferralRewardMonths: getEnvInt("REFERRAL_REWARD_MONTHS", DefaultRewardMonths),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must be positive")
	}
	for name, v := range map[string]int{
		"RATE_LIMIT_SHARES_PER_HOUR":    c.SharesPerHour,
		"RATE_LIMIT_VIEWS_PER_HOUR":     c.ViewsPerHour,
		"RATE_LIMIT_SIGNUPS_PER_DAY":    c.SignupsPerDay,
		"RATE_LIMIT_UPDATES_PER_MINUTE": c.UpdatesPerMinute,
		"BANDIT_WINDOW_DAYS":            c.BanditWindowDays,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HalfLifeDays <= 0 {
		return fmt.Errorf("DISCOUNT_HALF_LIFE_DAYS must be positive")
	}
	if c.MinWeight < 0 || c.MinWeight > 1 {
		return fmt.Errorf("DISCOUNT_MIN_WEIGHT must be within [0,1]")
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return fmt.Errorf("EXPLORATION_RATE must be within [0,1]")
	}
	if c.BanditStrategy != "thompson" && c.BanditStrategy != "epsilon_greedy" {
		return fmt.Errorf("BANDIT_STRATEGY must be thompson or epsilon_greedy, got %q", c.BanditStrategy)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ReferralRewardMonths < 0 {
		return fmt.Errorf("REFERRAL_REWARD_MONTHS must not be negative")
	}
	if c.IsProduction() {
		if c.ReferralSecret == "" || c.ReferralSecret == devReferralSecret {
			return fmt.Errorf("REFERRAL_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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
