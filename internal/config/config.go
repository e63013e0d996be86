// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Duel lifecycle
	ChallengeExpiry time.Duration // Accept/decline window after a challenge
	PlayWindow      time.Duration // Time both parties have to finish once accepted
	ExpiryWarning   time.Duration // Pre-expiry notice fired before the deadline
	MaxWager        int64         // Upper bound on a single duel's stake, in gold

	// Timer service
	TimerPollInterval time.Duration

	// Advisory lease
	LeaseTTL time.Duration

	// Gold purchases (optional; purchases disabled when unset)
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string
}

// Defaults.
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultChallengeExpiry = 5 * time.Minute
	DefaultPlayWindow      = 10 * time.Minute
	DefaultExpiryWarning   = 1 * time.Minute
	DefaultMaxWager        = 1_000_000
	DefaultPollInterval    = 2 * time.Second
	DefaultLeaseTTL        = 10 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ChallengeExpiry:     getEnvDuration("CHALLENGE_EXPIRY", DefaultChallengeExpiry),
		PlayWindow:          getEnvDuration("PLAY_WINDOW", DefaultPlayWindow),
		ExpiryWarning:       getEnvDuration("EXPIRY_WARNING", DefaultExpiryWarning),
		MaxWager:            getEnvInt64("MAX_WAGER", DefaultMaxWager),
		TimerPollInterval:   getEnvDuration("TIMER_POLL_INTERVAL", DefaultPollInterval),
		LeaseTTL:            getEnvDuration("LEASE_TTL", DefaultLeaseTTL),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ChallengeExpiry <= 0 {
		return fmt.Errorf("CHALLENGE_EXPIRY must be positive")
	}
	if c.PlayWindow <= 0 {
		return fmt.Errorf("PLAY_WINDOW must be positive")
	}
	if c.ExpiryWarning >= c.ChallengeExpiry {
		return fmt.Errorf("EXPIRY_WARNING must be shorter than CHALLENGE_EXPIRY")
	}
	if c.MaxWager <= 0 {
		return fmt.Errorf("MAX_WAGER must be positive")
	}
	if c.TimerPollInterval <= 0 {
		return fmt.Errorf("TIMER_POLL_INTERVAL must be positive")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("LEASE_TTL must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
