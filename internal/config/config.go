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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Stores (all optional — in-memory fallbacks are used when unset)
	DatabaseURL   string // PostgreSQL, evidence + policy history
	RedisURL      string // feature store counters
	KafkaBrokers  []string
	EvidenceTopic string

	// Decision budgets
	DecisionBudget  time.Duration // total wall-clock per /decide call
	FeatureTimeout  time.Duration // feature store sub-deadline
	DetectorTimeout time.Duration // shared detector fan-out deadline

	// Policy
	PolicyFile  string // initial policy JSON; built-in defaults if unset
	AdminSecret string // gates /policy/reload

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultDecisionBudget  = 200 * time.Millisecond
	DefaultFeatureTimeout  = 50 * time.Millisecond
	DefaultDetectorTimeout = 120 * time.Millisecond
	DefaultEvidenceTopic   = "fraud.evidence"
	DefaultRateLimit       = 600
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		EvidenceTopic:   getEnv("KAFKA_EVIDENCE_TOPIC", DefaultEvidenceTopic),
		DecisionBudget:  getEnvMillis("DECISION_BUDGET_MS", DefaultDecisionBudget),
		FeatureTimeout:  getEnvMillis("FEATURE_STORE_TIMEOUT_MS", DefaultFeatureTimeout),
		DetectorTimeout: getEnvMillis("DETECTOR_TIMEOUT_MS", DefaultDetectorTimeout),
		PolicyFile:      os.Getenv("POLICY_FILE"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configured budgets are internally consistent.
// Sub-deadlines must be strictly smaller than the total decision budget so a
// single slow dependency cannot consume the whole request.
func (c *Config) Validate() error {
	if c.DecisionBudget <= 0 {
		return fmt.Errorf("DECISION_BUDGET_MS must be positive")
	}
	if c.FeatureTimeout <= 0 || c.FeatureTimeout >= c.DecisionBudget {
		return fmt.Errorf("FEATURE_STORE_TIMEOUT_MS must be positive and smaller than DECISION_BUDGET_MS")
	}
	if c.DetectorTimeout <= 0 || c.DetectorTimeout >= c.DecisionBudget {
		return fmt.Errorf("DETECTOR_TIMEOUT_MS must be positive and smaller than DECISION_BUDGET_MS")
	}
	if len(c.KafkaBrokers) > 0 && c.EvidenceTopic == "" {
		return fmt.Errorf("KAFKA_EVIDENCE_TOPIC is required when KAFKA_BROKERS is set")
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

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil && i > 0 {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
