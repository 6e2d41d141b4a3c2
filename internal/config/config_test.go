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
	setEnv(t, "DECISION_BUDGET_MS", "")
	setEnv(t, "FEATURE_STORE_TIMEOUT_MS", "")
	setEnv(t, "DETECTOR_TIMEOUT_MS", "")
	setEnv(t, "KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDecisionBudget, cfg.DecisionBudget)
	assert.Equal(t, DefaultFeatureTimeout, cfg.FeatureTimeout)
	assert.Equal(t, DefaultDetectorTimeout, cfg.DetectorTimeout)
	assert.Equal(t, DefaultEvidenceTopic, cfg.EvidenceTopic)
	assert.Nil(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "DECISION_BUDGET_MS", "500")
	setEnv(t, "FEATURE_STORE_TIMEOUT_MS", "80")
	setEnv(t, "DETECTOR_TIMEOUT_MS", "300")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.DecisionBudget)
	assert.Equal(t, 80*time.Millisecond, cfg.FeatureTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.DetectorTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
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
				DecisionBudget:  200 * time.Millisecond,
				FeatureTimeout:  50 * time.Millisecond,
				DetectorTimeout: 120 * time.Millisecond,
			},
			wantErr: "",
		},
		{
			name: "zero budget",
			config: Config{
				DecisionBudget:  0,
				FeatureTimeout:  50 * time.Millisecond,
				DetectorTimeout: 120 * time.Millisecond,
			},
			wantErr: "DECISION_BUDGET_MS must be positive",
		},
		{
			name: "feature timeout exceeds budget",
			config: Config{
				DecisionBudget:  200 * time.Millisecond,
				FeatureTimeout:  200 * time.Millisecond,
				DetectorTimeout: 120 * time.Millisecond,
			},
			wantErr: "FEATURE_STORE_TIMEOUT_MS",
		},
		{
			name: "detector timeout exceeds budget",
			config: Config{
				DecisionBudget:  200 * time.Millisecond,
				FeatureTimeout:  50 * time.Millisecond,
				DetectorTimeout: 250 * time.Millisecond,
			},
			wantErr: "DETECTOR_TIMEOUT_MS",
		},
		{
			name: "kafka brokers without topic",
			config: Config{
				DecisionBudget:  200 * time.Millisecond,
				FeatureTimeout:  50 * time.Millisecond,
				DetectorTimeout: 120 * time.Millisecond,
				KafkaBrokers:    []string{"kafka-1:9092"},
			},
			wantErr: "KAFKA_EVIDENCE_TOPIC is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
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

func TestGetEnvMillis(t *testing.T) {
	setEnv(t, "TEST_MS", "250")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_NEGATIVE", "-5")

	assert.Equal(t, 250*time.Millisecond, getEnvMillis("TEST_MS", time.Second))
	assert.Equal(t, time.Second, getEnvMillis("NONEXISTENT_VAR", time.Second))
	assert.Equal(t, time.Second, getEnvMillis("TEST_INVALID", time.Second))  // Falls back on parse error
	assert.Equal(t, time.Second, getEnvMillis("TEST_NEGATIVE", time.Second)) // Negative values rejected
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b , "))
}
