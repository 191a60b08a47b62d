package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set up environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	// Create a temporary config file with env var placeholders
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  strategy_id: "alpha_baseline"
  dry_run: true

ledger:
  driver: "sqlite"
  path: "test.db"

coordinator:
  backend: "memory"

broker:
  name: "rest"
  base_url: "https://broker.example.com"
  api_key: "${TEST_BROKER_API_KEY}"
  api_secret: "${TEST_BROKER_API_SECRET}"

webhook:
  secret: "whsec_test"

risk:
  max_notional: 50000
  max_qty: 10000
  max_adv_pct: 5
  max_price_age_seconds: 30
  max_position_default: 10000
  reservation_ttl_seconds: 30

slicer:
  min_slices: 2
  min_slice_qty: 1
  min_duration_minutes: 1
  max_duration_minutes: 390
  min_interval_seconds: 10
  max_interval_seconds: 600

modification:
  lock_timeout_seconds: 10

reconciliation:
  startup_timeout_seconds: 120

system:
  log_level: "INFO"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	// Set environment variables
	os.Setenv("TEST_BROKER_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BROKER_API_SECRET", "test_secret_from_env")
	defer os.Unsetenv("TEST_BROKER_API_KEY")
	defer os.Unsetenv("TEST_BROKER_API_SECRET")

	// Load config
	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	// Verify environment variables were expanded
	assert.Equal(t, Secret("test_api_key_from_env"), config.Broker.APIKey)
	assert.Equal(t, Secret("test_secret_from_env"), config.Broker.APISecret)
	assert.Equal(t, "alpha_baseline", config.App.StrategyID)
	assert.True(t, config.App.DryRun)
	assert.Equal(t, "execgw", config.Coordinator.KeyPrefix, "key prefix should default")
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"broker api key is critical", "BROKER_API_KEY", true},
		{"broker secret is critical", "BROKER_API_SECRET", true},
		{"webhook secret is critical", "WEBHOOK_SECRET", true},
		{"redis password is critical", "REDIS_PASSWORD", true},
		{"slack webhook is critical", "SLACK_WEBHOOK_URL", true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.APIKey = Secret("my_super_secret_api_key")
	cfg.Broker.APISecret = Secret("my_super_secret_api_secret")
	cfg.Webhook.Secret = Secret("whsec_super_secret")
	cfg.Coordinator.RedisPassword = Secret("redis_super_secret")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "output should contain the redaction marker")

	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain the API key")
	assert.NotContains(t, output, "my_super_secret_api_secret", "output should NOT contain the API secret")
	assert.NotContains(t, output, "whsec_super_secret", "output should NOT contain the webhook secret")
	assert.NotContains(t, output, "redis_super_secret", "output should NOT contain the redis password")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty strategy id", func(c *Config) { c.App.StrategyID = "" }},
		{"unknown ledger driver", func(c *Config) { c.Ledger.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Ledger.Driver = "sqlite"; c.Ledger.Path = "" }},
		{"unknown coordinator backend", func(c *Config) { c.Coordinator.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Coordinator.Backend = "redis"; c.Coordinator.RedisAddr = "" }},
		{"rest broker without base url", func(c *Config) { c.Broker.Name = "rest"; c.Broker.BaseURL = "" }},
		{"zero max notional", func(c *Config) { c.Risk.MaxNotional = 0 }},
		{"zero reservation ttl", func(c *Config) { c.Risk.ReservationTTL = 0 }},
		{"slicer min duration above max", func(c *Config) { c.Slicer.MinDurationMinutes = 500 }},
		{"zero modification lock timeout", func(c *Config) { c.Modification.LockTimeoutSeconds = 0 }},
		{"zero reconciliation timeout", func(c *Config) { c.Reconciliation.StartupTimeoutSeconds = 0 }},
		{"bad log level", func(c *Config) { c.System.LogLevel = "TRACE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
