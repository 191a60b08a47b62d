// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App            AppConfig            `yaml:"app"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Coordinator    CoordinatorConfig    `yaml:"coordinator"`
	Broker         BrokerConfig         `yaml:"broker"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	Risk           RiskConfig           `yaml:"risk"`
	Slicer         SlicerConfig         `yaml:"slicer"`
	Modification   ModificationConfig   `yaml:"modification"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	Timing         TimingConfig         `yaml:"timing"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	System         SystemConfig         `yaml:"system"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	StrategyID string `yaml:"strategy_id" validate:"required"`
	DryRun     bool   `yaml:"dry_run"`
}

// LedgerConfig selects and configures the order record store
type LedgerConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=sqlite memory"`
	Path   string `yaml:"path"` // SQLite file path; required for the sqlite driver
}

// CoordinatorConfig selects and configures the shared state backend
type CoordinatorConfig struct {
	Backend          string `yaml:"backend" validate:"required,oneof=redis memory"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    Secret `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
	KeyPrefix        string `yaml:"key_prefix"`
	OpTimeoutSeconds int    `yaml:"op_timeout_seconds" validate:"min=1,max=60"`
}

// BrokerConfig contains broker connectivity settings
type BrokerConfig struct {
	Name                  string  `yaml:"name" validate:"required,oneof=rest mock"`
	BaseURL               string  `yaml:"base_url"`
	StreamURL             string  `yaml:"stream_url"`
	APIKey                Secret  `yaml:"api_key"`
	APISecret             Secret  `yaml:"api_secret"`
	RateLimitPerSecond    float64 `yaml:"rate_limit_per_second" validate:"min=0,max=1000"`
	RateLimitBurst        int     `yaml:"rate_limit_burst" validate:"min=0,max=1000"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds" validate:"min=1,max=120"`
}

// WebhookConfig contains broker event ingestion settings
type WebhookConfig struct {
	Secret Secret `yaml:"secret"` // Empty disables signature verification (tests only)
}

// SymbolLimitConfig overrides fat-finger thresholds for a single symbol
type SymbolLimitConfig struct {
	MaxNotional float64 `yaml:"max_notional"`
	MaxQty      float64 `yaml:"max_qty"`
	MaxADVPct   float64 `yaml:"max_adv_pct"`
}

// RiskConfig contains safety gate settings
type RiskConfig struct {
	MaxNotional         float64                      `yaml:"max_notional" validate:"required,min=0"`
	MaxQty              float64                      `yaml:"max_qty" validate:"required,min=0"`
	MaxADVPct           float64                      `yaml:"max_adv_pct" validate:"min=0,max=100"`
	SymbolOverrides     map[string]SymbolLimitConfig `yaml:"symbol_overrides"`
	MaxPriceAgeSeconds  int                          `yaml:"max_price_age_seconds" validate:"required,min=1,max=3600"`
	MaxPositionDefault  float64                      `yaml:"max_position_default" validate:"required,min=1"`
	MaxPositionOverride map[string]float64           `yaml:"max_position_override"`
	ReservationTTL      int                          `yaml:"reservation_ttl_seconds" validate:"required,min=1,max=600"`
	QuarantineTTL       int                          `yaml:"quarantine_ttl_seconds" validate:"min=1,max=86400"`
}

// SlicerConfig bounds TWAP plan parameters
type SlicerConfig struct {
	MinSlices          int `yaml:"min_slices" validate:"required,min=1"`
	MinSliceQty        int `yaml:"min_slice_qty" validate:"required,min=1"`
	MinDurationMinutes int `yaml:"min_duration_minutes" validate:"required,min=1"`
	MaxDurationMinutes int `yaml:"max_duration_minutes" validate:"required,min=1,max=1440"`
	MinIntervalSeconds int `yaml:"min_interval_seconds" validate:"required,min=1"`
	MaxIntervalSeconds int `yaml:"max_interval_seconds" validate:"required,min=1,max=3600"`
}

// ModificationConfig contains modify/replace settings
type ModificationConfig struct {
	LockTimeoutSeconds   int `yaml:"lock_timeout_seconds" validate:"required,min=1,max=120"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" validate:"min=1,max=3600"`
	PendingAgeSeconds    int `yaml:"pending_age_seconds" validate:"min=1,max=3600"`
}

// ReconciliationConfig contains startup and periodic reconciliation settings
type ReconciliationConfig struct {
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds" validate:"required,min=1,max=3600"`
	IntervalSeconds       int `yaml:"interval_seconds" validate:"min=1,max=86400"`
	OrderLookbackHours    int `yaml:"order_lookback_hours" validate:"min=1,max=168"`
}

// AlertsConfig contains operator notification settings
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	StreamReconnectDelay int `yaml:"stream_reconnect_delay" validate:"min=1,max=300"`
	StreamWriteWait      int `yaml:"stream_write_wait" validate:"min=1,max=300"`
	StreamPongWait       int `yaml:"stream_pong_wait" validate:"min=1,max=300"`
	StreamPingInterval   int `yaml:"stream_ping_interval" validate:"min=1,max=300"`
	QuotePollInterval    int `yaml:"quote_poll_interval" validate:"min=1,max=3600"`
	HealthPollInterval   int `yaml:"health_poll_interval" validate:"min=1,max=3600"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	SchedulerPoolSize   int `yaml:"scheduler_pool_size" validate:"min=1,max=100"`
	SchedulerPoolBuffer int `yaml:"scheduler_pool_buffer" validate:"min=1,max=10000"`
	IngestPoolSize      int `yaml:"ingest_pool_size" validate:"min=1,max=100"`
	IngestPoolBuffer    int `yaml:"ingest_pool_buffer" validate:"min=1,max=10000"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateLedgerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateCoordinatorConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateBrokerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSlicerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateModificationConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateReconciliationConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.StrategyID == "" {
		return ValidationError{
			Field:   "app.strategy_id",
			Message: "strategy id is required",
		}
	}
	return nil
}

func (c *Config) validateLedgerConfig() error {
	validDrivers := []string{"sqlite", "memory"}
	if !contains(validDrivers, c.Ledger.Driver) {
		return ValidationError{
			Field:   "ledger.driver",
			Value:   c.Ledger.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Ledger.Driver == "sqlite" && c.Ledger.Path == "" {
		return ValidationError{
			Field:   "ledger.path",
			Message: "path is required for the sqlite driver",
		}
	}
	return nil
}

func (c *Config) validateCoordinatorConfig() error {
	validBackends := []string{"redis", "memory"}
	if !contains(validBackends, c.Coordinator.Backend) {
		return ValidationError{
			Field:   "coordinator.backend",
			Value:   c.Coordinator.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validBackends, ", ")),
		}
	}
	if c.Coordinator.Backend == "redis" && c.Coordinator.RedisAddr == "" {
		return ValidationError{
			Field:   "coordinator.redis_addr",
			Message: "redis address is required for the redis backend",
		}
	}
	if c.Coordinator.KeyPrefix == "" {
		c.Coordinator.KeyPrefix = "execgw"
	}
	if c.Coordinator.OpTimeoutSeconds == 0 {
		c.Coordinator.OpTimeoutSeconds = 5
	}
	return nil
}

func (c *Config) validateBrokerConfig() error {
	validBrokers := []string{"rest", "mock"}
	if !contains(validBrokers, c.Broker.Name) {
		return ValidationError{
			Field:   "broker.name",
			Value:   c.Broker.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validBrokers, ", ")),
		}
	}
	if c.Broker.Name == "rest" {
		if c.Broker.BaseURL == "" {
			return ValidationError{
				Field:   "broker.base_url",
				Message: "base URL is required for the rest broker",
			}
		}
		if c.Broker.APIKey == "" {
			return ValidationError{
				Field:   "broker.api_key",
				Message: "API key is required for the rest broker",
			}
		}
		if c.Broker.APISecret == "" {
			return ValidationError{
				Field:   "broker.api_secret",
				Message: "API secret is required for the rest broker",
			}
		}
	}
	if c.Broker.RequestTimeoutSeconds == 0 {
		c.Broker.RequestTimeoutSeconds = 10
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxNotional <= 0 {
		return ValidationError{
			Field:   "risk.max_notional",
			Value:   c.Risk.MaxNotional,
			Message: "default max notional must be positive",
		}
	}
	if c.Risk.MaxQty <= 0 {
		return ValidationError{
			Field:   "risk.max_qty",
			Value:   c.Risk.MaxQty,
			Message: "default max quantity must be positive",
		}
	}
	if c.Risk.MaxPriceAgeSeconds <= 0 {
		return ValidationError{
			Field:   "risk.max_price_age_seconds",
			Value:   c.Risk.MaxPriceAgeSeconds,
			Message: "max price age must be positive",
		}
	}
	if c.Risk.MaxPositionDefault <= 0 {
		return ValidationError{
			Field:   "risk.max_position_default",
			Value:   c.Risk.MaxPositionDefault,
			Message: "default position limit must be positive",
		}
	}
	if c.Risk.ReservationTTL <= 0 {
		return ValidationError{
			Field:   "risk.reservation_ttl_seconds",
			Value:   c.Risk.ReservationTTL,
			Message: "reservation TTL must be positive",
		}
	}
	for sym, ov := range c.Risk.SymbolOverrides {
		if ov.MaxNotional < 0 || ov.MaxQty < 0 || ov.MaxADVPct < 0 {
			return ValidationError{
				Field:   fmt.Sprintf("risk.symbol_overrides.%s", sym),
				Message: "override thresholds must be non-negative",
			}
		}
	}
	return nil
}

func (c *Config) validateSlicerConfig() error {
	if c.Slicer.MinDurationMinutes > c.Slicer.MaxDurationMinutes {
		return ValidationError{
			Field:   "slicer.min_duration_minutes",
			Value:   c.Slicer.MinDurationMinutes,
			Message: "min duration cannot exceed max duration",
		}
	}
	if c.Slicer.MinIntervalSeconds > c.Slicer.MaxIntervalSeconds {
		return ValidationError{
			Field:   "slicer.min_interval_seconds",
			Value:   c.Slicer.MinIntervalSeconds,
			Message: "min interval cannot exceed max interval",
		}
	}
	if c.Slicer.MinSlices <= 0 {
		return ValidationError{
			Field:   "slicer.min_slices",
			Value:   c.Slicer.MinSlices,
			Message: "min slices must be positive",
		}
	}
	return nil
}

func (c *Config) validateModificationConfig() error {
	if c.Modification.LockTimeoutSeconds <= 0 {
		return ValidationError{
			Field:   "modification.lock_timeout_seconds",
			Value:   c.Modification.LockTimeoutSeconds,
			Message: "lock timeout must be positive",
		}
	}
	return nil
}

func (c *Config) validateReconciliationConfig() error {
	if c.Reconciliation.StartupTimeoutSeconds <= 0 {
		return ValidationError{
			Field:   "reconciliation.startup_timeout_seconds",
			Value:   c.Reconciliation.StartupTimeoutSeconds,
			Message: "startup timeout must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	// Secret fields redact themselves through MarshalYAML
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BROKER_API_KEY", "BROKER_API_SECRET",
		"WEBHOOK_SECRET", "REDIS_PASSWORD",
		"SLACK_WEBHOOK_URL", "TELEGRAM_BOT_TOKEN",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			StrategyID: "alpha_baseline",
			DryRun:     true,
		},
		Ledger: LedgerConfig{
			Driver: "sqlite",
			Path:   "exec_gateway.db",
		},
		Coordinator: CoordinatorConfig{
			Backend:          "memory",
			KeyPrefix:        "execgw",
			OpTimeoutSeconds: 5,
		},
		Broker: BrokerConfig{
			Name:                  "mock",
			RateLimitPerSecond:    10,
			RateLimitBurst:        20,
			RequestTimeoutSeconds: 10,
		},
		Webhook: WebhookConfig{
			Secret: "",
		},
		Risk: RiskConfig{
			MaxNotional:        50000,
			MaxQty:             10000,
			MaxADVPct:          5,
			MaxPriceAgeSeconds: 30,
			MaxPositionDefault: 10000,
			ReservationTTL:     30,
			QuarantineTTL:      300,
		},
		Slicer: SlicerConfig{
			MinSlices:          2,
			MinSliceQty:        1,
			MinDurationMinutes: 1,
			MaxDurationMinutes: 390,
			MinIntervalSeconds: 10,
			MaxIntervalSeconds: 600,
		},
		Modification: ModificationConfig{
			LockTimeoutSeconds:   10,
			SweepIntervalSeconds: 60,
			PendingAgeSeconds:    120,
		},
		Reconciliation: ReconciliationConfig{
			StartupTimeoutSeconds: 120,
			IntervalSeconds:       300,
			OrderLookbackHours:    24,
		},
		Alerts: AlertsConfig{
			Enabled: false,
		},
		Timing: TimingConfig{
			StreamReconnectDelay: 5,
			StreamWriteWait:      10,
			StreamPongWait:       60,
			StreamPingInterval:   54,
			QuotePollInterval:    5,
			HealthPollInterval:   15,
		},
		Concurrency: ConcurrencyConfig{
			SchedulerPoolSize:   8,
			SchedulerPoolBuffer: 256,
			IngestPoolSize:      4,
			IngestPoolBuffer:    1024,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
