// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App            AppConfig              `yaml:"app"`
	Venues         map[string]VenueConfig `yaml:"venues"`
	Accounts       []AccountConfig        `yaml:"accounts"`
	Reconciliation ReconciliationConfig   `yaml:"reconciliation"`
	Storage        StorageConfig          `yaml:"storage"`
	Feed           FeedConfig             `yaml:"feed"`
	Alerts         AlertsConfig           `yaml:"alerts"`
	Concurrency    ConcurrencyConfig      `yaml:"concurrency"`
	Telemetry      TelemetryConfig        `yaml:"telemetry"`
	System         SystemConfig           `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Environment string `yaml:"environment"` // dev or prod
}

// VenueConfig holds credentials and transport limits for one venue
type VenueConfig struct {
	Adapter    string  `yaml:"adapter"` // binance or mock
	APIKey     Secret  `yaml:"api_key"`
	SecretKey  Secret  `yaml:"secret_key"`
	UseTestnet bool    `yaml:"use_testnet"`
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
}

// AccountConfig binds one trading account to a configured venue
type AccountConfig struct {
	AccountID string `yaml:"account_id"`
	Venue     string `yaml:"venue"`
}

// ReconciliationConfig tunes the cycle loop and the correction policy
type ReconciliationConfig struct {
	IntervalSeconds        int     `yaml:"interval_s"`
	CycleTimeoutSeconds    int     `yaml:"cycle_timeout_s"`
	Authority              string  `yaml:"authority"` // venue or local
	AutoCorrectPct         float64 `yaml:"auto_correct_pct"`
	PruneAfterHours        int     `yaml:"prune_after_h"`
	EnableStreams          bool    `yaml:"enable_streams"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	BreakerCooldownSeconds int     `yaml:"breaker_cooldown_s"`

	// StalenessGraceSeconds holds stale verdicts on orders updated within
	// this window before the poll; an order submitted just before the poll
	// may not be visible at the venue yet. Zero disables the hold.
	StalenessGraceSeconds int `yaml:"staleness_grace_s"`
}

// Interval returns the cycle interval as a duration.
func (r ReconciliationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// CycleTimeout returns the per-cycle deadline as a duration.
func (r ReconciliationConfig) CycleTimeout() time.Duration {
	return time.Duration(r.CycleTimeoutSeconds) * time.Second
}

// PruneAfter returns the terminal-order retention window as a duration.
func (r ReconciliationConfig) PruneAfter() time.Duration {
	return time.Duration(r.PruneAfterHours) * time.Hour
}

// BreakerCooldown returns the breaker auto-reset window as a duration.
func (r ReconciliationConfig) BreakerCooldown() time.Duration {
	return time.Duration(r.BreakerCooldownSeconds) * time.Second
}

// StalenessGrace returns the in-flight hold window as a duration.
func (r ReconciliationConfig) StalenessGrace() time.Duration {
	return time.Duration(r.StalenessGraceSeconds) * time.Second
}

// StorageConfig selects the snapshot/journal store
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite or memory
	Path   string `yaml:"path"`
}

// FeedConfig configures the WebSocket event feed
type FeedConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	SnapshotDepth  int      `yaml:"snapshot_depth"`
}

// AlertsConfig configures operator alert channels
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	MaxWorkers  int `yaml:"max_workers"`
	MaxCapacity int `yaml:"max_capacity"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics"`
	ServiceName   string `yaml:"service_name"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	OpsAddr  string `yaml:"ops_addr"`  // operational HTTP API (default :8080)
	GRPCAddr string `yaml:"grpc_addr"` // gRPC health endpoint (default :50052)
	// OpsAPIKeys guard the mutating ops endpoints. Empty leaves them open,
	// for deployments where the ops port never leaves the host.
	OpsAPIKeys []Secret `yaml:"ops_api_keys"`
}

// OpsAPIKeyStrings returns the configured keys as plain strings.
func (c SystemConfig) OpsAPIKeyStrings() []string {
	keys := make([]string, 0, len(c.OpsAPIKeys))
	for _, k := range c.OpsAPIKeys {
		if k != "" {
			keys = append(keys, string(k))
		}
	}
	return keys
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

// Validate checks every section and fills defaults for omitted fields.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAccounts(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateReconciliation(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStorage(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateFeed(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateConcurrency(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.Environment == "" {
		c.App.Environment = "dev"
	}
	if !contains([]string{"dev", "prod"}, c.App.Environment) {
		return ValidationError{
			Field:   "app.environment",
			Value:   c.App.Environment,
			Message: "must be one of: dev, prod",
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{
			Field:   "venues",
			Message: "at least one venue must be configured",
		}
	}

	validAdapters := []string{"binance", "mock"}
	for name, venue := range c.Venues {
		if venue.Adapter == "" {
			venue.Adapter = name
			c.Venues[name] = venue
		}
		if !contains(validAdapters, venue.Adapter) {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.adapter", name),
				Value:   venue.Adapter,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validAdapters, ", ")),
			}
		}

		// The mock adapter carries no credentials
		if venue.Adapter == "mock" {
			continue
		}

		if venue.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if venue.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateAccounts() error {
	if len(c.Accounts) == 0 {
		return ValidationError{
			Field:   "accounts",
			Message: "at least one account must be configured",
		}
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, account := range c.Accounts {
		if account.AccountID == "" {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].account_id", i),
				Message: "account ID is required",
			}
		}
		if seen[account.AccountID] {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].account_id", i),
				Value:   account.AccountID,
				Message: "duplicate account ID",
			}
		}
		seen[account.AccountID] = true

		if _, exists := c.Venues[account.Venue]; !exists {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].venue", i),
				Value:   account.Venue,
				Message: "venue configuration not found in venues section",
			}
		}
	}

	return nil
}

func (c *Config) validateReconciliation() error {
	if c.Reconciliation.IntervalSeconds == 0 {
		c.Reconciliation.IntervalSeconds = 60
	}
	if c.Reconciliation.IntervalSeconds < 1 || c.Reconciliation.IntervalSeconds > 3600 {
		return ValidationError{
			Field:   "reconciliation.interval_s",
			Value:   c.Reconciliation.IntervalSeconds,
			Message: "must be between 1 and 3600",
		}
	}

	if c.Reconciliation.CycleTimeoutSeconds == 0 {
		c.Reconciliation.CycleTimeoutSeconds = 30
	}
	if c.Reconciliation.CycleTimeoutSeconds < 1 || c.Reconciliation.CycleTimeoutSeconds > c.Reconciliation.IntervalSeconds {
		return ValidationError{
			Field:   "reconciliation.cycle_timeout_s",
			Value:   c.Reconciliation.CycleTimeoutSeconds,
			Message: "must be between 1 and the cycle interval",
		}
	}

	if c.Reconciliation.Authority == "" {
		c.Reconciliation.Authority = "venue"
	}
	if !contains([]string{"venue", "local"}, c.Reconciliation.Authority) {
		return ValidationError{
			Field:   "reconciliation.authority",
			Value:   c.Reconciliation.Authority,
			Message: "must be one of: venue, local",
		}
	}

	if c.Reconciliation.AutoCorrectPct == 0 {
		c.Reconciliation.AutoCorrectPct = 5.0
	}
	if c.Reconciliation.AutoCorrectPct < 0 || c.Reconciliation.AutoCorrectPct > 100 {
		return ValidationError{
			Field:   "reconciliation.auto_correct_pct",
			Value:   c.Reconciliation.AutoCorrectPct,
			Message: "must be between 0 and 100",
		}
	}

	if c.Reconciliation.MaxConsecutiveFailures == 0 {
		c.Reconciliation.MaxConsecutiveFailures = 3
	}
	if c.Reconciliation.BreakerCooldownSeconds == 0 {
		c.Reconciliation.BreakerCooldownSeconds = 300
	}

	if c.Reconciliation.StalenessGraceSeconds < 0 || c.Reconciliation.StalenessGraceSeconds > 300 {
		return ValidationError{
			Field:   "reconciliation.staleness_grace_s",
			Value:   c.Reconciliation.StalenessGraceSeconds,
			Message: "must be between 0 and 300",
		}
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if !contains([]string{"sqlite", "memory"}, c.Storage.Driver) {
		return ValidationError{
			Field:   "storage.driver",
			Value:   c.Storage.Driver,
			Message: "must be one of: sqlite, memory",
		}
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return ValidationError{
			Field:   "storage.path",
			Message: "path is required for the sqlite driver",
		}
	}
	return nil
}

func (c *Config) validateFeed() error {
	if !c.Feed.Enabled {
		return nil
	}
	if c.Feed.ListenAddr == "" {
		c.Feed.ListenAddr = ":8081"
	}
	if c.Feed.SnapshotDepth == 0 {
		c.Feed.SnapshotDepth = 50
	}
	if c.Feed.SnapshotDepth < 0 || c.Feed.SnapshotDepth > 1000 {
		return ValidationError{
			Field:   "feed.snapshot_depth",
			Value:   c.Feed.SnapshotDepth,
			Message: "must be between 0 and 1000",
		}
	}
	return nil
}

func (c *Config) validateConcurrency() error {
	if c.Concurrency.MaxWorkers == 0 {
		c.Concurrency.MaxWorkers = 4
	}
	if c.Concurrency.MaxCapacity == 0 {
		c.Concurrency.MaxCapacity = 64
	}
	if c.Concurrency.MaxWorkers < 1 || c.Concurrency.MaxWorkers > 100 {
		return ValidationError{
			Field:   "concurrency.max_workers",
			Value:   c.Concurrency.MaxWorkers,
			Message: "must be between 1 and 100",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.OpsAddr == "" {
		c.System.OpsAddr = ":8080"
	}
	if c.System.GRPCAddr == "" {
		c.System.GRPCAddr = ":50052"
	}
	return nil
}

// GetVenueConfig returns the configuration for the named venue
func (c *Config) GetVenueConfig(name string) (*VenueConfig, error) {
	venue, exists := c.Venues[name]
	if !exists {
		return nil, fmt.Errorf("venue configuration not found for: %s", name)
	}
	return &venue, nil
}

// String returns a string representation of the configuration with all
// secrets redacted through the Secret marshaler.
func (c *Config) String() string {
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
		"BINANCE_API_KEY", "BINANCE_SECRET_KEY",
		"SLACK_WEBHOOK_URL",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
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
			Environment: "dev",
		},
		Venues: map[string]VenueConfig{
			"binance": {
				Adapter:    "binance",
				APIKey:     "test_api_key",
				SecretKey:  "test_secret_key",
				UseTestnet: true,
				RateLimit:  5,
				RateBurst:  10,
			},
			"mock": {
				Adapter: "mock",
			},
		},
		Accounts: []AccountConfig{
			{AccountID: "ACC-001", Venue: "mock"},
		},
		Reconciliation: ReconciliationConfig{
			IntervalSeconds:        60,
			CycleTimeoutSeconds:    30,
			Authority:              "venue",
			AutoCorrectPct:         5.0,
			PruneAfterHours:        24,
			EnableStreams:          true,
			MaxConsecutiveFailures: 3,
			BreakerCooldownSeconds: 300,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Feed: FeedConfig{
			Enabled:        true,
			ListenAddr:     ":8081",
			AllowedOrigins: []string{"*"},
			MaxConnections: 256,
			RateLimit:      5,
			RateBurst:      10,
			SnapshotDepth:  50,
		},
		Concurrency: ConcurrencyConfig{
			MaxWorkers:  4,
			MaxCapacity: 64,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			ServiceName:   "exec-reconciler",
		},
		System: SystemConfig{
			LogLevel: "INFO",
			OpsAddr:  ":8080",
			GRPCAddr: ":50052",
		},
	}
}
