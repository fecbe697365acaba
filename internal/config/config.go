// Package config provides configuration loading for steward.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all steward configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Path to the SQLite database (default "/var/lib/steward/steward.db")
	DBPath string `json:"db_path"`

	// Admin shared secret for cron/internal endpoints (bearer token).
	// Either this or AdminPasswordHash must be set for those endpoints
	// to be reachable.
	AdminSecret string `json:"admin_secret,omitempty"`
	// bcrypt hash of the admin password (alternative to AdminSecret).
	AdminPasswordHash string `json:"admin_password_hash,omitempty"`

	// Enforcement cycle budget in seconds (default 45).
	EnforcementBudgetSeconds int `json:"enforcement_budget_seconds"`
	// Retention GC budget in seconds (default 45).
	RetentionBudgetSeconds int `json:"retention_budget_seconds"`

	// Cron expressions for background jobs. Empty disables the job.
	EnforcementSchedule string `json:"enforcement_schedule,omitempty"`
	AggregationSchedule string `json:"aggregation_schedule,omitempty"`
	RetentionSchedule   string `json:"retention_schedule,omitempty"`

	// Notifications
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	AlertWebhookURL string `json:"alert_webhook_url,omitempty"`

	// MCP tool servers: name -> endpoint URL.
	MCPServers map[string]string `json:"mcp_servers,omitempty"`

	// Read-only databases exposed to agents through the sql.query tool.
	SQLDatabases map[string]SQLDatabaseConfig `json:"sql_databases,omitempty"`

	// OTLP gRPC endpoint for tracing. Empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// SQLDatabaseConfig describes one database reachable from the sql.query
// tool. Queries run inside a read-only transaction regardless of DSN
// permissions.
type SQLDatabaseConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	MaxRows int    `json:"max_rows,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:               ":8080",
		DBPath:                   "/var/lib/steward/steward.db",
		EnforcementBudgetSeconds: 45,
		RetentionBudgetSeconds:   45,
		EnforcementSchedule:      "*/5 * * * *",
		AggregationSchedule:      "10 0 * * *",
		RetentionSchedule:        "30 3 * * *",
		LogLevel:                 "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("STEWARD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STEWARD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEWARD_ADMIN_SECRET"); v != "" {
		cfg.AdminSecret = v
	}
	if v := os.Getenv("STEWARD_ADMIN_PASSWORD_HASH"); v != "" {
		cfg.AdminPasswordHash = v
	}
	if v := os.Getenv("STEWARD_ENFORCEMENT_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EnforcementBudgetSeconds = n
		}
	}
	if v := os.Getenv("STEWARD_RETENTION_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionBudgetSeconds = n
		}
	}
	if v := os.Getenv("STEWARD_SLACK_WEBHOOK_URL"); v != "" {
		cfg.SlackWebhookURL = v
	}
	if v := os.Getenv("STEWARD_ALERT_WEBHOOK_URL"); v != "" {
		cfg.AlertWebhookURL = v
	}
	if v := os.Getenv("STEWARD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("STEWARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.EnforcementBudgetSeconds <= 0 {
		return fmt.Errorf("enforcement_budget_seconds must be positive")
	}
	if c.RetentionBudgetSeconds <= 0 {
		return fmt.Errorf("retention_budget_seconds must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}
