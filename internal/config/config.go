package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main keel configuration.
type Config struct {
	// Data directory for database and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database path (defaults to <data_dir>/keel.db)
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Runs
	Runs RunsConfig `json:"runs" mapstructure:"runs"`

	// Compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// Credits
	Credits CreditsConfig `json:"credits" mapstructure:"credits"`

	// Providers
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Maintenance
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ModelsConfig holds model defaults.
type ModelsConfig struct {
	Default     string  `json:"default" mapstructure:"default"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// RunsConfig bounds a single run.
type RunsConfig struct {
	MaxToolCalls   int `json:"max_tool_calls" mapstructure:"max_tool_calls"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	HistoryLimit   int `json:"history_limit" mapstructure:"history_limit"`
}

// CompactionConfig controls transcript summarization thresholds.
type CompactionConfig struct {
	TokenThreshold     int `json:"token_threshold" mapstructure:"token_threshold"`
	MessageThreshold   int `json:"message_threshold" mapstructure:"message_threshold"`
	KeepRecentMessages int `json:"keep_recent_messages" mapstructure:"keep_recent_messages"`
}

// CreditsConfig holds the usage-to-credit conversion knobs.
type CreditsConfig struct {
	MarkupMultiplier  float64 `json:"markup_multiplier" mapstructure:"markup_multiplier"`
	CreditValueUSD    float64 `json:"credit_value_usd" mapstructure:"credit_value_usd"`
	MinimumCreditCost int64   `json:"minimum_credit_cost" mapstructure:"minimum_credit_cost"`
	CacheTTLSeconds   int     `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
}

// ProviderConfig holds credentials for one model provider.
type ProviderConfig struct {
	Name   string `json:"name" mapstructure:"name"` // anthropic, openai
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// MaintenanceConfig controls the background maintenance jobs.
type MaintenanceConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	Schedule            string `json:"schedule" mapstructure:"schedule"` // cron expression
	ArchiveAfterMinutes int    `json:"archive_after_minutes" mapstructure:"archive_after_minutes"`
	PurgeRunsAfterDays  int    `json:"purge_runs_after_days" mapstructure:"purge_runs_after_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the Prometheus scrape endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Default:     "claude-sonnet-4",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Runs: RunsConfig{
			MaxToolCalls:   10,
			TimeoutSeconds: 300,
			HistoryLimit:   50,
		},
		Compaction: CompactionConfig{
			TokenThreshold:     8000,
			MessageThreshold:   50,
			KeepRecentMessages: 10,
		},
		Credits: CreditsConfig{
			MarkupMultiplier:  1.3,
			CreditValueUSD:    0.01,
			MinimumCreditCost: 1,
			CacheTTLSeconds:   300,
		},
		Maintenance: MaintenanceConfig{
			Enabled:             true,
			Schedule:            "*/15 * * * *",
			ArchiveAfterMinutes: 30,
			PurgeRunsAfterDays:  30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// String returns the config as indented JSON with API keys masked.
func (c *Config) String() string {
	clone := *c
	clone.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		clone.Providers[i] = ProviderConfig{Name: p.Name, APIKey: maskKey(p.APIKey)}
	}

	data, err := json.MarshalIndent(&clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
