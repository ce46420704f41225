package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDefaults(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(DefaultConfig()))
}

func TestValidateRejects(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model", func(c *Config) { c.Models.Default = "" }},
		{"bad temperature", func(c *Config) { c.Models.Temperature = 3 }},
		{"negative tool calls", func(c *Config) { c.Runs.MaxToolCalls = -1 }},
		{"zero history limit", func(c *Config) { c.Runs.HistoryLimit = 0 }},
		{"keep recent zero", func(c *Config) { c.Compaction.KeepRecentMessages = 0 }},
		{"threshold below keep", func(c *Config) {
			c.Compaction.MessageThreshold = 5
			c.Compaction.KeepRecentMessages = 10
		}},
		{"markup below one", func(c *Config) { c.Credits.MarkupMultiplier = 0.5 }},
		{"zero credit value", func(c *Config) { c.Credits.CreditValueUSD = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, v.Validate(cfg))
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc123", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-abc123", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("wrong", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-abc", "gemini"))
}

func TestValidateProviderKeys(t *testing.T) {
	v := NewValidator()
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{{Name: "openai", APIKey: "bad"}}
	assert.Error(t, v.Validate(cfg))
}
