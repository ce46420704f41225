package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "claude-sonnet-4", cfg.Models.Default)
	assert.Equal(t, 10, cfg.Runs.MaxToolCalls)
	assert.Equal(t, 50, cfg.Runs.HistoryLimit)
	assert.Equal(t, 8000, cfg.Compaction.TokenThreshold)
	assert.Equal(t, 50, cfg.Compaction.MessageThreshold)
	assert.Equal(t, 1.3, cfg.Credits.MarkupMultiplier)
	assert.Equal(t, int64(1), cfg.Credits.MinimumCreditCost)
}

func TestStringMasksAPIKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "anthropic", APIKey: "sk-ant-REDACTED"},
	}

	out := cfg.String()
	assert.NotContains(t, out, "verysecretkey")
	assert.Contains(t, out, "sk-a...")
}

func TestMaskKeyShort(t *testing.T) {
	assert.Equal(t, "***", maskKey("short"))
}
