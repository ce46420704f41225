package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values.
type Validator struct{}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a full configuration for consistency.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if cfg.Models.Default == "" {
		return fmt.Errorf("default model cannot be empty")
	}
	if cfg.Models.Temperature < 0 || cfg.Models.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if cfg.Models.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}

	if cfg.Runs.MaxToolCalls < 0 {
		return fmt.Errorf("max tool calls cannot be negative")
	}
	if cfg.Runs.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}

	if cfg.Compaction.KeepRecentMessages <= 0 {
		return fmt.Errorf("keep recent messages must be positive")
	}
	if cfg.Compaction.TokenThreshold <= 0 {
		return fmt.Errorf("compaction token threshold must be positive")
	}
	if cfg.Compaction.MessageThreshold <= cfg.Compaction.KeepRecentMessages {
		return fmt.Errorf("compaction message threshold must exceed keep recent messages")
	}

	if cfg.Credits.MarkupMultiplier < 1 {
		return fmt.Errorf("markup multiplier must be at least 1")
	}
	if cfg.Credits.CreditValueUSD <= 0 {
		return fmt.Errorf("credit value must be positive")
	}
	if cfg.Credits.MinimumCreditCost < 0 {
		return fmt.Errorf("minimum credit cost cannot be negative")
	}

	for _, p := range cfg.Providers {
		if err := v.ValidateAPIKey(p.APIKey, p.Name); err != nil {
			return err
		}
	}

	return nil
}

// ValidateAPIKey validates an API key format for a provider.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	default:
		return fmt.Errorf("unknown provider: %s", provider)
	}

	return nil
}
