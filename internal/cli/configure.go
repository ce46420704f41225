package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sartap/keel/internal/config"
)

var (
	anthropicKey string
	openaiKey    string
	defaultModel string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write service configuration",
	Long: `Write the Keel configuration file.
Existing settings are preserved; provided flags overwrite the matching
fields. API keys are stored with restrictive file permissions.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&anthropicKey, "anthropic-key", "", "Anthropic API key")
	configureCmd.Flags().StringVar(&openaiKey, "openai-key", "", "OpenAI API key")
	configureCmd.Flags().StringVar(&defaultModel, "model", "", "default model")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if anthropicKey != "" {
		setProviderKey(cfg, "anthropic", anthropicKey)
	}
	if openaiKey != "" {
		setProviderKey(cfg, "openai", openaiKey)
	}
	if defaultModel != "" {
		cfg.Models.Default = defaultModel
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	configPath, err := loader.GetConfigPath()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration saved to: %s\n", configPath)
	fmt.Println("You can now start Keel with: keel start")

	return nil
}

func setProviderKey(cfg *config.Config, name, key string) {
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == name {
			cfg.Providers[i].APIKey = key
			return
		}
	}
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: name, APIKey: key})
}
