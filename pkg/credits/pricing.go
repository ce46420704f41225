package credits

import "github.com/sartap/keel/pkg/store"

// Prices are USD per token.
var builtinPricing = map[string]store.ModelPricing{
	"claude-sonnet-4": {
		Model:           "claude-sonnet-4",
		PromptPrice:     0.000003,
		CompletionPrice: 0.000015,
	},
	"claude-haiku-3-5": {
		Model:           "claude-haiku-3-5",
		PromptPrice:     0.0000008,
		CompletionPrice: 0.000004,
	},
	"claude-opus-4": {
		Model:           "claude-opus-4",
		PromptPrice:     0.000015,
		CompletionPrice: 0.000075,
	},
	"gpt-4o": {
		Model:           "gpt-4o",
		PromptPrice:     0.0000025,
		CompletionPrice: 0.00001,
	},
	"gpt-4o-mini": {
		Model:           "gpt-4o-mini",
		PromptPrice:     0.00000015,
		CompletionPrice: 0.0000006,
	},
}

// defaultTier covers model names with no pricing row anywhere.
var defaultTier = store.ModelPricing{
	Model:           "default",
	PromptPrice:     0.000003,
	CompletionPrice: 0.000015,
}
