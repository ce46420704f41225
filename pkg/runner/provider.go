package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sartap/keel/pkg/credits"
	"github.com/sartap/keel/pkg/store"
)

// Request contains the parameters for one model call.
type Request struct {
	Model        string
	Messages     []ChatMessage
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response is the accumulated outcome of one streamed model call.
type Response struct {
	Content      string
	ToolCalls    []store.ToolCall
	Usage        credits.Usage
	FinishReason string
}

// DeltaFunc receives incremental text as the model produces it.
type DeltaFunc func(delta string)

// Provider streams one model call, invoking onDelta for each text chunk
// and returning the accumulated response.
type Provider interface {
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error)
	Name() string
}

// ProviderResolver picks a provider for a model name.
type ProviderResolver interface {
	Resolve(model string) (Provider, error)
}

// APIKeys maps provider name to credential.
type APIKeys map[string]string

// Factory resolves providers by model name prefix.
type Factory struct {
	keys APIKeys
}

// NewFactory creates a provider factory with the given credentials.
func NewFactory(keys APIKeys) *Factory {
	return &Factory{keys: keys}
}

// Resolve returns the provider responsible for a model name.
func (f *Factory) Resolve(model string) (Provider, error) {
	switch {
	case strings.HasPrefix(model, "claude-"):
		key, ok := f.keys["anthropic"]
		if !ok {
			return nil, fmt.Errorf("no API key configured for anthropic")
		}
		return NewAnthropicProvider(key), nil
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		key, ok := f.keys["openai"]
		if !ok {
			return nil, fmt.Errorf("no API key configured for openai")
		}
		return NewOpenAIProvider(key), nil
	default:
		return nil, fmt.Errorf("no provider for model: %s", model)
	}
}
