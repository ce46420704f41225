package runner

import (
	"github.com/sartap/keel/pkg/credits"
	"github.com/sartap/keel/pkg/store"
	"github.com/sartap/keel/pkg/tools"
)

// Finish reasons reported by providers.
const (
	FinishReasonStop     = "stop"
	FinishReasonToolUse  = "tool_use"
	FinishReasonLength   = "length"
	FinishReasonStepCap  = "step_limit"
	FinishReasonProvider = "provider_error"
)

// RunConfig carries the model parameters for one run.
type RunConfig struct {
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	MaxToolCalls   int     `json:"max_tool_calls,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
}

// RunParams is the full input for one run.
type RunParams struct {
	RunID      string
	SessionKey string
	AgentID    string
	OwnerID    string
	IsOwner    bool
	Prompt     string
	Config     RunConfig
	Sink       Sink
}

// Result is the terminal outcome of a run. Failures are carried inside;
// the execution loop resolves to a Result, it never throws past it.
type Result struct {
	RunID         string        `json:"run_id"`
	SessionKey    string        `json:"session_key"`
	Status        string        `json:"status"`
	Response      string        `json:"response,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ToolCallCount int           `json:"tool_call_count"`
	Usage         credits.Usage `json:"usage"`
	Cost          credits.Cost  `json:"cost"`
	ElapsedMs     int64         `json:"elapsed_ms"`
}

// ChatMessage is one turn in the wire conversation sent to a provider.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []store.ToolCall
	ToolCallID string
}

// ToolSpec is the provider-facing description of one capability.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// buildToolSpecs converts registry tools into provider wire format.
func buildToolSpecs(capabilities []*tools.Tool) []ToolSpec {
	specs := make([]ToolSpec, 0, len(capabilities))
	for _, tool := range capabilities {
		properties := make(map[string]interface{}, len(tool.Parameters))
		var required []string
		for _, p := range tool.Parameters {
			properties[p.Name] = map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}

		schema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}

		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return specs
}
