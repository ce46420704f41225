package tools

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sartap/keel/internal/observability"
	"github.com/sartap/keel/internal/tracing"
)

// maxOutputSize caps the output returned from a single tool call.
const maxOutputSize = 10 * 1024

// defaultTimeout bounds a single tool call when the caller sets none.
const defaultTimeout = 30 * time.Second

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

// Parameter describes one input field of a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Metadata carries policy-relevant attributes of a tool.
type Metadata struct {
	Category         string `json:"category,omitempty"`
	OwnerOnly        bool   `json:"owner_only,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

// Tool describes one capability the model can invoke.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
	Metadata    Metadata    `json:"metadata"`
}

// Result is the outcome of one tool call.
type Result struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ExecOptions tunes a single Execute call.
type ExecOptions struct {
	Timeout time.Duration
}

// Registry holds the registered capability set and executes calls against it.
type Registry struct {
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewRegistry creates an empty capability registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger.With().Str("component", "tools").Logger(),
	}
}

// Register adds a tool to the registry, compiling its input schema.
func (r *Registry) Register(tool Tool) error {
	if err := validateTool(tool); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := buildInputSchema(tool)
	if err != nil {
		return fmt.Errorf("failed to build schema for %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	r.tools[tool.Name] = &tool
	r.schemas[tool.Name] = schema

	r.logger.Debug().Str("tool", tool.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool by name, or nil when unknown.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tools.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs a single tool call. Failures come back inside the Result;
// the error return is reserved for the registry itself being unusable.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]interface{}, opts ExecOptions) Result {
	ctx, span := tracing.StartSpan(ctx, "keel.tools", "tools.execute")
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	r.mu.RLock()
	tool := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if tool == nil {
		logger.Error().Str("tool", name).Msg("Tool not found")
		return Result{Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}

	if err := validateInput(schema, input); err != nil {
		logger.Error().Str("tool", name).Err(err).Msg("Tool input validation failed")
		return Result{Success: false, Error: fmt.Sprintf("input validation failed: %v", err)}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)
	go func() {
		out, err := tool.Handler(timeoutCtx, input)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- out
	}()

	select {
	case out := <-resultChan:
		duration := time.Since(start)
		output, truncated := truncateOutput(out)
		observability.RecordToolCall(name, duration, true)

		logger.Debug().
			Str("tool", name).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool call completed")

		return Result{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata:  map[string]interface{}{"duration_ms": duration.Milliseconds()},
		}

	case err := <-errChan:
		duration := time.Since(start)
		observability.RecordToolCall(name, duration, false)

		logger.Error().
			Str("tool", name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool call failed")

		return Result{
			Success:  false,
			Error:    err.Error(),
			Metadata: map[string]interface{}{"duration_ms": duration.Milliseconds()},
		}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		observability.RecordToolCall(name, duration, false)

		logger.Error().
			Str("tool", name).
			Dur("duration", duration).
			Msg("Tool call timed out")

		return Result{
			Success:  false,
			Error:    fmt.Sprintf("tool %s timed out after %s", name, timeout),
			Metadata: map[string]interface{}{"duration_ms": duration.Milliseconds()},
		}
	}
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range tool.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}
	return nil
}

// buildInputSchema compiles the tool's parameter list into a JSON schema.
func buildInputSchema(tool Tool) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(tool.Parameters))
	var required []string

	for _, p := range tool.Parameters {
		paramSchema := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			paramSchema["default"] = p.Default
		}
		properties[p.Name] = paramSchema
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateInput(schema *gojsonschema.Schema, input map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

func truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		str = fmt.Sprintf("%v", output)
		if len(str) <= maxOutputSize {
			return output, false
		}
	}
	if len(str) <= maxOutputSize {
		return output, false
	}
	// Back off to a rune boundary so the cut never yields invalid UTF-8.
	cut := maxOutputSize
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	return str[:cut] + "\n... [output truncated]", true
}
