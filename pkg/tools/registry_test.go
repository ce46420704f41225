package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zerolog.Nop())
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echoes the input text",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, input map[string]interface{}) (interface{}, error) {
			return input["text"], nil
		},
	}
}

func TestRegisterAndList(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(echoTool()))
	assert.Equal(t, 1, r.Count())
	assert.NotNil(t, r.Get("echo"))
	assert.Nil(t, r.Get("missing"))

	// Duplicate registration is rejected.
	assert.Error(t, r.Register(echoTool()))
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	assert.Error(t, r.Register(Tool{Description: "no name", Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }}))
	assert.Error(t, r.Register(Tool{Name: "no-handler", Description: "x"}))
	assert.Error(t, r.Register(Tool{
		Name:        "bad-param",
		Description: "x",
		Parameters:  []Parameter{{Name: "p", Type: "tuple"}},
		Handler:     func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil },
	}))
}

func TestExecuteSuccess(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoTool()))

	result := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hello"}, ExecOptions{})
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Output)
	assert.False(t, result.Truncated)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := newTestRegistry(t)

	result := r.Execute(context.Background(), "missing", nil, ExecOptions{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tool not found")
}

func TestExecuteSchemaValidation(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoTool()))

	// Missing required field.
	result := r.Execute(context.Background(), "echo", map[string]interface{}{}, ExecOptions{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "input validation failed")

	// Unknown field.
	result = r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi", "extra": 1}, ExecOptions{})
	assert.False(t, result.Success)
}

func TestExecuteHandlerError(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Tool{
		Name:        "boom",
		Description: "Always fails",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("kaboom")
		},
	}))

	result := r.Execute(context.Background(), "boom", nil, ExecOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, "kaboom", result.Error)
}

func TestExecuteTimeout(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Tool{
		Name:        "slow",
		Description: "Sleeps past the deadline",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			time.Sleep(500 * time.Millisecond)
			return "done", nil
		},
	}))

	result := r.Execute(context.Background(), "slow", nil, ExecOptions{Timeout: 20 * time.Millisecond})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
}

func TestExecuteTruncatesLargeOutput(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Tool{
		Name:        "big",
		Description: "Returns oversized output",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return strings.Repeat("a", maxOutputSize+100), nil
		},
	}))

	result := r.Execute(context.Background(), "big", nil, ExecOptions{})
	assert.True(t, result.Success)
	assert.True(t, result.Truncated)
	out, ok := result.Output.(string)
	require.True(t, ok)
	assert.Contains(t, out, "[output truncated]")
	assert.LessOrEqual(t, len(out), maxOutputSize+100)
}

func TestTruncateOutputRespectsRuneBoundaries(t *testing.T) {
	// Multi-byte runes straddling the size cap must not be split.
	long := strings.Repeat("语", maxOutputSize/3+10)
	out, truncated := truncateOutput(long)
	require.True(t, truncated)
	str, ok := out.(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(str))
	assert.Contains(t, str, "[output truncated]")

	out, truncated = truncateOutput("tiny")
	assert.False(t, truncated)
	assert.Equal(t, "tiny", out)
}

func TestTimeNowHandler(t *testing.T) {
	out, err := timeNowHandler(context.Background(), map[string]interface{}{})
	require.NoError(t, err)
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "UTC", m["timezone"])

	_, err = timeNowHandler(context.Background(), map[string]interface{}{"timezone": "Mars/Olympus"})
	assert.Error(t, err)
}
