package runner

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sartap/keel/pkg/store"
)

func summaryRequest() Request {
	return Request{
		Model:        "claude-sonnet-4",
		SystemPrompt: "You are helpful.",
		Messages: []ChatMessage{
			{Role: store.RoleSystem, Content: "Conversation summary (4 earlier messages): greetings exchanged"},
			{Role: store.RoleUser, Content: "what did we talk about?"},
		},
	}
}

func TestAnthropicBuildParamsCarriesSystemTurns(t *testing.T) {
	p := NewAnthropicProvider("test-key")

	params, err := p.buildParams(summaryRequest())
	require.NoError(t, err)

	// Stored system turns ride in the top-level system field after the
	// run's own system prompt.
	require.Len(t, params.System, 2)
	assert.Equal(t, "You are helpful.", params.System[0].Text)
	assert.Contains(t, params.System[1].Text, "Conversation summary")

	require.Len(t, params.Messages, 1)
	assert.Equal(t, anthropic.MessageParamRoleUser, params.Messages[0].Role)
}

func TestAnthropicBuildParamsWithoutSystem(t *testing.T) {
	p := NewAnthropicProvider("test-key")

	params, err := p.buildParams(Request{
		Model:    "claude-sonnet-4",
		Messages: []ChatMessage{{Role: store.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Empty(t, params.System)
	require.Len(t, params.Messages, 1)
}

func TestOpenAIBuildParamsCarriesSystemTurns(t *testing.T) {
	p := NewOpenAIProvider("test-key")

	params, err := p.buildParams(summaryRequest())
	require.NoError(t, err)

	require.Len(t, params.Messages, 3)
	require.NotNil(t, params.Messages[0].OfSystem)
	assert.Equal(t, "You are helpful.", params.Messages[0].OfSystem.Content.OfString.Value)
	require.NotNil(t, params.Messages[1].OfSystem)
	assert.Contains(t, params.Messages[1].OfSystem.Content.OfString.Value, "Conversation summary")
	require.NotNil(t, params.Messages[2].OfUser)
}
