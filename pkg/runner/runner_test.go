package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sartap/keel/pkg/credits"
	"github.com/sartap/keel/pkg/store"
	"github.com/sartap/keel/pkg/tools"
)

// fakeProvider replays scripted responses and records every request.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*Response
	err       error
	requests  []Request
	calls     int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(_ context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}

	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++

	resp := f.responses[idx]
	if onDelta != nil && resp.Content != "" && len(resp.ToolCalls) == 0 {
		// Two chunks so delta ordering is observable.
		half := len(resp.Content) / 2
		onDelta(resp.Content[:half])
		onDelta(resp.Content[half:])
	}
	return resp, nil
}

type fakeResolver struct {
	provider Provider
}

func (f *fakeResolver) Resolve(string) (Provider, error) {
	return f.provider, nil
}

// collectSink records events in emission order.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectSink) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collectSink) byType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testHarness struct {
	store    *store.Store
	registry *tools.Registry
	runner   *Runner
	provider *fakeProvider
	sink     *collectSink
}

func newHarness(t *testing.T, provider *fakeProvider, cfg Config) *testHarness {
	t.Helper()

	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "keel.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := tools.NewRegistry(zerolog.Nop())
	converter := credits.NewConverter(st, credits.Config{}, zerolog.Nop())

	cfg.Store = st
	cfg.Registry = registry
	cfg.Converter = converter
	cfg.Providers = &fakeResolver{provider: provider}
	cfg.Logger = zerolog.Nop()

	r, err := New(cfg)
	require.NoError(t, err)

	return &testHarness{
		store:    st,
		registry: registry,
		runner:   r,
		provider: provider,
		sink:     &collectSink{},
	}
}

func textResponse(text string) *Response {
	return &Response{
		Content:      text,
		Usage:        credits.Usage{PromptTokens: 10, CompletionTokens: 20},
		FinishReason: FinishReasonStop,
	}
}

func toolResponse(calls ...store.ToolCall) *Response {
	return &Response{
		ToolCalls:    calls,
		Usage:        credits.Usage{PromptTokens: 10, CompletionTokens: 5},
		FinishReason: FinishReasonToolUse,
	}
}

func baseParams(sink Sink) RunParams {
	return RunParams{
		RunID:      "run-1",
		SessionKey: "sess-1",
		AgentID:    "agent-1",
		OwnerID:    "owner-1",
		IsOwner:    true,
		Prompt:     "hello there",
		Config:     RunConfig{Model: "claude-sonnet-4"},
		Sink:       sink,
	}
}

func registerCounterTool(t *testing.T, h *testHarness, name string, fail bool) *int {
	t.Helper()
	count := new(int)
	require.NoError(t, h.registry.Register(tools.Tool{
		Name:        name,
		Description: "Counts invocations",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			*count++
			if fail {
				return nil, fmt.Errorf("tool blew up")
			}
			return fmt.Sprintf("ok %d", *count), nil
		},
	}))
	return count
}

func TestExecutePlainTextRun(t *testing.T) {
	h := newHarness(t, &fakeProvider{responses: []*Response{textResponse("hi, human")}}, Config{})

	result := h.runner.Execute(context.Background(), baseParams(h.sink))

	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, "hi, human", result.Response)
	assert.Equal(t, 30, result.Usage.Total())
	assert.Zero(t, result.ToolCallCount)

	// Event feed: start, then deltas concatenating in order, finish,
	// credits_used, complete.
	require.NotEmpty(t, h.sink.byType(EventStart))
	deltas := h.sink.byType(EventAssistant)
	require.Len(t, deltas, 2)
	assert.Equal(t, "hi, human", deltas[0].Delta+deltas[1].Delta)
	require.Len(t, h.sink.byType(EventFinish), 1)
	require.Len(t, h.sink.byType(EventCreditsUsed), 1)
	require.Len(t, h.sink.byType(EventComplete), 1)

	// Both turns persisted.
	sess, err := h.store.GetSessionByKey(context.Background(), "sess-1")
	require.NoError(t, err)
	history, err := h.store.GetHistory(context.Background(), sess.ID, store.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, 30, history[1].TokensUsed)
}

func TestExecuteToolLoop(t *testing.T) {
	provider := &fakeProvider{responses: []*Response{
		toolResponse(store.ToolCall{ID: "c1", Name: "counter", Input: map[string]interface{}{}}),
		textResponse("done after tool"),
	}}
	h := newHarness(t, provider, Config{})
	count := registerCounterTool(t, h, "counter", false)

	result := h.runner.Execute(context.Background(), baseParams(h.sink))

	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, "done after tool", result.Response)
	assert.Equal(t, 1, result.ToolCallCount)
	assert.Equal(t, 1, *count)

	toolEvents := h.sink.byType(EventTool)
	require.Len(t, toolEvents, 2)
	assert.Equal(t, ToolStatusRunning, toolEvents[0].Status)
	assert.Equal(t, ToolStatusCompleted, toolEvents[1].Status)
	assert.Equal(t, "counter", toolEvents[0].Tool)

	// The second model call carries the tool result back.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, store.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "ok 1")

	// The persisted assistant turn records calls and results.
	sess, err := h.store.GetSessionByKey(context.Background(), "sess-1")
	require.NoError(t, err)
	history, err := h.store.GetHistory(context.Background(), sess.ID, store.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Len(t, history[1].ToolCalls, 1)
	require.Len(t, history[1].ToolResults, 1)
	assert.Equal(t, "counter", history[1].ToolCalls[0].Name)
}

func TestExecuteToolFailureDoesNotAbortRun(t *testing.T) {
	provider := &fakeProvider{responses: []*Response{
		toolResponse(store.ToolCall{ID: "c1", Name: "broken", Input: map[string]interface{}{}}),
		textResponse("recovered anyway"),
	}}
	h := newHarness(t, provider, Config{})
	registerCounterTool(t, h, "broken", true)

	result := h.runner.Execute(context.Background(), baseParams(h.sink))

	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, "recovered anyway", result.Response)

	// The failure is folded into the conversation for the model.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, store.RoleTool, last.Role)
	assert.Contains(t, last.Content, "tool blew up")

	toolEvents := h.sink.byType(EventTool)
	require.Len(t, toolEvents, 2)
	assert.Equal(t, ToolStatusError, toolEvents[1].Status)
}

func TestExecuteToolCallLimit(t *testing.T) {
	// One response with three tool call attempts against a cap of two.
	provider := &fakeProvider{responses: []*Response{
		toolResponse(
			store.ToolCall{ID: "c1", Name: "counter", Input: map[string]interface{}{}},
			store.ToolCall{ID: "c2", Name: "counter", Input: map[string]interface{}{}},
			store.ToolCall{ID: "c3", Name: "counter", Input: map[string]interface{}{}},
		),
		textResponse("stopped calling tools"),
	}}
	h := newHarness(t, provider, Config{})
	count := registerCounterTool(t, h, "counter", false)

	params := baseParams(h.sink)
	params.Config.MaxToolCalls = 2
	result := h.runner.Execute(context.Background(), params)

	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, 2, result.ToolCallCount)
	assert.Equal(t, 2, *count)

	toolEvents := h.sink.byType(EventTool)
	var rejected []Event
	for _, e := range toolEvents {
		if e.Status == ToolStatusError {
			rejected = append(rejected, e)
		}
	}
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Error, "maximum tool calls exceeded")
}

func TestExecuteStepLimitExhaustion(t *testing.T) {
	// The model never stops calling tools.
	provider := &fakeProvider{responses: []*Response{
		toolResponse(store.ToolCall{ID: "c1", Name: "counter", Input: map[string]interface{}{}}),
	}}
	h := newHarness(t, provider, Config{MaxSteps: 3})
	registerCounterTool(t, h, "counter", false)

	result := h.runner.Execute(context.Background(), baseParams(h.sink))

	assert.Equal(t, store.RunStatusError, result.Status)
	assert.Contains(t, result.ErrorMessage, "maximum tool calls exceeded")

	// The run still persisted its turn pair.
	sess, err := h.store.GetSessionByKey(context.Background(), "sess-1")
	require.NoError(t, err)
	count, err := h.store.MessageCount(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestExecuteProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("upstream 500")}
	h := newHarness(t, provider, Config{})

	result := h.runner.Execute(context.Background(), baseParams(h.sink))

	assert.Equal(t, store.RunStatusError, result.Status)
	assert.Contains(t, result.ErrorMessage, "upstream 500")

	errs := h.sink.byType(EventError)
	require.NotEmpty(t, errs)
	require.Len(t, h.sink.byType(EventComplete), 1)
}

func TestExecutePolicyFiltersToolSpecs(t *testing.T) {
	provider := &fakeProvider{responses: []*Response{textResponse("ok")}}
	h := newHarness(t, provider, Config{})
	registerCounterTool(t, h, "time_now", false)
	registerCounterTool(t, h, "shell_exec", false)

	require.NoError(t, h.store.SaveToolPolicy(context.Background(), store.PolicyRecord{
		OwnerID: "owner-1",
		Profile: tools.ProfileMinimal,
	}))

	result := h.runner.Execute(context.Background(), baseParams(h.sink))
	assert.Equal(t, store.RunStatusCompleted, result.Status)

	require.Len(t, provider.requests, 1)
	specs := provider.requests[0].Tools
	require.Len(t, specs, 1)
	assert.Equal(t, "time_now", specs[0].Name)
}

func TestExecuteOwnerOnlyToolBlockedForNonOwner(t *testing.T) {
	// The tool is withheld from the offered set, but the model may still
	// request it by name; dispatch must reject it too.
	provider := &fakeProvider{responses: []*Response{
		toolResponse(store.ToolCall{ID: "c1", Name: "admin_reset", Input: map[string]interface{}{}}),
		textResponse("nothing to see"),
	}}
	h := newHarness(t, provider, Config{})

	count := new(int)
	require.NoError(t, h.registry.Register(tools.Tool{
		Name:        "admin_reset",
		Description: "Owner-only maintenance action",
		Metadata:    tools.Metadata{OwnerOnly: true},
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			*count++
			return "reset", nil
		},
	}))

	params := baseParams(h.sink)
	params.IsOwner = false
	result := h.runner.Execute(context.Background(), params)

	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Zero(t, *count)
	assert.Zero(t, result.ToolCallCount)

	// The rejection is folded back to the model as the tool result.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, store.RoleTool, last.Role)
	assert.Contains(t, last.Content, "not permitted by policy")

	toolEvents := h.sink.byType(EventTool)
	require.Len(t, toolEvents, 1)
	assert.Equal(t, ToolStatusError, toolEvents[0].Status)
}

func TestExecuteChargesOwner(t *testing.T) {
	provider := &fakeProvider{responses: []*Response{textResponse("priced")}}
	h := newHarness(t, provider, Config{})

	_, err := h.store.GrantCredits(context.Background(), "owner-1", 100, "seed")
	require.NoError(t, err)

	result := h.runner.Execute(context.Background(), baseParams(h.sink))
	assert.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Positive(t, result.Cost.CreditsConsumed)

	creditEvents := h.sink.byType(EventCreditsUsed)
	require.Len(t, creditEvents, 1)
	assert.Equal(t, result.Cost.CreditsConsumed, creditEvents[0].CreditsUsed)
	assert.Equal(t, int64(100)-result.Cost.CreditsConsumed, creditEvents[0].BalanceAfter)
	assert.Equal(t, 30, creditEvents[0].TotalTokens)
}

func TestExecuteCompactsWhenOverThreshold(t *testing.T) {
	provider := &fakeProvider{responses: []*Response{textResponse("compact me")}}
	h := newHarness(t, provider, Config{
		CompactMessageThreshold: 4,
		KeepRecentMessages:      2,
	})
	ctx := context.Background()

	sess, err := h.store.GetOrCreateSession(ctx, "agent-1", "sess-1", store.SessionTypeInteractive)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := h.store.AppendMessage(ctx, store.Message{
			SessionID: sess.ID,
			Role:      store.RoleUser,
			Content:   fmt.Sprintf("old turn %d", i),
		})
		require.NoError(t, err)
	}

	result := h.runner.Execute(ctx, baseParams(h.sink))
	assert.Equal(t, store.RunStatusCompleted, result.Status)

	count, err := h.store.MessageCount(ctx, sess.ID)
	require.NoError(t, err)
	// Two recent turns plus one summary turn.
	assert.Equal(t, 3, count)
}

func TestExecuteValidation(t *testing.T) {
	h := newHarness(t, &fakeProvider{responses: []*Response{textResponse("x")}}, Config{})

	params := baseParams(h.sink)
	params.Prompt = ""
	result := h.runner.Execute(context.Background(), params)
	assert.Equal(t, store.RunStatusError, result.Status)

	params = baseParams(h.sink)
	params.Config.Model = ""
	result = h.runner.Execute(context.Background(), params)
	assert.Equal(t, store.RunStatusError, result.Status)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
