package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sartap/keel/internal/observability"
	"github.com/sartap/keel/internal/tracing"
	"github.com/sartap/keel/pkg/credits"
	"github.com/sartap/keel/pkg/store"
	"github.com/sartap/keel/pkg/tools"
)

// Loop defaults.
const (
	DefaultHistoryLimit            = 50
	DefaultCompactTokenThreshold   = 8000
	DefaultCompactMessageThreshold = 50
	DefaultKeepRecentMessages      = 10
	DefaultMaxSteps                = 10
	DefaultToolTimeout             = 30 * time.Second
)

// stepLimitMessage marks a run that ended because the model kept calling
// tools without producing visible text.
const stepLimitMessage = "maximum tool calls exceeded"

// Config wires the execution loop's dependencies.
type Config struct {
	Store     *store.Store
	Registry  *tools.Registry
	Converter *credits.Converter
	Providers ProviderResolver
	Logger    zerolog.Logger

	HistoryLimit            int
	CompactTokenThreshold   int
	CompactMessageThreshold int
	KeepRecentMessages      int
	MaxSteps                int
	ToolTimeout             time.Duration
}

// Runner drives one run at a time: history, policy, streaming, tool
// dispatch, persistence, compaction, pricing.
type Runner struct {
	store     *store.Store
	registry  *tools.Registry
	converter *credits.Converter
	providers ProviderResolver
	logger    zerolog.Logger
	cfg       Config
}

// New creates an execution loop runner.
func New(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Converter == nil {
		return nil, fmt.Errorf("credit converter is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider resolver is required")
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.CompactTokenThreshold <= 0 {
		cfg.CompactTokenThreshold = DefaultCompactTokenThreshold
	}
	if cfg.CompactMessageThreshold <= 0 {
		cfg.CompactMessageThreshold = DefaultCompactMessageThreshold
	}
	if cfg.KeepRecentMessages <= 0 {
		cfg.KeepRecentMessages = DefaultKeepRecentMessages
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}

	return &Runner{
		store:     cfg.Store,
		registry:  cfg.Registry,
		converter: cfg.Converter,
		providers: cfg.Providers,
		logger:    cfg.Logger.With().Str("component", "runner").Logger(),
		cfg:       cfg,
	}, nil
}

// Execute drives one run to a terminal state. It always resolves to a
// Result; failures are carried inside it, never panicked or returned.
func (r *Runner) Execute(ctx context.Context, params RunParams) Result {
	start := time.Now()

	ctx = tracing.NewRunContext(ctx, params.RunID, params.SessionKey)
	if params.OwnerID != "" {
		ctx = tracing.WithOwnerID(ctx, params.OwnerID)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.runner",
		"runner.execute",
		attribute.String("run_id", params.RunID),
		attribute.String("session_key", params.SessionKey),
		attribute.String("model", params.Config.Model),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	result := r.execute(ctx, params, logger)
	result.ElapsedMs = time.Since(start).Milliseconds()

	if result.Status != store.RunStatusCompleted {
		span.SetStatus(codes.Error, result.ErrorMessage)
	}
	observability.RecordRun(providerName(r.providers, params.Config.Model), result.Status, time.Since(start), result.Usage.Total())

	emit(params.Sink, Event{
		Type:       EventComplete,
		RunID:      params.RunID,
		SessionKey: params.SessionKey,
		Result:     &result,
	})

	return result
}

func (r *Runner) execute(ctx context.Context, params RunParams, logger zerolog.Logger) Result {
	if params.Prompt == "" {
		return r.fail(params, "input message is empty")
	}
	if params.Config.Model == "" {
		return r.fail(params, "model is required")
	}

	sess, err := r.store.GetOrCreateSession(ctx, params.AgentID, params.SessionKey, store.SessionTypeInteractive)
	if err != nil {
		return r.fail(params, fmt.Sprintf("failed to resolve session: %v", err))
	}

	emit(params.Sink, Event{
		Type:       EventStart,
		RunID:      params.RunID,
		SessionKey: sess.SessionKey,
	})

	provider, err := r.providers.Resolve(params.Config.Model)
	if err != nil {
		return r.fail(params, err.Error())
	}

	policy, err := r.loadPolicy(ctx, params)
	if err != nil {
		return r.fail(params, fmt.Sprintf("failed to load tool policy: %v", err))
	}

	allowed := tools.FilterToolsByPolicy(r.registry.List(), policy, params.IsOwner)
	specs := buildToolSpecs(allowed)

	loadStart := time.Now()
	history, err := r.store.GetHistory(ctx, sess.ID, store.HistoryOptions{Limit: r.cfg.HistoryLimit})
	if err != nil {
		return r.fail(params, fmt.Sprintf("failed to load history: %v", err))
	}
	observability.RecordSessionLoad(time.Since(loadStart))

	if _, err := r.store.AppendMessage(ctx, store.Message{
		SessionID: sess.ID,
		Role:      store.RoleUser,
		Content:   params.Prompt,
	}); err != nil {
		return r.fail(params, fmt.Sprintf("failed to persist user message: %v", err))
	}

	messages := buildConversation(history, params.Prompt)

	outcome := r.streamWithTools(ctx, provider, messages, specs, policy, params, logger)

	saveStart := time.Now()
	if _, err := r.store.AppendMessage(ctx, store.Message{
		SessionID:   sess.ID,
		Role:        store.RoleAssistant,
		Content:     outcome.content,
		ToolCalls:   outcome.toolCalls,
		ToolResults: outcome.toolResults,
		TokensUsed:  outcome.usage.Total(),
		Metadata: map[string]interface{}{
			"model":  params.Config.Model,
			"run_id": params.RunID,
		},
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to persist assistant message")
		return r.failWithUsage(params, fmt.Sprintf("failed to persist assistant message: %v", err), outcome.usage)
	}
	observability.RecordSessionSave(time.Since(saveStart))

	if err := r.compactIfNeeded(ctx, sess.ID, logger); err != nil {
		// Compaction failure does not fail the run; the transcript is intact.
		logger.Error().Err(err).Int64("session_id", sess.ID).Msg("Compaction failed")
	}

	cost, balanceAfter := r.priceRun(ctx, params, outcome.usage, logger)
	emit(params.Sink, Event{
		Type:         EventCreditsUsed,
		RunID:        params.RunID,
		SessionKey:   params.SessionKey,
		CreditsUsed:  cost.CreditsConsumed,
		BalanceAfter: balanceAfter,
		TotalTokens:  outcome.usage.Total(),
	})

	result := Result{
		RunID:         params.RunID,
		SessionKey:    params.SessionKey,
		Status:        store.RunStatusCompleted,
		Response:      outcome.content,
		ToolCallCount: outcome.toolCallCount,
		Usage:         outcome.usage,
		Cost:          cost,
	}

	if outcome.err != nil {
		result.Status = store.RunStatusError
		result.ErrorMessage = outcome.err.Error()
		emit(params.Sink, Event{
			Type:       EventError,
			RunID:      params.RunID,
			SessionKey: params.SessionKey,
			Error:      result.ErrorMessage,
		})
	}

	return result
}

// streamOutcome is the accumulated product of the streaming/tool loop.
type streamOutcome struct {
	content       string
	toolCalls     []store.ToolCall
	toolResults   []store.ToolCallResult
	toolCallCount int
	usage         credits.Usage
	err           error
}

// streamWithTools alternates model streaming and serial tool dispatch
// until the model answers in text or the step budget runs out.
func (r *Runner) streamWithTools(
	ctx context.Context,
	provider Provider,
	messages []ChatMessage,
	specs []ToolSpec,
	policy *tools.Policy,
	params RunParams,
	logger zerolog.Logger,
) streamOutcome {
	var outcome streamOutcome
	limitReached := false

	onDelta := func(delta string) {
		emit(params.Sink, Event{
			Type:       EventAssistant,
			RunID:      params.RunID,
			SessionKey: params.SessionKey,
			Delta:      delta,
		})
	}

	for step := 0; step < r.cfg.MaxSteps; step++ {
		req := Request{
			Model:        params.Config.Model,
			Messages:     messages,
			Tools:        specs,
			Temperature:  params.Config.Temperature,
			MaxTokens:    params.Config.MaxTokens,
			SystemPrompt: params.Config.SystemPrompt,
		}
		if limitReached {
			// No new tool calls this turn; the model may still answer.
			req.Tools = nil
		}

		resp, err := provider.Stream(ctx, req, onDelta)
		if err != nil {
			outcome.err = fmt.Errorf("provider stream failed: %w", err)
			return outcome
		}

		outcome.usage.PromptTokens += resp.Usage.PromptTokens
		outcome.usage.CompletionTokens += resp.Usage.CompletionTokens

		if len(resp.ToolCalls) == 0 {
			outcome.content = resp.Content
			emit(params.Sink, Event{
				Type:         EventFinish,
				RunID:        params.RunID,
				SessionKey:   params.SessionKey,
				FinishReason: resp.FinishReason,
				Usage:        &outcome.usage,
			})
			if outcome.content == "" && limitReached {
				outcome.err = fmt.Errorf("%s", stepLimitMessage)
			}
			return outcome
		}

		toolMessages := make([]ChatMessage, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			result := r.dispatchToolCall(ctx, call, policy, params, &outcome, &limitReached, logger)
			outcome.toolCalls = append(outcome.toolCalls, call)
			outcome.toolResults = append(outcome.toolResults, result)

			content := result.Output
			if result.Error != "" {
				content = result.Error
			}
			toolMessages = append(toolMessages, ChatMessage{
				Role:       store.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}

		messages = append(messages, ChatMessage{
			Role:      store.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, toolMessages...)
	}

	emit(params.Sink, Event{
		Type:         EventFinish,
		RunID:        params.RunID,
		SessionKey:   params.SessionKey,
		FinishReason: FinishReasonStepCap,
		Usage:        &outcome.usage,
	})
	outcome.err = fmt.Errorf("%s", stepLimitMessage)
	return outcome
}

// dispatchToolCall runs one tool call, folding policy rejections and
// failures into the conversation instead of aborting the run.
func (r *Runner) dispatchToolCall(
	ctx context.Context,
	call store.ToolCall,
	policy *tools.Policy,
	params RunParams,
	outcome *streamOutcome,
	limitReached *bool,
	logger zerolog.Logger,
) store.ToolCallResult {
	stepIndex := outcome.toolCallCount

	if err := tools.ValidateToolCallCount(outcome.toolCallCount, policy); err != nil {
		*limitReached = true
		emit(params.Sink, Event{
			Type:       EventTool,
			RunID:      params.RunID,
			SessionKey: params.SessionKey,
			Tool:       call.Name,
			Status:     ToolStatusError,
			StepIndex:  stepIndex,
			Error:      err.Error(),
		})
		return store.ToolCallResult{ToolCallID: call.ID, Error: err.Error()}
	}

	metadataOwnerOnly := false
	if tool := r.registry.Get(call.Name); tool != nil {
		metadataOwnerOnly = tool.Metadata.OwnerOnly
	}
	if !tools.IsToolAllowed(call.Name, metadataOwnerOnly, policy, params.IsOwner) {
		observability.RecordPolicyDenial(call.Name)
		msg := fmt.Sprintf("tool %s is not permitted by policy", call.Name)
		emit(params.Sink, Event{
			Type:       EventTool,
			RunID:      params.RunID,
			SessionKey: params.SessionKey,
			Tool:       call.Name,
			Status:     ToolStatusError,
			StepIndex:  stepIndex,
			Error:      msg,
		})
		return store.ToolCallResult{ToolCallID: call.ID, Error: msg}
	}

	outcome.toolCallCount++

	emit(params.Sink, Event{
		Type:       EventTool,
		RunID:      params.RunID,
		SessionKey: params.SessionKey,
		Tool:       call.Name,
		Status:     ToolStatusRunning,
		Input:      call.Input,
		StepIndex:  stepIndex,
	})

	execResult := r.registry.Execute(ctx, call.Name, call.Input, tools.ExecOptions{Timeout: r.cfg.ToolTimeout})

	if !execResult.Success {
		logger.Warn().Str("tool", call.Name).Str("error", execResult.Error).Msg("Tool call failed")
		emit(params.Sink, Event{
			Type:       EventTool,
			RunID:      params.RunID,
			SessionKey: params.SessionKey,
			Tool:       call.Name,
			Status:     ToolStatusError,
			StepIndex:  stepIndex,
			Error:      execResult.Error,
		})
		return store.ToolCallResult{ToolCallID: call.ID, Error: execResult.Error}
	}

	output := fmt.Sprintf("%v", execResult.Output)
	emit(params.Sink, Event{
		Type:       EventTool,
		RunID:      params.RunID,
		SessionKey: params.SessionKey,
		Tool:       call.Name,
		Status:     ToolStatusCompleted,
		Output:     execResult.Output,
		StepIndex:  stepIndex,
	})
	return store.ToolCallResult{ToolCallID: call.ID, Output: output}
}

func (r *Runner) loadPolicy(ctx context.Context, params RunParams) (*tools.Policy, error) {
	record, err := r.store.GetToolPolicy(ctx, params.OwnerID)
	if err != nil {
		return nil, err
	}
	policy := tools.PolicyFromRecord(record)
	if params.Config.MaxToolCalls > 0 {
		policy.MaxToolCalls = params.Config.MaxToolCalls
	}
	return policy, nil
}

// compactIfNeeded compacts the session once it crosses the token or
// message threshold.
func (r *Runner) compactIfNeeded(ctx context.Context, sessionID int64, logger zerolog.Logger) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.TokenCount <= r.cfg.CompactTokenThreshold && sess.MessageCount <= r.cfg.CompactMessageThreshold {
		return nil
	}

	result, err := r.store.CompactSession(ctx, sessionID, store.CompactOptions{
		KeepRecentMessages: r.cfg.KeepRecentMessages,
	})
	if err != nil {
		return err
	}
	if result.Compacted {
		logger.Info().
			Int64("session_id", sessionID).
			Int("messages_summarized", result.MessagesSummarized).
			Int("tokens_saved", result.TokensSaved).
			Msg("Session compacted after run")
	}
	return nil
}

// priceRun converts the turn's usage into credits and deducts them when
// an owner is attached. Pricing never fails the run.
func (r *Runner) priceRun(ctx context.Context, params RunParams, usage credits.Usage, logger zerolog.Logger) (credits.Cost, int64) {
	cost, err := r.converter.CalculateCredits(ctx, params.Config.Model, usage)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to price run")
		return credits.Cost{}, 0
	}

	var balanceAfter int64
	if params.OwnerID != "" {
		balanceAfter, err = r.converter.ChargeUser(ctx, params.OwnerID, cost, fmt.Sprintf("run %s", params.RunID))
		if err != nil {
			logger.Warn().Err(err).Str("owner_id", params.OwnerID).Msg("Credit deduction failed")
		}
	}
	return cost, balanceAfter
}

func (r *Runner) fail(params RunParams, msg string) Result {
	return r.failWithUsage(params, msg, credits.Usage{})
}

func (r *Runner) failWithUsage(params RunParams, msg string, usage credits.Usage) Result {
	emit(params.Sink, Event{
		Type:       EventError,
		RunID:      params.RunID,
		SessionKey: params.SessionKey,
		Error:      msg,
	})
	return Result{
		RunID:        params.RunID,
		SessionKey:   params.SessionKey,
		Status:       store.RunStatusError,
		ErrorMessage: msg,
		Usage:        usage,
	}
}

// buildConversation renders stored history plus the new user prompt as
// provider wire messages.
func buildConversation(history []store.Message, prompt string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+1)
	for _, msg := range history {
		messages = append(messages, ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	messages = append(messages, ChatMessage{Role: store.RoleUser, Content: prompt})
	return messages
}

func providerName(resolver ProviderResolver, model string) string {
	p, err := resolver.Resolve(model)
	if err != nil {
		return "unknown"
	}
	return p.Name()
}
