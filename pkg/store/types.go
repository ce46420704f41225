package store

import (
	"encoding/json"
	"time"
)

// Session types.
const (
	SessionTypeInteractive = "interactive"
	SessionTypeBuilder     = "builder"
	SessionTypeSubAgent    = "sub-agent"
)

// Session statuses.
const (
	SessionStatusActive   = "active"
	SessionStatusArchived = "archived"
)

// Run statuses mirror the durable queue row lifecycle.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusError     = "error"
	RunStatusTimeout   = "timeout"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Session is one conversation, resolved uniquely by its session key.
type Session struct {
	ID            int64      `json:"id"`
	AgentID       string     `json:"agent_id"`
	SessionKey    string     `json:"session_key"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	MessageCount  int        `json:"message_count"`
	TokenCount    int        `json:"token_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ToolCall records one capability invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolCallResult records the outcome of one tool call.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Message is a single stored turn within a session transcript.
type Message struct {
	ID          int64                  `json:"id"`
	SessionID   int64                  `json:"session_id"`
	Role        string                 `json:"role"`
	Content     string                 `json:"content"`
	ToolCalls   []ToolCall             `json:"tool_calls,omitempty"`
	ToolResults []ToolCallResult       `json:"tool_results,omitempty"`
	TokensUsed  int                    `json:"tokens_used"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Run is the durable queue row for one execution attempt.
type Run struct {
	RunID           string                 `json:"run_id"`
	SessionID       int64                  `json:"session_id"`
	Status          string                 `json:"status"`
	InputMessage    string                 `json:"input_message"`
	OutputMessage   string                 `json:"output_message,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	TokensUsed      int                    `json:"tokens_used"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// PolicyRecord is the persisted form of a tool policy, one per owner.
type PolicyRecord struct {
	OwnerID        string    `json:"owner_id"`
	Profile        string    `json:"profile"`
	AllowedTools   []string  `json:"allowed_tools,omitempty"`
	DeniedTools    []string  `json:"denied_tools,omitempty"`
	OwnerOnlyTools []string  `json:"owner_only_tools,omitempty"`
	MaxToolCalls   int       `json:"max_tool_calls"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ModelPricing holds per-token prices for a model.
type ModelPricing struct {
	Model           string    `json:"model"`
	PromptPrice     float64   `json:"prompt_price"`
	CompletionPrice float64   `json:"completion_price"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreditTransaction is an immutable ledger entry.
type CreditTransaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"` // deduction, grant
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CompactionSnapshot records one compaction pass over a session.
type CompactionSnapshot struct {
	ID                 int64     `json:"id"`
	SessionID          int64     `json:"session_id"`
	Summary            string    `json:"summary"`
	MessagesSummarized int       `json:"messages_summarized"`
	TokensSaved        int       `json:"tokens_saved"`
	CreatedAt          time.Time `json:"created_at"`
}

func marshalJSONColumn(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSONColumn(data string, v interface{}) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}
