package runner

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sartap/keel/pkg/credits"
)

// Event types delivered on the run event stream.
const (
	EventStart       = "start"
	EventAssistant   = "assistant"
	EventReasoning   = "reasoning"
	EventTool        = "tool"
	EventError       = "error"
	EventFinish      = "finish"
	EventComplete    = "complete"
	EventCreditsUsed = "credits_used"
)

// Tool event statuses.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Event is one record on a run's live feed. Deltas for the same field
// arrive in emission order; unrelated event types carry no ordering
// guarantee between each other.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RunID      string `json:"run_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`

	Delta string `json:"delta,omitempty"`

	Tool      string                 `json:"tool,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	StepIndex int                    `json:"step_index,omitempty"`

	Error string `json:"error,omitempty"`

	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        *credits.Usage `json:"usage,omitempty"`

	Result *Result `json:"result,omitempty"`

	CreditsUsed  int64 `json:"credits_used,omitempty"`
	BalanceAfter int64 `json:"balance_after,omitempty"`
	TotalTokens  int   `json:"total_tokens,omitempty"`
}

// Sink receives run events as they occur. Implementations must tolerate
// being called from the run's goroutine and return quickly.
type Sink interface {
	Emit(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// NDJSONSink serializes events as newline-delimited JSON records.
type NDJSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNDJSONSink wraps a writer. Writes are serialized; a failed write
// drops the event rather than failing the run.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

func (s *NDJSONSink) Emit(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(append(data, '\n'))
}

func emit(sink Sink, event Event) {
	if sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	sink.Emit(event)
}
