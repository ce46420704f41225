package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sartap/keel/internal/observability"
	"github.com/sartap/keel/internal/tracing"
)

// CompactOptions controls a compaction pass.
type CompactOptions struct {
	KeepRecentMessages int
	TargetTokenCount   int // skip compaction if the session is already below this; 0 disables the check
}

// CompactResult reports what a compaction pass removed.
type CompactResult struct {
	Compacted          bool   `json:"compacted"`
	MessagesSummarized int    `json:"messages_summarized"`
	TokensSaved        int    `json:"tokens_saved"`
	Summary            string `json:"summary,omitempty"`
}

// CompactSession replaces the older portion of a transcript with a single
// summarizing system turn. The delete and the replacement insert commit
// together; a failure leaves the transcript untouched.
func (s *Store) CompactSession(ctx context.Context, sessionID int64, opts CompactOptions) (*CompactResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.store",
		"store.session.compact",
		attribute.Int64("session_id", sessionID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)

	if opts.KeepRecentMessages <= 0 {
		opts.KeepRecentMessages = 10
	}

	messages, err := s.GetHistory(ctx, sessionID, HistoryOptions{IncludeTools: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if len(messages) <= opts.KeepRecentMessages {
		return &CompactResult{}, nil
	}

	if opts.TargetTokenCount > 0 {
		total := 0
		for _, m := range messages {
			total += m.TokensUsed
		}
		if total <= opts.TargetTokenCount {
			return &CompactResult{}, nil
		}
	}

	prefix := messages[:len(messages)-opts.KeepRecentMessages]
	summary := summarizeExchanges(prefix)

	tokensSaved := 0
	for _, m := range prefix {
		tokensSaved += m.TokensUsed
	}

	now := time.Now().UTC()
	boundaryID := prefix[len(prefix)-1].ID
	summaryTokens := (len(summary) + 3) / 4

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compaction_snapshots (session_id, summary, messages_summarized, tokens_saved, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, summary, len(prefix), tokensSaved, now,
		); err != nil {
			return fmt.Errorf("failed to record snapshot: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id = ? AND id <= ?`,
			sessionID, boundaryID,
		); err != nil {
			return fmt.Errorf("failed to delete compacted messages: %w", err)
		}

		metadata, err := marshalJSONColumn(map[string]interface{}{"compaction_summary": true})
		if err != nil {
			return fmt.Errorf("failed to marshal summary metadata: %w", err)
		}

		// The boundary row's id is reused so the summary orders before
		// the kept suffix.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, tokens_used, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			boundaryID, sessionID, RoleSystem, summary, summaryTokens, metadata, now,
		); err != nil {
			return fmt.Errorf("failed to insert summary message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET message_count = (SELECT COUNT(*) FROM messages WHERE session_id = ?),
			    token_count = (SELECT COALESCE(SUM(tokens_used), 0) FROM messages WHERE session_id = ?),
			    updated_at = ?
			WHERE id = ?`,
			sessionID, sessionID, now, sessionID,
		); err != nil {
			return fmt.Errorf("failed to update session counters: %w", err)
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	observability.RecordCompaction(len(prefix))
	logger.Info().
		Int64("session_id", sessionID).
		Int("messages_summarized", len(prefix)).
		Int("tokens_saved", tokensSaved).
		Msg("Session compacted")

	return &CompactResult{
		Compacted:          true,
		MessagesSummarized: len(prefix),
		TokensSaved:        tokensSaved,
		Summary:            summary,
	}, nil
}

// summarizeExchanges groups consecutive turns into user/assistant/tool
// exchanges and renders each as one block.
func summarizeExchanges(messages []Message) string {
	type exchange struct {
		user      string
		assistant string
		tools     []string
	}

	var exchanges []*exchange
	var current *exchange

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			current = &exchange{user: msg.Content}
			exchanges = append(exchanges, current)
		case RoleAssistant:
			if current == nil {
				current = &exchange{}
				exchanges = append(exchanges, current)
			}
			if current.assistant == "" {
				current.assistant = msg.Content
			}
			for _, tc := range msg.ToolCalls {
				current.tools = append(current.tools, tc.Name)
			}
		case RoleTool:
			if current == nil {
				current = &exchange{}
				exchanges = append(exchanges, current)
			}
			if name, ok := msg.Metadata["tool_name"].(string); ok {
				current.tools = append(current.tools, name)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation summary (%d earlier messages):\n", len(messages))
	for _, ex := range exchanges {
		b.WriteString("\n")
		if ex.user != "" {
			fmt.Fprintf(&b, "User: %s\n", truncateText(ex.user, 100))
		}
		if len(ex.tools) > 0 {
			fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(dedupeStrings(ex.tools), ", "))
		}
		if ex.assistant != "" {
			fmt.Fprintf(&b, "Assistant: %s\n", truncateText(ex.assistant, 150))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
