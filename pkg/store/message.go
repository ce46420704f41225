package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sartap/keel/internal/observability"
	"github.com/sartap/keel/internal/tracing"
)

// AppendMessage stores a turn and updates the owning session's counters in
// the same transaction.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (*Message, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.store",
		"store.message.append",
		attribute.String("role", msg.Role),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if msg.SessionID == 0 {
		return nil, fmt.Errorf("message session ID is required")
	}
	switch msg.Role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
	default:
		return nil, fmt.Errorf("invalid message role: %q", msg.Role)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	toolCalls, err := marshalJSONColumn(msg.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := marshalJSONColumn(msg.ToolResults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool results: %w", err)
	}
	metadata, err := marshalJSONColumn(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, tool_calls, tool_results, tokens_used, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.SessionID, msg.Role, msg.Content, nullIfEmpty(toolCalls),
			nullIfEmpty(toolResults), msg.TokensUsed, nullIfEmpty(metadata), msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read message ID: %w", err)
		}
		msg.ID = id

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET message_count = message_count + 1,
			    token_count = token_count + ?,
			    last_message_at = ?,
			    updated_at = ?
			WHERE id = ?`,
			msg.TokensUsed, msg.CreatedAt, time.Now().UTC(), msg.SessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session counters: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &msg, nil
}

// HistoryOptions filters GetHistory.
type HistoryOptions struct {
	Limit          int   // most recent N turns; 0 means all
	IncludeTools   bool  // include role=tool turns
	AfterMessageID int64 // only turns with ID greater than this
}

// GetHistory returns a session's turns ordered oldest first. Tool turns are
// excluded unless IncludeTools is set.
func (s *Store) GetHistory(ctx context.Context, sessionID int64, opts HistoryOptions) ([]Message, error) {
	ctx, span := tracing.StartSpan(ctx, "keel.store", "store.message.history")
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	query := `
		SELECT id, session_id, role, content, tool_calls, tool_results, tokens_used, metadata, created_at
		FROM messages WHERE session_id = ?`
	args := []interface{}{sessionID}

	if !opts.IncludeTools {
		query += ` AND role != ?`
		args = append(args, RoleTool)
	}
	if opts.AfterMessageID > 0 {
		query += ` AND id > ?`
		args = append(args, opts.AfterMessageID)
	}

	// Take the most recent N by walking backwards, then reverse.
	query += ` ORDER BY id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}

	// Reverse to oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var toolCalls, toolResults, metadata sql.NullString
	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
		&toolCalls, &toolResults, &msg.TokensUsed, &metadata, &msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	if err := unmarshalJSONColumn(toolCalls.String, &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
	}
	if err := unmarshalJSONColumn(toolResults.String, &msg.ToolResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
	}
	if err := unmarshalJSONColumn(metadata.String, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &msg, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
