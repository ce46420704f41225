package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sartap/keel/internal/tracing"
)

// GetOrCreateSession resolves a session by key, creating it on first
// reference. An empty sessionKey gets a generated one. Idempotent: the same
// key always resolves to the same session.
func (s *Store) GetOrCreateSession(ctx context.Context, agentID, sessionKey, sessionType string) (*Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.store",
		"store.session.get_or_create",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	if sessionKey == "" {
		key, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session key: %w", err)
		}
		sessionKey = key
	}

	if sessionType == "" {
		sessionType = SessionTypeInteractive
	}

	if sess, err := s.GetSessionByKey(ctx, sessionKey); err == nil {
		return sess, nil
	} else if !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (agent_id, session_key, type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO NOTHING`,
		agentID, sessionKey, sessionType, SessionStatusActive, now, now,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_key", sessionKey).Logger()
		logger.Info().Str("type", sessionType).Msg("Session created")
	}

	// Re-read either the inserted row or the one a concurrent writer won.
	return s.GetSessionByKey(ctx, sessionKey)
}

// GetSessionByKey looks up a session by its key.
func (s *Store) GetSessionByKey(ctx context.Context, sessionKey string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, session_key, type, status, message_count, token_count,
		       last_message_at, created_at, updated_at
		FROM sessions WHERE session_key = ?`, sessionKey)
	return scanSession(row)
}

// GetSession looks up a session by internal ID.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, session_key, type, status, message_count, token_count,
		       last_message_at, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ArchiveSession marks a session archived. Archived sessions keep their
// transcript and run history.
func (s *Store) ArchiveSession(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		SessionStatusArchived, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveIdleSessions archives active sessions whose last message is older
// than the cutoff. Returns the number archived.
func (s *Store) ArchiveIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE status = ? AND last_message_at IS NOT NULL AND last_message_at < ?`,
		SessionStatusArchived, time.Now().UTC(), SessionStatusActive, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to archive idle sessions: %w", err)
	}
	return res.RowsAffected()
}

// MessageCount recomputes the stored turn count from the messages table.
func (s *Store) MessageCount(ctx context.Context, sessionID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// TokenCount recomputes the total tokens from the messages table.
func (s *Store) TokenCount(ctx context.Context, sessionID int64) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(tokens_used) FROM messages WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum tokens: %w", err)
	}
	return int(total.Int64), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var lastMessageAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.AgentID, &sess.SessionKey, &sess.Type, &sess.Status,
		&sess.MessageCount, &sess.TokenCount, &lastMessageAt,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		sess.LastMessageAt = &t
	}
	return &sess, nil
}
