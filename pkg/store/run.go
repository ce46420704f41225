package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sartap/keel/internal/tracing"
)

// CreateRun inserts the durable queue row for a new run in status queued.
func (s *Store) CreateRun(ctx context.Context, run Run) (*Run, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.store",
		"store.run.create",
		attribute.String("run_id", run.RunID),
	)
	defer span.End()

	if run.RunID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	if run.SessionID == 0 {
		return nil, fmt.Errorf("run session ID is required")
	}
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalJSONColumn(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, status, input_message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.Status, run.InputMessage, nullIfEmpty(metadata), run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return &run, nil
}

// MarkRunRunning transitions a queued run to running and stamps started_at.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ? WHERE run_id = ? AND status = ?`,
		RunStatusRunning, time.Now().UTC(), runID, RunStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RunCompletion carries the terminal fields written back to the queue row.
type RunCompletion struct {
	Status          string
	OutputMessage   string
	ErrorMessage    string
	TokensUsed      int
	ExecutionTimeMs int64
}

// CompleteRun writes a terminal status to the queue row.
func (s *Store) CompleteRun(ctx context.Context, runID string, completion RunCompletion) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.store",
		"store.run.complete",
		attribute.String("run_id", runID),
		attribute.String("status", completion.Status),
	)
	defer span.End()

	switch completion.Status {
	case RunStatusCompleted, RunStatusError, RunStatusTimeout:
	default:
		return fmt.Errorf("invalid terminal status: %s", completion.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, output_message = ?, error_message = ?,
		    tokens_used = ?, execution_time_ms = ?, completed_at = ?
		WHERE run_id = ?`,
		completion.Status, nullIfEmpty(completion.OutputMessage),
		nullIfEmpty(completion.ErrorMessage), completion.TokensUsed,
		completion.ExecutionTimeMs, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun reads the durable queue row for a run.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, status, input_message, output_message, error_message,
		       tokens_used, execution_time_ms, started_at, completed_at, metadata, created_at
		FROM runs WHERE run_id = ?`, runID)

	var run Run
	var output, errMsg, metadata sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.RunID, &run.SessionID, &run.Status, &run.InputMessage,
		&output, &errMsg, &run.TokensUsed, &run.ExecutionTimeMs,
		&startedAt, &completedAt, &metadata, &run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.OutputMessage = output.String
	run.ErrorMessage = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := unmarshalJSONColumn(metadata.String, &run.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run metadata: %w", err)
	}

	return &run, nil
}

// ListRunsBySession returns a session's runs, newest first.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID int64, limit int) ([]Run, error) {
	query := `
		SELECT run_id FROM runs WHERE session_id = ? ORDER BY created_at DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run rows: %w", err)
	}

	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// PurgeTerminalRuns deletes terminal runs completed before the cutoff.
// Returns the number deleted.
func (s *Store) PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		RunStatusCompleted, RunStatusError, RunStatusTimeout, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", err)
	}
	return res.RowsAffected()
}
