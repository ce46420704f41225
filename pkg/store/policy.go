package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveToolPolicy writes an owner's tool policy, replacing any existing one.
func (s *Store) SaveToolPolicy(ctx context.Context, record PolicyRecord) error {
	if record.OwnerID == "" {
		return fmt.Errorf("policy owner ID is required")
	}
	if record.Profile == "" {
		record.Profile = "full"
	}
	if record.MaxToolCalls <= 0 {
		record.MaxToolCalls = 10
	}

	allowed, err := marshalJSONColumn(record.AllowedTools)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed tools: %w", err)
	}
	denied, err := marshalJSONColumn(record.DeniedTools)
	if err != nil {
		return fmt.Errorf("failed to marshal denied tools: %w", err)
	}
	ownerOnly, err := marshalJSONColumn(record.OwnerOnlyTools)
	if err != nil {
		return fmt.Errorf("failed to marshal owner-only tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_policies (owner_id, profile, allowed_tools, denied_tools, owner_only_tools, max_tool_calls, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			profile = excluded.profile,
			allowed_tools = excluded.allowed_tools,
			denied_tools = excluded.denied_tools,
			owner_only_tools = excluded.owner_only_tools,
			max_tool_calls = excluded.max_tool_calls,
			updated_at = excluded.updated_at`,
		record.OwnerID, record.Profile, nullIfEmpty(allowed), nullIfEmpty(denied),
		nullIfEmpty(ownerOnly), record.MaxToolCalls, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save tool policy: %w", err)
	}
	return nil
}

// GetToolPolicy reads an owner's tool policy. Owners without a saved policy
// get a default full-profile record.
func (s *Store) GetToolPolicy(ctx context.Context, ownerID string) (*PolicyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, profile, allowed_tools, denied_tools, owner_only_tools, max_tool_calls, updated_at
		FROM tool_policies WHERE owner_id = ?`, ownerID)

	var record PolicyRecord
	var allowed, denied, ownerOnly sql.NullString
	err := row.Scan(&record.OwnerID, &record.Profile, &allowed, &denied,
		&ownerOnly, &record.MaxToolCalls, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &PolicyRecord{
			OwnerID:      ownerID,
			Profile:      "full",
			MaxToolCalls: 10,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tool policy: %w", err)
	}

	if err := unmarshalJSONColumn(allowed.String, &record.AllowedTools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed tools: %w", err)
	}
	if err := unmarshalJSONColumn(denied.String, &record.DeniedTools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal denied tools: %w", err)
	}
	if err := unmarshalJSONColumn(ownerOnly.String, &record.OwnerOnlyTools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal owner-only tools: %w", err)
	}

	return &record, nil
}
