package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sartap/keel/internal/tracing"
)

// Credit transaction types.
const (
	TransactionTypeDeduction = "deduction"
	TransactionTypeGrant     = "grant"
)

// GetBalance returns a user's credit balance. Unknown users have balance 0.
func (s *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// GrantCredits adds credits to a user's balance and records the ledger entry.
func (s *Store) GrantCredits(ctx context.Context, userID string, amount int64, description string) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive")
	}
	return s.applyTransaction(ctx, userID, TransactionTypeGrant, amount, description)
}

// DeductCredits removes credits from a user's balance. The conditional
// update keeps concurrent deductions from driving the balance negative.
func (s *Store) DeductCredits(ctx context.Context, userID string, amount int64, description string) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduction amount must be positive")
	}
	return s.applyTransaction(ctx, userID, TransactionTypeDeduction, -amount, description)
}

func (s *Store) applyTransaction(ctx context.Context, userID, txType string, delta int64, description string) (*CreditTransaction, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.store",
		"store.credits.apply",
		attribute.String("type", txType),
	)
	defer span.End()

	now := time.Now().UTC()
	record := CreditTransaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        txType,
		Amount:      delta,
		Description: description,
		CreatedAt:   now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_balances (user_id, balance, updated_at)
			VALUES (?, 0, ?)
			ON CONFLICT(user_id) DO NOTHING`, userID, now); err != nil {
			return fmt.Errorf("failed to ensure balance row: %w", err)
		}

		var before int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&before); err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}

		// The balance guard in the WHERE clause makes the deduction
		// atomic: a concurrent deduction commits first or this one does,
		// never both past zero.
		res, err := tx.ExecContext(ctx, `
			UPDATE credit_balances
			SET balance = balance + ?, updated_at = ?
			WHERE user_id = ? AND balance + ? >= 0`,
			delta, now, userID, delta)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientCredits
		}

		record.BalanceBefore = before
		record.BalanceAfter = before + delta

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, user_id, type, amount, balance_before, balance_after, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.UserID, record.Type, record.Amount,
			record.BalanceBefore, record.BalanceAfter, record.Description, record.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to record transaction: %w", err)
		}

		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientCredits) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	return &record, nil
}

// ListTransactions returns a user's ledger entries, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, balance_before, balance_after, description, created_at
		FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		var description sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter, &description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Description = description.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// UpsertPricing writes the per-token prices for a model.
func (s *Store) UpsertPricing(ctx context.Context, pricing ModelPricing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_pricing (model, prompt_price, completion_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(model) DO UPDATE SET
			prompt_price = excluded.prompt_price,
			completion_price = excluded.completion_price,
			updated_at = excluded.updated_at`,
		pricing.Model, pricing.PromptPrice, pricing.CompletionPrice, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert pricing: %w", err)
	}
	return nil
}

// GetPricing reads the per-token prices for a model.
func (s *Store) GetPricing(ctx context.Context, model string) (*ModelPricing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT model, prompt_price, completion_price, updated_at
		FROM model_pricing WHERE model = ?`, model)

	var p ModelPricing
	err := row.Scan(&p.Model, &p.PromptPrice, &p.CompletionPrice, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pricing: %w", err)
	}
	return &p, nil
}
