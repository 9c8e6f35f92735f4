package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Devibnu/talkabiz-sub011/internal/models"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// IdempotencyGuard maps idempotency keys to their terminal outcome so
// retries cannot double-apply. The unique constraint on consumed_keys is
// the concurrency primitive, not an application-level check-then-insert.
type IdempotencyGuard struct {
	db *sql.DB
}

func NewIdempotencyGuard(db *sql.DB) *IdempotencyGuard {
	return &IdempotencyGuard{db: db}
}

// Lookup returns the consumed key row, or nil if the key was never applied.
func (g *IdempotencyGuard) Lookup(ctx context.Context, key string) (*models.ConsumedKey, error) {
	var ck models.ConsumedKey
	err := g.db.QueryRowContext(ctx, `
		SELECT idempotency_key, account_id, amount, status, ledger_entry_id, created_at
		FROM consumed_keys
		WHERE idempotency_key = $1`, key).Scan(
		&ck.IdempotencyKey, &ck.AccountID, &ck.Amount, &ck.Status, &ck.LedgerEntryID, &ck.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &ck, nil
}

// RegisterTx marks the key consumed inside the caller's transaction, in the
// same commit as the ledger write it guards. Returns false when the key was
// already consumed by a concurrent writer; the caller must roll back and
// return the prior result instead.
func (g *IdempotencyGuard) RegisterTx(tx *sql.Tx, key, accountID string, amount, ledgerEntryID int64) (bool, error) {
	result, err := tx.Exec(`
		INSERT INTO consumed_keys (idempotency_key, account_id, amount, status, ledger_entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, accountID, amount, models.KeyConsumed, ledgerEntryID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to register idempotency key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// Register is the standalone variant for callers that have no surrounding
// transaction.
func (g *IdempotencyGuard) Register(ctx context.Context, key, accountID string, amount, ledgerEntryID int64) (bool, error) {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO consumed_keys (idempotency_key, account_id, amount, status, ledger_entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key, accountID, amount, models.KeyConsumed, ledgerEntryID, time.Now())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("failed to register idempotency key: %w", err)
	}

	return true, nil
}

// RollbackTx flips a consumed key to rolled_back. Only permitted alongside
// a compensating ledger entry that reverses the original effect; it never
// un-deducts in place. A key a prior compensation already flipped is left
// as is, so several compensations of one original entry can each commit.
func (g *IdempotencyGuard) RollbackTx(tx *sql.Tx, key string) error {
	result, err := tx.Exec(`
		UPDATE consumed_keys
		SET status = $1
		WHERE idempotency_key = $2 AND status = $3`,
		models.KeyRolledBack, key, models.KeyConsumed)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		var status string
		err := tx.QueryRow(`
			SELECT status FROM consumed_keys WHERE idempotency_key = $1`, key).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("idempotency key %s not found", key)
		}
		if err != nil {
			return err
		}
		if status != models.KeyRolledBack {
			return fmt.Errorf("idempotency key %s in unexpected status %s", key, status)
		}
	}

	return nil
}
