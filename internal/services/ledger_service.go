package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Devibnu/talkabiz-sub011/internal/models"
)

// LedgerService is the append-only store of balance movements and the source
// of truth for account balances. It exposes no update or delete operation;
// corrections are compensating entries.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// Append writes one entry in its own transaction. Callers composing a larger
// atomic operation (reservation confirm, idempotent charge) use AppendTx.
func (s *LedgerService) Append(ctx context.Context, entry *models.LedgerEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := s.AppendTx(tx, entry)
	if err != nil {
		return 0, err
	}

	return id, tx.Commit()
}

// AppendTx atomically locks the account, validates the running-balance
// arithmetic, inserts the entry and advances the cached balance, all inside
// the caller's transaction. Returns ErrConcurrentMutation when another
// writer advanced the balance between read and write.
func (s *LedgerService) AppendTx(tx *sql.Tx, entry *models.LedgerEntry) (int64, error) {
	if entry.Amount <= 0 {
		return 0, fmt.Errorf("entry amount must be positive, got %d", entry.Amount)
	}

	account, err := s.lockAccount(tx, entry.AccountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}

	entry.BalanceBefore = account.Balance

	switch entry.Direction {
	case models.DirectionCredit:
		entry.BalanceAfter = account.Balance + entry.Amount
	case models.DirectionDebit:
		after := account.Balance - entry.Amount
		if after < account.BalanceFloor && !allowsNegativeBalance(entry.MovementType) {
			if entry.MovementType == models.MovementDebitMessage {
				return 0, &InsufficientBalanceError{
					AccountID: entry.AccountID,
					Requested: entry.Amount,
					Available: account.Balance - account.BalanceFloor,
				}
			}
			return 0, ErrNegativeBalanceRejected
		}
		entry.BalanceAfter = after
	default:
		return 0, fmt.Errorf("unknown entry direction %q", entry.Direction)
	}

	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}

	err = tx.QueryRow(`
		INSERT INTO ledger_entries
		(account_id, direction, amount, balance_before, balance_after, movement_type, reference_type, reference_id, idempotency_key, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		entry.AccountID, entry.Direction, entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.MovementType, entry.ReferenceType, entry.ReferenceID, entry.IdempotencyKey, entry.OccurredAt,
	).Scan(&entry.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := s.updateAccountBalance(tx, account.ID, entry.BalanceAfter, account.Version); err != nil {
		return 0, err
	}

	return entry.ID, nil
}

// CurrentBalance derives the balance from the most recent ledger entry by
// id. Accounts with no entries yet fall back to the wallet row.
func (s *LedgerService) CurrentBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC LIMIT 1`, accountID).Scan(&balance)

	if err == sql.ErrNoRows {
		err = s.db.QueryRowContext(ctx, `
			SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
		if err == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
	}
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// GetEntry fetches one entry by id.
func (s *LedgerService) GetEntry(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	return s.scanEntry(s.db.QueryRowContext(ctx, selectEntryQuery+` WHERE id = $1`, id))
}

// GetEntryTx fetches one entry by id inside the caller's transaction.
func (s *LedgerService) GetEntryTx(tx *sql.Tx, id int64) (*models.LedgerEntry, error) {
	return s.scanEntry(tx.QueryRow(selectEntryQuery+` WHERE id = $1`, id))
}

// GetEntryByIdempotencyKey fetches the entry a consumed key points at.
func (s *LedgerService) GetEntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return s.scanEntry(s.db.QueryRowContext(ctx, selectEntryQuery+` WHERE idempotency_key = $1`, key))
}

// History lists the most recent entries for an account, newest first.
func (s *LedgerService) History(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntryQuery+`
		WHERE account_id = $1
		ORDER BY id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Direction, &e.Amount, &e.BalanceBefore,
			&e.BalanceAfter, &e.MovementType, &e.ReferenceType, &e.ReferenceID,
			&e.IdempotencyKey, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

const selectEntryQuery = `
	SELECT id, account_id, direction, amount, balance_before, balance_after, movement_type, reference_type, reference_id, idempotency_key, occurred_at
	FROM ledger_entries`

func (s *LedgerService) scanEntry(row *sql.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.Direction, &e.Amount, &e.BalanceBefore,
		&e.BalanceAfter, &e.MovementType, &e.ReferenceType, &e.ReferenceID,
		&e.IdempotencyKey, &e.OccurredAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, balance_floor, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.BalanceFloor, &account.Version, &account.UpdatedAt)

	return &account, err
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrConcurrentMutation
	}

	return nil
}

// penalty debits may take an account below its floor
func allowsNegativeBalance(movementType string) bool {
	return movementType == models.MovementPenalty
}
