package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/Devibnu/talkabiz-sub011/internal/models"
)

func expectLockAccount(mock sqlmock.Sqlmock, accountID string, balance, floor int64, version int) {
	mock.ExpectQuery("SELECT id, balance, balance_floor, version, updated_at").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "balance_floor", "version", "updated_at"}).
			AddRow(accountID, balance, floor, version, time.Now()))
}

func TestLedgerService_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	ctx := context.Background()

	t.Run("credit advances balance", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:     "acct_1",
			Direction:     models.DirectionCredit,
			Amount:        5000,
			MovementType:  models.MovementTopup,
			ReferenceType: "invoice",
			ReferenceID:   "inv_1",
		}

		mock.ExpectBegin()
		expectLockAccount(mock, "acct_1", 10000, 0, 3)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs("acct_1", models.DirectionCredit, int64(5000), int64(10000), int64(15000),
				models.MovementTopup, "invoice", "inv_1", nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(15000), sqlmock.AnyArg(), "acct_1", 3).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		id, err := service.Append(ctx, entry)
		assert.NoError(t, err)
		assert.Equal(t, int64(42), id)
		assert.Equal(t, int64(10000), entry.BalanceBefore)
		assert.Equal(t, int64(15000), entry.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit down to the floor succeeds", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:     "acct_1",
			Direction:     models.DirectionDebit,
			Amount:        1000,
			MovementType:  models.MovementDebitMessage,
			ReferenceType: "message",
			ReferenceID:   "msg_1",
		}

		mock.ExpectBegin()
		expectLockAccount(mock, "acct_1", 1000, 0, 5)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(43))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(0), sqlmock.AnyArg(), "acct_1", 5).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		id, err := service.Append(ctx, entry)
		assert.NoError(t, err)
		assert.Equal(t, int64(43), id)
		assert.Equal(t, int64(0), entry.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("message debit beyond the floor reports the shortfall", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:    "acct_1",
			Direction:    models.DirectionDebit,
			Amount:       1001,
			MovementType: models.MovementDebitMessage,
		}

		mock.ExpectBegin()
		expectLockAccount(mock, "acct_1", 1000, 0, 5)
		mock.ExpectRollback()

		_, err := service.Append(ctx, entry)
		assert.Error(t, err)

		var insufficient *InsufficientBalanceError
		assert.True(t, errors.As(err, &insufficient))
		assert.Equal(t, int64(1000), insufficient.Available)
		assert.Equal(t, int64(1), insufficient.Shortfall())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-message debit below floor is rejected", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:    "acct_1",
			Direction:    models.DirectionDebit,
			Amount:       2000,
			MovementType: models.MovementAdjustment,
		}

		mock.ExpectBegin()
		expectLockAccount(mock, "acct_1", 1000, 0, 5)
		mock.ExpectRollback()

		_, err := service.Append(ctx, entry)
		assert.ErrorIs(t, err, ErrNegativeBalanceRejected)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("penalty debit may cross the floor", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:    "acct_1",
			Direction:    models.DirectionDebit,
			Amount:       2000,
			MovementType: models.MovementPenalty,
		}

		mock.ExpectBegin()
		expectLockAccount(mock, "acct_1", 1000, 0, 5)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(44))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(-1000), sqlmock.AnyArg(), "acct_1", 5).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		_, err := service.Append(ctx, entry)
		assert.NoError(t, err)
		assert.Equal(t, int64(-1000), entry.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version fails with concurrent mutation", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:    "acct_1",
			Direction:    models.DirectionCredit,
			Amount:       100,
			MovementType: models.MovementTopup,
		}

		mock.ExpectBegin()
		expectLockAccount(mock, "acct_1", 1000, 0, 5)
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(45))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(1100), sqlmock.AnyArg(), "acct_1", 5).
			WillReturnResult(sqlmock.NewResult(1, 0))
		mock.ExpectRollback()

		_, err := service.Append(ctx, entry)
		assert.ErrorIs(t, err, ErrConcurrentMutation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:    "acct_missing",
			Direction:    models.DirectionCredit,
			Amount:       100,
			MovementType: models.MovementTopup,
		}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, balance_floor, version, updated_at").
			WithArgs("acct_missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Append(ctx, entry)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount is rejected before any query", func(t *testing.T) {
		entry := &models.LedgerEntry{
			AccountID:    "acct_1",
			Direction:    models.DirectionDebit,
			Amount:       0,
			MovementType: models.MovementDebitMessage,
		}

		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.Append(ctx, entry)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_CurrentBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	ctx := context.Background()

	t.Run("derived from latest entry", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance_after FROM ledger_entries").
			WithArgs("acct_1").
			WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow(750))

		balance, err := service.CurrentBalance(ctx, "acct_1")
		assert.NoError(t, err)
		assert.Equal(t, int64(750), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to wallet row when no entries exist", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance_after FROM ledger_entries").
			WithArgs("acct_2").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT balance FROM accounts").
			WithArgs("acct_2").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0))

		balance, err := service.CurrentBalance(ctx, "acct_2")
		assert.NoError(t, err)
		assert.Equal(t, int64(0), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance_after FROM ledger_entries").
			WithArgs("acct_missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT balance FROM accounts").
			WithArgs("acct_missing").
			WillReturnError(sql.ErrNoRows)

		_, err := service.CurrentBalance(ctx, "acct_missing")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_History(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	entryColumns := []string{"id", "account_id", "direction", "amount", "balance_before",
		"balance_after", "movement_type", "reference_type", "reference_id", "idempotency_key", "occurred_at"}

	mock.ExpectQuery("FROM ledger_entries").
		WithArgs("acct_1", 2).
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow(2, "acct_1", "DEBIT", 250, 1000, 750, "debit_message", "message", "msg_2", "key_2", time.Now()).
			AddRow(1, "acct_1", "CREDIT", 1000, 0, 1000, "topup", "invoice", "inv_1", nil, time.Now()))

	entries, err := service.History(context.Background(), "acct_1", 2)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ID)
	assert.Equal(t, int64(750), entries[0].BalanceAfter)
	assert.False(t, entries[1].IdempotencyKey.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}
