package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/Devibnu/talkabiz-sub011/internal/models"
)

func TestIdempotencyGuard_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	guard := NewIdempotencyGuard(db)
	ctx := context.Background()

	t.Run("consumed key found", func(t *testing.T) {
		mock.ExpectQuery("FROM consumed_keys").
			WithArgs("msg_c1_m1").
			WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "account_id", "amount", "status", "ledger_entry_id", "created_at"}).
				AddRow("msg_c1_m1", "acct_1", 250, models.KeyConsumed, 42, time.Now()))

		ck, err := guard.Lookup(ctx, "msg_c1_m1")
		assert.NoError(t, err)
		assert.NotNil(t, ck)
		assert.Equal(t, int64(42), ck.LedgerEntryID)
		assert.Equal(t, models.KeyConsumed, ck.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown key returns nil without error", func(t *testing.T) {
		mock.ExpectQuery("FROM consumed_keys").
			WithArgs("msg_never_seen").
			WillReturnError(sql.ErrNoRows)

		ck, err := guard.Lookup(ctx, "msg_never_seen")
		assert.NoError(t, err)
		assert.Nil(t, ck)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIdempotencyGuard_RegisterTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	guard := NewIdempotencyGuard(db)

	t.Run("fresh key wins", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("INSERT INTO consumed_keys").
			WithArgs("msg_c1_m1", "acct_1", int64(250), models.KeyConsumed, int64(42), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		registered, err := guard.RegisterTx(tx, "msg_c1_m1", "acct_1", 250, 42)
		assert.NoError(t, err)
		assert.True(t, registered)
	})

	t.Run("conflicting key loses without erroring the transaction", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("INSERT INTO consumed_keys").
			WithArgs("msg_c1_m1", "acct_1", int64(250), models.KeyConsumed, int64(42), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		registered, err := guard.RegisterTx(tx, "msg_c1_m1", "acct_1", 250, 42)
		assert.NoError(t, err)
		assert.False(t, registered)
	})
}

func TestIdempotencyGuard_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	guard := NewIdempotencyGuard(db)
	ctx := context.Background()

	t.Run("unique violation maps to already consumed", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO consumed_keys").
			WillReturnError(&pq.Error{Code: pgUniqueViolation})

		registered, err := guard.Register(ctx, "msg_c1_m1", "acct_1", 250, 42)
		assert.NoError(t, err)
		assert.False(t, registered)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other errors propagate", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO consumed_keys").
			WillReturnError(&pq.Error{Code: "53300"})

		_, err := guard.Register(ctx, "msg_c1_m1", "acct_1", 250, 42)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIdempotencyGuard_RollbackTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	guard := NewIdempotencyGuard(db)

	t.Run("consumed key flips to rolled_back", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE consumed_keys").
			WithArgs(models.KeyRolledBack, "msg_c1_m1", models.KeyConsumed).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := guard.RollbackTx(tx, "msg_c1_m1")
		assert.NoError(t, err)
	})

	t.Run("already rolled back key is a no-op", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE consumed_keys").
			WithArgs(models.KeyRolledBack, "msg_c1_m1", models.KeyConsumed).
			WillReturnResult(sqlmock.NewResult(1, 0))
		mock.ExpectQuery("SELECT status FROM consumed_keys").
			WithArgs("msg_c1_m1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.KeyRolledBack))

		err := guard.RollbackTx(tx, "msg_c1_m1")
		assert.NoError(t, err)
	})

	t.Run("unknown key fails", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE consumed_keys").
			WithArgs(models.KeyRolledBack, "msg_never_seen", models.KeyConsumed).
			WillReturnResult(sqlmock.NewResult(1, 0))
		mock.ExpectQuery("SELECT status FROM consumed_keys").
			WithArgs("msg_never_seen").
			WillReturnError(sql.ErrNoRows)

		err := guard.RollbackTx(tx, "msg_never_seen")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}
