package models

import (
	"database/sql"
	"time"
)

// Entry directions.
const (
	DirectionDebit  = "DEBIT"
	DirectionCredit = "CREDIT"
)

// Movement types for ledger entries.
const (
	MovementTopup        = "topup"
	MovementDebitMessage = "debit_message"
	MovementRefund       = "refund"
	MovementAdjustment   = "adjustment"
	MovementBonus        = "bonus"
	MovementPenalty      = "penalty"
)

// LedgerEntry is one immutable balance movement. Entries are never updated
// or deleted; the current balance of an account is the balance_after of its
// most recent entry by id.
type LedgerEntry struct {
	ID             int64          `json:"id" db:"id"`
	AccountID      string         `json:"account_id" db:"account_id"`
	Direction      string         `json:"direction" db:"direction"`
	Amount         int64          `json:"amount" db:"amount"` // smallest unit, always positive
	BalanceBefore  int64          `json:"balance_before" db:"balance_before"`
	BalanceAfter   int64          `json:"balance_after" db:"balance_after"`
	MovementType   string         `json:"movement_type" db:"movement_type"`
	ReferenceType  string         `json:"reference_type" db:"reference_type"`
	ReferenceID    string         `json:"reference_id" db:"reference_id"`
	IdempotencyKey sql.NullString `json:"idempotency_key,omitempty" db:"idempotency_key"`
	OccurredAt     time.Time      `json:"occurred_at" db:"occurred_at"`
}

// Account is the per-tenant wallet. Balance is a denormalized cache of the
// latest ledger entry and is only written in the same transaction that
// appends the entry. Version backs the optimistic lock.
type Account struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Balance      int64     `json:"balance" db:"balance"`
	BalanceFloor int64     `json:"balance_floor" db:"balance_floor"`
	Version      int       `json:"version" db:"version"`
	Status       string    `json:"status" db:"status"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Consumed key statuses.
const (
	KeyConsumed   = "consumed"
	KeyRolledBack = "rolled_back"
)

// ConsumedKey records a successfully applied idempotency key. Existence of
// a row means "already applied"; retries must short-circuit to the ledger
// entry it points at.
type ConsumedKey struct {
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Amount         int64     `json:"amount" db:"amount"`
	Status         string    `json:"status" db:"status"`
	LedgerEntryID  int64     `json:"ledger_entry_id" db:"ledger_entry_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
