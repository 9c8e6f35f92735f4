package models

import (
	"database/sql"
	"time"
)

// Reservation statuses. pending is the only non-terminal state.
const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationCancelled = "cancelled"
	ReservationExpired   = "expired"
)

// Reservation is a short-lived hold against available capacity between
// intent-to-send and confirmation. Confirmed reservations carry the id of
// the ledger entry they were converted into.
type Reservation struct {
	ReservationKey string        `json:"reservation_key" db:"reservation_key"`
	AccountID      string        `json:"account_id" db:"account_id"`
	Amount         int64         `json:"amount" db:"amount"`
	Status         string        `json:"status" db:"status"`
	ReferenceType  string        `json:"reference_type" db:"reference_type"`
	ReferenceID    string        `json:"reference_id" db:"reference_id"`
	LedgerEntryID  sql.NullInt64 `json:"ledger_entry_id,omitempty" db:"ledger_entry_id"`
	ExpiresAt      time.Time     `json:"expires_at" db:"expires_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// Terminal reports whether the reservation can no longer transition.
func (r *Reservation) Terminal() bool {
	return r.Status != ReservationPending
}
