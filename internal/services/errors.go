package services

import (
	"errors"
	"fmt"
)

// ErrConcurrentMutation means another writer advanced the account balance
// between read and write. Retryable: re-read and retry with the same
// idempotency key.
var ErrConcurrentMutation = errors.New("concurrent balance mutation")

// ErrNegativeBalanceRejected means a non-message debit would drive the
// balance below the account floor and the movement type does not allow it.
var ErrNegativeBalanceRejected = errors.New("negative balance rejected")

// ErrReservationAlreadyTerminal means the reservation reached a terminal
// state (confirmed, cancelled or expired) before the requested transition.
var ErrReservationAlreadyTerminal = errors.New("reservation already terminal")

// ErrAccountNotFound means the target account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// ErrInvoiceNotPaid means a topup was requested for an invoice that is not
// in the paid state. A paid invoice is the only trigger allowed to create
// a topup entry.
var ErrInvoiceNotPaid = errors.New("invoice not paid")

// InsufficientBalanceError is returned when a debit would drive the balance
// below the account floor. Shortfall is the exact amount missing so the
// caller can prompt a top-up.
type InsufficientBalanceError struct {
	AccountID string
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on account %s: requested %d, available %d, shortfall %d",
		e.AccountID, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Requested - e.Available
}

// InsufficientCapacityError is returned when a reservation would exceed
// available capacity (balance minus pending holds).
type InsufficientCapacityError struct {
	AccountID string
	Requested int64
	Available int64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity on account %s: requested %d, available %d, shortfall %d",
		e.AccountID, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientCapacityError) Shortfall() int64 {
	return e.Requested - e.Available
}
