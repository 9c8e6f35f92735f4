package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/Devibnu/talkabiz-sub011/internal/audit"
	"github.com/Devibnu/talkabiz-sub011/internal/config"
	"github.com/Devibnu/talkabiz-sub011/internal/models"
	"github.com/google/uuid"
)

// ReservationService manages short-lived capacity holds between intent to
// send and confirmation. Available capacity is the account balance minus
// the sum of pending holds; the check and the insert happen in one
// transaction so two concurrent reservations cannot both win the same
// capacity.
type ReservationService struct {
	db         *sql.DB
	ledger     *LedgerService
	audit      *audit.AuditLogger
	defaultTTL time.Duration
	maxRetries int
}

func NewReservationService(db *sql.DB, ledger *LedgerService, cfg *config.BillingConfig) *ReservationService {
	return &ReservationService{
		db:         db,
		ledger:     ledger,
		audit:      audit.NewAuditLogger(),
		defaultTTL: cfg.DefaultReservationTTL,
		maxRetries: cfg.MaxConflictRetries,
	}
}

// Reserve places a pending hold of amount against the account. Fails with
// InsufficientCapacityError when balance minus pending holds cannot cover
// the amount.
func (s *ReservationService) Reserve(ctx context.Context, accountID string, amount int64, referenceType, referenceID string, ttl time.Duration) (*models.Reservation, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := s.ledger.lockAccount(tx, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	var pending int64
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM reservations
		WHERE account_id = $1 AND status = $2`,
		accountID, models.ReservationPending).Scan(&pending)
	if err != nil {
		return nil, err
	}

	available := account.Balance - account.BalanceFloor - pending
	if amount > available {
		return nil, &InsufficientCapacityError{
			AccountID: accountID,
			Requested: amount,
			Available: available,
		}
	}

	now := time.Now()
	reservation := &models.Reservation{
		ReservationKey: uuid.New().String(),
		AccountID:      accountID,
		Amount:         amount,
		Status:         models.ReservationPending,
		ReferenceType:  referenceType,
		ReferenceID:    referenceID,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}

	_, err = tx.Exec(`
		INSERT INTO reservations
		(reservation_key, account_id, amount, status, reference_type, reference_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		reservation.ReservationKey, reservation.AccountID, reservation.Amount, reservation.Status,
		reservation.ReferenceType, reservation.ReferenceID, reservation.ExpiresAt, reservation.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogReservation(accountID, reservation.ReservationKey, "RESERVED", amount)
	return reservation, nil
}

// Confirm converts a pending reservation into a ledger debit. Idempotent:
// confirming an already-confirmed reservation returns the original entry.
// Cancelled and expired reservations fail with ErrReservationAlreadyTerminal.
func (s *ReservationService) Confirm(ctx context.Context, reservationKey string) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	var err error

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		entry, err = s.confirmOnce(ctx, reservationKey)
		if err != ErrConcurrentMutation {
			break
		}
		log.Printf("[RESERVATION] Concurrent conflict confirming %s, retrying (%d)", reservationKey, attempt+1)
	}

	return entry, err
}

func (s *ReservationService) confirmOnce(ctx context.Context, reservationKey string) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	reservation, err := s.lockReservation(tx, reservationKey)
	if err != nil {
		return nil, err
	}

	if reservation.Status == models.ReservationConfirmed {
		entry, err := s.ledger.GetEntryTx(tx, reservation.LedgerEntryID.Int64)
		if err != nil {
			return nil, err
		}
		return entry, tx.Commit()
	}

	entry, err := s.ConfirmTx(tx, reservation, sql.NullString{})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogReservation(reservation.AccountID, reservationKey, "CONFIRMED", reservation.Amount)
	return entry, nil
}

// ConfirmTx performs the pending->confirmed transition inside the caller's
// transaction: appends the debit entry and marks the reservation confirmed.
// The reservation must already be row-locked by the caller.
func (s *ReservationService) ConfirmTx(tx *sql.Tx, reservation *models.Reservation, idempotencyKey sql.NullString) (*models.LedgerEntry, error) {
	if reservation.Terminal() {
		return nil, ErrReservationAlreadyTerminal
	}

	entry := &models.LedgerEntry{
		AccountID:      reservation.AccountID,
		Direction:      models.DirectionDebit,
		Amount:         reservation.Amount,
		MovementType:   models.MovementDebitMessage,
		ReferenceType:  reservation.ReferenceType,
		ReferenceID:    reservation.ReferenceID,
		IdempotencyKey: idempotencyKey,
	}

	if _, err := s.ledger.AppendTx(tx, entry); err != nil {
		return nil, err
	}

	result, err := tx.Exec(`
		UPDATE reservations
		SET status = $1, ledger_entry_id = $2
		WHERE reservation_key = $3 AND status = $4`,
		models.ReservationConfirmed, entry.ID, reservation.ReservationKey, models.ReservationPending)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, ErrReservationAlreadyTerminal
	}

	reservation.Status = models.ReservationConfirmed
	reservation.LedgerEntryID = sql.NullInt64{Int64: entry.ID, Valid: true}
	return entry, nil
}

// Cancel releases a pending hold without any ledger effect. Cancelling an
// already-cancelled reservation is a no-op; confirmed and expired ones fail
// with ErrReservationAlreadyTerminal.
func (s *ReservationService) Cancel(ctx context.Context, reservationKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	reservation, err := s.lockReservation(tx, reservationKey)
	if err != nil {
		return err
	}

	if reservation.Status == models.ReservationCancelled {
		return tx.Commit()
	}
	if reservation.Terminal() {
		return ErrReservationAlreadyTerminal
	}

	_, err = tx.Exec(`
		UPDATE reservations SET status = $1 WHERE reservation_key = $2`,
		models.ReservationCancelled, reservationKey)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogReservation(reservation.AccountID, reservationKey, "CANCELLED", reservation.Amount)
	return nil
}

// FindPendingByReferenceTx locks and returns the pending reservation for a
// reference, or nil when none exists. Used by the billing processor to fold
// a pre-authorized hold into the charge transaction.
func (s *ReservationService) FindPendingByReferenceTx(tx *sql.Tx, accountID, referenceType, referenceID string) (*models.Reservation, error) {
	row := tx.QueryRow(selectReservationQuery+`
		WHERE account_id = $1 AND reference_type = $2 AND reference_id = $3 AND status = $4
		FOR UPDATE`,
		accountID, referenceType, referenceID, models.ReservationPending)

	reservation, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return reservation, nil
}

// ExpireStale transitions pending reservations past their expiry to
// expired, returning capacity leaked by crashed callers.
func (s *ReservationService) ExpireStale(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = $1
		WHERE status = $2 AND expires_at <= $3`,
		models.ReservationExpired, models.ReservationPending, time.Now())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// StartSweeper runs the expiry sweep on an interval until ctx is cancelled.
// Blocking call.
func (s *ReservationService) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[RESERVATION] Sweeper started, interval %s", interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("[RESERVATION] Sweeper stopping")
			return
		case <-ticker.C:
			expired, err := s.ExpireStale(ctx)
			if err != nil {
				log.Printf("[RESERVATION] Sweep failed: %v", err)
				continue
			}
			if expired > 0 {
				log.Printf("[RESERVATION] Expired %d stale reservations", expired)
			}
		}
	}
}

const selectReservationQuery = `
	SELECT reservation_key, account_id, amount, status, reference_type, reference_id, ledger_entry_id, expires_at, created_at
	FROM reservations`

func (s *ReservationService) lockReservation(tx *sql.Tx, reservationKey string) (*models.Reservation, error) {
	row := tx.QueryRow(selectReservationQuery+`
		WHERE reservation_key = $1
		FOR UPDATE`, reservationKey)

	return scanReservation(row)
}

func scanReservation(row *sql.Row) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(&r.ReservationKey, &r.AccountID, &r.Amount, &r.Status, &r.ReferenceType,
		&r.ReferenceID, &r.LedgerEntryID, &r.ExpiresAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
