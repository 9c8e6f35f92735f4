package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/Devibnu/talkabiz-sub011/internal/audit"
	"github.com/Devibnu/talkabiz-sub011/internal/config"
	"github.com/Devibnu/talkabiz-sub011/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
)

// errKeyAlreadyConsumed signals that a concurrent writer registered the same
// idempotency key first; the caller returns the prior result instead.
var errKeyAlreadyConsumed = errors.New("idempotency key already consumed")

const notificationQueue = "billing_notifications"

// ChargeEvent is a chargeable event presented by a collaborator. The
// idempotency key must be stable across retries of the same event
// (e.g. msg_{campaign}_{message_id}).
type ChargeEvent struct {
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
	AccountID      string `json:"accountId" validate:"required"`
	Category       string `json:"category" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	ReferenceType  string `json:"referenceType" validate:"required"`
	ReferenceID    string `json:"referenceId" validate:"required"`
}

// ChargeResult statuses.
const (
	ChargeStatusCharged          = "charged"
	ChargeStatusAlreadyProcessed = "already_processed"
)

type ChargeResult struct {
	Status        string `json:"status"`
	LedgerEntryID int64  `json:"ledgerEntryId"`
	Amount        int64  `json:"amount"`
	BalanceAfter  int64  `json:"balanceAfter"`
}

// BillingService orchestrates idempotent charges: dedupe via the guard,
// price resolution, reservation confirmation or direct debit, and the
// ledger write, all in one transaction per charge.
type BillingService struct {
	db                  *sql.DB
	redis               *redis.Client
	ledger              *LedgerService
	guard               *IdempotencyGuard
	reservations        *ReservationService
	pricing             *PricingService
	audit               *audit.AuditLogger
	validator           *ValidationHelper
	maxRetries          int
	lowBalanceThreshold int64
	historyLimit        int
}

func NewBillingService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, reservations *ReservationService, cfg *config.BillingConfig) *BillingService {
	return &BillingService{
		db:                  db,
		redis:               redisClient,
		ledger:              ledger,
		guard:               NewIdempotencyGuard(db),
		reservations:        reservations,
		pricing:             NewPricingService(db),
		audit:               audit.NewAuditLogger(),
		validator:           NewValidationHelper(),
		maxRetries:          cfg.MaxConflictRetries,
		lowBalanceThreshold: cfg.LowBalanceThreshold,
		historyLimit:        cfg.HistoryPageLimit,
	}
}

// ChargeForEvent applies the charge for a billable event exactly once.
// Retries with the same idempotency key return the cached result unchanged.
// When a pending reservation exists for the event's reference, confirming
// it is the debit; otherwise a direct debit is taken.
func (s *BillingService) ChargeForEvent(ctx context.Context, event *ChargeEvent) (*ChargeResult, error) {
	prior, err := s.guard.Lookup(ctx, event.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.cachedResult(ctx, prior)
	}

	amount, err := s.pricing.ResolvePrice(ctx, event.Category, event.Quantity)
	if err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	for attempt := 0; ; attempt++ {
		entry, err = s.chargeOnce(ctx, event, amount)
		if err == ErrConcurrentMutation && attempt < s.maxRetries {
			log.Printf("[BILLING] Concurrent conflict charging %s, retrying (%d)", event.IdempotencyKey, attempt+1)
			continue
		}
		break
	}

	if err == errKeyAlreadyConsumed {
		prior, lookupErr := s.guard.Lookup(ctx, event.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if prior == nil {
			return nil, fmt.Errorf("idempotency key %s consumed but not found", event.IdempotencyKey)
		}
		return s.cachedResult(ctx, prior)
	}
	if err != nil {
		s.audit.LogError(event.AccountID, event.IdempotencyKey, err)
		return nil, err
	}

	s.audit.LogMovement(event.AccountID, entry.MovementType, event.IdempotencyKey, entry.Amount, entry.BalanceAfter)
	s.notifyIfLowBalance(ctx, event.AccountID, entry.BalanceAfter)

	return &ChargeResult{
		Status:        ChargeStatusCharged,
		LedgerEntryID: entry.ID,
		Amount:        entry.Amount,
		BalanceAfter:  entry.BalanceAfter,
	}, nil
}

func (s *BillingService) chargeOnce(ctx context.Context, event *ChargeEvent, amount int64) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	key := sql.NullString{String: event.IdempotencyKey, Valid: true}

	reservation, err := s.reservations.FindPendingByReferenceTx(tx, event.AccountID, event.ReferenceType, event.ReferenceID)
	if err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	if reservation != nil {
		// Confirming the pre-authorized hold is the debit.
		entry, err = s.reservations.ConfirmTx(tx, reservation, key)
		if err != nil {
			return nil, err
		}
	} else {
		entry = &models.LedgerEntry{
			AccountID:      event.AccountID,
			Direction:      models.DirectionDebit,
			Amount:         amount,
			MovementType:   models.MovementDebitMessage,
			ReferenceType:  event.ReferenceType,
			ReferenceID:    event.ReferenceID,
			IdempotencyKey: key,
		}
		if _, err := s.ledger.AppendTx(tx, entry); err != nil {
			return nil, err
		}
	}

	registered, err := s.guard.RegisterTx(tx, event.IdempotencyKey, event.AccountID, entry.Amount, entry.ID)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, errKeyAlreadyConsumed
	}

	return entry, tx.Commit()
}

// Refund creates a compensating credit referencing the original debit. It
// never mutates the original entry and is idempotent per
// {original entry, reason}.
func (s *BillingService) Refund(ctx context.Context, originalEntryID int64, reason string) (*models.LedgerEntry, error) {
	key := fmt.Sprintf("refund_%d_%s", originalEntryID, reason)

	prior, err := s.guard.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.ledger.GetEntry(ctx, prior.LedgerEntryID)
	}

	original, err := s.ledger.GetEntry(ctx, originalEntryID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ledger entry %d not found", originalEntryID)
		}
		return nil, err
	}
	if original.Direction != models.DirectionDebit {
		return nil, fmt.Errorf("ledger entry %d is not a debit, cannot refund", originalEntryID)
	}

	entry := &models.LedgerEntry{
		AccountID:      original.AccountID,
		Direction:      models.DirectionCredit,
		Amount:         original.Amount,
		MovementType:   models.MovementRefund,
		ReferenceType:  "ledger_entry",
		ReferenceID:    strconv.FormatInt(originalEntryID, 10),
		IdempotencyKey: sql.NullString{String: key, Valid: true},
	}

	if err := s.appendGuarded(ctx, entry, key, original.IdempotencyKey); err != nil {
		if err == errKeyAlreadyConsumed {
			return s.ledger.GetEntryByIdempotencyKey(ctx, key)
		}
		return nil, err
	}

	s.audit.LogMovement(entry.AccountID, models.MovementRefund, key, entry.Amount, entry.BalanceAfter)
	return entry, nil
}

// CreditFromPayment is the only entry point permitted to create a topup
// entry, and only for a paid invoice.
func (s *BillingService) CreditFromPayment(ctx context.Context, invoiceID string, amount int64, idempotencyKey string) (*models.LedgerEntry, error) {
	prior, err := s.guard.Lookup(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.ledger.GetEntry(ctx, prior.LedgerEntryID)
	}

	var accountID, status string
	var invoiceAmount int64
	err = s.db.QueryRowContext(ctx, `
		SELECT account_id, amount, status FROM invoices WHERE id = $1`, invoiceID).
		Scan(&accountID, &invoiceAmount, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("invoice %s not found", invoiceID)
		}
		return nil, err
	}
	if status != "paid" {
		return nil, ErrInvoiceNotPaid
	}
	if amount != invoiceAmount {
		return nil, fmt.Errorf("topup amount %d does not match invoice amount %d", amount, invoiceAmount)
	}

	entry := &models.LedgerEntry{
		AccountID:      accountID,
		Direction:      models.DirectionCredit,
		Amount:         amount,
		MovementType:   models.MovementTopup,
		ReferenceType:  "invoice",
		ReferenceID:    invoiceID,
		IdempotencyKey: sql.NullString{String: idempotencyKey, Valid: true},
	}

	if err := s.appendGuarded(ctx, entry, idempotencyKey, sql.NullString{}); err != nil {
		if err == errKeyAlreadyConsumed {
			return s.ledger.GetEntryByIdempotencyKey(ctx, idempotencyKey)
		}
		return nil, err
	}

	s.audit.LogMovement(accountID, models.MovementTopup, invoiceID, amount, entry.BalanceAfter)
	return entry, nil
}

// appendGuarded writes entry and registers key in one transaction, with
// bounded retry on balance conflicts. When rollbackKey is set, the original
// consumed key is flipped to rolled_back in the same commit as the
// compensating entry.
func (s *BillingService) appendGuarded(ctx context.Context, entry *models.LedgerEntry, key string, rollbackKey sql.NullString) error {
	for attempt := 0; ; attempt++ {
		err := s.appendGuardedOnce(ctx, entry, key, rollbackKey)
		if err == ErrConcurrentMutation && attempt < s.maxRetries {
			log.Printf("[BILLING] Concurrent conflict on %s, retrying (%d)", key, attempt+1)
			continue
		}
		return err
	}
}

func (s *BillingService) appendGuardedOnce(ctx context.Context, entry *models.LedgerEntry, key string, rollbackKey sql.NullString) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.ledger.AppendTx(tx, entry); err != nil {
		return err
	}

	registered, err := s.guard.RegisterTx(tx, key, entry.AccountID, entry.Amount, entry.ID)
	if err != nil {
		return err
	}
	if !registered {
		return errKeyAlreadyConsumed
	}

	if rollbackKey.Valid {
		if err := s.guard.RollbackTx(tx, rollbackKey.String); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *BillingService) cachedResult(ctx context.Context, prior *models.ConsumedKey) (*ChargeResult, error) {
	entry, err := s.ledger.GetEntry(ctx, prior.LedgerEntryID)
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		Status:        ChargeStatusAlreadyProcessed,
		LedgerEntryID: entry.ID,
		Amount:        entry.Amount,
		BalanceAfter:  entry.BalanceAfter,
	}, nil
}

func (s *BillingService) notifyIfLowBalance(ctx context.Context, accountID string, balance int64) {
	if s.redis == nil || balance >= s.lowBalanceThreshold {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"type":       "low_balance",
		"account_id": accountID,
		"balance":    balance,
		"threshold":  s.lowBalanceThreshold,
		"at":         time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	if err := s.redis.RPush(ctx, notificationQueue, string(payload)).Err(); err != nil {
		log.Printf("[BILLING] Failed to queue low balance notification for %s: %v", accountID, err)
	}
}

// HTTP handlers

// HandleCharge processes an idempotent charge for a billable event
// @Summary Charge for a billable event
// @Description Apply an exactly-once debit for a chargeable messaging event
// @Tags billing
// @Accept json
// @Produce json
// @Param event body ChargeEvent true "Chargeable event"
// @Success 200 {object} ChargeResult
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /billing/charges [post]
func (s *BillingService) HandleCharge(w http.ResponseWriter, r *http.Request) {
	var event ChargeEvent
	if !s.decodeBody(w, r, &event) {
		return
	}

	if err := s.validator.ValidateStruct(&event); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.ChargeForEvent(r.Context(), &event)
	if err != nil {
		s.writeBillingError(w, event.AccountID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleRefund creates a compensating credit for a prior debit
// @Summary Refund a ledger debit
// @Tags billing
// @Accept json
// @Produce json
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Router /billing/refunds [post]
func (s *BillingService) HandleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LedgerEntryID int64  `json:"ledgerEntryId" validate:"required,gt=0"`
		ReasonCode    string `json:"reasonCode" validate:"required"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := s.Refund(r.Context(), req.LedgerEntryID, req.ReasonCode)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// HandleTopup credits an account from a paid invoice
// @Summary Credit from payment
// @Tags billing
// @Accept json
// @Produce json
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /billing/topups [post]
func (s *BillingService) HandleTopup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvoiceID      string `json:"invoiceId" validate:"required"`
		Amount         int64  `json:"amount" validate:"required,gt=0"`
		IdempotencyKey string `json:"idempotencyKey" validate:"required"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := s.CreditFromPayment(r.Context(), req.InvoiceID, req.Amount, req.IdempotencyKey)
	if err != nil {
		if err == ErrInvoiceNotPaid {
			SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
			return
		}
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// HandleBalance returns the current derived balance of an account
// @Summary Get account balance
// @Tags accounts
// @Produce json
// @Success 200 {object} object{accountId=string,balance=int64}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/balance [get]
func (s *BillingService) HandleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	balance, err := s.ledger.CurrentBalance(r.Context(), accountID)
	if err != nil {
		if err == ErrAccountNotFound {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accountId": accountID,
		"balance":   balance,
	})
}

// HandleEntries lists recent ledger entries for an account
// @Summary List ledger entries
// @Tags accounts
// @Produce json
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Router /accounts/{accountId}/entries [get]
func (s *BillingService) HandleEntries(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	limit := s.historyLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	entries, err := s.ledger.History(r.Context(), accountID, limit)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *BillingService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	return true
}

func (s *BillingService) writeBillingError(w http.ResponseWriter, accountID string, err error) {
	var insufficientBalance *InsufficientBalanceError
	var insufficientCapacity *InsufficientCapacityError

	switch {
	case errors.As(err, &insufficientBalance):
		// Surface the exact shortfall so the caller can prompt a top-up.
		SendErrorResponse(w, err.Error(), http.StatusPaymentRequired, nil)
	case errors.As(err, &insufficientCapacity):
		SendErrorResponse(w, err.Error(), http.StatusPaymentRequired, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrNegativeBalanceRejected):
		s.audit.LogPolicyViolation(accountID, "", "negative balance rejected", 0)
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, ErrReservationAlreadyTerminal):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		log.Printf("[BILLING] Charge failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to process charge", http.StatusInternalServerError, nil)
	}
}
