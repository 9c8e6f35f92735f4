package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Devibnu/talkabiz-sub011/internal/services"
	"github.com/go-chi/chi/v5"
)

type ReservationHandler struct {
	service   *services.ReservationService
	validator *services.ValidationHelper
}

func NewReservationHandler(service *services.ReservationService) *ReservationHandler {
	return &ReservationHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreateReservation places a capacity hold before a send attempt
// @Summary Reserve capacity
// @Description Hold capacity against an account balance pending confirmation
// @Tags reservations
// @Accept json
// @Produce json
// @Param request body object{accountId=string,amount=int64,referenceType=string,referenceId=string,ttlSeconds=int} true "Reservation request"
// @Success 201 {object} object{reservationKey=string,expiresAt=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Router /reservations [post]
func (h *ReservationHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID     string `json:"accountId" validate:"required"`
		Amount        int64  `json:"amount" validate:"required,gt=0"`
		ReferenceType string `json:"referenceType" validate:"required"`
		ReferenceID   string `json:"referenceId" validate:"required"`
		TTLSeconds    int    `json:"ttlSeconds" validate:"omitempty,min=1,max=86400"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	reservation, err := h.service.Reserve(r.Context(), req.AccountID, req.Amount,
		req.ReferenceType, req.ReferenceID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		var insufficient *services.InsufficientCapacityError
		switch {
		case errors.As(err, &insufficient):
			services.SendErrorResponse(w, err.Error(), http.StatusPaymentRequired, nil)
		case errors.Is(err, services.ErrAccountNotFound):
			services.SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		default:
			log.Printf("[RESERVATION] Reserve failed for %s: %v", req.AccountID, err)
			services.SendErrorResponse(w, "Failed to create reservation", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"reservationKey": reservation.ReservationKey,
		"accountId":      reservation.AccountID,
		"amount":         reservation.Amount,
		"expiresAt":      reservation.ExpiresAt.Format(time.RFC3339),
	})
}

// ConfirmReservation converts a hold into a ledger debit
// @Summary Confirm a reservation
// @Description Idempotent; confirming twice returns the original ledger entry
// @Tags reservations
// @Produce json
// @Param key path string true "Reservation key"
// @Success 200 {object} object{ledgerEntryId=int64,balanceAfter=int64}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /reservations/{key}/confirm [post]
func (h *ReservationHandler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	entry, err := h.service.Confirm(r.Context(), key)
	if err != nil {
		h.writeTransitionError(w, key, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"reservationKey": key,
		"ledgerEntryId":  entry.ID,
		"amount":         entry.Amount,
		"balanceAfter":   entry.BalanceAfter,
	})
}

// CancelReservation releases a hold without ledger effect
// @Summary Cancel a reservation
// @Tags reservations
// @Produce json
// @Param key path string true "Reservation key"
// @Success 200 {object} object{success=bool}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /reservations/{key}/cancel [post]
func (h *ReservationHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := h.service.Cancel(r.Context(), key); err != nil {
		h.writeTransitionError(w, key, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (h *ReservationHandler) writeTransitionError(w http.ResponseWriter, key string, err error) {
	var insufficient *services.InsufficientBalanceError
	switch {
	case err == sql.ErrNoRows:
		services.SendErrorResponse(w, "Reservation not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrReservationAlreadyTerminal):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.As(err, &insufficient):
		services.SendErrorResponse(w, err.Error(), http.StatusPaymentRequired, nil)
	default:
		log.Printf("[RESERVATION] Transition failed for %s: %v", key, err)
		services.SendErrorResponse(w, "Failed to update reservation", http.StatusInternalServerError, nil)
	}
}
