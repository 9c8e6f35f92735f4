package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/Devibnu/talkabiz-sub011/internal/services"
	"github.com/go-chi/chi/v5"
)

type ReconciliationHandler struct {
	service   *services.ReconciliationService
	validator *services.ValidationHelper
}

func NewReconciliationHandler(service *services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// RunReconciliation triggers a reconciliation run for a period and source
// @Summary Run reconciliation
// @Tags reconciliation
// @Accept json
// @Produce json
// @Param request body object{source=string,periodStart=string,periodEnd=string} true "Run request"
// @Success 200 {object} models.ReconciliationReport
// @Failure 400 {object} services.ErrorResponse
// @Router /reconciliation/runs [post]
func (h *ReconciliationHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source      string `json:"source" validate:"required,oneof=gateway ledger usage"`
		PeriodStart string `json:"periodStart" validate:"required"`
		PeriodEnd   string `json:"periodEnd" validate:"required"`
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

	periodStart, err := time.Parse(time.RFC3339, req.PeriodStart)
	if err != nil {
		services.SendErrorResponse(w, "Invalid periodStart timestamp", http.StatusBadRequest, nil)
		return
	}
	periodEnd, err := time.Parse(time.RFC3339, req.PeriodEnd)
	if err != nil {
		services.SendErrorResponse(w, "Invalid periodEnd timestamp", http.StatusBadRequest, nil)
		return
	}
	if !periodEnd.After(periodStart) {
		services.SendErrorResponse(w, "periodEnd must be after periodStart", http.StatusBadRequest, nil)
		return
	}

	report, err := h.service.Run(r.Context(), req.Source, periodStart, periodEnd)
	if err != nil {
		log.Printf("[RECONCILE] Manual run failed: %v", err)
		services.SendErrorResponse(w, "Reconciliation run failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// ListReports returns recent reconciliation reports
// @Summary List reconciliation reports
// @Tags reconciliation
// @Produce json
// @Param limit query int false "Number of reports (default 20, max 100)"
// @Success 200 {object} object{reports=[]models.ReconciliationReport,count=int}
// @Router /reconciliation/reports [get]
func (h *ReconciliationHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	reports, err := h.service.ListReports(r.Context(), limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch reports", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

// UpdateAnomaly updates the resolution status of an anomaly
// @Summary Update anomaly resolution
// @Tags reconciliation
// @Accept json
// @Produce json
// @Param id path string true "Anomaly ID"
// @Param request body object{resolutionStatus=string} true "Resolution update"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /reconciliation/anomalies/{id} [patch]
func (h *ReconciliationHandler) UpdateAnomaly(w http.ResponseWriter, r *http.Request) {
	anomalyID := chi.URLParam(r, "id")

	var req struct {
		ResolutionStatus string `json:"resolutionStatus" validate:"required,oneof=pending investigating resolved false_positive accepted_risk"`
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

	if err := h.service.UpdateAnomalyResolution(r.Context(), anomalyID, req.ResolutionStatus); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
