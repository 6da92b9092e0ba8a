// Package server provides REST API handlers for consolidation plans.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/domain"
	"github.com/virtpack/virtpack/internal/inventory"
	"github.com/virtpack/virtpack/internal/planner"
	"github.com/virtpack/virtpack/internal/server/middleware"
)

// PlanRestHandler provides REST API endpoints for consolidation plans.
//
// Routes:
//   - POST /api/consolidations - run the engine on a submitted inventory
//   - GET  /api/plans - list plans (optional ?status=PENDING&limit=20)
//   - GET  /api/plans/{id} - fetch one plan
//   - POST /api/plans/{id}/approve - approve a pending plan
//   - POST /api/plans/{id}/reject - reject a pending plan
//   - POST /api/plans/{id}/apply - mark an approved plan applied
type PlanRestHandler struct {
	planner *planner.Service
	logger  *zap.Logger
}

// NewPlanRestHandler creates a new plan REST handler.
func NewPlanRestHandler(svc *planner.Service, logger *zap.Logger) *PlanRestHandler {
	return &PlanRestHandler{
		planner: svc,
		logger:  logger.Named("plan-rest"),
	}
}

// ServeHTTP routes plan API requests.
func (h *PlanRestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/consolidations":
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
			return
		}
		h.handleRunConsolidation(w, r)

	case r.URL.Path == "/api/plans":
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
			return
		}
		h.handleListPlans(w, r)

	case strings.HasPrefix(r.URL.Path, "/api/plans/"):
		h.handlePlanByID(w, r)

	default:
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown path")
	}
}

// handleRunConsolidation runs the engine synchronously on a posted inventory
// and stores the resulting plan.
func (h *PlanRestHandler) handleRunConsolidation(w http.ResponseWriter, r *http.Request) {
	ds, err := inventory.Parse(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_dataset", err.Error())
		return
	}

	nodes, vms, err := ds.Materialize()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_dataset", err.Error())
		return
	}

	plan, err := h.planner.RunOnInventory(r.Context(), nodes, vms)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, plan)
}

func (h *PlanRestHandler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	filter := planner.PlanFilter{}

	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []domain.PlanStatus{domain.PlanStatus(strings.ToUpper(status))}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	plans, err := h.planner.ListPlans(r.Context(), filter)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if plans == nil {
		plans = []*domain.ConsolidationPlan{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

// handlePlanByID dispatches /api/plans/{id} and /api/plans/{id}/{action}.
func (h *PlanRestHandler) handlePlanByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/plans/")
	parts := strings.Split(path, "/")

	planID := parts[0]
	if planID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_plan_id", "Plan ID is required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
			return
		}
		plan, err := h.planner.GetPlan(r.Context(), planID)
		if err != nil {
			h.handleServiceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, plan)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		h.writeError(w, http.StatusBadRequest, "invalid_path", "Expected POST /api/plans/{id}/{action}")
		return
	}

	var (
		plan *domain.ConsolidationPlan
		err  error
	)
	switch parts[1] {
	case "approve":
		plan, err = h.planner.ApprovePlan(r.Context(), planID)
	case "reject":
		plan, err = h.planner.RejectPlan(r.Context(), planID)
	case "apply":
		userID, _ := middleware.GetUserID(r.Context())
		plan, err = h.planner.ApplyPlan(r.Context(), planID, userID)
	default:
		h.writeError(w, http.StatusBadRequest, "unknown_action",
			"Unknown action: "+parts[1]+". Valid actions: approve, reject, apply")
		return
	}

	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

// handleServiceError maps domain errors to HTTP status codes.
func (h *PlanRestHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, "already_exists", err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// writeJSON writes a JSON response.
func (h *PlanRestHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError writes an error JSON response.
func (h *PlanRestHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
