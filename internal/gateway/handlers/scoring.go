package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/leadpilot/ai-gateway/internal/gateway/service"
	"github.com/leadpilot/ai-gateway/internal/scoring"
	"github.com/leadpilot/ai-gateway/internal/shared/models"
	"github.com/leadpilot/ai-gateway/internal/shared/tasks"
)

// LeadStore loads lead snapshots for prediction.
type LeadStore interface {
	GetLeadSnapshot(ctx context.Context, tenantID, leadID string) (*models.LeadSnapshot, error)
}

type ScoringHandler struct {
	optimizer *scoring.Optimizer
	predictor *scoring.Predictor
	leads     LeadStore
	svc       *service.Service
	runner    *tasks.Runner
	log       *zap.Logger
}

func NewScoringHandler(
	optimizer *scoring.Optimizer,
	predictor *scoring.Predictor,
	leads LeadStore,
	svc *service.Service,
	runner *tasks.Runner,
	log *zap.Logger,
) *ScoringHandler {
	return &ScoringHandler{
		optimizer: optimizer,
		predictor: predictor,
		leads:     leads,
		svc:       svc,
		runner:    runner,
		log:       log,
	}
}

// HandleOptimize handles POST /v1/scoring/optimize. Retraining runs
// synchronously so the caller sees the new weights and accuracy.
func (h *ScoringHandler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := h.optimizer.Retrain(r.Context(), tenant.ID, req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("retrain failed: %v", err))
		return
	}

	if result.Trained {
		h.svc.InvalidateScoring(tenant.ID)
	}
	writeJSON(w, http.StatusOK, result)
}

// HandlePredict handles POST /v1/scoring/predict.
func (h *ScoringHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		LeadID string `json:"lead_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeadID == "" {
		writeError(w, http.StatusBadRequest, "lead_id is required")
		return
	}

	lead, err := h.leads.GetLeadSnapshot(r.Context(), tenant.ID, req.LeadID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	weights, err := h.optimizer.WeightsFor(r.Context(), lead.AssignedUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load weights: %v", err))
		return
	}

	prediction, err := h.predictor.Predict(lead, &weights)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

// HandleOutcome handles POST /v1/scoring/outcome. The lead closes
// synchronously; retraining the assigned user's model runs detached.
func (h *ScoringHandler) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		LeadID  string `json:"lead_id"`
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeadID == "" {
		writeError(w, http.StatusBadRequest, "lead_id and outcome are required")
		return
	}

	outcome := models.Outcome(strings.ToUpper(req.Outcome))
	userID, err := h.optimizer.RecordOutcome(r.Context(), tenant.ID, req.LeadID, outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Fresh outcome data invalidates cached scores and may shift the
	// user's weights.
	h.svc.InvalidateScoring(tenant.ID)

	tenantID := tenant.ID
	h.runner.Go("scoring_retrain", func(ctx context.Context) error {
		_, err := h.optimizer.Retrain(ctx, tenantID, userID)
		return err
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"lead_id": req.LeadID,
		"outcome": string(outcome),
		"user_id": userID,
		"status":  "retrain scheduled",
	})
}
