package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/leadpilot/ai-gateway/internal/gateway/tenantconfig"
	"github.com/leadpilot/ai-gateway/internal/shared/models"
	"github.com/leadpilot/ai-gateway/internal/shared/secrets"
)

type SettingsHandler struct {
	resolver *tenantconfig.Resolver
	db       TenantStore
}

func NewSettingsHandler(resolver *tenantconfig.Resolver, db TenantStore) *SettingsHandler {
	return &SettingsHandler{resolver: resolver, db: db}
}

// settingsView is the external shape of tenant AI settings. The stored
// credential never leaves the gateway; only a masked marker does.
type settingsView struct {
	TenantID            string      `json:"tenant_id"`
	UseOwnKey           bool        `json:"use_own_key"`
	APIKeyMasked        string      `json:"api_key_masked,omitempty"`
	UpstreamOrgID       string      `json:"upstream_org_id,omitempty"`
	DefaultModel        string      `json:"default_model,omitempty"`
	DefaultTone         string      `json:"default_tone,omitempty"`
	SystemPrompt        string      `json:"system_prompt,omitempty"`
	MaxTokensPerRequest int         `json:"max_tokens_per_request,omitempty"`
	MonthlyTokenBudget  int64       `json:"monthly_token_budget,omitempty"`
	Tier                models.Tier `json:"tier"`
}

func toView(s *models.TenantAISettings) settingsView {
	v := settingsView{
		TenantID:            s.TenantID,
		UseOwnKey:           s.UseOwnKey,
		UpstreamOrgID:       s.UpstreamOrgID,
		DefaultModel:        s.DefaultModel,
		DefaultTone:         s.DefaultTone,
		SystemPrompt:        s.SystemPrompt,
		MaxTokensPerRequest: s.MaxTokensPerRequest,
		MonthlyTokenBudget:  s.MonthlyTokenBudget,
		Tier:                s.Tier,
	}
	if s.EncryptedAPIKey != "" {
		v.APIKeyMasked = secrets.Mask(s.EncryptedAPIKey)
	}
	return v
}

// HandleGet handles GET /v1/settings/ai.
func (h *SettingsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	settings, err := h.db.GetTenantAISettings(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(settings))
}

// HandleUpdate handles PUT /v1/settings/ai. Absent fields are left
// unchanged; a provided api_key is encrypted before storage.
func (h *SettingsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		UseOwnKey           *bool   `json:"use_own_key"`
		APIKey              *string `json:"api_key"`
		UpstreamOrgID       *string `json:"upstream_org_id"`
		DefaultModel        *string `json:"default_model"`
		DefaultTone         *string `json:"default_tone"`
		SystemPrompt        *string `json:"system_prompt"`
		MaxTokensPerRequest *int    `json:"max_tokens_per_request"`
		MonthlyTokenBudget  *int64  `json:"monthly_token_budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.resolver.UpdateSettings(r.Context(), tenant.ID, tenantconfig.SettingsUpdate{
		UseOwnKey:           req.UseOwnKey,
		APIKey:              req.APIKey,
		UpstreamOrgID:       req.UpstreamOrgID,
		DefaultModel:        req.DefaultModel,
		DefaultTone:         req.DefaultTone,
		SystemPrompt:        req.SystemPrompt,
		MaxTokensPerRequest: req.MaxTokensPerRequest,
		MonthlyTokenBudget:  req.MonthlyTokenBudget,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to update settings: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, toView(updated))
}
