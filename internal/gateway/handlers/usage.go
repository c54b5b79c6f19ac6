package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/leadpilot/ai-gateway/internal/gateway/service"
	"github.com/leadpilot/ai-gateway/internal/gateway/spend"
	"github.com/leadpilot/ai-gateway/internal/gateway/usage"
)

type UsageHandler struct {
	meter   *usage.Meter
	monitor *spend.Monitor
	svc     *service.Service
}

func NewUsageHandler(meter *usage.Meter, monitor *spend.Monitor, svc *service.Service) *UsageHandler {
	return &UsageHandler{meter: meter, monitor: monitor, svc: svc}
}

// HandleUsage handles GET /v1/usage.
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	report, err := h.meter.MonthlyReport(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load usage: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleSpend handles GET /v1/admin/spend.
func (h *UsageHandler) HandleSpend(w http.ResponseWriter, r *http.Request) {
	topN := 10
	if v := r.URL.Query().Get("top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			topN = n
		}
	}

	summary, err := h.monitor.Summarize(r.Context(), topN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to summarize spend: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleCacheStats handles GET /v1/admin/cache.
func (h *UsageHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.CacheStats())
}
