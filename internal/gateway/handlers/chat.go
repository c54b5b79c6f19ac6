package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/leadpilot/ai-gateway/internal/gateway/cache"
	"github.com/leadpilot/ai-gateway/internal/gateway/service"
	"github.com/leadpilot/ai-gateway/internal/gateway/tenantconfig"
)

type ChatHandler struct {
	svc *service.Service
}

func NewChatHandler(svc *service.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

type chatRequest struct {
	Task        string                         `json:"task"`
	Category    string                         `json:"category,omitempty"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature float32                        `json:"temperature,omitempty"`
	MaxTokens   int                            `json:"max_tokens,omitempty"`
	SkipCache   bool                           `json:"skip_cache,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
	UserID      string                         `json:"user_id,omitempty"`
}

// HandleCompletion handles POST /v1/ai/chat.
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if req.Task == "" {
		req.Task = string(tenantconfig.TaskChat)
	}

	svcReq := &service.Request{
		TenantID:    tenant.ID,
		UserID:      req.UserID,
		Task:        tenantconfig.Task(req.Task),
		Category:    cache.Category(req.Category),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		SkipCache:   req.SkipCache,
	}

	if req.Stream {
		h.handleStream(w, r, svcReq)
		return
	}

	resp, err := h.svc.Complete(r.Context(), svcReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("ai request failed: %v", err))
		return
	}
	if resp.Denied != nil {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "usage limit reached",
			"quota": resp.Denied,
		})
		return
	}

	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", resp.CacheHit))
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", resp.CostUSD))
	w.Header().Set("X-Model-Used", resp.ModelUsed)
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", resp.LatencyMs))
	if resp.Fallback {
		w.Header().Set("X-Fallback", "true")
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleStream serves the completion as server-sent events, one delta
// per event, closing with a summary and [DONE].
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request, req *service.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	resp, err := h.svc.Stream(r.Context(), req, func(delta string) error {
		payload, _ := json.Marshal(map[string]string{"delta": delta})
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return
	}
	if resp.Denied != nil {
		payload, _ := json.Marshal(map[string]any{"error": "usage limit reached", "quota": resp.Denied})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return
	}

	summary, _ := json.Marshal(map[string]any{
		"model_used":   resp.ModelUsed,
		"total_tokens": resp.TotalTokens,
		"cost_usd":     resp.CostUSD,
		"latency_ms":   resp.LatencyMs,
	})
	fmt.Fprintf(w, "data: %s\n\n", summary)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
