package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/leadpilot/ai-gateway/internal/shared/models"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// TenantFromContext returns the authenticated tenant, if any.
func TenantFromContext(ctx context.Context) (*models.Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey).(*models.Tenant)
	return t, ok
}

// TenantStore resolves tenants and their settings for middleware.
type TenantStore interface {
	GetTenantByAPIKey(ctx context.Context, rawKey string) (*models.Tenant, error)
	GetTenantAISettings(ctx context.Context, tenantID string) (*models.TenantAISettings, error)
}

// RateLimiter enforces a per-tenant request budget.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, tenantID string, limit int) (bool, int, error)
}

type Middleware struct {
	db      TenantStore
	limiter RateLimiter
}

func NewMiddleware(db TenantStore, limiter RateLimiter) *Middleware {
	return &Middleware{db: db, limiter: limiter}
}

// Auth validates gateway API keys and attaches the tenant to the
// request context.
func (m *Middleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		tenant, err := m.db.GetTenantByAPIKey(r.Context(), parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit enforces the tenant tier's per-minute request budget.
// Limiter failures fail open: a degraded Redis must not take AI
// features down with it.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := TenantFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		tier := models.TierFree
		if settings, err := m.db.GetTenantAISettings(r.Context(), tenant.ID); err == nil && settings.Tier != "" {
			tier = settings.Tier
		}
		limit := models.LimitsForTier(tier).RateLimitPerMinute

		exceeded, remaining, err := m.limiter.CheckRateLimit(r.Context(), tenant.ID, limit)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORS handles cross-origin requests.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
