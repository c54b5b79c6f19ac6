package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadpilot/ai-gateway/internal/gateway/cache"
	"github.com/leadpilot/ai-gateway/internal/gateway/executor"
	"github.com/leadpilot/ai-gateway/internal/gateway/service"
	"github.com/leadpilot/ai-gateway/internal/gateway/spend"
	"github.com/leadpilot/ai-gateway/internal/gateway/tenantconfig"
	"github.com/leadpilot/ai-gateway/internal/gateway/usage"
	"github.com/leadpilot/ai-gateway/internal/scoring"
	"github.com/leadpilot/ai-gateway/internal/shared/ailog"
	"github.com/leadpilot/ai-gateway/internal/shared/models"
	"github.com/leadpilot/ai-gateway/internal/shared/secrets"
	"github.com/leadpilot/ai-gateway/internal/shared/tasks"
)

// fixtureStore implements every store interface the handlers touch.
type fixtureStore struct {
	tenant   *models.Tenant
	settings *models.TenantAISettings
	sub      *models.Subscription
	counter  *models.UsageCounter
	lead     *models.LeadSnapshot
	model    *models.ScoringModel
}

func (f *fixtureStore) GetTenantByAPIKey(ctx context.Context, rawKey string) (*models.Tenant, error) {
	if rawKey != "valid-key" {
		return nil, errors.New("invalid API key")
	}
	return f.tenant, nil
}

func (f *fixtureStore) GetTenantAISettings(ctx context.Context, tenantID string) (*models.TenantAISettings, error) {
	return f.settings, nil
}

func (f *fixtureStore) UpdateTenantAISettings(ctx context.Context, s *models.TenantAISettings) error {
	f.settings = s
	return nil
}

func (f *fixtureStore) GetSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	return f.sub, nil
}

func (f *fixtureStore) GetMonthlyUsage(ctx context.Context, subscriptionID, month string) (*models.UsageCounter, error) {
	if f.counter != nil {
		return f.counter, nil
	}
	return &models.UsageCounter{SubscriptionID: subscriptionID, Month: month}, nil
}

func (f *fixtureStore) IncrementUsage(ctx context.Context, subscriptionID, month, column string, tokens int64, cost float64) error {
	return nil
}

func (f *fixtureStore) PlatformSpend(ctx context.Context, month string) (float64, error) {
	return 120, nil
}

func (f *fixtureStore) TenantSpend(ctx context.Context, tenantID, month string) (float64, error) {
	return 0, nil
}

func (f *fixtureStore) TopSpenders(ctx context.Context, month string, limit int) ([]models.TenantSpend, error) {
	return []models.TenantSpend{{TenantID: "t1", Name: "Acme", Spend: 120}}, nil
}

func (f *fixtureStore) GetLeadSnapshot(ctx context.Context, tenantID, leadID string) (*models.LeadSnapshot, error) {
	if f.lead == nil {
		return nil, errors.New("lead not found")
	}
	return f.lead, nil
}

func (f *fixtureStore) GetScoringModel(ctx context.Context, userID string) (*models.ScoringModel, error) {
	return f.model, nil
}

func (f *fixtureStore) UpsertScoringModel(ctx context.Context, m *models.ScoringModel) error {
	f.model = m
	return nil
}

func (f *fixtureStore) InsertPerformanceRecord(ctx context.Context, r *models.PerformanceRecord) error {
	return nil
}

func (f *fixtureStore) UpdateLeadOutcome(ctx context.Context, tenantID, leadID string, outcome models.Outcome) (string, error) {
	return "u1", nil
}

func (f *fixtureStore) IncrementScoringSampleCount(ctx context.Context, userID string) error {
	return nil
}

func (f *fixtureStore) ListClosedLeads(ctx context.Context, tenantID, userID string, limit int) ([]models.LeadSnapshot, error) {
	return nil, nil
}

type fakeLimiter struct {
	exceeded bool
}

func (f *fakeLimiter) CheckRateLimit(ctx context.Context, tenantID string, limit int) (bool, int, error) {
	if f.exceeded {
		return true, 0, nil
	}
	return false, limit - 1, nil
}

func newFixture() *fixtureStore {
	return &fixtureStore{
		tenant:   &models.Tenant{ID: "t1", Name: "Acme", IsActive: true},
		settings: &models.TenantAISettings{TenantID: "t1", Tier: models.TierFree},
		sub:      &models.Subscription{ID: "sub1", TenantID: "t1", Tier: models.TierFree},
	}
}

func newRouter(t *testing.T, store *fixtureStore, limiter RateLimiter) chi.Router {
	t.Helper()

	log := ailog.Nop()
	resolver := tenantconfig.New(store, secrets.NewCipher("test"), log, "sk-platform", "")
	exec := executor.New(log, executor.Options{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, RandomizationFactor: 0})
	meter := usage.NewMeter(store, zap.NewNop())
	monitor := spend.NewMonitor(store, log, 500)
	runner := tasks.NewRunner(zap.NewNop())
	svc := service.New(resolver, exec, cache.New(100), meter, monitor, runner, log)

	predictor := scoring.NewPredictor()
	optimizer := scoring.NewOptimizer(store, predictor, zap.NewNop())

	chat := NewChatHandler(svc)
	scoringH := NewScoringHandler(optimizer, predictor, store, svc, runner, zap.NewNop())
	settings := NewSettingsHandler(resolver, store)
	usageH := NewUsageHandler(meter, monitor, svc)
	mw := NewMiddleware(store, limiter)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.Auth)
		r.Use(mw.RateLimit)
		r.Post("/ai/chat", chat.HandleCompletion)
		r.Post("/scoring/predict", scoringH.HandlePredict)
		r.Post("/scoring/outcome", scoringH.HandleOutcome)
		r.Get("/settings/ai", settings.HandleGet)
		r.Put("/settings/ai", settings.HandleUpdate)
		r.Get("/usage", usageH.HandleUsage)
		r.Get("/admin/spend", usageH.HandleSpend)
	})
	return r
}

func doRequest(router http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingAndBadKeys(t *testing.T) {
	router := newRouter(t, newFixture(), &fakeLimiter{})

	rec := doRequest(router, http.MethodGet, "/v1/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodGet, "/v1/usage", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	router := newRouter(t, newFixture(), &fakeLimiter{exceeded: true})

	rec := doRequest(router, http.MethodGet, "/v1/usage", "valid-key", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestChatQuotaDeniedReturns429(t *testing.T) {
	store := newFixture()
	store.counter = &models.UsageCounter{Messages: 50} // free tier cap
	router := newRouter(t, store, &fakeLimiter{})

	rec := doRequest(router, http.MethodPost, "/v1/ai/chat", "valid-key", map[string]any{
		"task":     "chat",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Error string          `json:"error"`
		Quota *usage.Decision `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Quota)
	assert.False(t, body.Quota.Allowed)
	assert.Equal(t, 50, body.Quota.Used)
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	router := newRouter(t, newFixture(), &fakeLimiter{})

	rec := doRequest(router, http.MethodPost, "/v1/ai/chat", "valid-key", map[string]any{"task": "chat"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageReport(t *testing.T) {
	store := newFixture()
	store.counter = &models.UsageCounter{Messages: 12, TotalTokens: 900, TotalCost: 0.05}
	router := newRouter(t, store, &fakeLimiter{})

	rec := doRequest(router, http.MethodGet, "/v1/usage", "valid-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report usage.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, models.TierFree, report.Tier)
	assert.Equal(t, 12, report.Types[usage.TypeMessage].Used)
	assert.Equal(t, int64(900), report.TotalTokens)
}

func TestSettingsUpdateNeverEchoesPlaintextKey(t *testing.T) {
	router := newRouter(t, newFixture(), &fakeLimiter{})

	rec := doRequest(router, http.MethodPut, "/v1/settings/ai", "valid-key", map[string]any{
		"use_own_key": true,
		"api_key":     "sk-super-secret-tenant-key",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-super-secret")
	assert.Contains(t, rec.Body.String(), "****")
}

func TestScoringPredict(t *testing.T) {
	store := newFixture()
	created := time.Now().Add(-10 * 24 * time.Hour)
	lastActivity := time.Now().Add(-24 * time.Hour)
	store.lead = &models.LeadSnapshot{
		ID:             "lead-1",
		TenantID:       "t1",
		AssignedUserID: "u1",
		Score:          85,
		ActivityCount:  11,
		CreatedAt:      created,
		LastActivityAt: &lastActivity,
	}
	router := newRouter(t, store, &fakeLimiter{})

	rec := doRequest(router, http.MethodPost, "/v1/scoring/predict", "valid-key", map[string]string{"lead_id": "lead-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var pred scoring.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pred))
	assert.Equal(t, "lead-1", pred.LeadID)
	assert.Equal(t, "high", pred.Confidence)
	assert.Greater(t, pred.Probability, 50)
}

func TestScoringOutcomeSchedulesRetrain(t *testing.T) {
	router := newRouter(t, newFixture(), &fakeLimiter{})

	rec := doRequest(router, http.MethodPost, "/v1/scoring/outcome", "valid-key", map[string]string{
		"lead_id": "lead-1",
		"outcome": "won",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "retrain scheduled")

	rec = doRequest(router, http.MethodPost, "/v1/scoring/outcome", "valid-key", map[string]string{
		"lead_id": "lead-1",
		"outcome": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSpend(t *testing.T) {
	router := newRouter(t, newFixture(), &fakeLimiter{})

	rec := doRequest(router, http.MethodGet, "/v1/admin/spend", "valid-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary spend.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.InDelta(t, 120, summary.PlatformSpend, 1e-9)
	require.Len(t, summary.TopSpenders, 1)
	assert.Equal(t, "Acme", summary.TopSpenders[0].Name)
}
