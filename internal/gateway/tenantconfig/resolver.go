// Package tenantconfig resolves which upstream credential, model, and
// limits apply to a tenant's AI request, and caches constructed
// upstream clients per tenant+credential fingerprint.
package tenantconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/leadpilot/ai-gateway/internal/shared/ailog"
	"github.com/leadpilot/ai-gateway/internal/shared/models"
	"github.com/leadpilot/ai-gateway/internal/shared/secrets"
)

// ErrNoCredential signals the only fatal configuration condition:
// neither the tenant nor the platform has an upstream key.
var ErrNoCredential = errors.New("ai unavailable: no upstream credential configured")

const clientCacheTTL = 10 * time.Minute

// Store is the persistence surface the resolver needs.
type Store interface {
	GetTenantAISettings(ctx context.Context, tenantID string) (*models.TenantAISettings, error)
	UpdateTenantAISettings(ctx context.Context, s *models.TenantAISettings) error
}

// SecretCipher decrypts stored tenant credentials.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// ResolvedConfig is the fully-populated per-request configuration. All
// defaulting happens in Resolve; consumers never apply their own.
type ResolvedConfig struct {
	TenantID           string
	APIKey             string
	UpstreamOrgID      string
	Model              string
	MaxTokens          int
	SystemPrompt       string
	Tone               string
	MonthlyTokenBudget int64
	Tier               models.Tier
	OwnKey             bool
}

type cachedClient struct {
	client    *openai.Client
	createdAt time.Time
}

// Resolver resolves tenant AI configuration and caches upstream
// clients. Cache state is process-local; each instance of a
// multi-instance deployment keeps its own.
type Resolver struct {
	store        Store
	cipher       SecretCipher
	log          *ailog.Logger
	platformKey  string
	defaultModel string

	mu      sync.Mutex
	clients map[string]cachedClient

	now       func() time.Time
	newClient func(apiKey, orgID string) *openai.Client
}

// New creates a Resolver. defaultModel may be empty, in which case the
// main model tier applies.
func New(store Store, cipher SecretCipher, log *ailog.Logger, platformKey, defaultModel string) *Resolver {
	if defaultModel == "" {
		defaultModel = ModelMain
	}
	return &Resolver{
		store:        store,
		cipher:       cipher,
		log:          log,
		platformKey:  platformKey,
		defaultModel: defaultModel,
		clients:      make(map[string]cachedClient),
		now:          time.Now,
		newClient: func(apiKey, orgID string) *openai.Client {
			cfg := openai.DefaultConfig(apiKey)
			cfg.OrgID = orgID
			return openai.NewClientWithConfig(cfg)
		},
	}
}

// Resolve determines the credential, model, and limits for a tenant.
// Exactly one credential source wins: the tenant's own opted-in key
// (decrypted; on failure a warning is logged and the platform key is
// used) or the platform key.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*ResolvedConfig, error) {
	s, err := r.store.GetTenantAISettings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}

	tier := s.Tier
	if tier == "" {
		tier = models.TierFree
	}
	limits := models.LimitsForTier(tier)

	apiKey := ""
	orgID := ""
	ownKey := false
	if s.UseOwnKey && s.EncryptedAPIKey != "" {
		decrypted, err := r.cipher.Decrypt(s.EncryptedAPIKey)
		if err != nil {
			r.log.Zap().Warn("failed to decrypt tenant API key, using platform key",
				zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			apiKey = decrypted
			orgID = s.UpstreamOrgID
			ownKey = true
		}
	}
	if apiKey == "" {
		apiKey = r.platformKey
	}
	if apiKey == "" {
		return nil, ErrNoCredential
	}

	model := s.DefaultModel
	if model == "" {
		model = r.defaultModel
	}

	maxTokens := s.MaxTokensPerRequest
	if maxTokens <= 0 {
		maxTokens = limits.MaxTokensPerRequest
	}

	tone := s.DefaultTone
	if tone == "" {
		tone = "professional"
	}

	return &ResolvedConfig{
		TenantID:           tenantID,
		APIKey:             apiKey,
		UpstreamOrgID:      orgID,
		Model:              model,
		MaxTokens:          maxTokens,
		SystemPrompt:       s.SystemPrompt,
		Tone:               tone,
		MonthlyTokenBudget: s.MonthlyTokenBudget,
		Tier:               tier,
		OwnKey:             ownKey,
	}, nil
}

// fingerprint keys the client cache on the tenant plus the trailing
// characters of the credential, so key rotation busts the cache.
func fingerprint(tenantID, apiKey string) string {
	suffix := apiKey
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return tenantID + ":" + suffix
}

// ClientFor returns a cached upstream client for the tenant, building
// and caching one when missing or older than the TTL.
func (r *Resolver) ClientFor(ctx context.Context, tenantID string) (*openai.Client, *ResolvedConfig, error) {
	cfg, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	key := fingerprint(tenantID, cfg.APIKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.clients[key]; ok && r.now().Sub(cached.createdAt) < clientCacheTTL {
		return cached.client, cfg, nil
	}

	client := r.newClient(cfg.APIKey, cfg.UpstreamOrgID)
	r.clients[key] = cachedClient{client: client, createdAt: r.now()}
	return client, cfg, nil
}

// Invalidate drops all cached clients for a tenant. Called after
// settings updates so new credentials take effect immediately.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.clients {
		if strings.HasPrefix(key, tenantID+":") {
			delete(r.clients, key)
		}
	}
}

// SettingsUpdate is a partial update to tenant AI settings. Nil fields
// are left unchanged; APIKey is encrypted before storage.
type SettingsUpdate struct {
	UseOwnKey           *bool
	APIKey              *string
	UpstreamOrgID       *string
	DefaultModel        *string
	DefaultTone         *string
	SystemPrompt        *string
	MaxTokensPerRequest *int
	MonthlyTokenBudget  *int64
}

// UpdateSettings merges an update into the stored settings, persists
// it, and invalidates the tenant's cached clients. The returned copy
// carries a masked key, never plaintext or ciphertext.
func (r *Resolver) UpdateSettings(ctx context.Context, tenantID string, upd SettingsUpdate) (*models.TenantAISettings, error) {
	s, err := r.store.GetTenantAISettings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}

	if upd.UseOwnKey != nil {
		s.UseOwnKey = *upd.UseOwnKey
	}
	if upd.APIKey != nil {
		encrypted, err := r.cipher.Encrypt(*upd.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt API key: %w", err)
		}
		s.EncryptedAPIKey = encrypted
	}
	if upd.UpstreamOrgID != nil {
		s.UpstreamOrgID = *upd.UpstreamOrgID
	}
	if upd.DefaultModel != nil {
		s.DefaultModel = *upd.DefaultModel
	}
	if upd.DefaultTone != nil {
		s.DefaultTone = *upd.DefaultTone
	}
	if upd.SystemPrompt != nil {
		s.SystemPrompt = *upd.SystemPrompt
	}
	if upd.MaxTokensPerRequest != nil {
		s.MaxTokensPerRequest = *upd.MaxTokensPerRequest
	}
	if upd.MonthlyTokenBudget != nil {
		s.MonthlyTokenBudget = *upd.MonthlyTokenBudget
	}

	if err := r.store.UpdateTenantAISettings(ctx, s); err != nil {
		return nil, err
	}

	r.Invalidate(tenantID)

	masked := *s
	if masked.EncryptedAPIKey != "" {
		masked.EncryptedAPIKey = secrets.Mask(masked.EncryptedAPIKey)
	}
	return &masked, nil
}

// BuildSystemPrompt prepends tenant instructions and a non-default
// tone directive to a base prompt.
func BuildSystemPrompt(basePrompt string, cfg *ResolvedConfig) string {
	var parts []string
	if cfg.SystemPrompt != "" {
		parts = append(parts, "ORGANIZATION INSTRUCTIONS:\n"+cfg.SystemPrompt+"\n")
	}
	if cfg.Tone != "" && cfg.Tone != "professional" {
		parts = append(parts, fmt.Sprintf("DEFAULT TONE: Use a %s tone unless otherwise specified.\n", cfg.Tone))
	}
	parts = append(parts, basePrompt)
	return strings.Join(parts, "\n")
}
