// Package usage meters AI feature consumption against subscription
// plan limits. Quota outcomes are data, not errors: a denial is a
// normal Decision, and metering failures degrade to allowing the
// request rather than blocking revenue-generating traffic.
package usage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leadpilot/ai-gateway/internal/shared/models"
)

// Type identifies a meterable AI feature.
type Type string

const (
	TypeMessage           Type = "message"
	TypeContentGeneration Type = "content_generation"
	TypeCompose           Type = "compose"
	TypeScoringRecalc     Type = "scoring_recalculation"
	TypeWebSearch         Type = "web_search"
	TypeEnhancement       Type = "enhancement"
)

// column maps a usage type to its counter column.
var column = map[Type]string{
	TypeMessage:           "messages",
	TypeContentGeneration: "content_generations",
	TypeCompose:           "compose_uses",
	TypeScoringRecalc:     "scoring_recalculations",
	TypeWebSearch:         "web_searches",
	TypeEnhancement:       "enhancements",
}

// Store is the persistence surface the meter needs.
type Store interface {
	GetTenantAISettings(ctx context.Context, tenantID string) (*models.TenantAISettings, error)
	GetSubscription(ctx context.Context, tenantID string) (*models.Subscription, error)
	GetMonthlyUsage(ctx context.Context, subscriptionID, month string) (*models.UsageCounter, error)
	IncrementUsage(ctx context.Context, subscriptionID, month, column string, tokens int64, cost float64) error
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool        `json:"allowed"`
	Type      Type        `json:"type"`
	Used      int         `json:"used"`
	Limit     int         `json:"limit"`
	Remaining int         `json:"remaining"`
	Unlimited bool        `json:"unlimited"`
	Tier      models.Tier `json:"tier"`
	OwnKey    bool        `json:"own_key,omitempty"`
}

// Meter answers quota questions and records consumption.
type Meter struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// NewMeter creates a Meter backed by store.
func NewMeter(store Store, log *zap.Logger) *Meter {
	return &Meter{store: store, log: log, now: time.Now}
}

func (m *Meter) month() string {
	return m.now().UTC().Format("2006-01")
}

// limitFor returns the plan cap for a usage type. Enhancements draw
// from the content generation pool.
func limitFor(limits models.PlanLimits, t Type) int {
	switch t {
	case TypeMessage:
		return limits.MaxMonthlyMessages
	case TypeContentGeneration, TypeEnhancement:
		return limits.MaxContentGenerations
	case TypeCompose:
		return limits.MaxComposeUses
	case TypeScoringRecalc:
		return limits.MaxScoringRecalculations
	case TypeWebSearch:
		return limits.MaxWebSearches
	default:
		return 0
	}
}

// usedFor reads the counter matching a usage type. Content generation
// and enhancement share one pool, so each counts both.
func usedFor(u *models.UsageCounter, t Type) int {
	switch t {
	case TypeMessage:
		return u.Messages
	case TypeContentGeneration, TypeEnhancement:
		return u.ContentGenerations + u.Enhancements
	case TypeCompose:
		return u.ComposeUses
	case TypeScoringRecalc:
		return u.ScoringRecalculations
	case TypeWebSearch:
		return u.WebSearches
	default:
		return 0
	}
}

// Check decides whether a tenant may consume one unit of a usage type.
// Tenants on their own upstream key bypass all limits except scoring
// recalculations, which load the platform's compute regardless of
// whose key pays for tokens.
func (m *Meter) Check(ctx context.Context, tenantID string, t Type) (*Decision, error) {
	settings, err := m.store.GetTenantAISettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if settings.UseOwnKey && settings.EncryptedAPIKey != "" && t != TypeScoringRecalc {
		return &Decision{
			Allowed:   true,
			Type:      t,
			Limit:     models.Unlimited,
			Remaining: models.Unlimited,
			Unlimited: true,
			Tier:      settings.Tier,
			OwnKey:    true,
		}, nil
	}

	sub, err := m.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	tier := settings.Tier
	if sub != nil && sub.Tier != "" {
		tier = sub.Tier
	}
	limits := models.LimitsForTier(tier)
	limit := limitFor(limits, t)

	if limit == models.Unlimited {
		return &Decision{
			Allowed:   true,
			Type:      t,
			Limit:     models.Unlimited,
			Remaining: models.Unlimited,
			Unlimited: true,
			Tier:      tier,
		}, nil
	}

	var used int
	if sub != nil {
		u, err := m.store.GetMonthlyUsage(ctx, sub.ID, m.month())
		if err != nil {
			return nil, err
		}
		used = usedFor(u, t)
	}

	d := &Decision{
		Allowed: used < limit,
		Type:    t,
		Used:    used,
		Limit:   limit,
		Tier:    tier,
	}
	if d.Allowed {
		d.Remaining = limit - used
	}
	return d, nil
}

// Increment records one unit of consumption plus its token cost.
// Tenants without a subscription row are logged and skipped; losing a
// usage tick is preferable to failing the request that earned it.
func (m *Meter) Increment(ctx context.Context, tenantID string, t Type, tokens int64, cost float64) error {
	col, ok := column[t]
	if !ok {
		m.log.Warn("unknown usage type", zap.String("type", string(t)))
		return nil
	}

	sub, err := m.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return err
	}
	if sub == nil {
		m.log.Warn("usage increment without subscription",
			zap.String("tenant_id", tenantID),
			zap.String("type", string(t)))
		return nil
	}

	return m.store.IncrementUsage(ctx, sub.ID, m.month(), col, tokens, cost)
}

// TypeUsage pairs one usage type's consumption with its cap.
type TypeUsage struct {
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Unlimited bool `json:"unlimited"`
}

// Report is a tenant-facing snapshot of the current month.
type Report struct {
	Month       string             `json:"month"`
	Tier        models.Tier        `json:"tier"`
	Types       map[Type]TypeUsage `json:"usage"`
	TotalTokens int64              `json:"total_tokens"`
	TotalCost   float64            `json:"total_cost_usd"`
}

// MonthlyReport assembles the current month's usage against limits for
// every meterable type.
func (m *Meter) MonthlyReport(ctx context.Context, tenantID string) (*Report, error) {
	settings, err := m.store.GetTenantAISettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	sub, err := m.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	tier := settings.Tier
	counter := &models.UsageCounter{}
	if sub != nil {
		if sub.Tier != "" {
			tier = sub.Tier
		}
		counter, err = m.store.GetMonthlyUsage(ctx, sub.ID, m.month())
		if err != nil {
			return nil, err
		}
	}

	limits := models.LimitsForTier(tier)
	report := &Report{
		Month:       m.month(),
		Tier:        tier,
		Types:       make(map[Type]TypeUsage),
		TotalTokens: counter.TotalTokens,
		TotalCost:   counter.TotalCost,
	}
	for _, t := range []Type{TypeMessage, TypeContentGeneration, TypeCompose, TypeScoringRecalc, TypeWebSearch, TypeEnhancement} {
		limit := limitFor(limits, t)
		report.Types[t] = TypeUsage{
			Used:      usedFor(counter, t),
			Limit:     limit,
			Unlimited: limit == models.Unlimited,
		}
	}
	return report, nil
}
