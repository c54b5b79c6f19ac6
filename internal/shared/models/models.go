package models

import "time"

// Tier is a subscription tier, the unit of quota and pricing.
type Tier string

const (
	TierFree         Tier = "FREE"
	TierStarter      Tier = "STARTER"
	TierProfessional Tier = "PROFESSIONAL"
	TierEnterprise   Tier = "ENTERPRISE"
)

// Unlimited marks a plan limit with no cap.
const Unlimited = -1

// Tenant is an organization account resolved from an API key.
type Tenant struct {
	ID        string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// TenantAISettings holds the per-tenant AI configuration as stored.
// EncryptedAPIKey is the tenant's own upstream key, encrypted at rest;
// empty when the tenant rides on the platform credential.
type TenantAISettings struct {
	TenantID            string
	UseOwnKey           bool
	EncryptedAPIKey     string
	UpstreamOrgID       string
	DefaultModel        string
	DefaultTone         string
	SystemPrompt        string
	MaxTokensPerRequest int
	MonthlyTokenBudget  int64
	Tier                Tier
	UpdatedAt           time.Time
}

// Subscription links a tenant to its billing record.
type Subscription struct {
	ID       string
	TenantID string
	Tier     Tier
}

// UsageCounter is the one-row-per-(subscription, YYYY-MM) usage record.
// Counters are monotonic within a month.
type UsageCounter struct {
	SubscriptionID        string
	Month                 string
	Messages              int
	ContentGenerations    int
	ComposeUses           int
	ScoringRecalculations int
	WebSearches           int
	Enhancements          int
	TotalTokens           int64
	TotalCost             float64
}

// TenantSpend is a tenant's aggregated cost for one month.
type TenantSpend struct {
	TenantID string
	Name     string
	Spend    float64
}

// Weights is the per-user scoring weight vector. Components are >= 0
// and sum to 1 after every retrain.
type Weights struct {
	Score      float64 `json:"score_weight"`
	Activity   float64 `json:"activity_weight"`
	Recency    float64 `json:"recency_weight"`
	FunnelTime float64 `json:"funnel_time_weight"`
}

// DefaultWeights returns the weight vector used before a user has
// enough outcome history to personalize.
func DefaultWeights() Weights {
	return Weights{Score: 0.4, Activity: 0.3, Recency: 0.2, FunnelTime: 0.1}
}

// ScoringModel is a user's personalized lead-scoring model.
type ScoringModel struct {
	UserID        string
	TenantID      string
	Weights       Weights
	Accuracy      float64
	LastTrainedAt time.Time
	SampleCount   int
}

// PerformanceRecord is an append-only record of one retrain run.
type PerformanceRecord struct {
	ID             string
	UserID         string
	TenantID       string
	AccuracyBefore float64
	AccuracyAfter  float64
	SampleSize     int
	Notes          []string
	DurationMs     int64
	CreatedAt      time.Time
}

// Outcome is a lead's terminal status.
type Outcome string

const (
	OutcomeWon  Outcome = "WON"
	OutcomeLost Outcome = "LOST"
)

// LeadSnapshot is the read-only feature view of a lead owned by the
// CRM data layer. LastActivityAt is nil for leads with no activity.
type LeadSnapshot struct {
	ID             string
	TenantID       string
	AssignedUserID string
	Score          int
	ActivityCount  int
	CreatedAt      time.Time
	LastActivityAt *time.Time
	Outcome        Outcome
}

// PlanLimits caps meterable AI usage per tier. A value of Unlimited
// means no cap.
type PlanLimits struct {
	MaxMonthlyMessages       int
	MaxTokensPerRequest      int
	MaxContentGenerations    int
	MaxComposeUses           int
	MaxScoringRecalculations int
	MaxWebSearches           int
	RateLimitPerMinute       int
}

var planLimits = map[Tier]PlanLimits{
	TierFree: {
		MaxMonthlyMessages:       50,
		MaxTokensPerRequest:      500,
		MaxContentGenerations:    10,
		MaxComposeUses:           20,
		MaxScoringRecalculations: 5,
		MaxWebSearches:           10,
		RateLimitPerMinute:       10,
	},
	TierStarter: {
		MaxMonthlyMessages:       500,
		MaxTokensPerRequest:      1000,
		MaxContentGenerations:    100,
		MaxComposeUses:           200,
		MaxScoringRecalculations: 50,
		MaxWebSearches:           100,
		RateLimitPerMinute:       30,
	},
	TierProfessional: {
		MaxMonthlyMessages:       5000,
		MaxTokensPerRequest:      2000,
		MaxContentGenerations:    1000,
		MaxComposeUses:           2000,
		MaxScoringRecalculations: Unlimited,
		MaxWebSearches:           1000,
		RateLimitPerMinute:       60,
	},
	TierEnterprise: {
		MaxMonthlyMessages:       Unlimited,
		MaxTokensPerRequest:      4000,
		MaxContentGenerations:    Unlimited,
		MaxComposeUses:           Unlimited,
		MaxScoringRecalculations: Unlimited,
		MaxWebSearches:           Unlimited,
		RateLimitPerMinute:       100,
	},
}

// LimitsForTier returns the plan limits for a tier, falling back to
// the free tier for unknown values.
func LimitsForTier(t Tier) PlanLimits {
	if l, ok := planLimits[t]; ok {
		return l
	}
	return planLimits[TierFree]
}
