// Package spend watches platform and per-tenant AI cost against
// monthly thresholds and emits at most one alert per scope, month, and
// severity level.
package spend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadpilot/ai-gateway/internal/gateway/tenantconfig"
	"github.com/leadpilot/ai-gateway/internal/shared/ailog"
	"github.com/leadpilot/ai-gateway/internal/shared/models"
)

const (
	warningRatio  = 0.8
	criticalRatio = 1.0

	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Store is the persistence surface the monitor reads spend from.
type Store interface {
	PlatformSpend(ctx context.Context, month string) (float64, error)
	TenantSpend(ctx context.Context, tenantID, month string) (float64, error)
	GetTenantAISettings(ctx context.Context, tenantID string) (*models.TenantAISettings, error)
	TopSpenders(ctx context.Context, month string, limit int) ([]models.TenantSpend, error)
}

// Alert describes one threshold crossing.
type Alert struct {
	Scope     string  `json:"scope"`
	Month     string  `json:"month"`
	Level     string  `json:"level"`
	Spend     float64 `json:"spend_usd"`
	Threshold float64 `json:"threshold_usd"`
}

// Monitor tracks spend thresholds. Alert state is in-memory and resets
// on restart; a duplicate alert after a deploy is accepted over the
// cost of persisting alert state.
type Monitor struct {
	store     Store
	log       *ailog.Logger
	threshold float64

	mu   sync.Mutex
	sent map[string]bool
	now  func() time.Time
}

// NewMonitor creates a Monitor with a platform-wide monthly threshold
// in USD.
func NewMonitor(store Store, log *ailog.Logger, thresholdUSD float64) *Monitor {
	return &Monitor{
		store:     store,
		log:       log,
		threshold: thresholdUSD,
		sent:      make(map[string]bool),
		now:       time.Now,
	}
}

func (m *Monitor) month() string {
	return m.now().UTC().Format("2006-01")
}

// levelFor maps a spend/threshold ratio to a severity, or "" when
// below the warning line.
func levelFor(spend, threshold float64) string {
	if threshold <= 0 {
		return ""
	}
	ratio := spend / threshold
	switch {
	case ratio >= criticalRatio:
		return LevelCritical
	case ratio >= warningRatio:
		return LevelWarning
	default:
		return ""
	}
}

// raise emits the alert for scope at level unless already sent this
// month. Crossing critical also fires a pending warning so severity
// history stays complete.
func (m *Monitor) raise(scope, month, level string, spend, threshold float64) *Alert {
	levels := []string{level}
	if level == LevelCritical {
		levels = []string{LevelWarning, LevelCritical}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var fired *Alert
	for _, lvl := range levels {
		key := fmt.Sprintf("%s:%s:%s", scope, month, lvl)
		if m.sent[key] {
			continue
		}
		m.sent[key] = true
		m.log.SpendAlert(scope, month, lvl, spend, threshold)
		fired = &Alert{Scope: scope, Month: month, Level: lvl, Spend: spend, Threshold: threshold}
	}
	return fired
}

// CheckPlatform evaluates total platform spend for the current month.
// Returns the alert fired, or nil.
func (m *Monitor) CheckPlatform(ctx context.Context) (*Alert, error) {
	month := m.month()
	spend, err := m.store.PlatformSpend(ctx, month)
	if err != nil {
		return nil, err
	}

	level := levelFor(spend, m.threshold)
	if level == "" {
		return nil, nil
	}
	return m.raise("platform", month, level, spend, m.threshold), nil
}

// CheckTenant evaluates one tenant's spend against its own monthly
// token budget. Tenants without a budget are never alerted on.
func (m *Monitor) CheckTenant(ctx context.Context, tenantID string) (*Alert, error) {
	settings, err := m.store.GetTenantAISettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if settings.MonthlyTokenBudget <= 0 {
		return nil, nil
	}

	// The budget is stored in tokens; price it at the main model's
	// blended rate to get a dollar ceiling.
	threshold := tenantconfig.CostFor(settings.MonthlyTokenBudget, tenantconfig.ModelMain)

	month := m.month()
	spend, err := m.store.TenantSpend(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}

	level := levelFor(spend, threshold)
	if level == "" {
		return nil, nil
	}
	return m.raise(tenantID, month, level, spend, threshold), nil
}

// Summary is the admin view of current-month spend.
type Summary struct {
	Month         string               `json:"month"`
	PlatformSpend float64              `json:"platform_spend_usd"`
	Threshold     float64              `json:"threshold_usd"`
	Level         string               `json:"level,omitempty"`
	TopSpenders   []models.TenantSpend `json:"top_spenders"`
	AlertsSent    []string             `json:"alerts_sent"`
}

// Summarize reports platform spend, the top spending tenants, and the
// alerts already fired this month.
func (m *Monitor) Summarize(ctx context.Context, topN int) (*Summary, error) {
	month := m.month()
	spend, err := m.store.PlatformSpend(ctx, month)
	if err != nil {
		return nil, err
	}

	top, err := m.store.TopSpenders(ctx, month, topN)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var sent []string
	for key, ok := range m.sent {
		if ok {
			sent = append(sent, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(sent)

	return &Summary{
		Month:         month,
		PlatformSpend: spend,
		Threshold:     m.threshold,
		Level:         levelFor(spend, m.threshold),
		TopSpenders:   top,
		AlertsSent:    sent,
	}, nil
}

// Reset clears alert state. For tests and month rollover jobs.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = make(map[string]bool)
}
