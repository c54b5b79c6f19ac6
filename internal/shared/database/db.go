package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/leadpilot/ai-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetTenantByAPIKey resolves a tenant from a raw gateway API key.
func (db *DB) GetTenantByAPIKey(ctx context.Context, rawKey string) (*models.Tenant, error) {
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])

	query := `
		SELECT id, name, is_active, created_at
		FROM tenants
		WHERE api_key_hash = $1 AND is_active = true
	`

	var t models.Tenant
	err := db.conn.QueryRowContext(ctx, query, keyHash).Scan(
		&t.ID,
		&t.Name,
		&t.IsActive,
		&t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invalid API key")
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &t, nil
}

// GetTenantAISettings loads a tenant's AI configuration row.
func (db *DB) GetTenantAISettings(ctx context.Context, tenantID string) (*models.TenantAISettings, error) {
	query := `
		SELECT tenant_id, use_own_key, COALESCE(encrypted_api_key, ''), COALESCE(upstream_org_id, ''),
		       COALESCE(default_model, ''), COALESCE(default_tone, ''), COALESCE(system_prompt, ''),
		       COALESCE(max_tokens_per_request, 0), COALESCE(monthly_token_budget, 0),
		       COALESCE(tier, 'FREE'), updated_at
		FROM tenant_ai_settings
		WHERE tenant_id = $1
	`

	var s models.TenantAISettings
	err := db.conn.QueryRowContext(ctx, query, tenantID).Scan(
		&s.TenantID,
		&s.UseOwnKey,
		&s.EncryptedAPIKey,
		&s.UpstreamOrgID,
		&s.DefaultModel,
		&s.DefaultTone,
		&s.SystemPrompt,
		&s.MaxTokensPerRequest,
		&s.MonthlyTokenBudget,
		&s.Tier,
		&s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &s, nil
}

// UpdateTenantAISettings writes a tenant's AI configuration row.
func (db *DB) UpdateTenantAISettings(ctx context.Context, s *models.TenantAISettings) error {
	query := `
		UPDATE tenant_ai_settings
		SET use_own_key = $2, encrypted_api_key = $3, upstream_org_id = $4,
		    default_model = $5, default_tone = $6, system_prompt = $7,
		    max_tokens_per_request = $8, monthly_token_budget = $9, updated_at = NOW()
		WHERE tenant_id = $1
	`

	res, err := db.conn.ExecContext(ctx, query,
		s.TenantID,
		s.UseOwnKey,
		s.EncryptedAPIKey,
		s.UpstreamOrgID,
		s.DefaultModel,
		s.DefaultTone,
		s.SystemPrompt,
		s.MaxTokensPerRequest,
		s.MonthlyTokenBudget,
	)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %s not found", s.TenantID)
	}
	return nil
}

// GetSubscription returns a tenant's subscription, or (nil, nil) when
// none exists. Absence is a normal condition handled by callers.
func (db *DB) GetSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	query := `SELECT id, tenant_id, tier FROM subscriptions WHERE tenant_id = $1`

	var sub models.Subscription
	err := db.conn.QueryRowContext(ctx, query, tenantID).Scan(&sub.ID, &sub.TenantID, &sub.Tier)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &sub, nil
}

// GetMonthlyUsage returns the usage counter for a subscription-month,
// or a zero-valued counter when no row exists yet.
func (db *DB) GetMonthlyUsage(ctx context.Context, subscriptionID, month string) (*models.UsageCounter, error) {
	query := `
		SELECT subscription_id, month, messages, content_generations, compose_uses,
		       scoring_recalculations, web_searches, enhancements, total_tokens, total_cost
		FROM usage_tracking
		WHERE subscription_id = $1 AND month = $2
	`

	var u models.UsageCounter
	err := db.conn.QueryRowContext(ctx, query, subscriptionID, month).Scan(
		&u.SubscriptionID,
		&u.Month,
		&u.Messages,
		&u.ContentGenerations,
		&u.ComposeUses,
		&u.ScoringRecalculations,
		&u.WebSearches,
		&u.Enhancements,
		&u.TotalTokens,
		&u.TotalCost,
	)
	if err == sql.ErrNoRows {
		return &models.UsageCounter{SubscriptionID: subscriptionID, Month: month}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &u, nil
}

// usageColumns whitelists counter columns touchable via IncrementUsage.
var usageColumns = map[string]bool{
	"messages":               true,
	"content_generations":    true,
	"compose_uses":           true,
	"scoring_recalculations": true,
	"web_searches":           true,
	"enhancements":           true,
}

// IncrementUsage atomically bumps one counter plus token/cost totals
// for a subscription-month, creating the row on first use. Atomicity
// is delegated to Postgres; the gateway takes no lock of its own.
func (db *DB) IncrementUsage(ctx context.Context, subscriptionID, month, column string, tokens int64, cost float64) error {
	if !usageColumns[column] {
		return fmt.Errorf("unknown usage column %q", column)
	}

	query := fmt.Sprintf(`
		INSERT INTO usage_tracking (subscription_id, month, %[1]s, total_tokens, total_cost)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (subscription_id, month) DO UPDATE
		SET %[1]s = usage_tracking.%[1]s + 1,
		    total_tokens = usage_tracking.total_tokens + EXCLUDED.total_tokens,
		    total_cost = usage_tracking.total_cost + EXCLUDED.total_cost
	`, column)

	if _, err := db.conn.ExecContext(ctx, query, subscriptionID, month, tokens, cost); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// PlatformSpend sums all tenants' cost for a month.
func (db *DB) PlatformSpend(ctx context.Context, month string) (float64, error) {
	query := `SELECT COALESCE(SUM(total_cost), 0) FROM usage_tracking WHERE month = $1`

	var total float64
	if err := db.conn.QueryRowContext(ctx, query, month).Scan(&total); err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return total, nil
}

// TenantSpend sums one tenant's cost for a month.
func (db *DB) TenantSpend(ctx context.Context, tenantID, month string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(u.total_cost), 0)
		FROM usage_tracking u
		JOIN subscriptions s ON s.id = u.subscription_id
		WHERE s.tenant_id = $1 AND u.month = $2
	`

	var total float64
	if err := db.conn.QueryRowContext(ctx, query, tenantID, month).Scan(&total); err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return total, nil
}

// TopSpenders lists the highest-spending tenants for a month.
func (db *DB) TopSpenders(ctx context.Context, month string, limit int) ([]models.TenantSpend, error) {
	query := `
		SELECT t.id, t.name, COALESCE(SUM(u.total_cost), 0) AS spend
		FROM usage_tracking u
		JOIN subscriptions s ON s.id = u.subscription_id
		JOIN tenants t ON t.id = s.tenant_id
		WHERE u.month = $1
		GROUP BY t.id, t.name
		ORDER BY spend DESC
		LIMIT $2
	`

	rows, err := db.conn.QueryContext(ctx, query, month, limit)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []models.TenantSpend
	for rows.Next() {
		var ts models.TenantSpend
		if err := rows.Scan(&ts.TenantID, &ts.Name, &ts.Spend); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// GetScoringModel returns a user's scoring model, or (nil, nil) when
// the user has never been trained.
func (db *DB) GetScoringModel(ctx context.Context, userID string) (*models.ScoringModel, error) {
	query := `
		SELECT user_id, tenant_id, weights, accuracy, last_trained_at, sample_count
		FROM lead_scoring_models
		WHERE user_id = $1
	`

	var m models.ScoringModel
	var weightsJSON []byte
	err := db.conn.QueryRowContext(ctx, query, userID).Scan(
		&m.UserID,
		&m.TenantID,
		&weightsJSON,
		&m.Accuracy,
		&m.LastTrainedAt,
		&m.SampleCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	if err := json.Unmarshal(weightsJSON, &m.Weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	return &m, nil
}

// UpsertScoringModel writes a user's scoring model.
func (db *DB) UpsertScoringModel(ctx context.Context, m *models.ScoringModel) error {
	weightsJSON, err := json.Marshal(m.Weights)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}

	query := `
		INSERT INTO lead_scoring_models (user_id, tenant_id, weights, accuracy, last_trained_at, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET weights = EXCLUDED.weights,
		    accuracy = EXCLUDED.accuracy,
		    last_trained_at = EXCLUDED.last_trained_at,
		    sample_count = EXCLUDED.sample_count
	`

	if _, err := db.conn.ExecContext(ctx, query,
		m.UserID, m.TenantID, weightsJSON, m.Accuracy, m.LastTrainedAt, m.SampleCount,
	); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// IncrementScoringSampleCount bumps a user's training sample counter
// after an outcome is recorded.
func (db *DB) IncrementScoringSampleCount(ctx context.Context, userID string) error {
	query := `UPDATE lead_scoring_models SET sample_count = sample_count + 1 WHERE user_id = $1`
	if _, err := db.conn.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// InsertPerformanceRecord appends one retrain history row.
func (db *DB) InsertPerformanceRecord(ctx context.Context, r *models.PerformanceRecord) error {
	notesJSON, err := json.Marshal(r.Notes)
	if err != nil {
		return fmt.Errorf("failed to encode notes: %w", err)
	}

	query := `
		INSERT INTO scoring_performance_history
			(id, user_id, tenant_id, accuracy_before, accuracy_after, sample_size, notes, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if _, err := db.conn.ExecContext(ctx, query,
		r.ID, r.UserID, r.TenantID, r.AccuracyBefore, r.AccuracyAfter,
		r.SampleSize, notesJSON, r.DurationMs, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// ListClosedLeads returns WON/LOST lead snapshots for one user within
// one tenant, most recently updated first.
func (db *DB) ListClosedLeads(ctx context.Context, tenantID, userID string, limit int) ([]models.LeadSnapshot, error) {
	query := `
		SELECT l.id, l.tenant_id, l.assigned_to, COALESCE(l.score, 0), l.created_at, l.status,
		       COUNT(a.id), MAX(a.created_at)
		FROM leads l
		LEFT JOIN activities a ON a.lead_id = l.id
		WHERE l.tenant_id = $1 AND l.assigned_to = $2 AND l.status IN ('WON', 'LOST')
		GROUP BY l.id
		ORDER BY l.updated_at DESC
		LIMIT $3
	`

	rows, err := db.conn.QueryContext(ctx, query, tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var leads []models.LeadSnapshot
	for rows.Next() {
		var l models.LeadSnapshot
		var lastActivity sql.NullTime
		if err := rows.Scan(
			&l.ID, &l.TenantID, &l.AssignedUserID, &l.Score, &l.CreatedAt, &l.Outcome,
			&l.ActivityCount, &lastActivity,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		if lastActivity.Valid {
			t := lastActivity.Time
			l.LastActivityAt = &t
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// GetLeadSnapshot loads one lead's feature snapshot within a tenant.
func (db *DB) GetLeadSnapshot(ctx context.Context, tenantID, leadID string) (*models.LeadSnapshot, error) {
	query := `
		SELECT l.id, l.tenant_id, l.assigned_to, COALESCE(l.score, 0), l.created_at, l.status,
		       COUNT(a.id), MAX(a.created_at)
		FROM leads l
		LEFT JOIN activities a ON a.lead_id = l.id
		WHERE l.tenant_id = $1 AND l.id = $2
		GROUP BY l.id
	`

	var l models.LeadSnapshot
	var lastActivity sql.NullTime
	err := db.conn.QueryRowContext(ctx, query, tenantID, leadID).Scan(
		&l.ID, &l.TenantID, &l.AssignedUserID, &l.Score, &l.CreatedAt, &l.Outcome,
		&l.ActivityCount, &lastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lead %s not found", leadID)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	if lastActivity.Valid {
		t := lastActivity.Time
		l.LastActivityAt = &t
	}
	return &l, nil
}

// UpdateLeadOutcome marks a lead WON or LOST and returns the assigned
// user so the caller can bump that user's training counters.
func (db *DB) UpdateLeadOutcome(ctx context.Context, tenantID, leadID string, outcome models.Outcome) (string, error) {
	query := `
		UPDATE leads SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING assigned_to
	`

	var assignedTo string
	err := db.conn.QueryRowContext(ctx, query, tenantID, leadID, outcome).Scan(&assignedTo)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("lead %s not found", leadID)
	}
	if err != nil {
		return "", fmt.Errorf("database error: %w", err)
	}
	return assignedTo, nil
}
