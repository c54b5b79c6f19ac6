// Package ailog records every AI call as structured log events:
// ai_call_start, ai_call_success, ai_call_error, ai_spend_alert.
// These events, plus persisted rows, are the gateway's only externally
// observable side effects.
package ailog

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap with the fixed AI event vocabulary.
type Logger struct {
	z *zap.Logger
}

// New builds a logger. Production env emits one JSON record per line;
// development uses the console encoder.
func New(level, env string) (*Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level.SetLevel(lvl)

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{z: z}, nil
}

// Nop returns a logger that discards everything. For tests.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Zap exposes the underlying logger for components that log outside
// the AI call vocabulary.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered records.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}

// Call carries the attributes of one completed AI call.
type Call struct {
	Method           string
	Model            string
	ModelUsed        string
	TenantID         string
	UserID           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	Latency          time.Duration
	Attempts         int
	CacheHit         bool
}

// CallStart records the beginning of an AI call at debug level.
func (l *Logger) CallStart(method, model, tenantID, userID string) {
	l.z.Debug("ai_call_start",
		zap.String("event", "ai_call_start"),
		zap.String("method", method),
		zap.String("model", model),
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
	)
}

// CallSuccess records a completed call with latency, tokens, cost, the
// model that actually served it, and whether a fallback was used.
func (l *Logger) CallSuccess(c Call) {
	modelUsed := c.ModelUsed
	if modelUsed == "" {
		modelUsed = c.Model
	}
	l.z.Info("ai_call_success",
		zap.String("event", "ai_call_success"),
		zap.String("method", c.Method),
		zap.String("model", c.Model),
		zap.String("model_used", modelUsed),
		zap.Bool("fallback", modelUsed != c.Model),
		zap.String("tenant_id", c.TenantID),
		zap.String("user_id", c.UserID),
		zap.Int("prompt_tokens", c.PromptTokens),
		zap.Int("completion_tokens", c.CompletionTokens),
		zap.Int("total_tokens", c.TotalTokens),
		zap.Float64("cost_usd", c.Cost),
		zap.Int64("latency_ms", c.Latency.Milliseconds()),
		zap.Int("attempts", c.Attempts),
		zap.Bool("cache_hit", c.CacheHit),
	)
}

// CallError records a failed call.
func (l *Logger) CallError(method, model, tenantID, userID string, latency time.Duration, err error) {
	l.z.Error("ai_call_error",
		zap.String("event", "ai_call_error"),
		zap.String("method", method),
		zap.String("model", model),
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.Int64("latency_ms", latency.Milliseconds()),
		zap.Error(err),
	)
}

// SpendAlert records a spend threshold crossing for a scope
// ("platform" or a tenant id) at a level ("warning" or "critical").
func (l *Logger) SpendAlert(scope, period, level string, spend, threshold float64) {
	pct := 0
	if threshold > 0 {
		pct = int(spend / threshold * 100)
	}
	l.z.Warn("ai_spend_alert",
		zap.String("event", "ai_spend_alert"),
		zap.String("scope", scope),
		zap.String("period", period),
		zap.String("level", level),
		zap.Float64("current_spend", spend),
		zap.Float64("threshold", threshold),
		zap.Int("percent_of_threshold", pct),
	)
}
