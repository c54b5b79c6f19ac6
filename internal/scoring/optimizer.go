package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadpilot/ai-gateway/internal/shared/models"
)

const (
	defaultSampleLimit = 200
	defaultMinSamples  = 20
	weightFloor        = 0.1
	backtestThreshold  = 50
)

// Store is the persistence surface the optimizer needs.
type Store interface {
	ListClosedLeads(ctx context.Context, tenantID, userID string, limit int) ([]models.LeadSnapshot, error)
	GetScoringModel(ctx context.Context, userID string) (*models.ScoringModel, error)
	UpsertScoringModel(ctx context.Context, m *models.ScoringModel) error
	InsertPerformanceRecord(ctx context.Context, r *models.PerformanceRecord) error
	UpdateLeadOutcome(ctx context.Context, tenantID, leadID string, outcome models.Outcome) (string, error)
	IncrementScoringSampleCount(ctx context.Context, userID string) error
}

// Result summarizes one retrain run.
type Result struct {
	Trained    bool           `json:"trained"`
	OldWeights models.Weights `json:"old_weights"`
	NewWeights models.Weights `json:"new_weights"`
	Accuracy   float64        `json:"accuracy"`
	SampleSize int            `json:"sample_size"`
	Notes      []string       `json:"notes"`
	DurationMs int64          `json:"duration_ms"`
}

// Optimizer retrains per-user scoring weights from closed-lead
// outcomes.
type Optimizer struct {
	store       Store
	predictor   *Predictor
	log         *zap.Logger
	sampleLimit int
	minSamples  int
	now         func() time.Time
}

// NewOptimizer creates an Optimizer backed by store.
func NewOptimizer(store Store, predictor *Predictor, log *zap.Logger) *Optimizer {
	return &Optimizer{
		store:       store,
		predictor:   predictor,
		log:         log,
		sampleLimit: defaultSampleLimit,
		minSamples:  defaultMinSamples,
		now:         time.Now,
	}
}

// WeightsFor returns a user's trained weights, or the defaults when
// the user has never been trained.
func (o *Optimizer) WeightsFor(ctx context.Context, userID string) (models.Weights, error) {
	m, err := o.store.GetScoringModel(ctx, userID)
	if err != nil {
		return models.Weights{}, err
	}
	if m == nil {
		return models.DefaultWeights(), nil
	}
	return m.Weights, nil
}

// Retrain recomputes a user's weights from their closed-lead history,
// backtests the result, and persists the model with a history record.
// Fewer than minSamples outcomes is a normal no-op, not an error.
func (o *Optimizer) Retrain(ctx context.Context, tenantID, userID string) (*Result, error) {
	start := o.now()

	leads, err := o.store.ListClosedLeads(ctx, tenantID, userID, o.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load training data: %w", err)
	}

	old := models.DefaultWeights()
	prevAccuracy := 0.0
	if m, err := o.store.GetScoringModel(ctx, userID); err != nil {
		return nil, err
	} else if m != nil {
		old = m.Weights
		prevAccuracy = m.Accuracy
	}

	if len(leads) < o.minSamples {
		o.log.Info("scoring retrain skipped",
			zap.String("user_id", userID),
			zap.Int("samples", len(leads)),
			zap.Int("required", o.minSamples))
		return &Result{
			Trained:    false,
			OldWeights: old,
			NewWeights: old,
			SampleSize: len(leads),
			Notes:      []string{fmt.Sprintf("insufficient data: %d closed leads, need %d", len(leads), o.minSamples)},
			DurationMs: o.now().Sub(start).Milliseconds(),
		}, nil
	}

	newWeights := o.deriveWeights(leads)
	accuracy := o.backtest(leads, newWeights)

	notes := describeChange(old, newWeights)

	model := &models.ScoringModel{
		UserID:        userID,
		TenantID:      tenantID,
		Weights:       newWeights,
		Accuracy:      accuracy,
		LastTrainedAt: o.now(),
		SampleCount:   len(leads),
	}
	if err := o.store.UpsertScoringModel(ctx, model); err != nil {
		return nil, fmt.Errorf("failed to persist scoring model: %w", err)
	}

	duration := o.now().Sub(start)
	record := &models.PerformanceRecord{
		ID:             uuid.NewString(),
		UserID:         userID,
		TenantID:       tenantID,
		AccuracyBefore: prevAccuracy,
		AccuracyAfter:  accuracy,
		SampleSize:     len(leads),
		Notes:          notes,
		DurationMs:     duration.Milliseconds(),
		CreatedAt:      o.now(),
	}
	if err := o.store.InsertPerformanceRecord(ctx, record); err != nil {
		// History is advisory; the trained model is already live.
		o.log.Warn("failed to record retrain history",
			zap.String("user_id", userID), zap.Error(err))
	}

	o.log.Info("scoring model retrained",
		zap.String("user_id", userID),
		zap.String("tenant_id", tenantID),
		zap.Int("samples", len(leads)),
		zap.Float64("accuracy", accuracy),
		zap.Int64("duration_ms", duration.Milliseconds()))

	return &Result{
		Trained:    true,
		OldWeights: old,
		NewWeights: newWeights,
		Accuracy:   accuracy,
		SampleSize: len(leads),
		Notes:      notes,
		DurationMs: duration.Milliseconds(),
	}, nil
}

// features are the raw per-lead factor values used for training.
type features struct {
	score      float64
	activity   float64
	idleDays   float64
	funnelDays float64
}

// trainingIdleCeiling is the idle-days value assigned to leads that
// never had an activity. It sits at the recency decay horizon so a
// silent lead reads as fully stale during correlation.
const trainingIdleCeiling = 30

func (o *Optimizer) featuresOf(lead *models.LeadSnapshot) features {
	now := o.now()
	funnelDays := now.Sub(lead.CreatedAt).Hours() / 24
	idleDays := float64(trainingIdleCeiling)
	if lead.LastActivityAt != nil {
		idleDays = now.Sub(*lead.LastActivityAt).Hours() / 24
	}
	return features{
		score:      float64(lead.Score),
		activity:   float64(lead.ActivityCount),
		idleDays:   idleDays,
		funnelDays: funnelDays,
	}
}

// deriveWeights measures how strongly each factor separates won from
// lost leads and converts the separation strengths into a normalized
// weight vector with a floor per factor.
func (o *Optimizer) deriveWeights(leads []models.LeadSnapshot) models.Weights {
	var won, lost []features
	for i := range leads {
		f := o.featuresOf(&leads[i])
		if leads[i].Outcome == models.OutcomeWon {
			won = append(won, f)
		} else {
			lost = append(lost, f)
		}
	}

	if len(won) == 0 || len(lost) == 0 {
		return models.DefaultWeights()
	}

	mean := func(fs []features, pick func(features) float64) float64 {
		var sum float64
		for _, f := range fs {
			sum += pick(f)
		}
		return sum / float64(len(fs))
	}

	// Separation per factor, scaled by each factor's natural range so
	// the strengths are comparable. Idle days predict inversely (won
	// leads are fresher), funnel time predicts by magnitude in either
	// direction.
	scoreStrength := (mean(won, func(f features) float64 { return f.score }) -
		mean(lost, func(f features) float64 { return f.score })) / 100
	activityStrength := (mean(won, func(f features) float64 { return f.activity }) -
		mean(lost, func(f features) float64 { return f.activity })) / 10
	recencyStrength := -(mean(won, func(f features) float64 { return f.idleDays }) -
		mean(lost, func(f features) float64 { return f.idleDays })) / 30
	funnelStrength := math.Abs(mean(won, func(f features) float64 { return f.funnelDays })-
		mean(lost, func(f features) float64 { return f.funnelDays })) / 60

	scoreStrength = clamp01(scoreStrength)
	activityStrength = clamp01(activityStrength)
	recencyStrength = clamp01(recencyStrength)
	funnelStrength = clamp01(funnelStrength)

	total := scoreStrength + activityStrength + recencyStrength + funnelStrength
	if total == 0 {
		return models.DefaultWeights()
	}

	// Every factor keeps a floor so one dominant signal cannot zero
	// the others out; the remainder is split proportionally.
	remainder := 1 - 4*weightFloor
	w := models.Weights{
		Score:      weightFloor + remainder*scoreStrength/total,
		Activity:   weightFloor + remainder*activityStrength/total,
		Recency:    weightFloor + remainder*recencyStrength/total,
		FunnelTime: weightFloor + remainder*funnelStrength/total,
	}

	sum := w.Score + w.Activity + w.Recency + w.FunnelTime
	w.Score /= sum
	w.Activity /= sum
	w.Recency /= sum
	w.FunnelTime /= sum
	return w
}

// backtest replays the history under candidate weights and reports the
// percentage of outcomes the predictor would have called correctly,
// 0 to 100. A lead that cannot be scored is excluded rather than
// failing the run.
func (o *Optimizer) backtest(leads []models.LeadSnapshot, w models.Weights) float64 {
	correct, evaluated := 0, 0
	for i := range leads {
		pred, err := o.predictor.Predict(&leads[i], &w)
		if err != nil {
			continue
		}
		evaluated++
		predictedWon := pred.Probability >= backtestThreshold
		actuallyWon := leads[i].Outcome == models.OutcomeWon
		if predictedWon == actuallyWon {
			correct++
		}
	}
	if evaluated == 0 {
		return 0
	}
	return float64(correct) / float64(evaluated) * 100
}

// describeChange produces human-readable notes for weight shifts over
// five percentage points, plus the strongest predictor.
func describeChange(old, updated models.Weights) []string {
	var notes []string

	type comp struct {
		name     string
		old, new float64
	}
	comps := []comp{
		{"lead score", old.Score, updated.Score},
		{"activity level", old.Activity, updated.Activity},
		{"activity recency", old.Recency, updated.Recency},
		{"time in funnel", old.FunnelTime, updated.FunnelTime},
	}

	strongest := comps[0]
	for _, c := range comps {
		delta := (c.new - c.old) * 100
		if math.Abs(delta) > 5 {
			direction := "increased"
			if delta < 0 {
				direction = "decreased"
			}
			notes = append(notes, fmt.Sprintf("%s weight %s by %.0f points", c.name, direction, math.Abs(delta)))
		}
		if c.new > strongest.new {
			strongest = c
		}
	}
	notes = append(notes, fmt.Sprintf("strongest predictor: %s (%.0f%%)", strongest.name, strongest.new*100))
	return notes
}

// RecordOutcome closes a lead as WON or LOST and bumps the assigned
// user's sample counter. Returns the assigned user so the caller can
// decide whether to retrain.
func (o *Optimizer) RecordOutcome(ctx context.Context, tenantID, leadID string, outcome models.Outcome) (string, error) {
	if outcome != models.OutcomeWon && outcome != models.OutcomeLost {
		return "", fmt.Errorf("invalid outcome %q", outcome)
	}

	userID, err := o.store.UpdateLeadOutcome(ctx, tenantID, leadID, outcome)
	if err != nil {
		return "", err
	}

	if err := o.store.IncrementScoringSampleCount(ctx, userID); err != nil {
		o.log.Warn("failed to bump sample count",
			zap.String("user_id", userID), zap.Error(err))
	}
	return userID, nil
}
