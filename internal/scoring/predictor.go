// Package scoring implements per-user lead scoring: a conversion
// predictor driven by a four-factor weight vector, and an optimizer
// that retrains the vector from the user's closed-lead history.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/leadpilot/ai-gateway/internal/shared/models"
)

// Factors are the raw feature values a prediction was computed from.
type Factors struct {
	Score            int `json:"score"`
	ActivityLevel    int `json:"activity_level"`
	TimeInFunnelDays int `json:"time_in_funnel_days"`
	LastActivityDays int `json:"last_activity_days"`
}

// Prediction is the conversion estimate for one lead.
type Prediction struct {
	LeadID      string  `json:"lead_id"`
	Probability int     `json:"probability"`
	Confidence  string  `json:"confidence"`
	Factors     Factors `json:"factors"`
	Reasoning   string  `json:"reasoning"`
}

// Predictor scores leads. Now is injectable for deterministic tests.
type Predictor struct {
	Now func() time.Time
}

// NewPredictor returns a Predictor on the wall clock.
func NewPredictor() *Predictor {
	return &Predictor{Now: time.Now}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// scoreComponent normalizes a 0-100 lead score.
func scoreComponent(score int) float64 {
	return clamp01(float64(score) / 100)
}

// activityComponent saturates at 10 recorded activities.
func activityComponent(count int) float64 {
	return math.Min(float64(count)/10, 1)
}

// recencyComponent decays linearly to zero over 30 idle days.
func recencyComponent(idleDays float64) float64 {
	return math.Max(1-idleDays/30, 0)
}

// funnelComponent peaks between 7 and 21 days in funnel. Younger leads
// ramp up over the first week; older ones decay to zero over 60 days.
func funnelComponent(funnelDays float64) float64 {
	switch {
	case funnelDays < 7:
		return funnelDays / 7
	case funnelDays <= 21:
		return 1
	default:
		return math.Max(1-(funnelDays-21)/60, 0)
	}
}

// Predict estimates conversion probability for a lead under the given
// weights. Nil weights fall back to the defaults.
func (p *Predictor) Predict(lead *models.LeadSnapshot, weights *models.Weights) (*Prediction, error) {
	if lead == nil {
		return nil, fmt.Errorf("nil lead")
	}
	if lead.CreatedAt.IsZero() {
		return nil, fmt.Errorf("lead %s has no creation time", lead.ID)
	}

	w := models.DefaultWeights()
	if weights != nil {
		w = *weights
	}

	now := p.Now()
	funnelDays := now.Sub(lead.CreatedAt).Hours() / 24
	if funnelDays < 0 {
		funnelDays = 0
	}

	idleDays := funnelDays
	if lead.LastActivityAt != nil {
		idleDays = now.Sub(*lead.LastActivityAt).Hours() / 24
		if idleDays < 0 {
			idleDays = 0
		}
	}

	prob := w.Score*scoreComponent(lead.Score) +
		w.Activity*activityComponent(lead.ActivityCount) +
		w.Recency*recencyComponent(idleDays) +
		w.FunnelTime*funnelComponent(funnelDays)

	probability := int(math.Round(clamp01(prob) * 100))

	return &Prediction{
		LeadID:      lead.ID,
		Probability: probability,
		Confidence:  confidence(lead.ActivityCount, funnelDays),
		Factors: Factors{
			Score:            lead.Score,
			ActivityLevel:    lead.ActivityCount,
			TimeInFunnelDays: int(funnelDays),
			LastActivityDays: int(idleDays),
		},
		Reasoning: reasoning(probability, lead.ActivityCount, lead.Score),
	}, nil
}

// confidence grades how much signal backs a prediction.
func confidence(activityCount int, funnelDays float64) string {
	switch {
	case activityCount >= 10 && funnelDays >= 3:
		return "high"
	case activityCount >= 5 && funnelDays >= 1:
		return "medium"
	default:
		return "low"
	}
}

func reasoning(probability, activityCount, score int) string {
	switch {
	case probability >= 70:
		return fmt.Sprintf("Strong conversion signals: high engagement (%d activities) and a healthy lead score (%d)", activityCount, score)
	case probability >= 40:
		return fmt.Sprintf("Moderate conversion potential (%d activities, lead score %d): maintain regular follow-up", activityCount, score)
	default:
		return fmt.Sprintf("Weak conversion signals (%d activities, lead score %d): consider re-engagement or deprioritizing", activityCount, score)
	}
}
