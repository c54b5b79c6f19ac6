package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadpilot/ai-gateway/internal/shared/models"
)

var testNow = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func fixedPredictor() *Predictor {
	return &Predictor{Now: func() time.Time { return testNow }}
}

func daysAgo(d float64) time.Time {
	return testNow.Add(-time.Duration(d * 24 * float64(time.Hour)))
}

func ptr(t time.Time) *time.Time { return &t }

func TestPredictHotLead(t *testing.T) {
	p := fixedPredictor()
	lead := &models.LeadSnapshot{
		ID:             "lead-1",
		Score:          90,
		ActivityCount:  12,
		CreatedAt:      daysAgo(10),
		LastActivityAt: ptr(daysAgo(1)),
	}

	pred, err := p.Predict(lead, nil)
	require.NoError(t, err)

	// score 0.9, activity 1.0, recency 1-1/30, funnel 1.0 under the
	// default 0.4/0.3/0.2/0.1 weights.
	wantProb := 100 * (0.4*0.9 + 0.3*1.0 + 0.2*(1-1.0/30) + 0.1*1.0)
	assert.InDelta(t, int(wantProb), pred.Probability, 1)
	assert.Equal(t, "high", pred.Confidence)
	assert.GreaterOrEqual(t, pred.Probability, 70)
	assert.Contains(t, pred.Reasoning, "Strong")
	assert.Contains(t, pred.Reasoning, "12 activities")
	assert.Contains(t, pred.Reasoning, "lead score (90)")
}

func TestPredictColdLead(t *testing.T) {
	p := fixedPredictor()
	lead := &models.LeadSnapshot{
		ID:             "lead-2",
		Score:          10,
		ActivityCount:  1,
		CreatedAt:      daysAgo(90),
		LastActivityAt: ptr(daysAgo(45)),
	}

	pred, err := p.Predict(lead, nil)
	require.NoError(t, err)
	assert.Less(t, pred.Probability, 40)
	assert.Equal(t, "low", pred.Confidence)
	assert.Contains(t, pred.Reasoning, "Weak")
	assert.Contains(t, pred.Reasoning, "1 activities, lead score 10")
}

func TestPredictNoActivityUsesFunnelAge(t *testing.T) {
	p := fixedPredictor()
	lead := &models.LeadSnapshot{
		ID:            "lead-3",
		Score:         50,
		ActivityCount: 0,
		CreatedAt:     daysAgo(5),
	}

	pred, err := p.Predict(lead, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, pred.Factors.LastActivityDays)
	assert.Equal(t, 5, pred.Factors.TimeInFunnelDays)
}

func TestPredictFunnelBands(t *testing.T) {
	cases := []struct {
		days float64
		want float64
	}{
		{0, 0},
		{3.5, 0.5},
		{7, 1},
		{14, 1},
		{21, 1},
		{51, 0.5},
		{81, 0},
		{120, 0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, funnelComponent(tc.days), 1e-9, "funnel days %.1f", tc.days)
	}
}

func TestPredictCustomWeights(t *testing.T) {
	p := fixedPredictor()
	lead := &models.LeadSnapshot{
		ID:             "lead-4",
		Score:          100,
		ActivityCount:  0,
		CreatedAt:      daysAgo(14),
		LastActivityAt: ptr(daysAgo(14)),
	}

	// All weight on the score factor.
	w := models.Weights{Score: 1}
	pred, err := p.Predict(lead, &w)
	require.NoError(t, err)
	assert.Equal(t, 100, pred.Probability)
}

func TestPredictConfidenceTiers(t *testing.T) {
	assert.Equal(t, "high", confidence(10, 3))
	assert.Equal(t, "medium", confidence(5, 1))
	assert.Equal(t, "medium", confidence(9, 2.9))
	assert.Equal(t, "low", confidence(4, 30))
	assert.Equal(t, "low", confidence(20, 0.5))
}

func TestPredictRejectsMissingCreationTime(t *testing.T) {
	p := fixedPredictor()
	_, err := p.Predict(&models.LeadSnapshot{ID: "lead-5"}, nil)
	require.Error(t, err)

	_, err = p.Predict(nil, nil)
	require.Error(t, err)
}
