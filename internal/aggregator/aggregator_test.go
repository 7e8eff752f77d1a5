package aggregator

import (
	"testing"
	"time"

	"wisefido-maintenance/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAggregator() *Aggregator {
	return NewAggregator(Config{MinPredictionRisk: models.RiskHigh, CorrelationWindow: 72 * time.Hour})
}

func prediction(p float64, risk models.RiskLevel) *models.PredictionResult {
	return &models.PredictionResult{
		PredictionID:       "pred-1",
		TenantID:           "tenant-1",
		AssetID:            "pump-7",
		FailureProbability: p,
		Confidence:         0.85,
		RiskLevel:          risk,
		Strategy:           "ensemble",
	}
}

func ruleNeed(id string, due time.Time, priority models.RiskLevel) models.MaintenanceNeed {
	return models.MaintenanceNeed{
		TenantID: "tenant-1", AssetID: "pump-7", Cause: models.RuleCause(id), RuleID: id,
		DueAt: due, Priority: priority, SourceConfidence: 1,
	}
}

func TestAggregate_PredictionOnly(t *testing.T) {
	needs := newTestAggregator().Aggregate(nil, prediction(0.9, models.RiskCritical), now)

	require.Len(t, needs, 1)
	assert.Equal(t, models.CausePrediction, needs[0].Cause)
	assert.Equal(t, models.RiskCritical, needs[0].Priority)
	assert.Equal(t, 0.85, needs[0].SourceConfidence)
	assert.Empty(t, needs[0].AnnotatesCause)
	assert.Equal(t, models.CausePrediction, needs[0].CauseCategory())
}

func TestAggregate_BelowMinimumRiskDropped(t *testing.T) {
	needs := newTestAggregator().Aggregate(nil, prediction(0.4, models.RiskMedium), now)
	assert.Empty(t, needs)
}

func TestAggregate_PredictionAnnotatesConcurrentRule(t *testing.T) {
	rules := []models.MaintenanceNeed{
		ruleNeed("r-1", now.Add(-time.Hour), models.RiskMedium),
		ruleNeed("r-2", now.Add(-30*time.Minute), models.RiskLow),
	}
	needs := newTestAggregator().Aggregate(rules, prediction(0.7, models.RiskHigh), now)

	require.Len(t, needs, 3)
	// 记录保持独立
	assert.Equal(t, models.CausePrediction, needs[0].Cause)
	assert.Equal(t, "rule:r-1", needs[0].AnnotatesCause)
	assert.Equal(t, "rule:r-1", needs[0].CauseCategory())
	assert.Equal(t, "rule:r-1", needs[1].Cause)
	assert.Equal(t, "rule:r-2", needs[2].Cause)
}

func TestAggregate_StaleRuleOutsideWindowNotCorrelated(t *testing.T) {
	rules := []models.MaintenanceNeed{ruleNeed("r-1", now.Add(-10*24*time.Hour), models.RiskMedium)}
	needs := newTestAggregator().Aggregate(rules, prediction(0.7, models.RiskHigh), now)

	require.Len(t, needs, 2)
	assert.Equal(t, models.CausePrediction, needs[0].Cause)
	assert.Empty(t, needs[0].AnnotatesCause)
}

func TestAggregate_PredictedDateBecomesDue(t *testing.T) {
	pred := prediction(0.7, models.RiskHigh)
	at := now.Add(48 * time.Hour)
	pred.PredictedFailureAt = &at

	needs := newTestAggregator().Aggregate(nil, pred, now)
	require.Len(t, needs, 1)
	assert.Equal(t, at, needs[0].DueAt)
}

func TestRank(t *testing.T) {
	needs := []models.MaintenanceNeed{
		{Cause: "a", Priority: models.RiskMedium, DueAt: now},
		{Cause: "b", Priority: models.RiskHigh, DueAt: now.Add(time.Hour), SourceConfidence: 0.5},
		{Cause: "c", Priority: models.RiskHigh, DueAt: now.Add(time.Hour), SourceConfidence: 0.9},
		{Cause: "d", Priority: models.RiskHigh, DueAt: now},
	}
	Rank(needs)
	var order []string
	for _, n := range needs {
		order = append(order, n.Cause)
	}
	assert.Equal(t, []string{"d", "c", "b", "a"}, order)
}
