package scheduler

import (
	"context"
	"testing"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenantID = "tenant-1"

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler(store *repository.MemoryStore) *Scheduler {
	return NewScheduler(store, store, store, Config{DefaultDebounce: 3, OverdueGrace: 24 * time.Hour}, zap.NewNop())
}

func timeRule(id string, interval time.Duration, last time.Time) models.PMRule {
	return models.PMRule{
		RuleID:          id,
		TenantID:        tenantID,
		AssetID:         "pump-7",
		TriggerType:     models.TriggerTime,
		IntervalSeconds: int64(interval / time.Second),
		LastSatisfiedAt: &last,
		PriorityHint:    models.RiskMedium,
		Active:          true,
		Version:         1,
		CreatedAt:       last,
	}
}

func TestTimeRule_DueExactlyAtInterval(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestScheduler(store)
	rule := timeRule("r-30d", 30*24*time.Hour, base)

	notYet, err := s.Evaluate(context.Background(), tenantID, rule, base.Add(29*24*time.Hour+23*time.Hour+59*time.Minute))
	require.NoError(t, err)
	assert.False(t, notYet.Due)

	due, err := s.Evaluate(context.Background(), tenantID, rule, base.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, due.Due)
	assert.Equal(t, base.Add(30*24*time.Hour), due.DueAt)
}

func TestTimeRule_AnchorsOnCreatedAtWhenNeverSatisfied(t *testing.T) {
	rule := timeRule("r-1", 24*time.Hour, base)
	rule.LastSatisfiedAt = nil
	rule.CreatedAt = base

	eval := evaluateTime(rule, base.Add(25*time.Hour))
	assert.True(t, eval.Due)
	assert.Equal(t, base.Add(24*time.Hour), eval.DueAt)
}

func seedConditionMeter(store *repository.MemoryStore) {
	store.AddMeter(models.Meter{MeterID: "m-temp", TenantID: tenantID, AssetID: "pump-7", SensorID: "temp-1", SensorType: "temperature", MeterType: models.MeterGauge})
}

func appendReading(t *testing.T, store *repository.MemoryStore, sensorID string, value float64, at time.Time, quality float64) {
	t.Helper()
	_, err := store.AppendReading(context.Background(), tenantID, &models.Reading{AssetID: "pump-7", SensorID: sensorID, Value: value, Timestamp: at, QualityScore: quality}, 0.5)
	require.NoError(t, err)
}

func TestConditionRule_Debounce(t *testing.T) {
	store := repository.NewMemoryStore()
	seedConditionMeter(store)
	s := newTestScheduler(store)
	rule := models.PMRule{
		RuleID: "r-hot", TenantID: tenantID, AssetID: "pump-7", TriggerType: models.TriggerCondition,
		MeterID: "m-temp", Threshold: 80, Direction: models.DirectionAbove, Debounce: 3, Active: true, CreatedAt: base,
	}
	ctx := context.Background()

	appendReading(t, store, "temp-1", 70, base.Add(1*time.Minute), 1)
	appendReading(t, store, "temp-1", 85, base.Add(2*time.Minute), 1)
	eval, err := s.Evaluate(ctx, tenantID, rule, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, eval.Due, "single breaching reading must not fire")

	appendReading(t, store, "temp-1", 86, base.Add(3*time.Minute), 1)
	eval, err = s.Evaluate(ctx, tenantID, rule, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, eval.Due)

	appendReading(t, store, "temp-1", 87, base.Add(4*time.Minute), 1)
	eval, err = s.Evaluate(ctx, tenantID, rule, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, eval.Due, "third consecutive breaching reading fires")
	assert.Equal(t, base.Add(4*time.Minute), eval.DueAt)
	assert.Equal(t, 87.0, eval.MeterValue)
}

func TestConditionRule_FlaggedReadingsIgnored(t *testing.T) {
	store := repository.NewMemoryStore()
	seedConditionMeter(store)
	s := newTestScheduler(store)
	rule := models.PMRule{
		RuleID: "r-cold", TenantID: tenantID, AssetID: "pump-7", TriggerType: models.TriggerCondition,
		MeterID: "m-temp", Threshold: 5, Direction: models.DirectionBelow, Debounce: 2, Active: true, CreatedAt: base,
	}

	appendReading(t, store, "temp-1", 1, base.Add(1*time.Minute), 1)
	appendReading(t, store, "temp-1", 1, base.Add(2*time.Minute), 0.1) // low quality
	eval, err := s.Evaluate(context.Background(), tenantID, rule, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, eval.Due)

	appendReading(t, store, "temp-1", 2, base.Add(3*time.Minute), 1)
	eval, err = s.Evaluate(context.Background(), tenantID, rule, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, eval.Due)
}

func TestConditionRule_ReadingsBeforeLastSatisfiedIgnored(t *testing.T) {
	store := repository.NewMemoryStore()
	seedConditionMeter(store)
	s := newTestScheduler(store)
	satisfied := base.Add(10 * time.Minute)
	rule := models.PMRule{
		RuleID: "r-hot", TenantID: tenantID, AssetID: "pump-7", TriggerType: models.TriggerCondition,
		MeterID: "m-temp", Threshold: 80, Debounce: 2, Active: true, CreatedAt: base, LastSatisfiedAt: &satisfied,
	}
	appendReading(t, store, "temp-1", 90, base.Add(1*time.Minute), 1)
	appendReading(t, store, "temp-1", 90, base.Add(2*time.Minute), 1)

	eval, err := s.Evaluate(context.Background(), tenantID, rule, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, eval.Due)
}

func TestUsageRule(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestScheduler(store)
	at := base.Add(time.Hour)
	store.AddMeter(models.Meter{MeterID: "m-hours", TenantID: tenantID, AssetID: "pump-7", SensorID: "hours", MeterType: models.MeterCumulative, CurrentValue: 1450, LastReadingAt: &at})
	rule := models.PMRule{
		RuleID: "r-500h", TenantID: tenantID, AssetID: "pump-7", TriggerType: models.TriggerUsage,
		MeterID: "m-hours", Threshold: 500, LastSatisfiedValue: 1000, Active: true,
	}

	eval, err := s.Evaluate(context.Background(), tenantID, rule, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, eval.Due)

	require.NoError(t, store.UpdateMeterValue(context.Background(), tenantID, "m-hours", 1501, base.Add(90*time.Minute)))
	eval, err = s.Evaluate(context.Background(), tenantID, rule, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, eval.Due)
	assert.Equal(t, 1501.0, eval.MeterValue)
	assert.Equal(t, base.Add(90*time.Minute), eval.DueAt)
}

func TestUsageRule_MissingMeterSkipsOnlyThatRule(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestScheduler(store)
	store.AddRule(models.PMRule{RuleID: "r-bad", TenantID: tenantID, AssetID: "pump-7", TriggerType: models.TriggerUsage, MeterID: "nope", Active: true})
	store.AddRule(timeRule("r-weekly", 7*24*time.Hour, base))

	needs, err := s.EvaluateAsset(context.Background(), tenantID, "pump-7", nil, base.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, needs, 1)
	assert.Equal(t, "rule:r-weekly", needs[0].Cause)
}

func TestEvaluateAsset_RankingAndTieBreak(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestScheduler(store)

	low := timeRule("r-low", 24*time.Hour, base)
	low.PriorityHint = models.RiskLow
	high := timeRule("r-high", 24*time.Hour, base)
	high.PriorityHint = models.RiskHigh
	early := timeRule("r-early", 12*time.Hour, base)
	early.PriorityHint = models.RiskLow
	inactive := timeRule("r-off", time.Hour, base)
	inactive.Active = false
	for _, r := range []models.PMRule{low, high, early, inactive} {
		store.AddRule(r)
	}

	needs, err := s.EvaluateAsset(context.Background(), tenantID, "pump-7", nil, base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, needs, 3)
	assert.Equal(t, "r-early", needs[0].RuleID)
	assert.Equal(t, "r-high", needs[1].RuleID)
	assert.Equal(t, "r-low", needs[2].RuleID)
}

func TestEvaluateAsset_PendingWhileWorkOrderOpen(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestScheduler(store)
	now := base.Add(8 * 24 * time.Hour)
	// 规则刚被满足，本身不到期
	store.AddRule(timeRule("r-weekly", 7*24*time.Hour, now))

	open := []models.WorkOrder{{WorkOrderID: "wo-1", Cause: "rule:r-weekly", DueAt: base.Add(7 * 24 * time.Hour), Status: models.WorkOrderOpen}}
	needs, err := s.EvaluateAsset(context.Background(), tenantID, "pump-7", open, now)
	require.NoError(t, err)
	require.Len(t, needs, 1)
	assert.True(t, needs[0].Pending)
	assert.Equal(t, base.Add(7*24*time.Hour), needs[0].DueAt)
}

func TestOverdue(t *testing.T) {
	s := newTestScheduler(repository.NewMemoryStore())
	need := models.MaintenanceNeed{Cause: "rule:r-1", DueAt: base}

	assert.False(t, s.Overdue(need, base.Add(23*time.Hour)))
	assert.True(t, s.Overdue(need, base.Add(25*time.Hour)))
	assert.False(t, s.Overdue(models.MaintenanceNeed{Cause: models.CausePrediction, DueAt: base}, base.Add(48*time.Hour)))
}

func TestForecast_UsageExtrapolatesRate(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestScheduler(store)
	store.AddMeter(models.Meter{MeterID: "m-hours", TenantID: tenantID, AssetID: "pump-7", SensorID: "hours", MeterType: models.MeterCumulative, CurrentValue: 100})
	for i := 0; i <= 10; i++ {
		appendReading(t, store, "hours", float64(i*10), base.Add(time.Duration(i)*time.Hour), 1)
	}
	rule := models.PMRule{RuleID: "r-u", TenantID: tenantID, AssetID: "pump-7", TriggerType: models.TriggerUsage, MeterID: "m-hours", Threshold: 200, Active: true}

	now := base.Add(10 * time.Hour)
	at, err := s.Forecast(context.Background(), tenantID, rule, now)
	require.NoError(t, err)
	require.NotNil(t, at)
	// 100 units remaining at 10 units/hour
	assert.WithinDuration(t, now.Add(10*time.Hour), *at, time.Second)
}

func TestForecast_SlowMeterHasNoForecast(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestScheduler(store)
	store.AddMeter(models.Meter{MeterID: "m-hours", TenantID: tenantID, AssetID: "pump-7", SensorID: "hours", MeterType: models.MeterCumulative, CurrentValue: 100})
	for i := 0; i <= 10; i++ {
		appendReading(t, store, "hours", 100+float64(i)*1e-5, base.Add(time.Duration(i)*time.Hour), 1)
	}
	rule := models.PMRule{RuleID: "r-u", TenantID: tenantID, AssetID: "pump-7", TriggerType: models.TriggerUsage, MeterID: "m-hours", Threshold: 1000, Active: true}

	now := base.Add(10 * time.Hour)
	at, err := s.Forecast(context.Background(), tenantID, rule, now)
	require.NoError(t, err)
	assert.Nil(t, at)
}
