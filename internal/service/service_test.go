package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-maintenance/internal/aggregator"
	"wisefido-maintenance/internal/alerting"
	"wisefido-maintenance/internal/features"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/orchestrator"
	"wisefido-maintenance/internal/repository"
	"wisefido-maintenance/internal/scheduler"
	"wisefido-maintenance/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const tenant = "tenant-1"

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// captureSink 记录发布的告警
type captureSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, alert models.Alert, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *captureSink) kinds() []models.AlertKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AlertKind, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// stubExtractor 返回固定特征向量
type stubExtractor struct {
	err error
}

func (e *stubExtractor) Extract(_ context.Context, _, assetID string, now time.Time) (*models.FeatureVector, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &models.FeatureVector{
		AssetID:     assetID,
		WindowStart: now.Add(-72 * time.Hour),
		WindowEnd:   now,
		Features:    []models.Feature{{Name: "vibration_mean", Value: 7.2}},
	}, nil
}

// stubPredictor 按资产返回固定预测
type stubPredictor struct {
	mu    sync.Mutex
	byID  map[string]models.PredictionResult
	calls int
}

func (p *stubPredictor) Predict(_ context.Context, tenantID string, asset models.Asset, vec *models.FeatureVector, now time.Time) (*models.PredictionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	res, ok := p.byID[asset.AssetID]
	if !ok {
		return nil, models.ErrModelUnavailable
	}
	res.TenantID = tenantID
	res.AssetID = asset.AssetID
	res.Features = vec
	res.EvaluatedAt = now
	return &res, nil
}

type testEnv struct {
	store     *repository.MemoryStore
	sink      *captureSink
	predictor *stubPredictor
	svc       *MaintenanceService
}

type envOption func(*Components, *Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()
	sink := &captureSink{}
	predictor := &stubPredictor{byID: map[string]models.PredictionResult{}}

	tel := telemetry.NewAdapter(store, telemetry.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger)
	publisher := alerting.NewPublisher(alerting.NewMemoryMarker("test:"), time.Hour, logger, sink)

	c := Components{
		Assets:      store,
		Meters:      store,
		Rules:       store,
		WorkOrders:  store,
		Predictions: store,
		Telemetry:   tel,
		Extractor:   &stubExtractor{},
		Scheduler: scheduler.NewScheduler(store, store, tel, scheduler.Config{
			DefaultDebounce: 3,
			OverdueGrace:    12 * time.Hour,
		}, logger),
		Predictor:    predictor,
		Aggregator:   aggregator.NewAggregator(aggregator.Config{MinPredictionRisk: models.RiskHigh, CorrelationWindow: 72 * time.Hour}),
		Orchestrator: orchestrator.NewOrchestrator(store, orchestrator.NewKeyedMutex(), publisher, logger),
		Alerts:       publisher,
	}
	cfg := Config{Workers: 4, CycleTimeout: 5 * time.Second, QualityThreshold: 0.5}
	for _, opt := range opts {
		opt(&c, &cfg)
	}

	svc := NewMaintenanceService(c, cfg, logger)
	svc.now = func() time.Time { return testNow }
	return &testEnv{store: store, sink: sink, predictor: predictor, svc: svc}
}

func (e *testEnv) addAsset(id string, criticality models.Criticality) {
	e.store.AddAsset(models.Asset{AssetID: id, TenantID: tenant, Name: id, Criticality: criticality, Status: "active"})
}

func (e *testEnv) addTimeRule(id, assetID string, interval time.Duration, last time.Time, hint models.RiskLevel) models.PMRule {
	rule := models.PMRule{
		RuleID:          id,
		TenantID:        tenant,
		AssetID:         assetID,
		Name:            "inspect " + assetID,
		TriggerType:     models.TriggerTime,
		IntervalSeconds: int64(interval.Seconds()),
		LastSatisfiedAt: &last,
		PriorityHint:    hint,
		Active:          true,
		Version:         1,
		CreatedAt:       last.Add(-24 * time.Hour),
	}
	e.store.AddRule(rule)
	return rule
}

func openWorkOrders(store *repository.MemoryStore) []models.WorkOrder {
	var out []models.WorkOrder
	for _, wo := range store.WorkOrders(tenant) {
		if wo.IsOpen() {
			out = append(out, wo)
		}
	}
	return out
}

func TestRunCycle_OverdueTimeRuleCreatesWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addTimeRule("r-weekly", "pump-7", 7*24*time.Hour, testNow.Add(-8*24*time.Hour), models.RiskHigh)

	summary, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{Predict: false, CreateWorkOrders: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AssetsEvaluated)
	assert.Equal(t, 1, summary.NeedsGenerated)
	assert.Equal(t, 1, summary.WorkOrdersCreated)
	require.Len(t, summary.Needs, 1)
	assert.Equal(t, models.RuleCause("r-weekly"), summary.Needs[0].Cause)
	assert.Equal(t, testNow.Add(-24*time.Hour), summary.Needs[0].DueAt)

	wos := openWorkOrders(env.store)
	require.Len(t, wos, 1)
	assert.Equal(t, models.PriorityHigh, wos[0].Priority)
	assert.Equal(t, orchestrator.DedupKey(tenant, "pump-7", models.RuleCause("r-weekly")), wos[0].DedupKey)

	rule, err := env.store.GetRule(context.Background(), tenant, "r-weekly")
	require.NoError(t, err)
	require.NotNil(t, rule.LastSatisfiedAt)
	assert.Equal(t, testNow, *rule.LastSatisfiedAt)

	kinds := env.sink.kinds()
	assert.Contains(t, kinds, models.AlertWorkOrderCreated)
	assert.Contains(t, kinds, models.AlertRuleOverdue)
}

func TestRunCycle_CriticalPredictionWithoutRules(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("compressor-2", models.CriticalityHigh)
	failAt := testNow.Add(5 * 24 * time.Hour)
	env.predictor.byID["compressor-2"] = models.PredictionResult{
		PredictionID:       "pred-1",
		FailureProbability: 0.9,
		PredictedFailureAt: &failAt,
		Confidence:         0.85,
		RiskLevel:          models.RiskCritical,
		Strategy:           "ensemble",
	}

	summary, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{Predict: true, CreateWorkOrders: true})
	require.NoError(t, err)

	require.Len(t, summary.Needs, 1)
	need := summary.Needs[0]
	assert.Equal(t, models.CausePrediction, need.Cause)
	assert.Equal(t, models.RiskCritical, need.Priority)
	assert.Equal(t, failAt, need.DueAt)
	assert.InDelta(t, 0.85, need.SourceConfidence, 1e-9)

	wos := openWorkOrders(env.store)
	require.Len(t, wos, 1)
	assert.Equal(t, models.PriorityUrgent, wos[0].Priority)
	assert.Equal(t, "pred-1", wos[0].PredictionID)
	assert.Equal(t, []models.AlertKind{models.AlertRiskCritical}, env.sink.kinds())
}

func TestRunCycle_PredictionAnnotatesSimultaneousRuleWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addTimeRule("r-weekly", "pump-7", 7*24*time.Hour, testNow.Add(-7*24*time.Hour), models.RiskMedium)
	env.predictor.byID["pump-7"] = models.PredictionResult{
		PredictionID: "pred-1", FailureProbability: 0.7, Confidence: 0.8, RiskLevel: models.RiskHigh, Strategy: "ensemble",
	}

	summary, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{Predict: true, CreateWorkOrders: true})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.NeedsGenerated)

	wos := openWorkOrders(env.store)
	require.Len(t, wos, 1)
	assert.Equal(t, models.RuleCause("r-weekly"), wos[0].Cause)
	assert.Equal(t, models.PriorityHigh, wos[0].Priority)
	assert.Equal(t, "pred-1", wos[0].PredictionID)
	assert.True(t, wos[0].HasAnnotation("prediction", "pred-1"))
}

func TestRunCycle_RunningTwiceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addAsset("compressor-2", models.CriticalityHigh)
	env.addTimeRule("r-weekly", "pump-7", 7*24*time.Hour, testNow.Add(-8*24*time.Hour), models.RiskMedium)
	env.predictor.byID["compressor-2"] = models.PredictionResult{
		PredictionID: "pred-1", FailureProbability: 0.9, Confidence: 0.85, RiskLevel: models.RiskCritical, Strategy: "ensemble",
	}

	first, err := env.svc.GenerateSchedule(context.Background(), tenant, true)
	require.NoError(t, err)
	assert.Equal(t, 2, first.WorkOrdersCreated)
	alertsAfterFirst := len(env.sink.kinds())

	second, err := env.svc.GenerateSchedule(context.Background(), tenant, true)
	require.NoError(t, err)
	assert.Equal(t, 0, second.WorkOrdersCreated)
	assert.Equal(t, 0, second.WorkOrdersUpdated)
	assert.Len(t, openWorkOrders(env.store), 2)
	assert.Equal(t, alertsAfterFirst, len(env.sink.kinds()), "second run must not publish alerts")
}

func TestRunCycle_DryRunCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addTimeRule("r-weekly", "pump-7", 7*24*time.Hour, testNow.Add(-8*24*time.Hour), models.RiskMedium)

	summary, err := env.svc.GenerateSchedule(context.Background(), tenant, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NeedsGenerated)
	assert.Empty(t, summary.WorkOrders)
	assert.Empty(t, openWorkOrders(env.store))
}

// flakyReadings 指定资产的时序读取始终失败
type flakyReadings struct {
	*repository.MemoryStore
	broken string
}

func (f *flakyReadings) ListChannels(ctx context.Context, tenantID, assetID string) ([]models.Channel, error) {
	if assetID == f.broken {
		return nil, errors.New("connection refused")
	}
	return f.MemoryStore.ListChannels(ctx, tenantID, assetID)
}

func TestRunCycle_SourceUnavailableSkipsOnlyThatAsset(t *testing.T) {
	var store *repository.MemoryStore
	env := newTestEnv(t, func(c *Components, _ *Config) {
		store = c.Assets.(*repository.MemoryStore)
		logger := zap.NewNop()
		tel := telemetry.NewAdapter(&flakyReadings{MemoryStore: store, broken: "pump-bad"},
			telemetry.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger)
		c.Telemetry = tel
		c.Extractor = features.NewExtractor(tel, features.Config{DefaultLookback: 24 * time.Hour, MinReadings: 3, BaselineLength: 10}, logger)
	})
	env.addAsset("pump-bad", models.CriticalityMedium)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addTimeRule("r-weekly", "pump-7", 7*24*time.Hour, testNow.Add(-8*24*time.Hour), models.RiskMedium)

	summary, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{Predict: true, CreateWorkOrders: true})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.AssetsTotal)
	assert.Equal(t, 1, summary.AssetsEvaluated)
	assert.Equal(t, []SkippedAsset{{AssetID: "pump-bad", Reason: SkipSourceUnavailable}}, summary.AssetsSkipped)
	assert.Equal(t, 1, summary.WorkOrdersCreated)
}

func TestRunCycle_NoDataFallsBackToRules(t *testing.T) {
	env := newTestEnv(t, func(c *Components, _ *Config) {
		c.Extractor = &stubExtractor{err: models.ErrNoData}
	})
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addTimeRule("r-weekly", "pump-7", 7*24*time.Hour, testNow.Add(-8*24*time.Hour), models.RiskMedium)

	summary, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{Predict: true, CreateWorkOrders: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AssetsEvaluated)
	assert.Equal(t, 1, summary.WorkOrdersCreated)
	assert.Zero(t, env.predictor.calls)
}

// blockingExtractor 阻塞直到上下文结束
type blockingExtractor struct{}

func (blockingExtractor) Extract(ctx context.Context, _, _ string, _ time.Time) (*models.FeatureVector, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCycle_TimeoutMarksRemainingAssets(t *testing.T) {
	env := newTestEnv(t, func(c *Components, cfg *Config) {
		c.Extractor = blockingExtractor{}
		cfg.Workers = 1
		cfg.CycleTimeout = 50 * time.Millisecond
	})
	env.addAsset("a-1", models.CriticalityLow)
	env.addAsset("a-2", models.CriticalityLow)
	env.addAsset("a-3", models.CriticalityLow)

	summary, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{Predict: true, CreateWorkOrders: true})
	require.NoError(t, err)

	assert.True(t, summary.TimedOut)
	assert.Zero(t, summary.AssetsEvaluated)
	require.Len(t, summary.AssetsSkipped, 3)
	for _, s := range summary.AssetsSkipped {
		assert.Equal(t, SkipCycleTimeout, s.Reason)
	}
}

func TestRunCycle_RetiredAssetsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddAsset(models.Asset{AssetID: "old", TenantID: tenant, Status: "retired"})
	env.addTimeRule("r-old", "old", 24*time.Hour, testNow.Add(-72*time.Hour), models.RiskLow)

	summary, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{CreateWorkOrders: true})
	require.NoError(t, err)
	assert.Zero(t, summary.AssetsTotal)
	assert.Empty(t, openWorkOrders(env.store))
}

func TestRunCycle_TenantRequired(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.RunCycle(context.Background(), "", CycleOptions{})
	assert.ErrorIs(t, err, models.ErrTenantRequired)
}

func (e *testEnv) addUsageRule(threshold float64) {
	e.store.AddMeter(models.Meter{
		MeterID: "m-hours", TenantID: tenant, AssetID: "pump-7", SensorID: "run-hours",
		SensorType: "runtime", Unit: "h", MeterType: models.MeterCumulative, CurrentValue: 100,
	})
	e.store.AddRule(models.PMRule{
		RuleID: "r-usage", TenantID: tenant, AssetID: "pump-7", TriggerType: models.TriggerUsage,
		Threshold: threshold, MeterID: "m-hours", LastSatisfiedValue: 100, PriorityHint: models.RiskMedium,
		Active: true, Version: 1, CreatedAt: testNow.Add(-30 * 24 * time.Hour),
	})
}

func TestRecordMeterReading_TriggersUsageRule(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addUsageRule(500)

	res, err := env.svc.RecordMeterReading(context.Background(), tenant, RecordReadingRequest{
		MeterID: "m-hours", Value: 400, Source: "scada",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Needs)
	assert.Empty(t, openWorkOrders(env.store))

	ts := testNow.Add(time.Minute)
	res, err = env.svc.RecordMeterReading(context.Background(), tenant, RecordReadingRequest{
		MeterID: "m-hours", Value: 650, Source: "scada", Timestamp: &ts, CreateWorkOrders: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Needs, 1)
	assert.Equal(t, models.RuleCause("r-usage"), res.Needs[0].Cause)
	require.Len(t, res.WorkOrders, 1)
	assert.Equal(t, string(orchestrator.OutcomeCreated), res.WorkOrders[0].Outcome)

	meter, err := env.store.GetMeter(context.Background(), tenant, "m-hours")
	require.NoError(t, err)
	assert.Equal(t, 650.0, meter.CurrentValue)

	rule, err := env.store.GetRule(context.Background(), tenant, "r-usage")
	require.NoError(t, err)
	assert.Equal(t, 650.0, rule.LastSatisfiedValue)
}

func TestRecordMeterReading_UnknownMeter(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.RecordMeterReading(context.Background(), tenant, RecordReadingRequest{MeterID: "nope", Value: 1})
	assert.ErrorIs(t, err, models.ErrMeterNotFound)
}

func TestRecordMeterReading_LowQualityDoesNotMoveMeter(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addUsageRule(500)

	q := 0.1
	res, err := env.svc.RecordMeterReading(context.Background(), tenant, RecordReadingRequest{
		MeterID: "m-hours", Value: 9000, QualityScore: &q,
	})
	require.NoError(t, err)
	assert.True(t, res.Reading.HasFlag(models.FlagLowQuality))

	meter, err := env.store.GetMeter(context.Background(), tenant, "m-hours")
	require.NoError(t, err)
	assert.Equal(t, 100.0, meter.CurrentValue)
}

func TestConcurrentReadingAndCycleCreateOneWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addUsageRule(50)
	_, err := env.svc.RecordMeterReading(context.Background(), tenant, RecordReadingRequest{MeterID: "m-hours", Value: 200})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{CreateWorkOrders: true})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.svc.RecordMeterReading(context.Background(), tenant, RecordReadingRequest{
				MeterID: "m-hours", Value: 200, CreateWorkOrders: true,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	wos := openWorkOrders(env.store)
	require.Len(t, wos, 1)
	assert.Equal(t, models.RuleCause("r-usage"), wos[0].Cause)
}

func TestGetOverview(t *testing.T) {
	env := newTestEnv(t)
	env.addAsset("pump-7", models.CriticalityMedium)
	env.addTimeRule("r-overdue", "pump-7", 7*24*time.Hour, testNow.Add(-8*24*time.Hour), models.RiskHigh)
	env.addTimeRule("r-soon", "pump-7", 7*24*time.Hour, testNow.Add(-5*24*time.Hour), models.RiskLow)
	env.addTimeRule("r-far", "pump-7", 90*24*time.Hour, testNow, models.RiskLow)

	_, err := env.svc.RunCycle(context.Background(), tenant, CycleOptions{CreateWorkOrders: true})
	require.NoError(t, err)

	ov, err := env.svc.GetOverview(context.Background(), tenant, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, ov.ActiveRules)
	require.Len(t, ov.DueRules, 2)
	assert.Equal(t, "r-soon", ov.DueRules[0].RuleID)
	assert.Equal(t, testNow.Add(2*24*time.Hour), ov.DueRules[0].DueAt)
	// r-overdue was satisfied by the new work order and is due again in a week
	assert.Equal(t, "r-overdue", ov.DueRules[1].RuleID)
	assert.Equal(t, testNow.Add(7*24*time.Hour), ov.DueRules[1].DueAt)
	assert.False(t, ov.DueRules[1].Overdue)
	assert.Len(t, ov.RecentWorkOrders, 1)
}

func TestPredictionHistory_UnknownAsset(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.PredictionHistory(context.Background(), tenant, "ghost", 10)
	assert.ErrorIs(t, err, models.ErrAssetNotFound)
}
