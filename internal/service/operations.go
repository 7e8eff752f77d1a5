package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wisefido-maintenance/internal/metrics"
	"wisefido-maintenance/internal/models"

	"go.uber.org/zap"
)

// ============================================
// 读数写入
// ============================================

// RecordReadingRequest 计量读数写入请求
type RecordReadingRequest struct {
	MeterID          string     `json:"meter_id"`
	Value            float64    `json:"new_value"`
	Source           string     `json:"source"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`     // 缺省为当前时间
	QualityScore     *float64   `json:"quality_score,omitempty"` // 缺省为 1.0
	CreateWorkOrders bool       `json:"create_work_orders"`
}

// RecordReadingResult 写入结果
type RecordReadingResult struct {
	Reading    *models.Reading          `json:"reading"`
	Needs      []models.MaintenanceNeed `json:"needs"`
	WorkOrders []WorkOrderOutcome       `json:"work_orders"`
}

// RecordMeterReading 写入计量读数；create_work_orders=true 时同步评估该资产的规则
func (s *MaintenanceService) RecordMeterReading(ctx context.Context, tenantID string, req RecordReadingRequest) (*RecordReadingResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if req.MeterID == "" {
		return nil, fmt.Errorf("%w: meter_id is required", models.ErrMeterNotFound)
	}

	meter, err := s.c.Meters.GetMeter(ctx, tenantID, req.MeterID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ts := now
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	quality := 1.0
	if req.QualityScore != nil {
		quality = *req.QualityScore
	}

	stored, err := s.c.Telemetry.Append(ctx, tenantID, &models.Reading{
		TenantID:     tenantID,
		AssetID:      meter.AssetID,
		SensorID:     meter.SensorID,
		Value:        req.Value,
		Unit:         meter.Unit,
		Timestamp:    ts,
		QualityScore: quality,
		Source:       req.Source,
	}, s.cfg.QualityThreshold)
	if err != nil {
		return nil, err
	}
	if len(stored.Flags) == 0 {
		metrics.ReadingsIngested.WithLabelValues("ok").Inc()
		if err := s.c.Meters.UpdateMeterValue(ctx, tenantID, meter.MeterID, req.Value, ts); err != nil {
			return nil, err
		}
	}
	for _, f := range stored.Flags {
		metrics.ReadingsIngested.WithLabelValues(f).Inc()
	}

	result := &RecordReadingResult{Reading: stored, Needs: []models.MaintenanceNeed{}, WorkOrders: []WorkOrderOutcome{}}
	if !req.CreateWorkOrders {
		return result, nil
	}

	asset, err := s.getAsset(ctx, tenantID, meter.AssetID)
	if err != nil {
		return nil, err
	}
	res, err := s.evaluateAsset(ctx, tenantID, *asset, now, CycleOptions{Predict: false, CreateWorkOrders: true})
	if err != nil {
		return nil, err
	}
	result.Needs = append(result.Needs, res.needs...)
	result.WorkOrders = append(result.WorkOrders, res.outcomes...)
	if res.errors > 0 {
		s.logger.Warn("Some work order upserts failed after reading",
			zap.String("tenant_id", tenantID),
			zap.String("meter_id", meter.MeterID),
			zap.Int("errors", res.errors),
		)
	}
	return result, nil
}

// ============================================
// 按需评估
// ============================================

// GenerateSchedule 立即运行一次完整评估（与周期评估可以并发，两者都走 dedup_key 加锁的 upsert）
func (s *MaintenanceService) GenerateSchedule(ctx context.Context, tenantID string, createWorkOrders bool) (*CycleSummary, error) {
	return s.RunCycle(ctx, tenantID, CycleOptions{Predict: true, CreateWorkOrders: createWorkOrders})
}

// ============================================
// 概览
// ============================================

// DueRule 视野内到期的规则
type DueRule struct {
	RuleID       string             `json:"rule_id"`
	AssetID      string             `json:"asset_id"`
	Name         string             `json:"name"`
	TriggerType  models.TriggerType `json:"trigger_type"`
	PriorityHint models.RiskLevel   `json:"priority_hint"`
	DueAt        time.Time          `json:"due_at"`
	Overdue      bool               `json:"overdue"`
}

// Overview 维护概览
type Overview struct {
	TenantID          string                    `json:"tenant_id"`
	DaysAhead         int                       `json:"days_ahead"`
	ActiveRules       int                       `json:"active_rules"`
	DueRules          []DueRule                 `json:"due_rules"`
	RecentWorkOrders  []models.WorkOrder        `json:"recent_work_orders"`
	LatestPredictions []models.PredictionResult `json:"latest_predictions"`
	GeneratedAt       time.Time                 `json:"generated_at"`
}

const (
	defaultDaysAhead   = 30
	recentWorkOrderAge = 30 * 24 * time.Hour
	recentWorkOrderMax = 50
)

// GetOverview 活动规则数、视野内到期规则、近期创建的 PM 工单
func (s *MaintenanceService) GetOverview(ctx context.Context, tenantID string, daysAhead int) (*Overview, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if daysAhead <= 0 {
		daysAhead = defaultDaysAhead
	}
	now := s.now()
	horizon := now.Add(time.Duration(daysAhead) * 24 * time.Hour)

	rules, err := s.c.Rules.ListRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		TenantID:          tenantID,
		DaysAhead:         daysAhead,
		DueRules:          []DueRule{},
		LatestPredictions: []models.PredictionResult{},
		GeneratedAt:       now,
	}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		ov.ActiveRules++
		dueAt, err := s.c.Scheduler.Forecast(ctx, tenantID, rule, now)
		if err != nil {
			s.logger.Warn("Failed to forecast rule",
				zap.String("tenant_id", tenantID),
				zap.String("rule_id", rule.RuleID),
				zap.Error(err),
			)
			continue
		}
		if dueAt == nil || dueAt.After(horizon) {
			continue
		}
		ov.DueRules = append(ov.DueRules, DueRule{
			RuleID:       rule.RuleID,
			AssetID:      rule.AssetID,
			Name:         rule.Name,
			TriggerType:  rule.TriggerType,
			PriorityHint: rule.PriorityHint,
			DueAt:        *dueAt,
			Overdue:      !dueAt.After(now),
		})
	}
	sort.SliceStable(ov.DueRules, func(i, j int) bool { return ov.DueRules[i].DueAt.Before(ov.DueRules[j].DueAt) })

	recent, err := s.c.WorkOrders.ListRecent(ctx, tenantID, now.Add(-recentWorkOrderAge), recentWorkOrderMax)
	if err != nil {
		return nil, err
	}
	ov.RecentWorkOrders = recent

	assets, err := s.c.Assets.ListAssets(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		p, err := s.c.Predictions.LatestPrediction(ctx, tenantID, a.AssetID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			p.Features = nil
			ov.LatestPredictions = append(ov.LatestPredictions, *p)
		}
	}
	return ov, nil
}

// ============================================
// 只读枚举
// ============================================

// ListRules 租户下全部 PM 规则
func (s *MaintenanceService) ListRules(ctx context.Context, tenantID string) ([]models.PMRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.c.Rules.ListRules(ctx, tenantID)
}

// ListMeters 租户下全部计量表
func (s *MaintenanceService) ListMeters(ctx context.Context, tenantID string) ([]models.Meter, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.c.Meters.ListMeters(ctx, tenantID)
}

// PredictionHistory 资产预测历史（按时间倒序，趋势展示用）
func (s *MaintenanceService) PredictionHistory(ctx context.Context, tenantID, assetID string, limit int) ([]models.PredictionResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if _, err := s.getAsset(ctx, tenantID, assetID); err != nil {
		return nil, err
	}
	history, err := s.c.Predictions.History(ctx, tenantID, assetID, limit)
	if err != nil {
		return nil, err
	}
	for i := range history {
		history[i].Features = nil
	}
	return history, nil
}
