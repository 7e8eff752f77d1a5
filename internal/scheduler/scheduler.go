package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"wisefido-maintenance/internal/features"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"
	"wisefido-maintenance/internal/telemetry"

	"go.uber.org/zap"
)

// maxForecast 计量规则外推的最远预计时间
const maxForecast = 10 * 365 * 24 * time.Hour

// Config 规则调度配置
type Config struct {
	DefaultDebounce int
	OverdueGrace    time.Duration
}

// Scheduler PM 规则调度器
// 只读取规则、计量值与原始读数；规则的 last_satisfied_at 由工单编排器在创建工单时推进
type Scheduler struct {
	rules  repository.RulesRepository
	meters repository.MetersRepository
	source telemetry.Source
	cfg    Config
	logger *zap.Logger
}

// NewScheduler 创建调度器
func NewScheduler(rules repository.RulesRepository, meters repository.MetersRepository, source telemetry.Source, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.DefaultDebounce <= 0 {
		cfg.DefaultDebounce = 3
	}
	return &Scheduler{rules: rules, meters: meters, source: source, cfg: cfg, logger: logger}
}

// Evaluation 单条规则的评估结果
type Evaluation struct {
	Due        bool
	DueAt      time.Time
	MeterValue float64
	Reason     string
}

// EvaluateAsset 评估资产上的全部活动规则，返回按 (due_at 升序, priority_hint 降序) 排序的维护需求
// open 为资产当前未关闭的工单：规则对应工单仍未关闭时照常输出（Pending），保证重复评估得到相同需求
func (s *Scheduler) EvaluateAsset(ctx context.Context, tenantID, assetID string, open []models.WorkOrder, now time.Time) ([]models.MaintenanceNeed, error) {
	rules, err := s.rules.ListActiveRulesByAsset(ctx, tenantID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	openByCause := make(map[string]models.WorkOrder, len(open))
	for _, wo := range open {
		openByCause[wo.Cause] = wo
	}

	needs := []models.MaintenanceNeed{}
	for _, rule := range rules {
		eval, err := s.Evaluate(ctx, tenantID, rule, now)
		if err != nil {
			if errors.Is(err, models.ErrSourceUnavailable) {
				return nil, err
			}
			// 单条规则配置错误（如计量表不存在）不影响其他规则
			s.logger.Warn("Failed to evaluate rule",
				zap.String("tenant_id", tenantID),
				zap.String("rule_id", rule.RuleID),
				zap.Error(err),
			)
			continue
		}

		wo, pending := openByCause[rule.Cause()]
		if !eval.Due && !pending {
			continue
		}

		need := models.MaintenanceNeed{
			TenantID:         tenantID,
			AssetID:          assetID,
			Cause:            rule.Cause(),
			RuleID:           rule.RuleID,
			RuleVersion:      rule.Version,
			TriggerType:      rule.TriggerType,
			DueAt:            eval.DueAt,
			Priority:         rulePriority(rule),
			SourceConfidence: 1,
			Reason:           eval.Reason,
			MeterValue:       eval.MeterValue,
		}
		if pending {
			need.Pending = true
			need.DueAt = wo.DueAt
			if !eval.Due {
				need.Reason = "work order " + wo.WorkOrderID + " still open"
			}
		}
		needs = append(needs, need)
	}

	RankRuleNeeds(needs)
	return needs, nil
}

// Evaluate 评估单条规则是否到期
func (s *Scheduler) Evaluate(ctx context.Context, tenantID string, rule models.PMRule, now time.Time) (Evaluation, error) {
	switch rule.TriggerType {
	case models.TriggerTime:
		return evaluateTime(rule, now), nil
	case models.TriggerUsage:
		return s.evaluateUsage(ctx, tenantID, rule, now)
	case models.TriggerCondition:
		return s.evaluateCondition(ctx, tenantID, rule, now)
	default:
		return Evaluation{}, fmt.Errorf("unknown trigger type %q", rule.TriggerType)
	}
}

// evaluateTime now >= anchor + interval
func evaluateTime(rule models.PMRule, now time.Time) Evaluation {
	dueAt := rule.Anchor().Add(rule.Interval())
	if rule.Interval() <= 0 {
		return Evaluation{DueAt: dueAt}
	}
	return Evaluation{
		Due:    !now.Before(dueAt),
		DueAt:  dueAt,
		Reason: fmt.Sprintf("interval %s elapsed since %s", rule.Interval(), rule.Anchor().Format(time.RFC3339)),
	}
}

// evaluateUsage 自上次满足以来累计量超过阈值
func (s *Scheduler) evaluateUsage(ctx context.Context, tenantID string, rule models.PMRule, now time.Time) (Evaluation, error) {
	meter, err := s.meters.GetMeter(ctx, tenantID, rule.MeterID)
	if err != nil {
		return Evaluation{}, err
	}
	if meter.AssetID != rule.AssetID {
		return Evaluation{}, fmt.Errorf("%w: meter %s is not attached to asset %s", models.ErrMeterNotFound, meter.MeterID, rule.AssetID)
	}

	accumulated := meter.CurrentValue - rule.LastSatisfiedValue
	eval := Evaluation{MeterValue: meter.CurrentValue, DueAt: now}
	if meter.LastReadingAt != nil {
		eval.DueAt = *meter.LastReadingAt
	}
	if accumulated > rule.Threshold {
		eval.Due = true
		eval.Reason = fmt.Sprintf("accumulated %.2f %s since last service (threshold %.2f)", accumulated, meter.Unit, rule.Threshold)
	}
	return eval, nil
}

// evaluateCondition 最近 debounce 条可用原始读数全部越过阈值
// 只统计 last_satisfied_at 之后的读数，工单创建前的越限不会重复触发
func (s *Scheduler) evaluateCondition(ctx context.Context, tenantID string, rule models.PMRule, now time.Time) (Evaluation, error) {
	meter, err := s.meters.GetMeter(ctx, tenantID, rule.MeterID)
	if err != nil {
		return Evaluation{}, err
	}
	debounce := rule.Debounce
	if debounce <= 0 {
		debounce = s.cfg.DefaultDebounce
	}

	// 多取一些，过滤掉打标记的读数后仍有 debounce 条
	readings, err := s.source.LatestReadings(ctx, tenantID, meter.AssetID, meter.SensorID, debounce*3+5)
	if err != nil {
		return Evaluation{}, err
	}
	var usable []models.Reading
	for _, rd := range readings {
		if !rd.Usable() {
			continue
		}
		if rule.LastSatisfiedAt != nil && !rd.Timestamp.After(*rule.LastSatisfiedAt) {
			continue
		}
		usable = append(usable, rd)
	}

	eval := Evaluation{DueAt: now}
	if len(usable) < debounce {
		return eval, nil
	}
	window := usable[len(usable)-debounce:]
	for _, rd := range window {
		if !breaches(rule.Direction, rd.Value, rule.Threshold) {
			return eval, nil
		}
	}

	last := window[len(window)-1]
	eval.Due = true
	eval.DueAt = last.Timestamp
	eval.MeterValue = last.Value
	eval.Reason = fmt.Sprintf("%d consecutive readings %s %.2f (latest %.2f)", debounce, directionOf(rule), rule.Threshold, last.Value)
	return eval, nil
}

func breaches(direction models.Direction, value, threshold float64) bool {
	if direction == models.DirectionBelow {
		return value < threshold
	}
	return value > threshold
}

func directionOf(rule models.PMRule) models.Direction {
	if rule.Direction == models.DirectionBelow {
		return models.DirectionBelow
	}
	return models.DirectionAbove
}

func rulePriority(rule models.PMRule) models.RiskLevel {
	if rule.PriorityHint.Valid() {
		return rule.PriorityHint
	}
	return models.RiskMedium
}

// RankRuleNeeds 最早到期优先，到期时间相同时 priority_hint 高者优先；第一条为资产的主规则需求
func RankRuleNeeds(needs []models.MaintenanceNeed) {
	sort.SliceStable(needs, func(i, j int) bool {
		if !needs[i].DueAt.Equal(needs[j].DueAt) {
			return needs[i].DueAt.Before(needs[j].DueAt)
		}
		if needs[i].Priority.Rank() != needs[j].Priority.Rank() {
			return needs[i].Priority.Rank() > needs[j].Priority.Rank()
		}
		return needs[i].RuleID < needs[j].RuleID
	})
}

// Overdue 需求到期已超过宽限期
func (s *Scheduler) Overdue(need models.MaintenanceNeed, now time.Time) bool {
	return need.IsRule() && now.Sub(need.DueAt) > s.cfg.OverdueGrace
}

// Forecast 规则的预计下次到期时间（概览用）；无法预估时返回 nil
// 时间规则：anchor + interval；计量规则：按最近读数的增长速率外推；条件规则：仅在已到期时返回
func (s *Scheduler) Forecast(ctx context.Context, tenantID string, rule models.PMRule, now time.Time) (*time.Time, error) {
	if !rule.Active {
		return nil, nil
	}
	eval, err := s.Evaluate(ctx, tenantID, rule, now)
	if err != nil {
		return nil, err
	}
	if eval.Due {
		return &eval.DueAt, nil
	}

	switch rule.TriggerType {
	case models.TriggerTime:
		return &eval.DueAt, nil
	case models.TriggerUsage:
		meter, err := s.meters.GetMeter(ctx, tenantID, rule.MeterID)
		if err != nil {
			return nil, err
		}
		readings, err := s.source.LatestReadings(ctx, tenantID, meter.AssetID, meter.SensorID, 20)
		if err != nil {
			return nil, err
		}
		var hours, values []float64
		for _, rd := range readings {
			if !rd.Usable() {
				continue
			}
			hours = append(hours, rd.Timestamp.Sub(now).Hours())
			values = append(values, rd.Value)
		}
		rate := features.Slope(hours, values) // units per hour
		if rate <= 0 {
			return nil, nil
		}
		remaining := rule.Threshold - (meter.CurrentValue - rule.LastSatisfiedValue)
		etaHours := remaining / rate
		if math.IsNaN(etaHours) || math.IsInf(etaHours, 0) || etaHours < 0 || etaHours > maxForecast.Hours() {
			return nil, nil
		}
		at := now.Add(time.Duration(etaHours * float64(time.Hour)))
		return &at, nil
	default:
		return nil, nil
	}
}
