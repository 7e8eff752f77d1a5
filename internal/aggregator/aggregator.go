package aggregator

import (
	"fmt"
	"sort"
	"time"

	"wisefido-maintenance/internal/models"
)

// Config 风险聚合配置
type Config struct {
	MinPredictionRisk models.RiskLevel // 低于该风险等级的预测不产生维护需求
	CorrelationWindow time.Duration    // 规则需求到期时间与 now 相差在窗口内视为同时触发
}

// Aggregator 合并规则需求与预测结果
type Aggregator struct {
	cfg Config
}

// NewAggregator 创建聚合器
func NewAggregator(cfg Config) *Aggregator {
	if !cfg.MinPredictionRisk.Valid() {
		cfg.MinPredictionRisk = models.RiskHigh
	}
	return &Aggregator{cfg: cfg}
}

// Aggregate 输出资产的维护需求列表（优先级降序、到期升序、置信度降序）
// ruleNeeds 需按调度器排序传入（第一条为主规则）；预测需求与规则需求保持为不同记录，
// 两者同时触发时预测需求标记 AnnotatesCause，落到主规则的工单上作为佐证
func (a *Aggregator) Aggregate(ruleNeeds []models.MaintenanceNeed, pred *models.PredictionResult, now time.Time) []models.MaintenanceNeed {
	needs := make([]models.MaintenanceNeed, 0, len(ruleNeeds)+1)
	needs = append(needs, ruleNeeds...)

	if pred != nil && pred.RiskLevel.AtLeast(a.cfg.MinPredictionRisk) {
		need := models.MaintenanceNeed{
			TenantID:         pred.TenantID,
			AssetID:          pred.AssetID,
			Cause:            models.CausePrediction,
			DueAt:            now,
			Priority:         pred.RiskLevel,
			SourceConfidence: pred.Confidence,
			Reason:           fmt.Sprintf("failure probability %.2f (%s)", pred.FailureProbability, pred.Strategy),
			Prediction:       pred,
		}
		if pred.PredictedFailureAt != nil && pred.PredictedFailureAt.After(now) {
			need.DueAt = *pred.PredictedFailureAt
		}
		if primary := a.primaryRule(ruleNeeds, now); primary != nil {
			need.AnnotatesCause = primary.Cause
		}
		needs = append(needs, need)
	}

	Rank(needs)
	return needs
}

func (a *Aggregator) primaryRule(ruleNeeds []models.MaintenanceNeed, now time.Time) *models.MaintenanceNeed {
	for i := range ruleNeeds {
		d := now.Sub(ruleNeeds[i].DueAt)
		if d < 0 {
			d = -d
		}
		if d <= a.cfg.CorrelationWindow {
			return &ruleNeeds[i]
		}
	}
	return nil
}

// Rank 优先级降序、到期升序、置信度降序
func Rank(needs []models.MaintenanceNeed) {
	sort.SliceStable(needs, func(i, j int) bool {
		if needs[i].Priority.Rank() != needs[j].Priority.Rank() {
			return needs[i].Priority.Rank() > needs[j].Priority.Rank()
		}
		if !needs[i].DueAt.Equal(needs[j].DueAt) {
			return needs[i].DueAt.Before(needs[j].DueAt)
		}
		return needs[i].SourceConfidence > needs[j].SourceConfidence
	})
}
