package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome 一次 upsert 的结果
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicateSuppressed 已有未关闭工单，走更新路径（不是错误）
	OutcomeDuplicateSuppressed Outcome = "duplicate_suppressed"
	// OutcomeSkipped Pending 需求对应的工单已关闭，本次不新建
	OutcomeSkipped Outcome = "skipped"
)

var errNoRuleWorkOrder = errors.New("annotated rule work order not open")

// Result upsert 结果
type Result struct {
	Outcome   Outcome
	Updated   bool // 更新路径上是否实际修改了工单
	WorkOrder *models.WorkOrder
	Alerts    []models.Alert
}

// AlertPublisher 告警发布（工单提交后调用）
type AlertPublisher interface {
	Publish(ctx context.Context, alert models.Alert)
}

// Orchestrator 工单编排器
// 同一 (tenant, asset, cause-category) 的 upsert 在 Locker 下串行执行，并依赖
// 存储层的唯一部分索引兜底，保证任一时刻最多一个未关闭工单
type Orchestrator struct {
	workOrders repository.WorkOrdersRepository
	locker     Locker
	alerts     AlertPublisher
	logger     *zap.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(workOrders repository.WorkOrdersRepository, locker Locker, alerts AlertPublisher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{workOrders: workOrders, locker: locker, alerts: alerts, logger: logger}
}

// DedupKey sha256(tenant|asset|cause-category)
func DedupKey(tenantID, assetID, category string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + assetID + "|" + category))
	return hex.EncodeToString(sum[:])
}

// UpsertAll 依次处理需求：先处理独立需求，再处理作为佐证附加到规则工单上的预测需求
// 单条失败不影响其余需求，错误汇总返回
func (o *Orchestrator) UpsertAll(ctx context.Context, needs []models.MaintenanceNeed, now time.Time) ([]Result, []error) {
	ordered := make([]models.MaintenanceNeed, 0, len(needs))
	for _, n := range needs {
		if n.AnnotatesCause == "" {
			ordered = append(ordered, n)
		}
	}
	for _, n := range needs {
		if n.AnnotatesCause != "" {
			ordered = append(ordered, n)
		}
	}

	var results []Result
	var errs []error
	for _, need := range ordered {
		res, err := o.Upsert(ctx, need, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, *res)
	}
	return results, errs
}

// Upsert 将维护需求落为工单（幂等）
func (o *Orchestrator) Upsert(ctx context.Context, need models.MaintenanceNeed, now time.Time) (*Result, error) {
	if need.TenantID == "" {
		return nil, models.ErrTenantRequired
	}

	res, err := o.upsertKeyed(ctx, need, now)
	if errors.Is(err, errNoRuleWorkOrder) {
		// 规则工单不存在（例如规则需求处理失败），预测需求按自身 cause 落单
		standalone := need
		standalone.AnnotatesCause = ""
		res, err = o.upsertKeyed(ctx, standalone, now)
	}
	if err != nil {
		o.logger.Error("Work order upsert failed",
			zap.String("tenant_id", need.TenantID),
			zap.String("asset_id", need.AssetID),
			zap.String("cause", need.Cause),
			zap.Error(err),
		)
		return nil, err
	}

	// 提交之后再发布告警
	if o.alerts != nil {
		for _, alert := range res.Alerts {
			o.alerts.Publish(ctx, alert)
		}
	}
	return res, nil
}

func (o *Orchestrator) upsertKeyed(ctx context.Context, need models.MaintenanceNeed, now time.Time) (*Result, error) {
	key := DedupKey(need.TenantID, need.AssetID, need.CauseCategory())
	unlock, err := o.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return o.upsertLocked(ctx, need, key, now)
}

func (o *Orchestrator) upsertLocked(ctx context.Context, need models.MaintenanceNeed, key string, now time.Time) (*Result, error) {
	res, err := o.attempt(ctx, need, key, now)
	if err == nil || !errors.Is(err, models.ErrUpsertConflict) {
		return res, err
	}

	// 并发评估竞争：重新读取当前状态后重试一次
	o.logger.Warn("Work order upsert conflict, retrying with fresh read",
		zap.String("tenant_id", need.TenantID),
		zap.String("asset_id", need.AssetID),
		zap.String("cause", need.Cause),
		zap.Error(err),
	)
	return o.attempt(ctx, need, key, now)
}

func (o *Orchestrator) attempt(ctx context.Context, need models.MaintenanceNeed, key string, now time.Time) (*Result, error) {
	existing, err := o.workOrders.FindOpenByDedupKey(ctx, need.TenantID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return o.merge(ctx, existing, need, now)
	}

	if need.Pending {
		return &Result{Outcome: OutcomeSkipped}, nil
	}
	if need.AnnotatesCause != "" {
		return nil, errNoRuleWorkOrder
	}
	return o.create(ctx, need, key, now)
}

func (o *Orchestrator) create(ctx context.Context, need models.MaintenanceNeed, key string, now time.Time) (*Result, error) {
	wo := &models.WorkOrder{
		WorkOrderID: uuid.New().String(),
		TenantID:    need.TenantID,
		AssetID:     need.AssetID,
		Cause:       need.Cause,
		DedupKey:    key,
		Status:      models.WorkOrderOpen,
		Priority:    models.PriorityFromRisk(need.Priority),
		DueAt:       need.DueAt,
		Annotations: []models.Annotation{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if need.Reason != "" {
		wo.Annotations = append(wo.Annotations, models.Annotation{Kind: "note", Cause: need.Cause, Note: need.Reason, At: now})
	}
	if p := need.Prediction; p != nil {
		wo.PredictionID = p.PredictionID
		wo.Annotations = append(wo.Annotations, predictionAnnotation(need, now))
	}

	var sat *models.RuleSatisfaction
	if need.IsRule() {
		sat = &models.RuleSatisfaction{
			RuleID:          need.RuleID,
			ExpectedVersion: need.RuleVersion,
			SatisfiedAt:     now,
			MeterValue:      need.MeterValue,
		}
	}

	if err := o.workOrders.CreateWorkOrder(ctx, need.TenantID, wo, sat); err != nil {
		return nil, err
	}

	o.logger.Info("Work order created",
		zap.String("tenant_id", need.TenantID),
		zap.String("asset_id", need.AssetID),
		zap.String("work_order_id", wo.WorkOrderID),
		zap.String("cause", wo.Cause),
		zap.String("priority", string(wo.Priority)),
	)

	res := &Result{Outcome: OutcomeCreated, WorkOrder: wo}
	if need.Priority.AtLeast(models.RiskHigh) {
		if need.IsRule() || need.Prediction == nil {
			res.Alerts = append(res.Alerts, createdAlert(need, wo, now))
		} else {
			res.Alerts = append(res.Alerts, riskAlert(need, wo, now))
		}
	}
	return res, nil
}

// merge 更新已存在的未关闭工单：优先级取最大、到期取最早、预测风险变化时追加注释
func (o *Orchestrator) merge(ctx context.Context, existing *models.WorkOrder, need models.MaintenanceNeed, now time.Time) (*Result, error) {
	wo := *existing
	wo.Annotations = append([]models.Annotation(nil), existing.Annotations...)
	changed := false
	escalated := false

	if p := models.PriorityFromRisk(need.Priority); p.Rank() > wo.Priority.Rank() {
		wo.Priority = p
		changed = true
		escalated = true
	}
	if !need.DueAt.IsZero() && need.DueAt.Before(wo.DueAt) {
		wo.DueAt = need.DueAt
		changed = true
	}

	annotated := false
	if pred := need.Prediction; pred != nil {
		if wo.PredictionID == "" {
			wo.PredictionID = pred.PredictionID
			changed = true
		}
		if last := lastPredictionAnnotation(wo.Annotations); last == nil || last.RiskLevel != pred.RiskLevel {
			wo.Annotations = append(wo.Annotations, predictionAnnotation(need, now))
			changed = true
			annotated = true
		}
	}

	res := &Result{Outcome: OutcomeDuplicateSuppressed, WorkOrder: existing}
	if !changed {
		return res, nil
	}

	wo.UpdatedAt = now
	if err := o.workOrders.UpdateOpenWorkOrder(ctx, need.TenantID, &wo); err != nil {
		return nil, err
	}
	res.Updated = true
	res.WorkOrder = &wo

	o.logger.Info("Open work order updated",
		zap.String("tenant_id", need.TenantID),
		zap.String("work_order_id", wo.WorkOrderID),
		zap.String("cause", need.Cause),
		zap.String("priority", string(wo.Priority)),
		zap.Bool("annotated", annotated),
	)

	if need.Prediction != nil && need.Priority.AtLeast(models.RiskHigh) && (escalated || annotated) {
		res.Alerts = append(res.Alerts, riskAlert(need, &wo, now))
	}
	return res, nil
}

func lastPredictionAnnotation(annotations []models.Annotation) *models.Annotation {
	for i := len(annotations) - 1; i >= 0; i-- {
		if annotations[i].Kind == "prediction" {
			return &annotations[i]
		}
	}
	return nil
}

func predictionAnnotation(need models.MaintenanceNeed, now time.Time) models.Annotation {
	p := need.Prediction
	return models.Annotation{
		Kind:               "prediction",
		Cause:              models.CausePrediction,
		PredictionID:       p.PredictionID,
		FailureProbability: p.FailureProbability,
		Confidence:         p.Confidence,
		RiskLevel:          p.RiskLevel,
		At:                 now,
	}
}

func createdAlert(need models.MaintenanceNeed, wo *models.WorkOrder, now time.Time) models.Alert {
	return models.Alert{
		AlertID:     uuid.New().String(),
		TenantID:    need.TenantID,
		AssetID:     need.AssetID,
		Kind:        models.AlertWorkOrderCreated,
		Severity:    need.Priority,
		Cause:       wo.Cause,
		RuleID:      need.RuleID,
		WorkOrderID: wo.WorkOrderID,
		Message:     fmt.Sprintf("%s work order created for asset %s (%s)", wo.Priority, need.AssetID, wo.Cause),
		Details:     map[string]interface{}{"due_at": wo.DueAt, "reason": need.Reason},
		OccurredAt:  now,
	}
}

func riskAlert(need models.MaintenanceNeed, wo *models.WorkOrder, now time.Time) models.Alert {
	p := need.Prediction
	kind := models.AlertRiskHigh
	if p.RiskLevel == models.RiskCritical {
		kind = models.AlertRiskCritical
	}
	details := map[string]interface{}{
		"failure_probability":  p.FailureProbability,
		"confidence":           p.Confidence,
		"strategy":             p.Strategy,
		"contributing_factors": p.ContributingFactors,
	}
	if p.PredictedFailureAt != nil {
		details["predicted_failure_date"] = *p.PredictedFailureAt
	}
	return models.Alert{
		AlertID:      uuid.New().String(),
		TenantID:     need.TenantID,
		AssetID:      need.AssetID,
		Kind:         kind,
		Severity:     p.RiskLevel,
		Cause:        models.CausePrediction,
		WorkOrderID:  wo.WorkOrderID,
		PredictionID: p.PredictionID,
		Message:      fmt.Sprintf("asset %s failure risk %s (p=%.2f)", need.AssetID, p.RiskLevel, p.FailureProbability),
		Details:      details,
		OccurredAt:   now,
	}
}
