package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"wisefido-maintenance/internal/metrics"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/orchestrator"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// 资产跳过原因
const (
	SkipSourceUnavailable = "source_unavailable"
	SkipCycleTimeout      = "cycle_timeout"
	SkipError             = "error"
)

// CycleOptions 一次评估的选项
type CycleOptions struct {
	Predict          bool // 是否运行故障预测
	CreateWorkOrders bool // false 时只计算维护需求
}

// SkippedAsset 被跳过的资产及原因
type SkippedAsset struct {
	AssetID string `json:"asset_id"`
	Reason  string `json:"reason"`
}

// WorkOrderOutcome 单条需求落单结果
type WorkOrderOutcome struct {
	WorkOrderID string                   `json:"work_order_id,omitempty"`
	AssetID     string                   `json:"asset_id"`
	Cause       string                   `json:"cause"`
	Outcome     string                   `json:"outcome"`
	Priority    models.WorkOrderPriority `json:"priority,omitempty"`
}

// CycleSummary 周期评估的部分成功汇总
type CycleSummary struct {
	CycleID              string                   `json:"cycle_id"`
	TenantID             string                   `json:"tenant_id"`
	StartedAt            time.Time                `json:"started_at"`
	FinishedAt           time.Time                `json:"finished_at"`
	AssetsTotal          int                      `json:"assets_total"`
	AssetsEvaluated      int                      `json:"assets_evaluated"`
	AssetsSkipped        []SkippedAsset           `json:"assets_skipped"`
	NeedsGenerated       int                      `json:"needs_generated"`
	WorkOrdersCreated    int                      `json:"work_orders_created"`
	WorkOrdersUpdated    int                      `json:"work_orders_updated"`
	DuplicatesSuppressed int                      `json:"duplicates_suppressed"`
	UpsertErrors         int                      `json:"upsert_errors"`
	TimedOut             bool                     `json:"timed_out"`
	WorkOrders           []WorkOrderOutcome       `json:"work_orders,omitempty"`
	Needs                []models.MaintenanceNeed `json:"needs,omitempty"`
}

// assetResult 单个资产评估结果
type assetResult struct {
	needs    []models.MaintenanceNeed
	outcomes []WorkOrderOutcome
	updated  int
	errors   int
}

// RunCycle 对租户全部活动资产运行一次评估
// 资产并发评估（有界 worker 池），单个资产失败不影响其他资产；超时后剩余资产记为 cycle_timeout
func (s *MaintenanceService) RunCycle(ctx context.Context, tenantID string, opts CycleOptions) (*CycleSummary, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	now := s.now()
	summary := &CycleSummary{
		CycleID:       uuid.New().String(),
		TenantID:      tenantID,
		StartedAt:     now,
		AssetsSkipped: []SkippedAsset{},
	}

	ctx, span := s.tracer.Start(ctx, "maintenance.cycle",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("cycle_id", summary.CycleID),
			attribute.Bool("create_work_orders", opts.CreateWorkOrders),
		),
	)
	defer span.End()

	assets, err := s.c.Assets.ListAssets(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list assets failed")
		metrics.CyclesTotal.WithLabelValues(tenantID, "failed").Inc()
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	active := make([]models.Asset, 0, len(assets))
	for _, a := range assets {
		if a.IsActive() {
			active = append(active, a)
		}
	}
	summary.AssetsTotal = len(active)

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	jobs := make(chan models.Asset)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := s.cfg.Workers
	if workers > len(active) {
		workers = len(active)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for asset := range jobs {
				res, err := s.safeEvaluate(cycleCtx, tenantID, asset, now, opts)
				mu.Lock()
				s.collect(cycleCtx, summary, asset, res, err)
				mu.Unlock()
			}
		}()
	}

dispatch:
	for i, asset := range active {
		select {
		case jobs <- asset:
		case <-cycleCtx.Done():
			mu.Lock()
			for _, rest := range active[i:] {
				summary.AssetsSkipped = append(summary.AssetsSkipped, SkippedAsset{AssetID: rest.AssetID, Reason: SkipCycleTimeout})
				metrics.AssetsSkipped.WithLabelValues(SkipCycleTimeout).Inc()
			}
			mu.Unlock()
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	summary.TimedOut = errors.Is(cycleCtx.Err(), context.DeadlineExceeded)
	summary.FinishedAt = s.now()
	status := "completed"
	if summary.TimedOut {
		status = "timeout"
		s.logger.Warn("Evaluation cycle timed out, remaining assets abandoned",
			zap.String("tenant_id", tenantID),
			zap.String("cycle_id", summary.CycleID),
			zap.Duration("timeout", s.cfg.CycleTimeout),
		)
	}
	metrics.CyclesTotal.WithLabelValues(tenantID, status).Inc()
	metrics.CycleDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	span.SetAttributes(
		attribute.Int("assets_evaluated", summary.AssetsEvaluated),
		attribute.Int("assets_skipped", len(summary.AssetsSkipped)),
		attribute.Int("needs_generated", summary.NeedsGenerated),
		attribute.Int("work_orders_created", summary.WorkOrdersCreated),
	)

	s.logger.Info("Evaluation cycle finished",
		zap.String("tenant_id", tenantID),
		zap.String("cycle_id", summary.CycleID),
		zap.Int("assets_total", summary.AssetsTotal),
		zap.Int("assets_evaluated", summary.AssetsEvaluated),
		zap.Int("assets_skipped", len(summary.AssetsSkipped)),
		zap.Int("needs_generated", summary.NeedsGenerated),
		zap.Int("work_orders_created", summary.WorkOrdersCreated),
		zap.Int("work_orders_updated", summary.WorkOrdersUpdated),
		zap.Int("upsert_errors", summary.UpsertErrors),
	)
	return summary, nil
}

func (s *MaintenanceService) collect(cycleCtx context.Context, summary *CycleSummary, asset models.Asset, res *assetResult, err error) {
	if err != nil {
		reason := SkipError
		switch {
		case cycleCtx.Err() != nil:
			reason = SkipCycleTimeout
		case errors.Is(err, models.ErrSourceUnavailable):
			reason = SkipSourceUnavailable
		}
		summary.AssetsSkipped = append(summary.AssetsSkipped, SkippedAsset{AssetID: asset.AssetID, Reason: reason})
		metrics.AssetsSkipped.WithLabelValues(reason).Inc()
		metrics.AssetsEvaluated.WithLabelValues("skipped").Inc()
		return
	}

	summary.AssetsEvaluated++
	metrics.AssetsEvaluated.WithLabelValues("evaluated").Inc()
	summary.NeedsGenerated += len(res.needs)
	summary.Needs = append(summary.Needs, res.needs...)
	summary.WorkOrders = append(summary.WorkOrders, res.outcomes...)
	summary.WorkOrdersUpdated += res.updated
	summary.UpsertErrors += res.errors
	for _, o := range res.outcomes {
		switch orchestrator.Outcome(o.Outcome) {
		case orchestrator.OutcomeCreated:
			summary.WorkOrdersCreated++
		case orchestrator.OutcomeDuplicateSuppressed:
			summary.DuplicatesSuppressed++
		}
	}
}

// safeEvaluate 单个资产的 panic 不影响整个周期
func (s *MaintenanceService) safeEvaluate(ctx context.Context, tenantID string, asset models.Asset, now time.Time, opts CycleOptions) (res *assetResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Asset evaluation panic recovered",
				zap.String("tenant_id", tenantID),
				zap.String("asset_id", asset.AssetID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res, err = nil, fmt.Errorf("asset evaluation panicked: %v", r)
		}
	}()
	return s.evaluateAsset(ctx, tenantID, asset, now, opts)
}

// evaluateAsset 特征提取 -> 规则检查 -> 预测 -> 聚合 -> 落单
func (s *MaintenanceService) evaluateAsset(ctx context.Context, tenantID string, asset models.Asset, now time.Time, opts CycleOptions) (*assetResult, error) {
	ctx, span := s.tracer.Start(ctx, "maintenance.evaluate_asset",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("asset_id", asset.AssetID),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	open, err := s.c.WorkOrders.ListOpenByAsset(ctx, tenantID, asset.AssetID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list open work orders: %w", err)
	}

	ruleNeeds, err := s.c.Scheduler.EvaluateAsset(ctx, tenantID, asset.AssetID, open, now)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("Rule evaluation failed, asset skipped",
			zap.String("tenant_id", tenantID),
			zap.String("asset_id", asset.AssetID),
			zap.Error(err),
		)
		return nil, err
	}

	var pred *models.PredictionResult
	if opts.Predict {
		pred, err = s.predict(ctx, tenantID, asset, now)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	needs := s.c.Aggregator.Aggregate(ruleNeeds, pred, now)
	for _, n := range needs {
		cause := "rule"
		if !n.IsRule() {
			cause = "prediction"
		}
		metrics.NeedsGenerated.WithLabelValues(cause).Inc()
	}
	s.publishOverdue(ctx, ruleNeeds, now)

	res := &assetResult{needs: needs}
	if !opts.CreateWorkOrders || len(needs) == 0 {
		return res, nil
	}

	results, errs := s.c.Orchestrator.UpsertAll(ctx, needs, now)
	for _, r := range results {
		metrics.WorkOrderUpserts.WithLabelValues(string(r.Outcome)).Inc()
		o := WorkOrderOutcome{AssetID: asset.AssetID, Outcome: string(r.Outcome)}
		if r.WorkOrder != nil {
			o.WorkOrderID = r.WorkOrder.WorkOrderID
			o.Cause = r.WorkOrder.Cause
			o.Priority = r.WorkOrder.Priority
		}
		if r.Updated {
			res.updated++
		}
		res.outcomes = append(res.outcomes, o)
	}
	for _, err := range errs {
		label := "error"
		if errors.Is(err, models.ErrUpsertConflict) {
			label = "conflict"
		}
		metrics.WorkOrderUpserts.WithLabelValues(label).Inc()
		res.errors++
	}
	span.SetAttributes(attribute.Int("needs", len(needs)), attribute.Int("upsert_errors", len(errs)))
	return res, nil
}

// predict 特征不足时只按规则评估；模型出错同样退化为只按规则
func (s *MaintenanceService) predict(ctx context.Context, tenantID string, asset models.Asset, now time.Time) (*models.PredictionResult, error) {
	vec, err := s.c.Extractor.Extract(ctx, tenantID, asset.AssetID, now)
	if err != nil {
		if errors.Is(err, models.ErrSourceUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		if !errors.Is(err, models.ErrInsufficientData) {
			s.logger.Warn("Feature extraction failed, rules only",
				zap.String("tenant_id", tenantID),
				zap.String("asset_id", asset.AssetID),
				zap.Error(err),
			)
		}
		return nil, nil
	}

	pred, err := s.c.Predictor.Predict(ctx, tenantID, asset, vec, now)
	if err != nil {
		s.logger.Warn("Prediction failed, rules only",
			zap.String("tenant_id", tenantID),
			zap.String("asset_id", asset.AssetID),
			zap.Error(err),
		)
		return nil, nil
	}
	return pred, nil
}

// publishOverdue 规则到期超过宽限期时发布 rule_overdue（同一规则同一到期时间只发一次）
func (s *MaintenanceService) publishOverdue(ctx context.Context, ruleNeeds []models.MaintenanceNeed, now time.Time) {
	if s.c.Alerts == nil {
		return
	}
	for _, n := range ruleNeeds {
		if !s.c.Scheduler.Overdue(n, now) {
			continue
		}
		alert := models.Alert{
			AlertID:    uuid.New().String(),
			TenantID:   n.TenantID,
			AssetID:    n.AssetID,
			Kind:       models.AlertRuleOverdue,
			Severity:   n.Priority,
			Cause:      n.Cause,
			RuleID:     n.RuleID,
			Message:    fmt.Sprintf("rule %s on asset %s overdue since %s", n.RuleID, n.AssetID, n.DueAt.Format(time.RFC3339)),
			Details:    map[string]interface{}{"due_at": n.DueAt, "overdue_hours": now.Sub(n.DueAt).Hours()},
			OccurredAt: now,
		}
		s.c.Alerts.PublishOnce(ctx, alert, n.RuleID, fmt.Sprintf("%d", n.DueAt.Unix()))
	}
}
