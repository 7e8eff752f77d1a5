package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-maintenance/internal/metrics"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/prediction"
	"wisefido-maintenance/internal/repository"
	"wisefido-maintenance/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckpointStore 检查点存储（state.StateManager 实现）
type CheckpointStore interface {
	Key(tenantID string, parts ...string) string
	GetState(ctx context.Context, key string, dest interface{}) error
	SetState(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config 反馈环配置
type Config struct {
	RetrainInterval        time.Duration
	RetrainGrowthThreshold int
}

// Summary 一次反馈处理结果
type Summary struct {
	Scanned int `json:"scanned"`
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Loop 反馈环：把已关闭工单的结果标注回训练语料
type Loop struct {
	workOrders  repository.WorkOrdersRepository
	predictions repository.PredictionsRepository
	training    repository.TrainingRepository
	registry    *prediction.Registry
	checkpoints CheckpointStore
	cfg         Config
	logger      *zap.Logger
}

// NewLoop 创建反馈环
func NewLoop(
	workOrders repository.WorkOrdersRepository,
	predictions repository.PredictionsRepository,
	training repository.TrainingRepository,
	registry *prediction.Registry,
	checkpoints CheckpointStore,
	cfg Config,
	logger *zap.Logger,
) *Loop {
	return &Loop{
		workOrders:  workOrders,
		predictions: predictions,
		training:    training,
		registry:    registry,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger,
	}
}

// Label 工单结果 -> 训练标签；failure_confirmed / defect_found 为正样本，其余（含取消）为负样本
func Label(wo models.WorkOrder) bool {
	switch wo.Outcome {
	case models.OutcomeFailureConfirmed, models.OutcomeDefectFound:
		return true
	default:
		return false
	}
}

// ProcessClosed 处理检查点之后关闭的、由预测产生或带预测佐证的工单
func (l *Loop) ProcessClosed(ctx context.Context, tenantID string, now time.Time) (*Summary, error) {
	key := l.checkpoints.Key(tenantID, "feedback")
	var cp state.Checkpoint
	if err := l.checkpoints.GetState(ctx, key, &cp); err != nil && !errors.Is(err, state.ErrStateNotFound) {
		return nil, fmt.Errorf("failed to load feedback checkpoint: %w", err)
	}

	closed, err := l.workOrders.ListClosedSince(ctx, tenantID, "", cp.Since)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	since := cp.Since
	for _, wo := range closed {
		summary.Scanned++
		if wo.ClosedAt != nil && wo.ClosedAt.After(since) {
			since = *wo.ClosedAt
		}
		if wo.PredictionID == "" {
			continue
		}

		pred, err := l.predictions.GetPrediction(ctx, tenantID, wo.PredictionID)
		if err != nil {
			if errors.Is(err, models.ErrPredictionNotFound) {
				summary.Skipped++
				l.logger.Warn("Originating prediction missing, work order not labeled",
					zap.String("tenant_id", tenantID),
					zap.String("work_order_id", wo.WorkOrderID),
					zap.String("prediction_id", wo.PredictionID),
				)
				continue
			}
			// 检查点停在失败之前，下次重试
			return summary, l.saveCheckpoint(ctx, key, cp.Since, now, err)
		}
		if pred.Features == nil || len(pred.Features.Features) == 0 {
			summary.Skipped++
			continue
		}

		ex := &models.TrainingExample{
			ExampleID:    uuid.New().String(),
			TenantID:     tenantID,
			AssetID:      wo.AssetID,
			WorkOrderID:  wo.WorkOrderID,
			PredictionID: pred.PredictionID,
			Features:     pred.Features.Features,
			Failed:       Label(wo),
			Source:       "feedback",
			CreatedAt:    now,
		}
		added, err := l.training.AppendExample(ctx, tenantID, ex)
		if err != nil {
			return summary, l.saveCheckpoint(ctx, key, cp.Since, now, err)
		}
		if added {
			summary.Added++
			metrics.TrainingExamplesAdded.Inc()
		}
		cp.Since = since
	}

	if err := l.saveCheckpoint(ctx, key, since, now, nil); err != nil {
		return summary, err
	}
	if summary.Added > 0 {
		l.logger.Info("Feedback labels recorded",
			zap.String("tenant_id", tenantID),
			zap.Int("scanned", summary.Scanned),
			zap.Int("added", summary.Added),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}

func (l *Loop) saveCheckpoint(ctx context.Context, key string, since, now time.Time, cause error) error {
	if err := l.checkpoints.SetState(ctx, key, state.Checkpoint{Since: since, UpdatedAt: now}, 0); err != nil {
		if cause != nil {
			return cause
		}
		return fmt.Errorf("failed to save feedback checkpoint: %w", err)
	}
	return cause
}

// ShouldRetrain 按时间间隔或语料增长判断是否需要重新训练
func (l *Loop) ShouldRetrain(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	count, err := l.training.CountExamples(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	current := l.registry.Current(ctx, tenantID)
	if current == nil {
		return true, nil
	}
	if l.cfg.RetrainGrowthThreshold > 0 && count-current.Examples >= l.cfg.RetrainGrowthThreshold {
		return true, nil
	}
	if l.cfg.RetrainInterval > 0 && now.Sub(current.TrainedAt) >= l.cfg.RetrainInterval && count != current.Examples {
		return true, nil
	}
	return false, nil
}

// MaybeRetrain 需要时重新训练；失败只记录，不影响在线预测继续使用旧模型
func (l *Loop) MaybeRetrain(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	should, err := l.ShouldRetrain(ctx, tenantID, now)
	if err != nil || !should {
		return false, err
	}
	if _, err := l.registry.Retrain(ctx, tenantID, now); err != nil {
		if errors.Is(err, models.ErrInsufficientData) {
			metrics.ModelRetrains.WithLabelValues("insufficient_data").Inc()
			return false, nil
		}
		metrics.ModelRetrains.WithLabelValues("failed").Inc()
		l.logger.Error("Model retrain failed, keeping last good model",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return false, err
	}
	metrics.ModelRetrains.WithLabelValues("success").Inc()
	return true, nil
}

// Run 周期执行反馈与再训练，直到 ctx 取消
func (l *Loop) Run(ctx context.Context, interval time.Duration, tenants func(ctx context.Context) []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, tenantID := range tenants(ctx) {
				if _, err := l.ProcessClosed(ctx, tenantID, now); err != nil {
					l.logger.Error("Feedback processing failed", zap.String("tenant_id", tenantID), zap.Error(err))
					continue
				}
				if _, err := l.MaybeRetrain(ctx, tenantID, now); err != nil {
					l.logger.Warn("Retrain skipped", zap.String("tenant_id", tenantID), zap.Error(err))
				}
			}
		}
	}
}

// MemoryCheckpoints 进程内检查点（无 Redis 的本地开发模式）
type MemoryCheckpoints struct {
	mu     sync.Mutex
	states map[string]state.Checkpoint
}

// NewMemoryCheckpoints 创建进程内检查点存储
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{states: map[string]state.Checkpoint{}}
}

func (m *MemoryCheckpoints) Key(tenantID string, parts ...string) string {
	key := tenantID
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (m *MemoryCheckpoints) GetState(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.states[key]
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrStateNotFound, key)
	}
	out, ok := dest.(*state.Checkpoint)
	if !ok {
		return fmt.Errorf("unsupported checkpoint destination %T", dest)
	}
	*out = cp
	return nil
}

func (m *MemoryCheckpoints) SetState(_ context.Context, key string, value interface{}, _ time.Duration) error {
	cp, ok := value.(state.Checkpoint)
	if !ok {
		return fmt.Errorf("unsupported checkpoint value %T", value)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = cp
	return nil
}
