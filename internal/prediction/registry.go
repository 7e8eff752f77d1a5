package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"

	"go.uber.org/zap"
)

// Registry 每租户最后一个可用模型
// 训练在后台完成后整体替换；训练失败时保留旧模型继续服务
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	loaded map[string]bool

	training repository.TrainingRepository
	cfg      TrainingConfig
	logger   *zap.Logger
}

// NewRegistry 创建模型注册表
func NewRegistry(training repository.TrainingRepository, cfg TrainingConfig, logger *zap.Logger) *Registry {
	return &Registry{
		models:   map[string]*Model{},
		loaded:   map[string]bool{},
		training: training,
		cfg:      cfg,
		logger:   logger,
	}
}

// Current 租户当前模型；首次访问时从快照恢复，没有模型时返回 nil
func (r *Registry) Current(ctx context.Context, tenantID string) *Model {
	r.mu.RLock()
	m, loaded := r.models[tenantID], r.loaded[tenantID]
	r.mu.RUnlock()
	if loaded {
		return m
	}

	restored, err := r.restore(ctx, tenantID)
	if err != nil {
		// 恢复失败不标记 loaded，下次重试；本次按无模型处理
		r.logger.Warn("Failed to restore model snapshot",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded[tenantID] {
		r.models[tenantID] = restored
		r.loaded[tenantID] = true
	}
	return r.models[tenantID]
}

func (r *Registry) restore(ctx context.Context, tenantID string) (*Model, error) {
	snap, err := r.training.LatestModel(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var m Model
	if err := json.Unmarshal(snap.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model snapshot %s: %w", snap.Version, err)
	}
	r.logger.Info("Model restored from snapshot",
		zap.String("tenant_id", tenantID),
		zap.String("version", m.Version),
		zap.Int("examples", m.Examples),
	)
	return &m, nil
}

// Swap 替换租户模型
func (r *Registry) Swap(tenantID string, m *Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[tenantID] = m
	r.loaded[tenantID] = true
}

// Retrain 用当前训练语料重新训练，成功后持久化快照并替换；失败时保留旧模型
func (r *Registry) Retrain(ctx context.Context, tenantID string, now time.Time) (*Model, error) {
	examples, err := r.training.ListExamples(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load training corpus: %w", err)
	}

	m, err := Train(examples, r.cfg, now)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientData) {
			r.logger.Info("Not enough training data, keeping current model",
				zap.String("tenant_id", tenantID),
				zap.Int("examples", len(examples)),
			)
		}
		return nil, err
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	if err := r.training.SaveModel(ctx, tenantID, &models.ModelSnapshot{
		TenantID:  tenantID,
		Version:   m.Version,
		Payload:   payload,
		Examples:  m.Examples,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	r.Swap(tenantID, m)
	r.logger.Info("Model retrained",
		zap.String("tenant_id", tenantID),
		zap.String("version", m.Version),
		zap.Int("examples", m.Examples),
		zap.Int("failure_labels", m.FailureLabels),
		zap.Bool("classifier", m.Classifier != nil),
	)
	return m, nil
}
