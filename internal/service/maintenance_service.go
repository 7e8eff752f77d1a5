package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-maintenance/internal/aggregator"
	"wisefido-maintenance/internal/alerting"
	"wisefido-maintenance/internal/feedback"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/orchestrator"
	"wisefido-maintenance/internal/repository"
	"wisefido-maintenance/internal/scheduler"
	"wisefido-maintenance/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FeatureExtractor 特征提取
type FeatureExtractor interface {
	Extract(ctx context.Context, tenantID, assetID string, now time.Time) (*models.FeatureVector, error)
}

// AssetPredictor 故障预测
type AssetPredictor interface {
	Predict(ctx context.Context, tenantID string, asset models.Asset, vec *models.FeatureVector, now time.Time) (*models.PredictionResult, error)
}

// OverduePublisher 超期告警（同一事件只发一次）
type OverduePublisher interface {
	PublishOnce(ctx context.Context, alert models.Alert, dedupParts ...string) bool
}

// Components 服务依赖的各层组件
type Components struct {
	Assets       repository.AssetsRepository
	Meters       repository.MetersRepository
	Rules        repository.RulesRepository
	WorkOrders   repository.WorkOrdersRepository
	Predictions  repository.PredictionsRepository
	Telemetry    *telemetry.Adapter
	Extractor    FeatureExtractor
	Scheduler    *scheduler.Scheduler
	Predictor    AssetPredictor
	Aggregator   *aggregator.Aggregator
	Orchestrator *orchestrator.Orchestrator
	Alerts       OverduePublisher // 可为 nil
	Feedback     *feedback.Loop   // 可为 nil
}

// Config 服务运行参数
type Config struct {
	CycleInterval    time.Duration
	CycleTimeout     time.Duration
	Workers          int
	Tenants          []string
	QualityThreshold float64
	FeedbackInterval time.Duration
}

// MaintenanceService 维护触发与故障预测服务（整合各层）
type MaintenanceService struct {
	c      Components
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time
	hub    *alerting.Hub // 可为 nil

	closers []func() error
	wg      sync.WaitGroup
}

// NewMaintenanceService 创建服务
func NewMaintenanceService(c Components, cfg Config, logger *zap.Logger) *MaintenanceService {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 15 * time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.CycleInterval
	}
	return &MaintenanceService{
		c:      c,
		cfg:    cfg,
		tracer: otel.Tracer("wisefido-maintenance"),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// addCloser 注册 Stop 时需要释放的资源
func (s *MaintenanceService) addCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Start 启动周期评估与反馈环（非阻塞）
func (s *MaintenanceService) Start(ctx context.Context) {
	s.logger.Info("Starting maintenance service",
		zap.Strings("tenants", s.cfg.Tenants),
		zap.Duration("cycle_interval", s.cfg.CycleInterval),
		zap.Int("workers", s.cfg.Workers),
	)

	if s.hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hub.Run(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCycles(ctx)
	}()

	if s.c.Feedback != nil && s.cfg.FeedbackInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.c.Feedback.Run(ctx, s.cfg.FeedbackInterval, func(context.Context) []string { return s.cfg.Tenants })
		}()
	}
}

func (s *MaintenanceService) runCycles(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range s.cfg.Tenants {
				if _, err := s.RunCycle(ctx, tenantID, CycleOptions{Predict: true, CreateWorkOrders: true}); err != nil {
					s.logger.Error("Evaluation cycle failed", zap.String("tenant_id", tenantID), zap.Error(err))
				}
			}
		}
	}
}

// Hub WebSocket 告警推送（未配置时为 nil）
func (s *MaintenanceService) Hub() *alerting.Hub {
	return s.hub
}

// Stop 等待后台任务退出并释放连接
func (s *MaintenanceService) Stop() error {
	s.wg.Wait()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("Failed to release resource", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.logger.Info("Maintenance service stopped")
	return firstErr
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return models.ErrTenantRequired
	}
	return nil
}

// getAsset 资产必须属于该租户
func (s *MaintenanceService) getAsset(ctx context.Context, tenantID, assetID string) (*models.Asset, error) {
	asset, err := s.c.Assets.GetAsset(ctx, tenantID, assetID)
	if err != nil {
		return nil, err
	}
	if asset.TenantID != "" && asset.TenantID != tenantID {
		return nil, fmt.Errorf("%w: asset_id=%s", models.ErrAssetNotFound, assetID)
	}
	return asset, nil
}
