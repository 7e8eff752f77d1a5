package prediction

import (
	"context"
	"fmt"
	"time"

	"wisefido-maintenance/internal/metrics"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 预测配置
type Config struct {
	MinFailureLabels      int
	LowConfidenceCeiling  float64
	DisagreementTolerance float64
	TargetAccuracy        float64
	Horizon               time.Duration
	LeadTime              time.Duration
	HistoryLimit          int
}

// Predictor 故障预测
type Predictor struct {
	registry    *Registry
	predictions repository.PredictionsRepository
	cfg         Config
	logger      *zap.Logger
}

// NewPredictor 创建预测器
func NewPredictor(registry *Registry, predictions repository.PredictionsRepository, cfg Config, logger *zap.Logger) *Predictor {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 30
	}
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = 72 * time.Hour
	}
	if cfg.TargetAccuracy <= 0 {
		cfg.TargetAccuracy = 0.87
	}
	if cfg.LowConfidenceCeiling <= 0 {
		cfg.LowConfidenceCeiling = 0.4
	}
	return &Predictor{registry: registry, predictions: predictions, cfg: cfg, logger: logger}
}

// Predict 对特征向量评分并保存结果（保留有限历史）
func (p *Predictor) Predict(ctx context.Context, tenantID string, asset models.Asset, vec *models.FeatureVector, now time.Time) (*models.PredictionResult, error) {
	if vec == nil {
		return nil, fmt.Errorf("%w: feature vector is required", models.ErrInsufficientData)
	}

	model := p.registry.Current(ctx, tenantID)
	strategy := SelectStrategy(model, p.cfg.MinFailureLabels, ScoringConfig{
		LowConfidenceCeiling:  p.cfg.LowConfidenceCeiling,
		DisagreementTolerance: p.cfg.DisagreementTolerance,
		TargetAccuracy:        p.cfg.TargetAccuracy,
	})
	score := strategy.Score(vec)

	risk := BucketRisk(score.Probability, asset.Criticality)
	if strategy.Kind() == StrategyAnomalyOnly && risk == models.RiskCritical {
		// 数据不足时不输出 critical
		risk = models.RiskHigh
	}

	history, err := p.predictions.History(ctx, tenantID, asset.AssetID, p.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load prediction history: %w", err)
	}

	result := &models.PredictionResult{
		PredictionID:        uuid.New().String(),
		TenantID:            tenantID,
		AssetID:             asset.AssetID,
		FailureProbability:  score.Probability,
		PredictedFailureAt:  ExtrapolateFailure(history, score.Probability, now, CriticalProbability, p.cfg.LeadTime, p.cfg.Horizon),
		Confidence:          score.Confidence,
		RiskLevel:           risk,
		ContributingFactors: score.Factors,
		AnomalyScore:        score.Anomaly,
		Strategy:            string(strategy.Kind()),
		Features:            vec,
		EvaluatedAt:         now,
	}
	if model != nil {
		result.ModelVersion = model.Version
	}
	if result.ContributingFactors == nil {
		result.ContributingFactors = []models.Factor{}
	}

	if err := p.predictions.SavePrediction(ctx, tenantID, result, p.cfg.HistoryLimit); err != nil {
		return nil, fmt.Errorf("failed to save prediction: %w", err)
	}

	metrics.PredictionsTotal.WithLabelValues(result.Strategy, string(result.RiskLevel)).Inc()
	p.logger.Debug("Asset scored",
		zap.String("tenant_id", tenantID),
		zap.String("asset_id", asset.AssetID),
		zap.String("strategy", result.Strategy),
		zap.Float64("failure_probability", result.FailureProbability),
		zap.Float64("confidence", result.Confidence),
		zap.String("risk_level", string(result.RiskLevel)),
	)
	return result, nil
}
