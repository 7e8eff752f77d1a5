package prediction

import (
	"math"

	"wisefido-maintenance/internal/features"
	"wisefido-maintenance/internal/models"
)

// StrategyKind 评分策略类型
type StrategyKind string

const (
	// StrategyEnsemble 有监督分类器给出概率，异常检测只用于校验（降低置信度）
	StrategyEnsemble StrategyKind = "ensemble"
	// StrategyAnomalyOnly 故障标签不足时的退化模式：仅异常评分，置信度封顶
	StrategyAnomalyOnly StrategyKind = "anomaly_only"
)

const maxFactors = 5

// Score 策略输出
type Score struct {
	Probability float64
	Anomaly     float64 // [0,1]
	Confidence  float64
	Factors     []models.Factor
}

// ScoringStrategy 评分策略（ensemble / anomaly_only），按可用训练数据选择
type ScoringStrategy interface {
	Kind() StrategyKind
	Score(vec *models.FeatureVector) Score
}

// ScoringConfig 评分参数
type ScoringConfig struct {
	LowConfidenceCeiling  float64
	DisagreementTolerance float64
	TargetAccuracy        float64
}

// SelectStrategy 根据模型选择策略：故障标签达到 minFailureLabels 且分类器可用时用 ensemble
func SelectStrategy(model *Model, minFailureLabels int, cfg ScoringConfig) ScoringStrategy {
	var novelty *NoveltyDetector
	if model != nil {
		novelty = model.Novelty
		if model.Classifier != nil && model.FailureLabels >= minFailureLabels {
			return &ensembleStrategy{classifier: model.Classifier, novelty: novelty, cfg: cfg}
		}
	}
	return &anomalyOnlyStrategy{novelty: novelty, cfg: cfg}
}

type ensembleStrategy struct {
	classifier *LogisticModel
	novelty    *NoveltyDetector
	cfg        ScoringConfig
}

func (s *ensembleStrategy) Kind() StrategyKind { return StrategyEnsemble }

func (s *ensembleStrategy) Score(vec *models.FeatureVector) Score {
	values := vec.Map()
	p, factors := s.classifier.Probability(values)
	anomaly := anomalyScore(s.novelty, vec)

	confidence := s.cfg.TargetAccuracy * qualityOf(vec)
	if d := math.Abs(p - anomaly); d > s.cfg.DisagreementTolerance {
		confidence *= math.Max(0.5, 1-(d-s.cfg.DisagreementTolerance))
	}

	return Score{
		Probability: p,
		Anomaly:     anomaly,
		Confidence:  clamp01(confidence),
		Factors:     topFactors(factors, maxFactors),
	}
}

type anomalyOnlyStrategy struct {
	novelty *NoveltyDetector
	cfg     ScoringConfig
}

func (s *anomalyOnlyStrategy) Kind() StrategyKind { return StrategyAnomalyOnly }

func (s *anomalyOnlyStrategy) Score(vec *models.FeatureVector) Score {
	var factors []models.Factor
	var z float64
	if s.novelty != nil {
		z, factors = s.novelty.Score(vec.Map())
	} else {
		z, factors = vectorAnomaly(vec)
	}
	anomaly := anomalyProbability(z)

	// 严格低于上限
	confidence := s.cfg.LowConfidenceCeiling * 0.75 * qualityOf(vec)
	return Score{
		Probability: anomaly,
		Anomaly:     anomaly,
		Confidence:  clamp01(confidence),
		Factors:     topFactors(factors, maxFactors),
	}
}

func anomalyScore(novelty *NoveltyDetector, vec *models.FeatureVector) float64 {
	if novelty != nil {
		z, _ := novelty.Score(vec.Map())
		return anomalyProbability(z)
	}
	z, _ := vectorAnomaly(vec)
	return anomalyProbability(z)
}

func qualityOf(vec *models.FeatureVector) float64 {
	if q, ok := vec.Get(features.DataQuality); ok {
		return clamp01(q)
	}
	return 1
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
