package prediction

import (
	"math"
	"sort"
	"strings"
	"time"

	"wisefido-maintenance/internal/features"
	"wisefido-maintenance/internal/models"
)

// Model 已训练模型（可序列化为快照）
// Classifier 为空表示故障标签不足，只能做异常评分
type Model struct {
	Version       string           `json:"version"`
	Classifier    *LogisticModel   `json:"classifier,omitempty"`
	Novelty       *NoveltyDetector `json:"novelty,omitempty"`
	FailureLabels int              `json:"failure_labels"`
	Examples      int              `json:"examples"`
	TrainedAt     time.Time        `json:"trained_at"`
}

// standardizer 按特征名标准化，缺失特征取均值（z=0）
type standardizer struct {
	Features []string  `json:"features"`
	Means    []float64 `json:"means"`
	Stds     []float64 `json:"stds"`
}

func newStandardizer(names []string, rows []map[string]float64) standardizer {
	s := standardizer{
		Features: names,
		Means:    make([]float64, len(names)),
		Stds:     make([]float64, len(names)),
	}
	for j, name := range names {
		var sum, sq float64
		for _, row := range rows {
			sum += row[name]
		}
		mean := sum / float64(len(rows))
		for _, row := range rows {
			d := row[name] - mean
			sq += d * d
		}
		std := 0.0
		if len(rows) > 1 {
			std = math.Sqrt(sq / float64(len(rows)-1))
		}
		if std < 1e-9 {
			std = 1
		}
		s.Means[j] = mean
		s.Stds[j] = std
	}
	return s
}

func (s standardizer) transform(values map[string]float64) []float64 {
	z := make([]float64, len(s.Features))
	for j, name := range s.Features {
		v, ok := values[name]
		if !ok {
			continue
		}
		z[j] = (v - s.Means[j]) / s.Stds[j]
	}
	return z
}

// LogisticModel L2 正则逻辑回归 + Platt 校准
type LogisticModel struct {
	standardizer
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	PlattA  float64   `json:"platt_a"`
	PlattB  float64   `json:"platt_b"`
}

// Probability 校准后的故障概率，以及每个特征的贡献 (w_j * z_j)
func (m *LogisticModel) Probability(values map[string]float64) (float64, []models.Factor) {
	z := m.transform(values)
	logit := m.Bias
	factors := make([]models.Factor, 0, len(z))
	for j := range z {
		c := m.Weights[j] * z[j]
		logit += c
		if c != 0 {
			factors = append(factors, models.Factor{Feature: m.Features[j], Weight: c})
		}
	}
	return sigmoid(m.PlattA*logit + m.PlattB), factors
}

// NoveltyDetector 健康样本的逐特征高斯基线
type NoveltyDetector struct {
	standardizer
}

// Score 偏离健康基线的程度：z 分数的均方根，以及逐特征 |z|
func (d *NoveltyDetector) Score(values map[string]float64) (float64, []models.Factor) {
	z := d.transform(values)
	if len(z) == 0 {
		return 0, nil
	}
	var sq float64
	factors := make([]models.Factor, 0, len(z))
	for j, v := range z {
		sq += v * v
		if v != 0 {
			factors = append(factors, models.Factor{Feature: d.Features[j], Weight: math.Abs(v)})
		}
	}
	return math.Sqrt(sq / float64(len(z))), factors
}

// anomalyProbability 把 z 类分数映射到 [0,1]，z=3 处为 0.5
func anomalyProbability(z float64) float64 {
	return sigmoid(z - 3)
}

// vectorAnomaly 没有健康基线时使用特征提取器的通道异常分数（取最大值）
func vectorAnomaly(vec *models.FeatureVector) (float64, []models.Factor) {
	var maxZ float64
	var factors []models.Factor
	for _, f := range vec.Features {
		if !strings.HasSuffix(f.Name, features.SuffixAnomaly) {
			continue
		}
		if f.Value > maxZ {
			maxZ = f.Value
		}
		if f.Value != 0 {
			factors = append(factors, models.Factor{Feature: f.Name, Weight: f.Value})
		}
	}
	return maxZ, factors
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// topFactors 按 |weight| 取前 n 个
func topFactors(factors []models.Factor, n int) []models.Factor {
	sorted := append([]models.Factor(nil), factors...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].Weight) > math.Abs(sorted[j].Weight)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	for i := range sorted {
		sorted[i].Weight = math.Round(sorted[i].Weight*1000) / 1000
	}
	return sorted
}
