package prediction

import (
	"fmt"
	"math"
	"sort"
	"time"

	"wisefido-maintenance/internal/models"
)

// TrainingConfig 训练参数
type TrainingConfig struct {
	MinFailureLabels int
	Iterations       int
	LearningRate     float64
	L2               float64
}

// Train 用带标签样本训练模型
// 故障与正常样本都足够时训练分类器；正常样本 >= 2 时训练健康基线；两者都无法训练时返回 ErrInsufficientData
func Train(examples []models.TrainingExample, cfg TrainingConfig, now time.Time) (*Model, error) {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 500
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}

	names := featureNames(examples)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no training features", models.ErrInsufficientData)
	}

	var rows, healthy []map[string]float64
	var labels []float64
	failures := 0
	for _, ex := range examples {
		row := make(map[string]float64, len(ex.Features))
		for _, f := range ex.Features {
			row[f.Name] = f.Value
		}
		rows = append(rows, row)
		if ex.Failed {
			labels = append(labels, 1)
			failures++
		} else {
			labels = append(labels, 0)
			healthy = append(healthy, row)
		}
	}

	model := &Model{
		Version:       fmt.Sprintf("v%s-n%d", now.UTC().Format("20060102T150405"), len(examples)),
		FailureLabels: failures,
		Examples:      len(examples),
		TrainedAt:     now,
	}

	if len(healthy) >= 2 {
		model.Novelty = &NoveltyDetector{standardizer: newStandardizer(names, healthy)}
	}
	if failures >= cfg.MinFailureLabels && failures > 0 && len(healthy) > 0 {
		model.Classifier = fitLogistic(names, rows, labels, cfg)
	}

	if model.Classifier == nil && model.Novelty == nil {
		return nil, fmt.Errorf("%w: %d examples, %d failure labels", models.ErrInsufficientData, len(examples), failures)
	}
	return model, nil
}

func featureNames(examples []models.TrainingExample) []string {
	seen := map[string]bool{}
	var names []string
	for _, ex := range examples {
		for _, f := range ex.Features {
			if !seen[f.Name] {
				seen[f.Name] = true
				names = append(names, f.Name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// fitLogistic 批量梯度下降 + L2，随后在训练集 logit 上拟合 Platt 参数
func fitLogistic(names []string, rows []map[string]float64, labels []float64, cfg TrainingConfig) *LogisticModel {
	std := newStandardizer(names, rows)
	x := make([][]float64, len(rows))
	for i, row := range rows {
		x[i] = std.transform(row)
	}

	n := float64(len(rows))
	w := make([]float64, len(names))
	var b float64
	grad := make([]float64, len(names))

	for iter := 0; iter < cfg.Iterations; iter++ {
		for j := range grad {
			grad[j] = 0
		}
		var gradB float64
		for i, xi := range x {
			err := sigmoid(dot(w, xi)+b) - labels[i]
			for j, v := range xi {
				grad[j] += err * v
			}
			gradB += err
		}
		for j := range w {
			w[j] -= cfg.LearningRate * (grad[j]/n + cfg.L2*w[j])
		}
		b -= cfg.LearningRate * gradB / n
	}

	logits := make([]float64, len(x))
	for i, xi := range x {
		logits[i] = dot(w, xi) + b
	}
	a, c := fitPlatt(logits, labels)

	return &LogisticModel{standardizer: std, Weights: w, Bias: b, PlattA: a, PlattB: c}
}

// fitPlatt 用 Platt 平滑目标拟合 sigmoid(a*s + b)
func fitPlatt(logits, labels []float64) (float64, float64) {
	var pos, neg float64
	for _, y := range labels {
		if y > 0.5 {
			pos++
		} else {
			neg++
		}
	}
	hi := (pos + 1) / (pos + 2)
	lo := 1 / (neg + 2)

	a, b := 1.0, 0.0
	const lr = 0.05
	n := float64(len(logits))
	for iter := 0; iter < 300; iter++ {
		var ga, gb float64
		for i, s := range logits {
			t := lo
			if labels[i] > 0.5 {
				t = hi
			}
			err := sigmoid(a*s+b) - t
			ga += err * s
			gb += err
		}
		a -= lr * ga / n
		b -= lr * gb / n
	}
	if math.IsNaN(a) || math.IsNaN(b) || a <= 0 {
		return 1, 0
	}
	return a, b
}

func dot(w, x []float64) float64 {
	var s float64
	for j := range w {
		s += w[j] * x[j]
	}
	return s
}
