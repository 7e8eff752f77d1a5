package prediction

import (
	"math"
	"time"

	"wisefido-maintenance/internal/models"

	"gonum.org/v1/gonum/stat"
)

// Probability thresholds of the risk buckets.
const (
	CriticalProbability = 0.85
	HighProbability     = 0.6
	MediumProbability   = 0.3
)

// BucketRisk 故障概率分桶；关键资产上的 medium 升一级
func BucketRisk(p float64, criticality models.Criticality) models.RiskLevel {
	var level models.RiskLevel
	switch {
	case p >= CriticalProbability:
		level = models.RiskCritical
	case p >= HighProbability:
		level = models.RiskHigh
	case p >= MediumProbability:
		level = models.RiskMedium
	default:
		level = models.RiskLow
	}
	if level == models.RiskMedium && criticality == models.CriticalityCritical {
		level = level.Escalate()
	}
	return level
}

// maxExtrapolation 外推上限（无 horizon 时也生效）
const maxExtrapolation = 10 * 365 * 24 * time.Hour

// point 概率轨迹上的一个点
type point struct {
	at time.Time
	p  float64
}

// ExtrapolateFailure 根据概率轨迹外推预计故障时间
// 当前概率已达阈值：now + leadTime；少于 3 个点或斜率 <= 0：无日期；超出 horizon：无日期
func ExtrapolateFailure(history []models.PredictionResult, current float64, now time.Time, threshold float64, leadTime, horizon time.Duration) *time.Time {
	if current >= threshold {
		at := now.Add(leadTime)
		return &at
	}

	points := make([]point, 0, len(history)+1)
	for _, h := range history {
		if h.EvaluatedAt.Before(now) {
			points = append(points, point{at: h.EvaluatedAt, p: h.FailureProbability})
		}
	}
	points = append(points, point{at: now, p: current})
	if len(points) < 3 {
		return nil
	}

	x := make([]float64, len(points))
	y := make([]float64, len(points))
	for i, pt := range points {
		x[i] = pt.at.Sub(now).Hours()
		y[i] = pt.p
	}
	_, slope := stat.LinearRegression(x, y, nil, false)
	if math.IsNaN(slope) || slope <= 0 {
		return nil
	}

	// 先按小时比较再转 Duration，避免慢斜率溢出成负值
	hours := (threshold - current) / slope
	limit := maxExtrapolation.Hours()
	if horizon > 0 && horizon.Hours() < limit {
		limit = horizon.Hours()
	}
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours < 0 || hours > limit {
		return nil
	}
	at := now.Add(time.Duration(hours * float64(time.Hour)))
	return &at
}
