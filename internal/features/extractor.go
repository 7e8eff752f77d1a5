package features

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/telemetry"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Feature name suffixes computed per channel.
const (
	SuffixMean    = ".mean"
	SuffixStd     = ".std"
	SuffixMin     = ".min"
	SuffixMax     = ".max"
	SuffixSlope   = ".slope"
	SuffixAnomaly = ".anomaly"

	// DataQuality usable / total readings across all channels of the window.
	DataQuality = "data_quality_ratio"

	// maxAnomaly caps the anomaly z-score so a flat baseline does not produce +Inf.
	maxAnomaly = 10.0
)

// Config 特征提取配置
type Config struct {
	DefaultLookback      time.Duration
	LookbackBySensorType map[string]time.Duration
	MinReadings          int
	BaselineLength       int
}

func (c Config) lookbackFor(sensorType string) time.Duration {
	if d, ok := c.LookbackBySensorType[sensorType]; ok && d > 0 {
		return d
	}
	return c.DefaultLookback
}

// Extractor 将读数窗口转换为特征向量（纯读取 + 计算，无副作用）
type Extractor struct {
	source telemetry.Source
	cfg    Config
	logger *zap.Logger
}

// NewExtractor 创建特征提取器
func NewExtractor(source telemetry.Source, cfg Config, logger *zap.Logger) *Extractor {
	if cfg.MinReadings < 2 {
		cfg.MinReadings = 2
	}
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = 30 * 24 * time.Hour
	}
	if cfg.BaselineLength <= 0 {
		cfg.BaselineLength = 50
	}
	return &Extractor{source: source, cfg: cfg, logger: logger}
}

// Extract 计算资产在 now 时刻的特征向量
// 通道可用读数不足 MinReadings 时该通道不产出统计量；所有通道都不足时返回 ErrNoData
// 时序存储不可用时返回 ErrSourceUnavailable（调用方跳过该资产）
func (e *Extractor) Extract(ctx context.Context, tenantID, assetID string, now time.Time) (*models.FeatureVector, error) {
	channels, err := e.source.ListChannels(ctx, tenantID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: asset %s has no sensor channels", models.ErrNoData, assetID)
	}

	prefixes := channelPrefixes(channels)
	vector := &models.FeatureVector{AssetID: assetID, WindowStart: now, WindowEnd: now}
	total, usableTotal, channelsWithStats := 0, 0, 0

	for _, ch := range channels {
		from := now.Add(-e.cfg.lookbackFor(ch.SensorType))
		readings, err := e.source.ReadWindow(ctx, tenantID, assetID, ch.SensorID, from, now)
		if err != nil {
			return nil, fmt.Errorf("failed to read channel %s: %w", ch.SensorID, err)
		}
		if from.Before(vector.WindowStart) {
			vector.WindowStart = from
		}

		usable := make([]models.Reading, 0, len(readings))
		for _, rd := range readings {
			if rd.Usable() {
				usable = append(usable, rd)
			}
		}
		total += len(readings)
		usableTotal += len(usable)

		if len(usable) < e.cfg.MinReadings {
			e.logger.Debug("Channel below minimum readings",
				zap.String("asset_id", assetID),
				zap.String("sensor_id", ch.SensorID),
				zap.Int("usable", len(usable)),
				zap.Int("min_readings", e.cfg.MinReadings),
			)
			continue
		}
		channelsWithStats++
		vector.Features = append(vector.Features, channelFeatures(prefixes[ch.SensorID], usable, from, e.cfg.BaselineLength)...)
	}

	if channelsWithStats == 0 {
		return nil, fmt.Errorf("%w: asset %s has fewer than %d usable readings on every channel", models.ErrNoData, assetID, e.cfg.MinReadings)
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(usableTotal) / float64(total)
	}
	vector.Features = append(vector.Features, models.Feature{Name: DataQuality, Value: ratio})

	sort.Slice(vector.Features, func(i, j int) bool { return vector.Features[i].Name < vector.Features[j].Name })
	return vector, nil
}

// channelPrefixes 特征名前缀使用传感器类型，便于跨资产训练；同一资产同类型多通道时追加 sensor_id
func channelPrefixes(channels []models.Channel) map[string]string {
	byType := map[string]int{}
	for _, ch := range channels {
		byType[ch.SensorType]++
	}
	out := make(map[string]string, len(channels))
	for _, ch := range channels {
		prefix := ch.SensorType
		if prefix == "" {
			prefix = ch.SensorID
		} else if byType[ch.SensorType] > 1 {
			prefix = ch.SensorType + "/" + ch.SensorID
		}
		out[ch.SensorID] = prefix
	}
	return out
}

func channelFeatures(prefix string, readings []models.Reading, windowStart time.Time, baselineLength int) []models.Feature {
	values := make([]float64, len(readings))
	hours := make([]float64, len(readings))
	for i, rd := range readings {
		values[i] = rd.Value
		hours[i] = rd.Timestamp.Sub(windowStart).Hours()
	}

	mean, std := stat.MeanStdDev(values, nil)
	return []models.Feature{
		{Name: prefix + SuffixMean, Value: mean},
		{Name: prefix + SuffixStd, Value: finite(std)},
		{Name: prefix + SuffixMin, Value: floats.Min(values)},
		{Name: prefix + SuffixMax, Value: floats.Max(values)},
		{Name: prefix + SuffixSlope, Value: Slope(hours, values) * 24},
		{Name: prefix + SuffixAnomaly, Value: AnomalyScore(values, baselineLength)},
	}
}

// Slope 最小二乘线性趋势斜率（y 单位 / x 单位）
func Slope(x, y []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	_, beta := stat.LinearRegression(x, y, nil, false)
	return finite(beta)
}

// AnomalyScore 最近读数均值相对基线分布的偏离程度（z 分数，封顶 maxAnomaly）
// 基线取窗口内最早的 baselineLength 条读数，窗口不足两倍基线时取前一半
func AnomalyScore(values []float64, baselineLength int) float64 {
	n := len(values)
	if n < 4 {
		return 0
	}
	base := baselineLength
	if base > n/2 {
		base = n / 2
	}
	recentN := n / 4
	if recentN > 10 {
		recentN = 10
	}
	if recentN < 1 {
		recentN = 1
	}

	baseMean, baseStd := stat.MeanStdDev(values[:base], nil)
	recentMean := stat.Mean(values[n-recentN:], nil)
	diff := math.Abs(recentMean - baseMean)

	if !(baseStd > 0) {
		if diff == 0 {
			return 0
		}
		return maxAnomaly
	}
	return math.Min(diff/baseStd, maxAnomaly)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
