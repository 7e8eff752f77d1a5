package models

import "time"

// Reading flags. A flagged reading is stored but excluded from statistics.
const (
	FlagOutOfOrder = "out_of_order"
	FlagLowQuality = "low_quality"
)

// Reading 传感器/计量读数（追加写入，写入后不可变）
type Reading struct {
	ID           int64     `json:"id"`
	TenantID     string    `json:"tenant_id"`
	AssetID      string    `json:"asset_id"`
	SensorID     string    `json:"sensor_id"`
	Value        float64   `json:"value"`
	Unit         string    `json:"unit"`
	Timestamp    time.Time `json:"timestamp"`
	QualityScore float64   `json:"quality_score"`
	Source       string    `json:"source,omitempty"`
	Flags        []string  `json:"flags,omitempty"`
}

// HasFlag reports whether the reading carries flag.
func (r Reading) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Usable readings are in order and above the quality threshold.
func (r Reading) Usable() bool {
	return len(r.Flags) == 0
}

// Channel one (asset, sensor) time series.
type Channel struct {
	AssetID    string `json:"asset_id"`
	SensorID   string `json:"sensor_id"`
	SensorType string `json:"sensor_type"`
	Unit       string `json:"unit"`
}

// MeterType 计量类型
type MeterType string

const (
	MeterCumulative MeterType = "cumulative" // 运行小时、循环次数等累计值
	MeterGauge      MeterType = "gauge"      // 温度、振动等瞬时值
)

// Meter 计量表，对应资产上的一个传感器通道
type Meter struct {
	MeterID       string     `json:"meter_id"`
	TenantID      string     `json:"tenant_id"`
	AssetID       string     `json:"asset_id"`
	SensorID      string     `json:"sensor_id"`
	SensorType    string     `json:"sensor_type"`
	Name          string     `json:"name"`
	Unit          string     `json:"unit"`
	MeterType     MeterType  `json:"meter_type"`
	CurrentValue  float64    `json:"current_value"`
	LastReadingAt *time.Time `json:"last_reading_at,omitempty"`
}
