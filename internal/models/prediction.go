package models

import "time"

// RiskLevel 风险等级，同时用作 PM 规则的 priority_hint 量表
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank orders risk levels; unknown levels rank 0.
func (l RiskLevel) Rank() int {
	return riskRank[l]
}

// AtLeast reports l >= other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Rank() >= other.Rank()
}

// Escalate moves one tier up, saturating at critical.
func (l RiskLevel) Escalate() RiskLevel {
	switch l {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Valid reports whether l is one of the four levels.
func (l RiskLevel) Valid() bool {
	_, ok := riskRank[l]
	return ok
}

// MaxRisk returns the higher of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Factor a feature's contribution to a prediction.
type Factor struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// PredictionResult 故障预测结果（每个周期生成，保留最新一条及有限历史）
type PredictionResult struct {
	PredictionID        string         `json:"prediction_id"`
	TenantID            string         `json:"tenant_id"`
	AssetID             string         `json:"asset_id"`
	FailureProbability  float64        `json:"failure_probability"`
	PredictedFailureAt  *time.Time     `json:"predicted_failure_date,omitempty"`
	Confidence          float64        `json:"confidence"`
	RiskLevel           RiskLevel      `json:"risk_level"`
	ContributingFactors []Factor       `json:"contributing_factors"`
	AnomalyScore        float64        `json:"anomaly_score"`
	Strategy            string         `json:"strategy"`
	ModelVersion        string         `json:"model_version,omitempty"`
	Features            *FeatureVector `json:"features,omitempty"`
	EvaluatedAt         time.Time      `json:"evaluated_at"`
}

// Feature one named value of a feature vector.
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FeatureVector 特征向量（派生数据，按名称有序）
type FeatureVector struct {
	AssetID     string    `json:"asset_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Features    []Feature `json:"features"`
}

// Get looks a feature up by name.
func (v *FeatureVector) Get(name string) (float64, bool) {
	if v == nil {
		return 0, false
	}
	for _, f := range v.Features {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// Map returns the features keyed by name.
func (v *FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Features))
	for _, f := range v.Features {
		m[f.Name] = f.Value
	}
	return m
}

// TrainingExample 带标签的训练样本（来自工单反馈）
type TrainingExample struct {
	ExampleID    string    `json:"example_id"`
	TenantID     string    `json:"tenant_id"`
	AssetID      string    `json:"asset_id"`
	WorkOrderID  string    `json:"work_order_id,omitempty"`
	PredictionID string    `json:"prediction_id,omitempty"`
	Features     []Feature `json:"features"`
	Failed       bool      `json:"failed"`
	Source       string    `json:"source"` // feedback, history
	CreatedAt    time.Time `json:"created_at"`
}

// ModelSnapshot 已训练模型的持久化快照
type ModelSnapshot struct {
	TenantID  string    `json:"tenant_id"`
	Version   string    `json:"version"`
	Payload   []byte    `json:"payload"`
	Examples  int       `json:"examples"`
	CreatedAt time.Time `json:"created_at"`
}
