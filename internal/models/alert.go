package models

import "time"

// AlertKind 告警事件类型
type AlertKind string

const (
	AlertRiskHigh         AlertKind = "risk_high"
	AlertRiskCritical     AlertKind = "risk_critical"
	AlertRuleOverdue      AlertKind = "rule_overdue"
	AlertWorkOrderCreated AlertKind = "work_order_created"
)

// Alert 发布到订阅通道的结构化事件
type Alert struct {
	AlertID      string                 `json:"alert_id"`
	TenantID     string                 `json:"tenant_id"`
	AssetID      string                 `json:"asset_id"`
	Kind         AlertKind              `json:"kind"`
	Severity     RiskLevel              `json:"severity"`
	Cause        string                 `json:"cause,omitempty"`
	RuleID       string                 `json:"rule_id,omitempty"`
	WorkOrderID  string                 `json:"work_order_id,omitempty"`
	PredictionID string                 `json:"prediction_id,omitempty"`
	Message      string                 `json:"message"`
	Details      map[string]interface{} `json:"details,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}
