package models

import (
	"strings"
	"time"
)

const (
	// CauseRulePrefix prefixes rule-driven causes: "rule:<rule_id>".
	CauseRulePrefix = "rule:"
	// CausePrediction is the cause of model-driven needs.
	CausePrediction = "prediction"
)

// MaintenanceNeed 风险聚合器输出，交由工单编排器立即消费
type MaintenanceNeed struct {
	TenantID         string            `json:"tenant_id"`
	AssetID          string            `json:"asset_id"`
	Cause            string            `json:"cause"`
	RuleID           string            `json:"rule_id,omitempty"`
	RuleVersion      int64             `json:"-"`
	TriggerType      TriggerType       `json:"trigger_type,omitempty"`
	DueAt            time.Time         `json:"due_at"`
	Priority         RiskLevel         `json:"priority"`
	SourceConfidence float64           `json:"source_confidence"`
	Reason           string            `json:"reason,omitempty"`
	MeterValue       float64           `json:"-"`
	Prediction       *PredictionResult `json:"prediction,omitempty"`
	// AnnotatesCause is set on a prediction need that fired together with a rule need on the
	// same asset; the prediction lands as evidence on that rule's work order.
	AnnotatesCause string `json:"annotates_cause,omitempty"`
	// Pending marks a rule whose work order is already open; the need persists until it closes.
	Pending bool `json:"pending,omitempty"`
}

// IsRule reports whether the need was produced by a PM rule.
func (n MaintenanceNeed) IsRule() bool {
	return strings.HasPrefix(n.Cause, CauseRulePrefix)
}

// CauseCategory is the dedup dimension of the need.
func (n MaintenanceNeed) CauseCategory() string {
	if n.AnnotatesCause != "" {
		return n.AnnotatesCause
	}
	return n.Cause
}
