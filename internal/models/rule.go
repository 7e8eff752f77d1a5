package models

import (
	"fmt"
	"time"
)

// TriggerType PM 规则触发类型
type TriggerType string

const (
	TriggerTime      TriggerType = "time"
	TriggerUsage     TriggerType = "usage"
	TriggerCondition TriggerType = "condition"
)

// Direction the unsafe side of a condition threshold.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// PMRule 预防性维护规则
// LastSatisfiedAt / LastSatisfiedValue 只在工单创建成功时推进，Version 用于乐观锁
type PMRule struct {
	RuleID             string      `json:"rule_id"`
	TenantID           string      `json:"tenant_id"`
	AssetID            string      `json:"asset_id"`
	Name               string      `json:"name"`
	TriggerType        TriggerType `json:"trigger_type"`
	IntervalSeconds    int64       `json:"interval_seconds,omitempty"` // time
	Threshold          float64     `json:"threshold,omitempty"`        // usage units or condition threshold
	MeterID            string      `json:"meter_id,omitempty"`         // usage / condition source
	Direction          Direction   `json:"direction,omitempty"`
	Debounce           int         `json:"debounce,omitempty"`
	LastSatisfiedAt    *time.Time  `json:"last_satisfied_at,omitempty"`
	LastSatisfiedValue float64     `json:"last_satisfied_value"`
	PriorityHint       RiskLevel   `json:"priority_hint"`
	Active             bool        `json:"active"`
	Version            int64       `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Interval returns the time-based interval.
func (r PMRule) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Anchor is the instant the current interval is measured from.
func (r PMRule) Anchor() time.Time {
	if r.LastSatisfiedAt != nil {
		return *r.LastSatisfiedAt
	}
	return r.CreatedAt
}

// Cause returns the need cause string for this rule.
func (r PMRule) Cause() string {
	return RuleCause(r.RuleID)
}

// RuleSatisfaction advances a rule's versioned satisfaction state.
type RuleSatisfaction struct {
	RuleID          string
	ExpectedVersion int64
	SatisfiedAt     time.Time
	MeterValue      float64
}

// RuleCause formats the cause tag of a rule-driven need.
func RuleCause(ruleID string) string {
	return fmt.Sprintf("%s%s", CauseRulePrefix, ruleID)
}
