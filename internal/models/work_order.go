package models

import "time"

// WorkOrderStatus 工单状态（完整生命周期归工单模块所有）
type WorkOrderStatus string

const (
	WorkOrderOpen       WorkOrderStatus = "open"
	WorkOrderInProgress WorkOrderStatus = "in_progress"
	WorkOrderCompleted  WorkOrderStatus = "completed"
	WorkOrderCancelled  WorkOrderStatus = "cancelled"
)

// WorkOrderPriority 工单优先级
type WorkOrderPriority string

const (
	PriorityLow    WorkOrderPriority = "low"
	PriorityMedium WorkOrderPriority = "medium"
	PriorityHigh   WorkOrderPriority = "high"
	PriorityUrgent WorkOrderPriority = "urgent"
)

var priorityRank = map[WorkOrderPriority]int{
	PriorityLow:    1,
	PriorityMedium: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

// Rank orders priorities; unknown priorities rank 0.
func (p WorkOrderPriority) Rank() int {
	return priorityRank[p]
}

// PriorityFromRisk maps critical->urgent, high->high, medium->medium, low->low.
func PriorityFromRisk(level RiskLevel) WorkOrderPriority {
	switch level {
	case RiskCritical:
		return PriorityUrgent
	case RiskHigh:
		return PriorityHigh
	case RiskMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Outcomes recorded by the work-order module when a work order is closed.
const (
	OutcomeFailureConfirmed = "failure_confirmed"
	OutcomeDefectFound      = "defect_found"
	OutcomeNoFaultFound     = "no_fault_found"
)

// Annotation evidence attached to a work order.
type Annotation struct {
	Kind               string    `json:"kind"` // prediction, rule, note
	Cause              string    `json:"cause"`
	PredictionID       string    `json:"prediction_id,omitempty"`
	FailureProbability float64   `json:"failure_probability,omitempty"`
	Confidence         float64   `json:"confidence,omitempty"`
	RiskLevel          RiskLevel `json:"risk_level,omitempty"`
	Note               string    `json:"note,omitempty"`
	At                 time.Time `json:"at"`
}

// WorkOrder 工单（引擎视角）
type WorkOrder struct {
	WorkOrderID  string            `json:"work_order_id"`
	TenantID     string            `json:"tenant_id"`
	AssetID      string            `json:"asset_id"`
	Cause        string            `json:"cause"`
	DedupKey     string            `json:"dedup_key"`
	Status       WorkOrderStatus   `json:"status"`
	Priority     WorkOrderPriority `json:"priority"`
	DueAt        time.Time         `json:"due_at"`
	PredictionID string            `json:"prediction_id,omitempty"`
	Annotations  []Annotation      `json:"annotations"`
	Outcome      string            `json:"outcome,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ClosedAt     *time.Time        `json:"closed_at,omitempty"`
	Version      int64             `json:"version"`
}

// IsOpen open and in-progress work orders count toward the dedup invariant.
func (w WorkOrder) IsOpen() bool {
	return w.Status == WorkOrderOpen || w.Status == WorkOrderInProgress
}

// HasAnnotation reports whether an annotation of kind for predictionID is already attached.
func (w WorkOrder) HasAnnotation(kind, predictionID string) bool {
	for _, a := range w.Annotations {
		if a.Kind == kind && a.PredictionID == predictionID {
			return true
		}
	}
	return false
}
