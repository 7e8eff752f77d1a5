package models

import "time"

// Criticality 资产关键等级
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Asset 可维护设备（只读引用，资产台账归外部模块所有）
type Asset struct {
	AssetID     string      `json:"asset_id"`
	TenantID    string      `json:"tenant_id"`
	Name        string      `json:"name"`
	Criticality Criticality `json:"criticality"`
	InstallDate time.Time   `json:"install_date"`
	Status      string      `json:"status"` // active, standby, retired
}

// IsActive retired assets are not evaluated.
func (a Asset) IsActive() bool {
	return a.Status != "retired"
}
