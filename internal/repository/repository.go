package repository

import (
	"context"
	"time"

	"wisefido-maintenance/internal/models"
)

// 所有方法第一个业务参数均为 tenantID，空值直接拒绝（ErrTenantRequired），
// 所有 SQL 均按 tenant_id 过滤：上游即使已做租户隔离，这里仍然再校验一次。

// ReadingsRepository 传感器读数（追加写入的时序存储）
type ReadingsRepository interface {
	// AppendReading 追加读数；乱序/低质量读数打标记后照常写入
	AppendReading(ctx context.Context, tenantID string, r *models.Reading, qualityThreshold float64) (*models.Reading, error)
	// ReadWindow 读取 [from, to] 时间窗口内的读数（按时间升序）
	ReadWindow(ctx context.Context, tenantID, assetID, sensorID string, from, to time.Time) ([]models.Reading, error)
	// LatestReadings 最近 n 条读数（按时间升序）
	LatestReadings(ctx context.Context, tenantID, assetID, sensorID string, n int) ([]models.Reading, error)
	// ListChannels 资产上的传感器通道
	ListChannels(ctx context.Context, tenantID, assetID string) ([]models.Channel, error)
}

// MetersRepository 计量表
type MetersRepository interface {
	GetMeter(ctx context.Context, tenantID, meterID string) (*models.Meter, error)
	ListMeters(ctx context.Context, tenantID string) ([]models.Meter, error)
	UpdateMeterValue(ctx context.Context, tenantID, meterID string, value float64, at time.Time) error
}

// RulesRepository PM 规则（规则由维护计划员在外部创建，这里只读；满足状态随工单创建在事务内推进）
type RulesRepository interface {
	ListRules(ctx context.Context, tenantID string) ([]models.PMRule, error)
	ListActiveRulesByAsset(ctx context.Context, tenantID, assetID string) ([]models.PMRule, error)
	GetRule(ctx context.Context, tenantID, ruleID string) (*models.PMRule, error)
}

// WorkOrdersRepository 工单（引擎只创建/读取/更新优先级与注释）
type WorkOrdersRepository interface {
	// FindOpenByDedupKey 查找未关闭工单，不存在时返回 (nil, nil)
	FindOpenByDedupKey(ctx context.Context, tenantID, dedupKey string) (*models.WorkOrder, error)
	// CreateWorkOrder 创建工单，sat 非空时在同一事务内推进规则的 last_satisfied_at；
	// 同一 dedup_key 已存在未关闭工单或规则版本不匹配时返回 ErrUpsertConflict
	CreateWorkOrder(ctx context.Context, tenantID string, wo *models.WorkOrder, sat *models.RuleSatisfaction) error
	// UpdateOpenWorkOrder 按版本号更新优先级/截止时间/注释，版本不匹配返回 ErrUpsertConflict
	UpdateOpenWorkOrder(ctx context.Context, tenantID string, wo *models.WorkOrder) error
	ListOpenByAsset(ctx context.Context, tenantID, assetID string) ([]models.WorkOrder, error)
	ListRecent(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.WorkOrder, error)
	// ListClosedSince 按关闭时间升序返回 closed_at >= since 的工单（含边界，调用方需幂等）；cause 为空表示不限
	ListClosedSince(ctx context.Context, tenantID, cause string, since time.Time) ([]models.WorkOrder, error)
}

// PredictionsRepository 预测结果（最新一条 + 有限历史）
type PredictionsRepository interface {
	// SavePrediction 保存预测并裁剪该资产历史到 keep 条
	SavePrediction(ctx context.Context, tenantID string, p *models.PredictionResult, keep int) error
	LatestPrediction(ctx context.Context, tenantID, assetID string) (*models.PredictionResult, error)
	// History 按时间倒序
	History(ctx context.Context, tenantID, assetID string, limit int) ([]models.PredictionResult, error)
	GetPrediction(ctx context.Context, tenantID, predictionID string) (*models.PredictionResult, error)
}

// TrainingRepository 训练语料与模型快照
type TrainingRepository interface {
	// AppendExample 追加样本，同一工单只记录一次；返回是否新增
	AppendExample(ctx context.Context, tenantID string, ex *models.TrainingExample) (bool, error)
	ListExamples(ctx context.Context, tenantID string) ([]models.TrainingExample, error)
	CountExamples(ctx context.Context, tenantID string) (int, error)
	SaveModel(ctx context.Context, tenantID string, snap *models.ModelSnapshot) error
	// LatestModel 不存在时返回 (nil, nil)
	LatestModel(ctx context.Context, tenantID string) (*models.ModelSnapshot, error)
}

// AssetsRepository 资产只读模型
type AssetsRepository interface {
	ListAssets(ctx context.Context, tenantID string) ([]models.Asset, error)
	GetAsset(ctx context.Context, tenantID, assetID string) (*models.Asset, error)
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return models.ErrTenantRequired
	}
	return nil
}
