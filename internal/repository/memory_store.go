package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-maintenance/internal/models"
)

// MemoryStore 内存版存储，DB 未配置时（dev 模式）与测试使用；实现全部仓库接口
// 语义与 Postgres 版一致：未关闭工单按 dedup_key 唯一，规则满足状态按版本号乐观更新
type MemoryStore struct {
	mu sync.RWMutex

	assets      map[string]map[string]models.Asset // tenant -> asset_id -> asset
	meters      map[string]map[string]models.Meter
	rules       map[string]map[string]models.PMRule
	readings    map[string][]models.Reading // tenant/asset/sensor -> readings (append order)
	workOrders  map[string]map[string]models.WorkOrder
	predictions map[string][]models.PredictionResult // tenant/asset -> newest first
	examples    map[string][]models.TrainingExample
	snapshots   map[string][]models.ModelSnapshot
	nextID      int64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      map[string]map[string]models.Asset{},
		meters:      map[string]map[string]models.Meter{},
		rules:       map[string]map[string]models.PMRule{},
		readings:    map[string][]models.Reading{},
		workOrders:  map[string]map[string]models.WorkOrder{},
		predictions: map[string][]models.PredictionResult{},
		examples:    map[string][]models.TrainingExample{},
		snapshots:   map[string][]models.ModelSnapshot{},
	}
}

var (
	_ ReadingsRepository    = (*MemoryStore)(nil)
	_ MetersRepository      = (*MemoryStore)(nil)
	_ RulesRepository       = (*MemoryStore)(nil)
	_ WorkOrdersRepository  = (*MemoryStore)(nil)
	_ PredictionsRepository = (*MemoryStore)(nil)
	_ TrainingRepository    = (*MemoryStore)(nil)
	_ AssetsRepository      = (*MemoryStore)(nil)
)

func channelKey(tenantID, assetID, sensorID string) string {
	return tenantID + "/" + assetID + "/" + sensorID
}

// ============================================
// 种子数据
// ============================================

// AddAsset 写入资产
func (s *MemoryStore) AddAsset(a models.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assets[a.TenantID] == nil {
		s.assets[a.TenantID] = map[string]models.Asset{}
	}
	s.assets[a.TenantID][a.AssetID] = a
}

// AddMeter 写入计量表
func (s *MemoryStore) AddMeter(m models.Meter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meters[m.TenantID] == nil {
		s.meters[m.TenantID] = map[string]models.Meter{}
	}
	s.meters[m.TenantID][m.MeterID] = m
}

// AddRule 写入 PM 规则
func (s *MemoryStore) AddRule(r models.PMRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rules[r.TenantID] == nil {
		s.rules[r.TenantID] = map[string]models.PMRule{}
	}
	s.rules[r.TenantID][r.RuleID] = r
}

// CloseWorkOrder 模拟外部工单系统关闭工单（outcome 为空表示取消）
func (s *MemoryStore) CloseWorkOrder(tenantID, workOrderID, outcome string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.workOrders[tenantID][workOrderID]
	if !ok {
		return fmt.Errorf("%w: work_order_id=%s", models.ErrWorkOrderNotFound, workOrderID)
	}
	if outcome == "" {
		wo.Status = models.WorkOrderCancelled
	} else {
		wo.Status = models.WorkOrderCompleted
	}
	wo.Outcome = outcome
	closed := at
	wo.ClosedAt = &closed
	wo.UpdatedAt = at
	wo.Version++
	s.workOrders[tenantID][workOrderID] = wo
	return nil
}

// WorkOrders 租户下全部工单（按创建时间升序）
func (s *MemoryStore) WorkOrders(tenantID string) []models.WorkOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WorkOrder, 0, len(s.workOrders[tenantID]))
	for _, wo := range s.workOrders[tenantID] {
		out = append(out, cloneWorkOrder(wo))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkOrderID < out[j].WorkOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ============================================
// ReadingsRepository
// ============================================

func (s *MemoryStore) AppendReading(_ context.Context, tenantID string, reading *models.Reading, qualityThreshold float64) (*models.Reading, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if reading == nil {
		return nil, fmt.Errorf("reading is required")
	}
	if reading.TenantID != "" && reading.TenantID != tenantID {
		return nil, models.ErrTenantMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey(tenantID, reading.AssetID, reading.SensorID)
	series := s.readings[key]

	stored := *reading
	stored.TenantID = tenantID
	stored.Flags = []string{}
	if n := len(series); n > 0 {
		var head time.Time
		for _, rd := range series {
			if rd.Timestamp.After(head) {
				head = rd.Timestamp
			}
		}
		if !stored.Timestamp.After(head) {
			stored.Flags = append(stored.Flags, models.FlagOutOfOrder)
		}
	}
	if stored.QualityScore < qualityThreshold {
		stored.Flags = append(stored.Flags, models.FlagLowQuality)
	}
	s.nextID++
	stored.ID = s.nextID
	s.readings[key] = append(series, stored)
	return &stored, nil
}

func (s *MemoryStore) ReadWindow(_ context.Context, tenantID, assetID, sensorID string, from, to time.Time) ([]models.Reading, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Reading{}
	for _, rd := range s.readings[channelKey(tenantID, assetID, sensorID)] {
		if rd.Timestamp.Before(from) || rd.Timestamp.After(to) {
			continue
		}
		out = append(out, rd)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) LatestReadings(_ context.Context, tenantID, assetID, sensorID string, n int) ([]models.Reading, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.readings[channelKey(tenantID, assetID, sensorID)]
	if n <= 0 {
		return []models.Reading{}, nil
	}
	start := len(series) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.Reading, len(series)-start)
	copy(out, series[start:])
	return out, nil
}

func (s *MemoryStore) ListChannels(_ context.Context, tenantID, assetID string) ([]models.Channel, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var channels []models.Channel
	for _, m := range s.meters[tenantID] {
		if m.AssetID != assetID || seen[m.SensorID] {
			continue
		}
		seen[m.SensorID] = true
		channels = append(channels, models.Channel{
			AssetID:    m.AssetID,
			SensorID:   m.SensorID,
			SensorType: m.SensorType,
			Unit:       m.Unit,
		})
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].SensorID < channels[j].SensorID })
	return channels, nil
}

// ============================================
// MetersRepository
// ============================================

func (s *MemoryStore) GetMeter(_ context.Context, tenantID, meterID string) (*models.Meter, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meters[tenantID][meterID]
	if !ok {
		return nil, fmt.Errorf("%w: meter_id=%s", models.ErrMeterNotFound, meterID)
	}
	return &m, nil
}

func (s *MemoryStore) ListMeters(_ context.Context, tenantID string) ([]models.Meter, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Meter, 0, len(s.meters[tenantID]))
	for _, m := range s.meters[tenantID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeterID < out[j].MeterID })
	return out, nil
}

func (s *MemoryStore) UpdateMeterValue(_ context.Context, tenantID, meterID string, value float64, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meters[tenantID][meterID]
	if !ok {
		return fmt.Errorf("%w: meter_id=%s", models.ErrMeterNotFound, meterID)
	}
	if m.LastReadingAt != nil && !at.After(*m.LastReadingAt) {
		return nil
	}
	ts := at
	m.CurrentValue = value
	m.LastReadingAt = &ts
	s.meters[tenantID][meterID] = m
	return nil
}

// ============================================
// RulesRepository
// ============================================

func (s *MemoryStore) ListRules(_ context.Context, tenantID string) ([]models.PMRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PMRule, 0, len(s.rules[tenantID]))
	for _, r := range s.rules[tenantID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (s *MemoryStore) ListActiveRulesByAsset(ctx context.Context, tenantID, assetID string) ([]models.PMRule, error) {
	all, err := s.ListRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := []models.PMRule{}
	for _, r := range all {
		if r.Active && r.AssetID == assetID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetRule(_ context.Context, tenantID, ruleID string) (*models.PMRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[tenantID][ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: rule_id=%s", models.ErrRuleNotFound, ruleID)
	}
	return &r, nil
}

// ============================================
// WorkOrdersRepository
// ============================================

func cloneWorkOrder(wo models.WorkOrder) models.WorkOrder {
	if wo.Annotations != nil {
		wo.Annotations = append([]models.Annotation(nil), wo.Annotations...)
	}
	return wo
}

func (s *MemoryStore) FindOpenByDedupKey(_ context.Context, tenantID, dedupKey string) (*models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wo := range s.workOrders[tenantID] {
		if wo.DedupKey == dedupKey && wo.IsOpen() {
			c := cloneWorkOrder(wo)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateWorkOrder(_ context.Context, tenantID string, wo *models.WorkOrder, sat *models.RuleSatisfaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if wo == nil {
		return fmt.Errorf("work order is required")
	}
	if wo.TenantID != tenantID {
		return fmt.Errorf("%w: work_order.tenant_id must match tenant_id parameter", models.ErrTenantMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.workOrders[tenantID] {
		if existing.DedupKey == wo.DedupKey && existing.IsOpen() {
			return fmt.Errorf("%w: dedup_key=%s", models.ErrUpsertConflict, wo.DedupKey)
		}
	}

	var rule models.PMRule
	if sat != nil {
		r, ok := s.rules[tenantID][sat.RuleID]
		if !ok || r.Version != sat.ExpectedVersion {
			return fmt.Errorf("%w: rule_id=%s version=%d", models.ErrUpsertConflict, sat.RuleID, sat.ExpectedVersion)
		}
		at := sat.SatisfiedAt
		r.LastSatisfiedAt = &at
		r.LastSatisfiedValue = sat.MeterValue
		r.Version++
		rule = r
	}

	if s.workOrders[tenantID] == nil {
		s.workOrders[tenantID] = map[string]models.WorkOrder{}
	}
	s.workOrders[tenantID][wo.WorkOrderID] = cloneWorkOrder(*wo)
	if sat != nil {
		s.rules[tenantID][sat.RuleID] = rule
	}
	return nil
}

func (s *MemoryStore) UpdateOpenWorkOrder(_ context.Context, tenantID string, wo *models.WorkOrder) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workOrders[tenantID][wo.WorkOrderID]
	if !ok || !existing.IsOpen() || existing.Version != wo.Version {
		return fmt.Errorf("%w: work_order_id=%s version=%d", models.ErrUpsertConflict, wo.WorkOrderID, wo.Version)
	}
	existing.Priority = wo.Priority
	existing.DueAt = wo.DueAt
	existing.PredictionID = wo.PredictionID
	existing.Annotations = append([]models.Annotation(nil), wo.Annotations...)
	existing.UpdatedAt = wo.UpdatedAt
	existing.Version++
	s.workOrders[tenantID][wo.WorkOrderID] = existing
	wo.Version = existing.Version
	return nil
}

func (s *MemoryStore) ListOpenByAsset(_ context.Context, tenantID, assetID string) ([]models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	out := []models.WorkOrder{}
	for _, wo := range s.WorkOrders(tenantID) {
		if wo.AssetID == assetID && wo.IsOpen() {
			out = append(out, wo)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, tenantID string, since time.Time, limit int) ([]models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	all := s.WorkOrders(tenantID)
	out := []models.WorkOrder{}
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].CreatedAt.Before(since) {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) ListClosedSince(_ context.Context, tenantID, cause string, since time.Time) ([]models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	out := []models.WorkOrder{}
	for _, wo := range s.WorkOrders(tenantID) {
		if (cause != "" && wo.Cause != cause) || wo.ClosedAt == nil || wo.ClosedAt.Before(since) {
			continue
		}
		out = append(out, wo)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}

// ============================================
// PredictionsRepository
// ============================================

func (s *MemoryStore) SavePrediction(_ context.Context, tenantID string, p *models.PredictionResult, keep int) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("prediction is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "/" + p.AssetID
	stored := *p
	stored.TenantID = tenantID
	history := append([]models.PredictionResult{stored}, s.predictions[key]...)
	if keep > 0 && len(history) > keep {
		// 被工单引用的预测不裁剪（反馈环需要其特征向量）
		referenced := map[string]bool{}
		for _, wo := range s.workOrders[tenantID] {
			if wo.PredictionID != "" {
				referenced[wo.PredictionID] = true
			}
		}
		trimmed := history[:keep]
		for _, old := range history[keep:] {
			if referenced[old.PredictionID] {
				trimmed = append(trimmed, old)
			}
		}
		history = trimmed
	}
	s.predictions[key] = history
	return nil
}

func (s *MemoryStore) LatestPrediction(ctx context.Context, tenantID, assetID string) (*models.PredictionResult, error) {
	history, err := s.History(ctx, tenantID, assetID, 1)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return &history[0], nil
}

func (s *MemoryStore) History(_ context.Context, tenantID, assetID string, limit int) ([]models.PredictionResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.predictions[tenantID+"/"+assetID]
	if len(history) > limit {
		history = history[:limit]
	}
	return append([]models.PredictionResult{}, history...), nil
}

func (s *MemoryStore) GetPrediction(_ context.Context, tenantID, predictionID string) (*models.PredictionResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := tenantID + "/"
	for key, history := range s.predictions {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		for _, p := range history {
			if p.PredictionID == predictionID {
				found := p
				return &found, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: prediction_id=%s", models.ErrPredictionNotFound, predictionID)
}

// ============================================
// TrainingRepository
// ============================================

func (s *MemoryStore) AppendExample(_ context.Context, tenantID string, ex *models.TrainingExample) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	if ex == nil {
		return false, fmt.Errorf("training example is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex.WorkOrderID != "" {
		for _, existing := range s.examples[tenantID] {
			if existing.WorkOrderID == ex.WorkOrderID {
				return false, nil
			}
		}
	}
	stored := *ex
	stored.TenantID = tenantID
	s.examples[tenantID] = append(s.examples[tenantID], stored)
	return true, nil
}

func (s *MemoryStore) ListExamples(_ context.Context, tenantID string) ([]models.TrainingExample, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TrainingExample{}, s.examples[tenantID]...), nil
}

func (s *MemoryStore) CountExamples(_ context.Context, tenantID string) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.examples[tenantID]), nil
}

func (s *MemoryStore) SaveModel(_ context.Context, tenantID string, snap *models.ModelSnapshot) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *snap
	stored.TenantID = tenantID
	s.snapshots[tenantID] = append(s.snapshots[tenantID], stored)
	return nil
}

func (s *MemoryStore) LatestModel(_ context.Context, tenantID string) (*models.ModelSnapshot, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[tenantID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

// ============================================
// AssetsRepository
// ============================================

func (s *MemoryStore) ListAssets(_ context.Context, tenantID string) ([]models.Asset, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Asset, 0, len(s.assets[tenantID]))
	for _, a := range s.assets[tenantID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *MemoryStore) GetAsset(_ context.Context, tenantID, assetID string) (*models.Asset, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[tenantID][assetID]
	if !ok {
		return nil, fmt.Errorf("%w: asset_id=%s", models.ErrAssetNotFound, assetID)
	}
	return &a, nil
}
