package alerting

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wisefido-maintenance/internal/metrics"
	"wisefido-maintenance/internal/models"

	"go.uber.org/zap"
)

// Sink 告警输出通道
type Sink interface {
	Name() string
	Send(ctx context.Context, alert models.Alert, payload []byte) error
}

// Marker 同一告警只发一次的标记存储（state.StateManager 实现）
type Marker interface {
	MarkOnce(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Key(tenantID string, parts ...string) string
}

// Publisher 告警扇出发布器
// 单个 sink 失败只记录日志和指标，不影响其他 sink，也不回滚工单
type Publisher struct {
	mu          sync.RWMutex
	sinks       []Sink
	marker      Marker
	suppressTTL time.Duration
	sendTimeout time.Duration
	logger      *zap.Logger
}

// NewPublisher 创建发布器；marker 为 nil 时不做重复告警抑制
func NewPublisher(marker Marker, suppressTTL time.Duration, logger *zap.Logger, sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:       sinks,
		marker:      marker,
		suppressTTL: suppressTTL,
		sendTimeout: 5 * time.Second,
		logger:      logger,
	}
}

// AddSink 注册 sink
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Sinks 已注册 sink 名称
func (p *Publisher) Sinks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish 发布告警到全部 sink
func (p *Publisher) Publish(ctx context.Context, alert models.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		p.logger.Error("Failed to marshal alert", zap.String("alert_id", alert.AlertID), zap.Error(err))
		return
	}

	p.mu.RLock()
	sinks := append([]Sink(nil), p.sinks...)
	p.mu.RUnlock()

	for _, s := range sinks {
		sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
		err := s.Send(sendCtx, alert, payload)
		cancel()
		if err != nil {
			metrics.AlertsPublished.WithLabelValues(s.Name(), string(alert.Kind), "failed").Inc()
			p.logger.Warn("Failed to deliver alert",
				zap.String("sink", s.Name()),
				zap.String("tenant_id", alert.TenantID),
				zap.String("alert_id", alert.AlertID),
				zap.String("kind", string(alert.Kind)),
				zap.Error(err),
			)
			continue
		}
		metrics.AlertsPublished.WithLabelValues(s.Name(), string(alert.Kind), "success").Inc()
	}

	p.logger.Debug("Alert published",
		zap.String("tenant_id", alert.TenantID),
		zap.String("asset_id", alert.AssetID),
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
	)
}

// PublishOnce 以 dedupParts 作为身份只发布一次（TTL 内），返回是否实际发布
// 标记存储不可用时仍然发布，宁可重复也不丢告警
func (p *Publisher) PublishOnce(ctx context.Context, alert models.Alert, dedupParts ...string) bool {
	if p.marker != nil {
		parts := append([]string{"alert", string(alert.Kind)}, dedupParts...)
		key := p.marker.Key(alert.TenantID, parts...)
		ok, err := p.marker.MarkOnce(ctx, key, alert, p.suppressTTL)
		if err != nil {
			p.logger.Warn("Alert suppression check failed, publishing anyway",
				zap.String("key", key),
				zap.Error(err),
			)
		} else if !ok {
			metrics.AlertsSuppressed.WithLabelValues(string(alert.Kind)).Inc()
			return false
		}
	}
	p.Publish(ctx, alert)
	return true
}

// MemoryMarker 进程内标记（无 Redis 的本地开发模式）
type MemoryMarker struct {
	mu      sync.Mutex
	prefix  string
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryMarker 创建进程内标记存储
func NewMemoryMarker(prefix string) *MemoryMarker {
	return &MemoryMarker{prefix: prefix, expires: map[string]time.Time{}, now: time.Now}
}

// Key <prefix><tenant>:<parts...>
func (m *MemoryMarker) Key(tenantID string, parts ...string) string {
	key := m.prefix + tenantID
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// MarkOnce 已存在且未过期时返回 false
func (m *MemoryMarker) MarkOnce(_ context.Context, key string, _ interface{}, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.expires[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.expires[key] = exp
	return true, nil
}
