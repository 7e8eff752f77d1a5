package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrStateNotFound 状态键不存在
var ErrStateNotFound = errors.New("state not found")

// StateManager 评估状态管理器（Redis）
// 保存跨周期的小块状态：超期告警去重标记、反馈环检查点等
type StateManager struct {
	prefix      string
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(redisClient *redis.Client, prefix string, logger *zap.Logger) *StateManager {
	return &StateManager{
		prefix:      prefix,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Key 构建状态键：<prefix><tenant>:<parts...>
func (s *StateManager) Key(tenantID string, parts ...string) string {
	key := s.prefix + tenantID
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// SetState 设置状态（带 TTL，ttl=0 表示不过期）
func (s *StateManager) SetState(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

// GetState 获取状态，不存在时返回 ErrStateNotFound
func (s *StateManager) GetState(ctx context.Context, key string, dest interface{}) error {
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrStateNotFound, key)
		}
		return fmt.Errorf("failed to get state: %w", err)
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return nil
}

// MarkOnce 原子地写入标记；已存在时返回 false（用于“同一事件只处理一次”）
func (s *StateManager) MarkOnce(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal state: %w", err)
	}
	ok, err := s.redisClient.SetNX(ctx, key, jsonData, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark state: %w", err)
	}
	return ok, nil
}

// DeleteState 删除状态
func (s *StateManager) DeleteState(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// ExistsState 检查状态是否存在
func (s *StateManager) ExistsState(ctx context.Context, key string) (bool, error) {
	count, err := s.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check state existence: %w", err)
	}
	return count > 0, nil
}

// Checkpoint 反馈环检查点
type Checkpoint struct {
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OverdueMark 超期告警去重标记
type OverdueMark struct {
	RuleID      string    `json:"rule_id"`
	DueAt       time.Time `json:"due_at"`
	AlertedAt   time.Time `json:"alerted_at"`
	WorkOrderID string    `json:"work_order_id,omitempty"`
}
