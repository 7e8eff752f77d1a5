package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-maintenance/internal/metrics"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"

	"go.uber.org/zap"
)

// Source 读数只读接口（特征提取与条件规则评估使用）
type Source interface {
	ReadWindow(ctx context.Context, tenantID, assetID, sensorID string, from, to time.Time) ([]models.Reading, error)
	LatestReadings(ctx context.Context, tenantID, assetID, sensorID string, n int) ([]models.Reading, error)
	ListChannels(ctx context.Context, tenantID, assetID string) ([]models.Channel, error)
}

// RetryConfig 读取重试配置
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig 默认：重试 2 次，100ms 起步指数退避
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// Adapter 时序存储适配器
// 读操作遇到瞬时错误按指数退避重试，重试耗尽后统一映射为 ErrSourceUnavailable；
// 写入（AppendReading）不重试，避免重复追加
type Adapter struct {
	repo   repository.ReadingsRepository
	retry  RetryConfig
	logger *zap.Logger
}

// NewAdapter 创建适配器
func NewAdapter(repo repository.ReadingsRepository, retry RetryConfig, logger *zap.Logger) *Adapter {
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = DefaultRetryConfig().InitialDelay
	}
	if retry.MaxDelay < retry.InitialDelay {
		retry.MaxDelay = retry.InitialDelay
	}
	return &Adapter{repo: repo, retry: retry, logger: logger}
}

var _ Source = (*Adapter)(nil)

// Append 追加读数（乱序/低质量打标记后写入）
func (a *Adapter) Append(ctx context.Context, tenantID string, reading *models.Reading, qualityThreshold float64) (*models.Reading, error) {
	stored, err := a.repo.AppendReading(ctx, tenantID, reading, qualityThreshold)
	if err != nil {
		if permanent(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	return stored, nil
}

// ReadWindow 读取时间窗口
func (a *Adapter) ReadWindow(ctx context.Context, tenantID, assetID, sensorID string, from, to time.Time) ([]models.Reading, error) {
	var out []models.Reading
	err := a.do(ctx, "read_window", assetID, func(ctx context.Context) error {
		var err error
		out, err = a.repo.ReadWindow(ctx, tenantID, assetID, sensorID, from, to)
		return err
	})
	return out, err
}

// LatestReadings 最近 n 条读数
func (a *Adapter) LatestReadings(ctx context.Context, tenantID, assetID, sensorID string, n int) ([]models.Reading, error) {
	var out []models.Reading
	err := a.do(ctx, "latest_readings", assetID, func(ctx context.Context) error {
		var err error
		out, err = a.repo.LatestReadings(ctx, tenantID, assetID, sensorID, n)
		return err
	})
	return out, err
}

// ListChannels 资产通道
func (a *Adapter) ListChannels(ctx context.Context, tenantID, assetID string) ([]models.Channel, error) {
	var out []models.Channel
	err := a.do(ctx, "list_channels", assetID, func(ctx context.Context) error {
		var err error
		out, err = a.repo.ListChannels(ctx, tenantID, assetID)
		return err
	})
	return out, err
}

func (a *Adapter) do(ctx context.Context, op, assetID string, fn func(ctx context.Context) error) error {
	delay := a.retry.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		lastErr = err

		if attempt == a.retry.MaxRetries {
			break
		}
		metrics.TelemetryRetries.Inc()
		a.logger.Debug("Retrying telemetry read",
			zap.String("op", op),
			zap.String("asset_id", assetID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrSourceUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > a.retry.MaxDelay {
			delay = a.retry.MaxDelay
		}
	}

	a.logger.Warn("Telemetry source unavailable",
		zap.String("op", op),
		zap.String("asset_id", assetID),
		zap.Int("attempts", a.retry.MaxRetries+1),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, op, lastErr)
}

// permanent 输入错误不重试
func permanent(err error) bool {
	return errors.Is(err, models.ErrTenantRequired) ||
		errors.Is(err, models.ErrTenantMismatch) ||
		errors.Is(err, models.ErrMeterNotFound) ||
		errors.Is(err, models.ErrAssetNotFound)
}
