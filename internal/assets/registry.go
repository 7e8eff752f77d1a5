package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// registryResponse 资产台账服务响应（code=2000 表示成功）
type registryResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type assetList struct {
	Items []models.Asset `json:"items"`
}

// HTTPRegistry 资产台账 HTTP 客户端
// 台账不可用时回退到本地只读模型（fallback 可为 nil）
type HTTPRegistry struct {
	httpClient *resty.Client
	fallback   repository.AssetsRepository
	logger     *zap.Logger
}

var _ repository.AssetsRepository = (*HTTPRegistry)(nil)

// NewHTTPRegistry 创建资产台账客户端
func NewHTTPRegistry(baseURL string, timeout time.Duration, fallback repository.AssetsRepository, logger *zap.Logger) *HTTPRegistry {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")

	return &HTTPRegistry{
		httpClient: client,
		fallback:   fallback,
		logger:     logger,
	}
}

// ListAssets 租户下全部资产；响应中不属于该租户的记录被丢弃
func (r *HTTPRegistry) ListAssets(ctx context.Context, tenantID string) ([]models.Asset, error) {
	if tenantID == "" {
		return nil, models.ErrTenantRequired
	}

	var list assetList
	err := r.get(ctx, tenantID, "/api/v1/assets", &list)
	if err != nil {
		if r.fallback != nil {
			r.logger.Warn("Asset registry unavailable, using local read model",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			return r.fallback.ListAssets(ctx, tenantID)
		}
		return nil, err
	}

	out := make([]models.Asset, 0, len(list.Items))
	for _, a := range list.Items {
		if a.TenantID != tenantID {
			r.logger.Warn("Asset registry returned foreign asset, dropped",
				zap.String("tenant_id", tenantID),
				zap.String("asset_id", a.AssetID),
				zap.String("asset_tenant_id", a.TenantID),
			)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// GetAsset 单个资产
func (r *HTTPRegistry) GetAsset(ctx context.Context, tenantID, assetID string) (*models.Asset, error) {
	if tenantID == "" {
		return nil, models.ErrTenantRequired
	}

	var a models.Asset
	err := r.get(ctx, tenantID, "/api/v1/assets/"+assetID, &a)
	if err != nil {
		if r.fallback != nil && !isNotFound(err) {
			r.logger.Warn("Asset registry unavailable, using local read model",
				zap.String("tenant_id", tenantID),
				zap.String("asset_id", assetID),
				zap.Error(err),
			)
			return r.fallback.GetAsset(ctx, tenantID, assetID)
		}
		return nil, err
	}
	if a.TenantID != tenantID {
		return nil, fmt.Errorf("%w: asset_id=%s", models.ErrAssetNotFound, assetID)
	}
	return &a, nil
}

func (r *HTTPRegistry) get(ctx context.Context, tenantID, path string, dest interface{}) error {
	var body registryResponse
	resp, err := r.httpClient.R().
		SetContext(ctx).
		SetHeader("X-Tenant-Id", tenantID).
		SetQueryParam("tenant_id", tenantID).
		SetResult(&body).
		SetError(&body).
		Get(path)
	if err != nil {
		return fmt.Errorf("failed to call asset registry: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", models.ErrAssetNotFound, path)
	}
	if resp.IsError() {
		return fmt.Errorf("asset registry returned status %d", resp.StatusCode())
	}
	if body.Code != 2000 {
		return fmt.Errorf("asset registry error: %s (code: %d)", body.Message, body.Code)
	}
	if err := json.Unmarshal(body.Result, dest); err != nil {
		return fmt.Errorf("failed to unmarshal asset registry result: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrAssetNotFound)
}
