package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-maintenance/internal/models"
)

// PostgresAssetsRepository 资产只读模型（资产台账同步过来的副本）
type PostgresAssetsRepository struct {
	db *sql.DB
}

// NewPostgresAssetsRepository 创建资产仓库
func NewPostgresAssetsRepository(db *sql.DB) *PostgresAssetsRepository {
	return &PostgresAssetsRepository{db: db}
}

var _ AssetsRepository = (*PostgresAssetsRepository)(nil)

func (r *PostgresAssetsRepository) ListAssets(ctx context.Context, tenantID string) ([]models.Asset, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT asset_id, tenant_id, name, criticality, install_date, status
		FROM assets
		WHERE tenant_id = $1
		ORDER BY asset_id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets := []models.Asset{}
	for rows.Next() {
		var a models.Asset
		var criticality string
		if err := rows.Scan(&a.AssetID, &a.TenantID, &a.Name, &criticality, &a.InstallDate, &a.Status); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		a.Criticality = models.Criticality(criticality)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (r *PostgresAssetsRepository) GetAsset(ctx context.Context, tenantID, assetID string) (*models.Asset, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var a models.Asset
	var criticality string
	err := r.db.QueryRowContext(ctx, `
		SELECT asset_id, tenant_id, name, criticality, install_date, status
		FROM assets
		WHERE tenant_id = $1 AND asset_id = $2
	`, tenantID, assetID).Scan(&a.AssetID, &a.TenantID, &a.Name, &criticality, &a.InstallDate, &a.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: asset_id=%s", models.ErrAssetNotFound, assetID)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	a.Criticality = models.Criticality(criticality)
	return &a, nil
}
