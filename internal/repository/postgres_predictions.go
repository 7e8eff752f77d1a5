package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wisefido-maintenance/internal/models"

	"go.uber.org/zap"
)

// PostgresPredictionsRepository 预测结果仓库
type PostgresPredictionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresPredictionsRepository 创建预测结果仓库
func NewPostgresPredictionsRepository(db *sql.DB, logger *zap.Logger) *PostgresPredictionsRepository {
	return &PostgresPredictionsRepository{db: db, logger: logger}
}

var _ PredictionsRepository = (*PostgresPredictionsRepository)(nil)

const predictionColumns = `
	prediction_id, tenant_id, asset_id, failure_probability, predicted_failure_at, confidence,
	risk_level, contributing_factors, anomaly_score, strategy, model_version, features, evaluated_at`

// SavePrediction 保存预测结果，并把该资产历史裁剪到 keep 条
func (r *PostgresPredictionsRepository) SavePrediction(ctx context.Context, tenantID string, p *models.PredictionResult, keep int) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("prediction is required")
	}

	factors, err := marshalJSON(p.ContributingFactors, "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	var features []byte
	if p.Features != nil {
		if features, err = json.Marshal(p.Features); err != nil {
			return fmt.Errorf("failed to marshal features: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO predictions (`+predictionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		p.PredictionID,
		tenantID,
		p.AssetID,
		p.FailureProbability,
		nullTime(p.PredictedFailureAt),
		p.Confidence,
		string(p.RiskLevel),
		factors,
		p.AnomalyScore,
		p.Strategy,
		nullString(p.ModelVersion),
		features,
		p.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}

	if keep > 0 {
		// 被工单引用的预测不裁剪，反馈环需要其特征向量
		_, err = tx.ExecContext(ctx, `
			DELETE FROM predictions
			WHERE tenant_id = $1 AND asset_id = $2
			  AND prediction_id NOT IN (
				SELECT prediction_id FROM predictions
				WHERE tenant_id = $1 AND asset_id = $2
				ORDER BY evaluated_at DESC
				LIMIT $3
			  )
			  AND prediction_id NOT IN (
				SELECT prediction_id FROM work_orders
				WHERE tenant_id = $1 AND prediction_id IS NOT NULL
			  )
		`, tenantID, p.AssetID, keep)
		if err != nil {
			return fmt.Errorf("failed to trim prediction history: %w", err)
		}
	}

	return tx.Commit()
}

// LatestPrediction 最新预测，不存在时返回 (nil, nil)
func (r *PostgresPredictionsRepository) LatestPrediction(ctx context.Context, tenantID, assetID string) (*models.PredictionResult, error) {
	history, err := r.History(ctx, tenantID, assetID, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return &history[0], nil
}

// History 预测历史（按时间倒序）
func (r *PostgresPredictionsRepository) History(ctx context.Context, tenantID, assetID string, limit int) ([]models.PredictionResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+predictionColumns+` FROM predictions
		WHERE tenant_id = $1 AND asset_id = $2
		ORDER BY evaluated_at DESC
		LIMIT $3
	`, tenantID, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query prediction history: %w", err)
	}
	defer rows.Close()

	results := []models.PredictionResult{}
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		results = append(results, *p)
	}
	return results, rows.Err()
}

// GetPrediction 按 ID 获取预测
func (r *PostgresPredictionsRepository) GetPrediction(ctx context.Context, tenantID, predictionID string) (*models.PredictionResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+predictionColumns+` FROM predictions
		WHERE tenant_id = $1 AND prediction_id = $2
	`, tenantID, predictionID)
	p, err := scanPrediction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: prediction_id=%s", models.ErrPredictionNotFound, predictionID)
		}
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return p, nil
}

func scanPrediction(row rowScanner) (*models.PredictionResult, error) {
	var p models.PredictionResult
	var predictedAt sql.NullTime
	var riskLevel string
	var factors, features []byte
	var modelVersion sql.NullString

	if err := row.Scan(
		&p.PredictionID,
		&p.TenantID,
		&p.AssetID,
		&p.FailureProbability,
		&predictedAt,
		&p.Confidence,
		&riskLevel,
		&factors,
		&p.AnomalyScore,
		&p.Strategy,
		&modelVersion,
		&features,
		&p.EvaluatedAt,
	); err != nil {
		return nil, err
	}

	p.PredictedFailureAt = timePtr(predictedAt)
	p.RiskLevel = models.RiskLevel(riskLevel)
	p.ModelVersion = modelVersion.String
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &p.ContributingFactors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal factors: %w", err)
		}
	}
	if len(features) > 0 {
		var fv models.FeatureVector
		if err := json.Unmarshal(features, &fv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
		p.Features = &fv
	}
	return &p, nil
}
