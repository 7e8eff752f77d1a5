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

// PostgresTrainingRepository 训练语料 + 模型快照
type PostgresTrainingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresTrainingRepository 创建训练数据仓库
func NewPostgresTrainingRepository(db *sql.DB, logger *zap.Logger) *PostgresTrainingRepository {
	return &PostgresTrainingRepository{db: db, logger: logger}
}

var _ TrainingRepository = (*PostgresTrainingRepository)(nil)

// AppendExample 追加样本；(tenant_id, work_order_id) 唯一，重复反馈直接忽略
func (r *PostgresTrainingRepository) AppendExample(ctx context.Context, tenantID string, ex *models.TrainingExample) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	if ex == nil {
		return false, fmt.Errorf("training example is required")
	}
	features, err := marshalJSON(ex.Features, "[]")
	if err != nil {
		return false, fmt.Errorf("failed to marshal features: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO training_examples (
			example_id, tenant_id, asset_id, work_order_id, prediction_id, features, failed, source, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, work_order_id) DO NOTHING
	`,
		ex.ExampleID,
		tenantID,
		ex.AssetID,
		nullString(ex.WorkOrderID),
		nullString(ex.PredictionID),
		features,
		ex.Failed,
		ex.Source,
		ex.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append training example: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append training example: %w", err)
	}
	return n > 0, nil
}

// ListExamples 全部训练样本
func (r *PostgresTrainingRepository) ListExamples(ctx context.Context, tenantID string) ([]models.TrainingExample, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT example_id, tenant_id, asset_id, work_order_id, prediction_id, features, failed, source, created_at
		FROM training_examples
		WHERE tenant_id = $1
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list training examples: %w", err)
	}
	defer rows.Close()

	examples := []models.TrainingExample{}
	for rows.Next() {
		var ex models.TrainingExample
		var workOrderID, predictionID sql.NullString
		var features []byte
		if err := rows.Scan(
			&ex.ExampleID,
			&ex.TenantID,
			&ex.AssetID,
			&workOrderID,
			&predictionID,
			&features,
			&ex.Failed,
			&ex.Source,
			&ex.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan training example: %w", err)
		}
		ex.WorkOrderID = workOrderID.String
		ex.PredictionID = predictionID.String
		if len(features) > 0 {
			if err := json.Unmarshal(features, &ex.Features); err != nil {
				return nil, fmt.Errorf("failed to unmarshal features: %w", err)
			}
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

// CountExamples 样本数量
func (r *PostgresTrainingRepository) CountExamples(ctx context.Context, tenantID string) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_examples WHERE tenant_id = $1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count training examples: %w", err)
	}
	return n, nil
}

// SaveModel 保存模型快照
func (r *PostgresTrainingRepository) SaveModel(ctx context.Context, tenantID string, snap *models.ModelSnapshot) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_snapshots (tenant_id, version, payload, examples, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tenantID, snap.Version, snap.Payload, snap.Examples, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save model snapshot: %w", err)
	}
	return nil
}

// LatestModel 最新模型快照
func (r *PostgresTrainingRepository) LatestModel(ctx context.Context, tenantID string) (*models.ModelSnapshot, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var snap models.ModelSnapshot
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, version, payload, examples, created_at
		FROM model_snapshots
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID).Scan(&snap.TenantID, &snap.Version, &snap.Payload, &snap.Examples, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load model snapshot: %w", err)
	}
	return &snap, nil
}
