package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-maintenance/internal/models"

	"go.uber.org/zap"
)

// PostgresWorkOrdersRepository 工单仓库
// work_orders 上有唯一部分索引 (tenant_id, dedup_key) WHERE status IN ('open','in_progress')，
// 保证同一 dedup_key 任一时刻最多一个未关闭工单
type PostgresWorkOrdersRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresWorkOrdersRepository 创建工单仓库
func NewPostgresWorkOrdersRepository(db *sql.DB, logger *zap.Logger) *PostgresWorkOrdersRepository {
	return &PostgresWorkOrdersRepository{db: db, logger: logger}
}

var _ WorkOrdersRepository = (*PostgresWorkOrdersRepository)(nil)

const workOrderColumns = `
	work_order_id, tenant_id, asset_id, cause, dedup_key, status, priority, due_at,
	prediction_id, annotations, outcome, created_at, updated_at, closed_at, version`

// FindOpenByDedupKey 查找未关闭工单
func (r *PostgresWorkOrdersRepository) FindOpenByDedupKey(ctx context.Context, tenantID, dedupKey string) (*models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+workOrderColumns+` FROM work_orders
		WHERE tenant_id = $1 AND dedup_key = $2 AND status IN ('open', 'in_progress')
	`, tenantID, dedupKey)
	wo, err := scanWorkOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open work order: %w", err)
	}
	return wo, nil
}

// CreateWorkOrder 创建工单并（可选）推进规则满足状态，二者同一事务
func (r *PostgresWorkOrdersRepository) CreateWorkOrder(ctx context.Context, tenantID string, wo *models.WorkOrder, sat *models.RuleSatisfaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if wo == nil {
		return fmt.Errorf("work order is required")
	}
	if wo.TenantID != tenantID {
		return fmt.Errorf("%w: work_order.tenant_id must match tenant_id parameter", models.ErrTenantMismatch)
	}

	annotations, err := marshalJSON(wo.Annotations, "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal annotations: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_orders (
			work_order_id, tenant_id, asset_id, cause, dedup_key, status, priority, due_at,
			prediction_id, annotations, outcome, created_at, updated_at, closed_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		wo.WorkOrderID,
		wo.TenantID,
		wo.AssetID,
		wo.Cause,
		wo.DedupKey,
		string(wo.Status),
		string(wo.Priority),
		wo.DueAt,
		nullString(wo.PredictionID),
		annotations,
		nullString(wo.Outcome),
		wo.CreatedAt,
		wo.UpdatedAt,
		nullTime(wo.ClosedAt),
		wo.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: dedup_key=%s", models.ErrUpsertConflict, wo.DedupKey)
		}
		return fmt.Errorf("failed to create work order: %w", err)
	}

	if sat != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE pm_rules
			SET last_satisfied_at = $3, last_satisfied_value = $4, version = version + 1
			WHERE tenant_id = $1 AND rule_id = $2 AND version = $5
		`, tenantID, sat.RuleID, sat.SatisfiedAt, sat.MeterValue, sat.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("failed to mark rule satisfied: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to mark rule satisfied: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: rule_id=%s version=%d", models.ErrUpsertConflict, sat.RuleID, sat.ExpectedVersion)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit work order: %w", err)
	}
	return nil
}

// UpdateOpenWorkOrder 版本号校验后更新优先级/截止时间/注释
func (r *PostgresWorkOrdersRepository) UpdateOpenWorkOrder(ctx context.Context, tenantID string, wo *models.WorkOrder) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if wo == nil {
		return fmt.Errorf("work order is required")
	}

	annotations, err := marshalJSON(wo.Annotations, "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal annotations: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE work_orders
		SET priority = $3, due_at = $4, annotations = $5, prediction_id = $6,
		    updated_at = $7, version = version + 1
		WHERE tenant_id = $1 AND work_order_id = $2 AND version = $8
		  AND status IN ('open', 'in_progress')
	`,
		tenantID,
		wo.WorkOrderID,
		string(wo.Priority),
		wo.DueAt,
		annotations,
		nullString(wo.PredictionID),
		wo.UpdatedAt,
		wo.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update work order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update work order: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: work_order_id=%s version=%d", models.ErrUpsertConflict, wo.WorkOrderID, wo.Version)
	}
	wo.Version++
	return nil
}

// ListOpenByAsset 资产的未关闭工单
func (r *PostgresWorkOrdersRepository) ListOpenByAsset(ctx context.Context, tenantID, assetID string) ([]models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+workOrderColumns+` FROM work_orders
		WHERE tenant_id = $1 AND asset_id = $2 AND status IN ('open', 'in_progress')
		ORDER BY created_at
	`, tenantID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open work orders: %w", err)
	}
	defer rows.Close()
	return scanWorkOrders(rows)
}

// ListRecent since 之后创建的工单，按创建时间倒序
func (r *PostgresWorkOrdersRepository) ListRecent(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+workOrderColumns+` FROM work_orders
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent work orders: %w", err)
	}
	defer rows.Close()
	return scanWorkOrders(rows)
}

// ListClosedSince closed_at >= since 的已关闭工单（completed / cancelled），cause 为空时不过滤
func (r *PostgresWorkOrdersRepository) ListClosedSince(ctx context.Context, tenantID, cause string, since time.Time) ([]models.WorkOrder, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+workOrderColumns+` FROM work_orders
		WHERE tenant_id = $1 AND ($2 = '' OR cause = $2)
		  AND status IN ('completed', 'cancelled')
		  AND closed_at >= $3
		ORDER BY closed_at ASC
	`, tenantID, cause, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed work orders: %w", err)
	}
	defer rows.Close()
	return scanWorkOrders(rows)
}

func scanWorkOrders(rows *sql.Rows) ([]models.WorkOrder, error) {
	orders := []models.WorkOrder{}
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work order: %w", err)
		}
		orders = append(orders, *wo)
	}
	return orders, rows.Err()
}

func scanWorkOrder(row rowScanner) (*models.WorkOrder, error) {
	var wo models.WorkOrder
	var status, priority string
	var predictionID, outcome sql.NullString
	var annotations []byte
	var closedAt sql.NullTime

	if err := row.Scan(
		&wo.WorkOrderID,
		&wo.TenantID,
		&wo.AssetID,
		&wo.Cause,
		&wo.DedupKey,
		&status,
		&priority,
		&wo.DueAt,
		&predictionID,
		&annotations,
		&outcome,
		&wo.CreatedAt,
		&wo.UpdatedAt,
		&closedAt,
		&wo.Version,
	); err != nil {
		return nil, err
	}

	wo.Status = models.WorkOrderStatus(status)
	wo.Priority = models.WorkOrderPriority(priority)
	wo.PredictionID = predictionID.String
	wo.Outcome = outcome.String
	wo.ClosedAt = timePtr(closedAt)
	wo.Annotations = []models.Annotation{}
	if len(annotations) > 0 {
		if err := json.Unmarshal(annotations, &wo.Annotations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
		}
	}
	return &wo, nil
}
