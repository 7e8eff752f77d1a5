package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-maintenance/internal/models"

	"go.uber.org/zap"
)

// PostgresMetersRepository 计量表仓库
type PostgresMetersRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresMetersRepository 创建计量表仓库
func NewPostgresMetersRepository(db *sql.DB, logger *zap.Logger) *PostgresMetersRepository {
	return &PostgresMetersRepository{db: db, logger: logger}
}

var _ MetersRepository = (*PostgresMetersRepository)(nil)

const meterColumns = `meter_id, tenant_id, asset_id, sensor_id, sensor_type, name, unit, meter_type, current_value, last_reading_at`

// GetMeter 获取计量表，不存在或不属于该租户时返回 ErrMeterNotFound
func (r *PostgresMetersRepository) GetMeter(ctx context.Context, tenantID, meterID string) (*models.Meter, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if meterID == "" {
		return nil, models.ErrMeterNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+meterColumns+` FROM meters WHERE tenant_id = $1 AND meter_id = $2`, tenantID, meterID)
	m, err := scanMeter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: meter_id=%s", models.ErrMeterNotFound, meterID)
		}
		return nil, fmt.Errorf("failed to get meter: %w", err)
	}
	return m, nil
}

// ListMeters 列出租户全部计量表
func (r *PostgresMetersRepository) ListMeters(ctx context.Context, tenantID string) ([]models.Meter, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+meterColumns+` FROM meters WHERE tenant_id = $1 ORDER BY asset_id, meter_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list meters: %w", err)
	}
	defer rows.Close()

	meters := []models.Meter{}
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, *m)
	}
	return meters, rows.Err()
}

// UpdateMeterValue 更新当前值（读数写入后调用）
func (r *PostgresMetersRepository) UpdateMeterValue(ctx context.Context, tenantID, meterID string, value float64, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE meters SET current_value = $3, last_reading_at = $4
		WHERE tenant_id = $1 AND meter_id = $2
		  AND (last_reading_at IS NULL OR last_reading_at < $4)
	`, tenantID, meterID, value, at)
	if err != nil {
		return fmt.Errorf("failed to update meter value: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("Meter value not advanced",
			zap.String("tenant_id", tenantID),
			zap.String("meter_id", meterID),
		)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeter(row rowScanner) (*models.Meter, error) {
	var m models.Meter
	var meterType string
	var lastReading sql.NullTime
	if err := row.Scan(
		&m.MeterID,
		&m.TenantID,
		&m.AssetID,
		&m.SensorID,
		&m.SensorType,
		&m.Name,
		&m.Unit,
		&meterType,
		&m.CurrentValue,
		&lastReading,
	); err != nil {
		return nil, err
	}
	m.MeterType = models.MeterType(meterType)
	m.LastReadingAt = timePtr(lastReading)
	return &m, nil
}
