package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-maintenance/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresReadingsRepository 读数仓库（sensor_readings 表，按 (tenant, asset, sensor, ts) 追加）
type PostgresReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingsRepository 创建读数仓库
func NewPostgresReadingsRepository(db *sql.DB, logger *zap.Logger) *PostgresReadingsRepository {
	return &PostgresReadingsRepository{db: db, logger: logger}
}

var _ ReadingsRepository = (*PostgresReadingsRepository)(nil)

// AppendReading 追加读数
// 同一通道的写入通过事务级 advisory lock 串行化，保证乱序判断基于最新时间戳
func (r *PostgresReadingsRepository) AppendReading(ctx context.Context, tenantID string, reading *models.Reading, qualityThreshold float64) (*models.Reading, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if reading == nil {
		return nil, fmt.Errorf("reading is required")
	}
	if reading.TenantID != "" && reading.TenantID != tenantID {
		return nil, models.ErrTenantMismatch
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	channelKey := tenantID + "/" + reading.AssetID + "/" + reading.SensorID
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, channelKey); err != nil {
		return nil, fmt.Errorf("failed to lock channel: %w", err)
	}

	var lastTS sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM sensor_readings
		WHERE tenant_id = $1 AND asset_id = $2 AND sensor_id = $3
	`, tenantID, reading.AssetID, reading.SensorID).Scan(&lastTS)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel head: %w", err)
	}

	stored := *reading
	stored.TenantID = tenantID
	stored.Flags = flagReading(stored, lastTS, qualityThreshold)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sensor_readings (
			tenant_id, asset_id, sensor_id, value, unit, ts, quality_score, source, flags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		tenantID,
		stored.AssetID,
		stored.SensorID,
		stored.Value,
		stored.Unit,
		stored.Timestamp,
		stored.QualityScore,
		nullString(stored.Source),
		pq.Array(stored.Flags),
	).Scan(&stored.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reading: %w", err)
	}

	if len(stored.Flags) > 0 {
		r.logger.Warn("Reading flagged",
			zap.String("tenant_id", tenantID),
			zap.String("asset_id", stored.AssetID),
			zap.String("sensor_id", stored.SensorID),
			zap.Strings("flags", stored.Flags),
		)
	}
	return &stored, nil
}

func flagReading(reading models.Reading, lastTS sql.NullTime, qualityThreshold float64) []string {
	flags := []string{}
	if lastTS.Valid && !reading.Timestamp.After(lastTS.Time) {
		flags = append(flags, models.FlagOutOfOrder)
	}
	if reading.QualityScore < qualityThreshold {
		flags = append(flags, models.FlagLowQuality)
	}
	return flags
}

// ReadWindow 读取时间窗口内读数
func (r *PostgresReadingsRepository) ReadWindow(ctx context.Context, tenantID, assetID, sensorID string, from, to time.Time) ([]models.Reading, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, asset_id, sensor_id, value, unit, ts, quality_score, source, flags
		FROM sensor_readings
		WHERE tenant_id = $1 AND asset_id = $2 AND sensor_id = $3
		  AND ts >= $4 AND ts <= $5
		ORDER BY ts ASC, id ASC
	`, tenantID, assetID, sensorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// LatestReadings 最近 n 条读数，按时间升序返回
func (r *PostgresReadingsRepository) LatestReadings(ctx context.Context, tenantID, assetID, sensorID string, n int) ([]models.Reading, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []models.Reading{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, asset_id, sensor_id, value, unit, ts, quality_score, source, flags
		FROM (
			SELECT * FROM sensor_readings
			WHERE tenant_id = $1 AND asset_id = $2 AND sensor_id = $3
			ORDER BY id DESC
			LIMIT $4
		) latest
		ORDER BY id ASC
	`, tenantID, assetID, sensorID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// ListChannels 通道来自 meters 表（每个计量表对应一个传感器通道）
func (r *PostgresReadingsRepository) ListChannels(ctx context.Context, tenantID, assetID string) ([]models.Channel, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT asset_id, sensor_id, sensor_type, unit
		FROM meters
		WHERE tenant_id = $1 AND asset_id = $2
		ORDER BY sensor_id
	`, tenantID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.AssetID, &ch.SensorID, &ch.SensorType, &ch.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	readings := []models.Reading{}
	for rows.Next() {
		var rd models.Reading
		var source sql.NullString
		var flags pq.StringArray
		if err := rows.Scan(
			&rd.ID,
			&rd.TenantID,
			&rd.AssetID,
			&rd.SensorID,
			&rd.Value,
			&rd.Unit,
			&rd.Timestamp,
			&rd.QualityScore,
			&source,
			&flags,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		rd.Source = source.String
		if len(flags) > 0 {
			rd.Flags = []string(flags)
		}
		readings = append(readings, rd)
	}
	return readings, rows.Err()
}
