package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-maintenance/internal/models"

	"go.uber.org/zap"
)

// PostgresRulesRepository PM 规则仓库
type PostgresRulesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRulesRepository 创建 PM 规则仓库
func NewPostgresRulesRepository(db *sql.DB, logger *zap.Logger) *PostgresRulesRepository {
	return &PostgresRulesRepository{db: db, logger: logger}
}

var _ RulesRepository = (*PostgresRulesRepository)(nil)

const ruleColumns = `
	rule_id, tenant_id, asset_id, name, trigger_type, interval_seconds, threshold,
	meter_id, direction, debounce, last_satisfied_at, last_satisfied_value,
	priority_hint, active, version, created_at`

// ListRules 列出租户全部规则
func (r *PostgresRulesRepository) ListRules(ctx context.Context, tenantID string) ([]models.PMRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM pm_rules WHERE tenant_id = $1 ORDER BY asset_id, rule_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListActiveRulesByAsset 列出资产的启用规则
func (r *PostgresRulesRepository) ListActiveRulesByAsset(ctx context.Context, tenantID, assetID string) ([]models.PMRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM pm_rules
		WHERE tenant_id = $1 AND asset_id = $2 AND active = TRUE
		ORDER BY rule_id
	`, tenantID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list asset rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// GetRule 获取单条规则
func (r *PostgresRulesRepository) GetRule(ctx context.Context, tenantID, ruleID string) (*models.PMRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM pm_rules WHERE tenant_id = $1 AND rule_id = $2`, tenantID, ruleID)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: rule_id=%s", models.ErrRuleNotFound, ruleID)
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func scanRules(rows *sql.Rows) ([]models.PMRule, error) {
	rules := []models.PMRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*models.PMRule, error) {
	var rule models.PMRule
	var triggerType, priorityHint string
	var meterID, direction sql.NullString
	var intervalSeconds sql.NullInt64
	var threshold sql.NullFloat64
	var debounce sql.NullInt64
	var lastSatisfied sql.NullTime

	if err := row.Scan(
		&rule.RuleID,
		&rule.TenantID,
		&rule.AssetID,
		&rule.Name,
		&triggerType,
		&intervalSeconds,
		&threshold,
		&meterID,
		&direction,
		&debounce,
		&lastSatisfied,
		&rule.LastSatisfiedValue,
		&priorityHint,
		&rule.Active,
		&rule.Version,
		&rule.CreatedAt,
	); err != nil {
		return nil, err
	}

	rule.TriggerType = models.TriggerType(triggerType)
	rule.IntervalSeconds = intervalSeconds.Int64
	rule.Threshold = threshold.Float64
	rule.MeterID = meterID.String
	rule.Direction = models.Direction(direction.String)
	rule.Debounce = int(debounce.Int64)
	rule.LastSatisfiedAt = timePtr(lastSatisfied)
	rule.PriorityHint = models.RiskLevel(priorityHint)
	return &rule, nil
}
