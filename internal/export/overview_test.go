package export

import (
	"bytes"
	"testing"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestGenerateOverview(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ov := &service.Overview{
		TenantID:    "tenant-1",
		DaysAhead:   30,
		ActiveRules: 2,
		DueRules: []service.DueRule{
			{RuleID: "r-1", AssetID: "pump-7", Name: "bearing inspection", TriggerType: models.TriggerTime, PriorityHint: models.RiskHigh, DueAt: now.Add(-time.Hour), Overdue: true},
		},
		RecentWorkOrders: []models.WorkOrder{
			{WorkOrderID: "wo-1", AssetID: "pump-7", Cause: "rule:r-1", Status: models.WorkOrderOpen, Priority: models.PriorityHigh, DueAt: now, CreatedAt: now},
		},
		LatestPredictions: []models.PredictionResult{
			{PredictionID: "pred-1", AssetID: "pump-7", FailureProbability: 0.42, Confidence: 0.8, RiskLevel: models.RiskMedium, Strategy: "ensemble", EvaluatedAt: now},
		},
		GeneratedAt: now,
	}

	data, err := GenerateOverview(ov)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetDueRules, SheetWorkOrders, SheetPredictions}, f.GetSheetList())

	rows, err := f.GetRows(SheetDueRules)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, dueRulesHeader, rows[0])
	assert.Equal(t, "r-1", rows[1][0])
	assert.Equal(t, "2026-05-01 11:00:00", rows[1][5])
	assert.Equal(t, "Yes", rows[1][6])

	rows, err = f.GetRows(SheetWorkOrders)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "wo-1", rows[1][0])
	assert.Equal(t, "high", rows[1][4])

	rows, err = f.GetRows(SheetPredictions)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0.42", rows[1][2])
}

func TestGenerateOverview_EmptyOverviewHasHeadersOnly(t *testing.T) {
	data, err := GenerateOverview(&service.Overview{TenantID: "tenant-1"})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetWorkOrders)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGenerateOverview_Nil(t *testing.T) {
	_, err := GenerateOverview(nil)
	assert.Error(t, err)
}
