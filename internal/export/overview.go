package export

import (
	"bytes"
	"fmt"
	"time"

	"wisefido-maintenance/internal/service"

	"github.com/xuri/excelize/v2"
)

// 工作表名称
const (
	SheetDueRules    = "Due Rules"
	SheetWorkOrders  = "Work Orders"
	SheetPredictions = "Predictions"
)

var dueRulesHeader = []string{"Rule ID", "Asset ID", "Name", "Trigger", "Priority Hint", "Due At", "Overdue"}
var workOrdersHeader = []string{"Work Order ID", "Asset ID", "Cause", "Status", "Priority", "Due At", "Prediction ID", "Created At"}
var predictionsHeader = []string{"Prediction ID", "Asset ID", "Failure Probability", "Confidence", "Risk Level", "Predicted Failure", "Strategy", "Evaluated At"}

// GenerateOverview 维护概览导出为 xlsx
func GenerateOverview(ov *service.Overview) ([]byte, error) {
	if ov == nil {
		return nil, fmt.Errorf("overview is required")
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	dueRows := make([][]interface{}, 0, len(ov.DueRules))
	for _, r := range ov.DueRules {
		overdue := "No"
		if r.Overdue {
			overdue = "Yes"
		}
		dueRows = append(dueRows, []interface{}{r.RuleID, r.AssetID, r.Name, string(r.TriggerType), string(r.PriorityHint), formatTime(&r.DueAt), overdue})
	}

	woRows := make([][]interface{}, 0, len(ov.RecentWorkOrders))
	for _, wo := range ov.RecentWorkOrders {
		woRows = append(woRows, []interface{}{wo.WorkOrderID, wo.AssetID, wo.Cause, string(wo.Status), string(wo.Priority), formatTime(&wo.DueAt), wo.PredictionID, formatTime(&wo.CreatedAt)})
	}

	predRows := make([][]interface{}, 0, len(ov.LatestPredictions))
	for _, p := range ov.LatestPredictions {
		predRows = append(predRows, []interface{}{p.PredictionID, p.AssetID, p.FailureProbability, p.Confidence, string(p.RiskLevel), formatTime(p.PredictedFailureAt), p.Strategy, formatTime(&p.EvaluatedAt)})
	}

	sheets := []struct {
		name   string
		header []string
		rows   [][]interface{}
	}{
		{SheetDueRules, dueRulesHeader, dueRows},
		{SheetWorkOrders, workOrdersHeader, woRows},
		{SheetPredictions, predictionsHeader, predRows},
	}
	for i, sh := range sheets {
		index, err := f.NewSheet(sh.name)
		if err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", sh.name, err)
		}
		if i == 0 {
			f.SetActiveSheet(index)
		}
		if err := writeSheet(f, sh.name, sh.header, sh.rows, headerStyle); err != nil {
			return nil, err
		}
	}
	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]interface{}, headerStyle int) error {
	for col, h := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheet, name, name, 20); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2) // 第1行是表头
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d of %s: %w", i+2, sheet, err)
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
