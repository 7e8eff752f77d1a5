package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wisefido-maintenance/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	tenant string
	body   []byte
}

func newServer(t *testing.T, status int, result any) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method, rec.path, rec.query = r.Method, r.URL.Path, r.URL.RawQuery
		rec.tenant = r.Header.Get("X-Tenant-Id")
		rec.body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": -1, "type": "error", "message": "meter not found: meter_id=m-9"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 2000, "type": "success", "message": "ok", "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestClient_GenerateSchedule(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, service.CycleSummary{CycleID: "c-1", AssetsTotal: 3, AssetsEvaluated: 3, WorkOrdersCreated: 1})
	c := NewClient(srv.URL, "t1", 5*time.Second)

	summary, err := c.GenerateSchedule(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "c-1", summary.CycleID)
	assert.Equal(t, 1, summary.WorkOrdersCreated)

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/maintenance/api/v1/schedule/generate", rec.path)
	assert.Equal(t, "t1", rec.tenant)
	assert.JSONEq(t, `{"create_work_orders":false}`, string(rec.body))
}

func TestClient_ErrorEnvelope(t *testing.T) {
	srv, _ := newServer(t, http.StatusNotFound, nil)
	c := NewClient(srv.URL, "t1", 5*time.Second)

	_, err := c.RecordReading(context.Background(), service.RecordReadingRequest{MeterID: "m-9", Value: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "meter not found")
	assert.Contains(t, err.Error(), "http 404")
}

func TestClient_Predictions(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, map[string]any{
		"asset_id": "pump-7",
		"items":    []map[string]any{{"prediction_id": "p-1", "asset_id": "pump-7", "risk_level": "high"}},
	})
	c := NewClient(srv.URL, "t1", 5*time.Second)

	history, err := c.Predictions(context.Background(), "pump-7", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "p-1", history[0].PredictionID)
	assert.Equal(t, "/maintenance/api/v1/assets/pump-7/predictions", rec.path)
	assert.Equal(t, "limit=5", rec.query)
}

func TestRulesCommand_Table(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, map[string]any{
		"items": []map[string]any{{"rule_id": "r-1", "asset_id": "pump-7", "trigger_type": "time", "priority_hint": "high", "active": true}},
		"total": 1,
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"rules", "--server", srv.URL, "--tenant", "t1", "-o", "table"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/maintenance/api/v1/rules", rec.path)
	assert.Contains(t, out.String(), "RULE")
	assert.Contains(t, out.String(), "r-1")
	assert.Contains(t, out.String(), "pump-7")
}

func TestRecordReadingCommand_InvalidValue(t *testing.T) {
	rootCmd.SetArgs([]string{"record-reading", "m-1", "abc", "--tenant", "t1"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid value")
}
