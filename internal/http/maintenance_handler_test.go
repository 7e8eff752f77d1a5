package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeService struct {
	lastTenant string
	lastReq    service.RecordReadingRequest
	lastCreate bool
	err        error
	panicOn    string
}

func (f *fakeService) RecordMeterReading(_ context.Context, tenantID string, req service.RecordReadingRequest) (*service.RecordReadingResult, error) {
	f.lastTenant, f.lastReq = tenantID, req
	if f.err != nil {
		return nil, f.err
	}
	return &service.RecordReadingResult{
		Reading:    &models.Reading{TenantID: tenantID, Value: req.Value},
		Needs:      []models.MaintenanceNeed{},
		WorkOrders: []service.WorkOrderOutcome{},
	}, nil
}

func (f *fakeService) GenerateSchedule(_ context.Context, tenantID string, create bool) (*service.CycleSummary, error) {
	f.lastTenant, f.lastCreate = tenantID, create
	return &service.CycleSummary{CycleID: "c-1", TenantID: tenantID, AssetsTotal: 2, AssetsEvaluated: 2}, f.err
}

func (f *fakeService) GetOverview(_ context.Context, tenantID string, daysAhead int) (*service.Overview, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.Overview{TenantID: tenantID, DaysAhead: daysAhead, GeneratedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeService) ListRules(_ context.Context, tenantID string) ([]models.PMRule, error) {
	if f.panicOn == "rules" {
		panic("boom")
	}
	return []models.PMRule{{RuleID: "r-1", TenantID: tenantID}}, f.err
}

func (f *fakeService) ListMeters(_ context.Context, tenantID string) ([]models.Meter, error) {
	return []models.Meter{{MeterID: "m-1", TenantID: tenantID}}, f.err
}

func (f *fakeService) PredictionHistory(_ context.Context, tenantID, assetID string, limit int) ([]models.PredictionResult, error) {
	f.lastTenant = tenantID
	if f.err != nil {
		return nil, f.err
	}
	return []models.PredictionResult{{PredictionID: fmt.Sprintf("p-%d", limit), AssetID: assetID}}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func newTestRouter(svc MaintenanceService) http.Handler {
	return NewRouter(NewMaintenanceHandler(svc, zap.NewNop()), nil, zap.NewNop())
}

func TestRecordReading_TenantFromHeader(t *testing.T) {
	svc := &fakeService{}
	w, env := do(t, newTestRouter(svc), http.MethodPost, APIPrefix+"/readings",
		`{"meter_id":"m-1","new_value":42.5,"source":"scada","create_work_orders":true}`,
		map[string]string{"X-Tenant-Id": "t1"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ResultSuccess, env.Code)
	assert.Equal(t, "t1", svc.lastTenant)
	assert.Equal(t, "m-1", svc.lastReq.MeterID)
	assert.Equal(t, 42.5, svc.lastReq.Value)
	assert.True(t, svc.lastReq.CreateWorkOrders)
}

func TestRecordReading_Validation(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w, env := do(t, router, http.MethodPost, APIPrefix+"/readings", `{"meter_id":"m-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ResultError, env.Code)

	w, _ = do(t, router, http.MethodPost, APIPrefix+"/readings?tenant_id=t1", `{"new_value":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, router, http.MethodPost, APIPrefix+"/readings?tenant_id=t1", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordReading_UnknownMeterIs404(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("%w: meter_id=m-9", models.ErrMeterNotFound)}
	w, env := do(t, newTestRouter(svc), http.MethodPost, APIPrefix+"/readings?tenant_id=t1", `{"meter_id":"m-9","new_value":1}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, env.Message, "meter not found")
}

func TestGenerateSchedule_DefaultsToCreate(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	w, env := do(t, router, http.MethodPost, APIPrefix+"/schedule/generate?tenant_id=t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.lastCreate)

	var summary service.CycleSummary
	require.NoError(t, json.Unmarshal(env.Result, &summary))
	assert.Equal(t, "c-1", summary.CycleID)
	assert.Equal(t, 2, summary.AssetsEvaluated)

	_, _ = do(t, router, http.MethodPost, APIPrefix+"/schedule/generate?tenant_id=t1", `{"create_work_orders":false}`, nil)
	assert.False(t, svc.lastCreate)
}

func TestGetOverview_DaysAhead(t *testing.T) {
	w, env := do(t, newTestRouter(&fakeService{}), http.MethodGet, APIPrefix+"/overview?tenant_id=t1&days_ahead=7", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var ov service.Overview
	require.NoError(t, json.Unmarshal(env.Result, &ov))
	assert.Equal(t, 7, ov.DaysAhead)
	assert.Equal(t, "t1", ov.TenantID)
}

func TestExportOverview_Xlsx(t *testing.T) {
	w, _ := do(t, newTestRouter(&fakeService{}), http.MethodGet, APIPrefix+"/overview/export?tenant_id=t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "maintenance-overview-20260501.xlsx")
	assert.True(t, strings.HasPrefix(w.Body.String(), "PK"), "xlsx is a zip archive")
}

func TestPredictionHistory_PathParam(t *testing.T) {
	w, env := do(t, newTestRouter(&fakeService{}), http.MethodGet, APIPrefix+"/assets/pump-7/predictions?tenant_id=t1&limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AssetID string                    `json:"asset_id"`
		Items   []models.PredictionResult `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &body))
	assert.Equal(t, "pump-7", body.AssetID)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "p-5", body.Items[0].PredictionID)
}

func TestListRulesAndMeters(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w, env := do(t, router, http.MethodGet, APIPrefix+"/rules?tenant_id=t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Result), `"rule_id":"r-1"`)

	w, env = do(t, router, http.MethodGet, APIPrefix+"/meters", "", map[string]string{"X-Tenant-Id": "t1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Result), `"meter_id":"m-1"`)
}

func TestInternalErrorIs500(t *testing.T) {
	cause := fmt.Errorf("failed to list meters: %w", errors.New(`pq: password authentication failed for user "maint"`))
	w, env := do(t, newTestRouter(&fakeService{err: cause}), http.MethodGet, APIPrefix+"/meters?tenant_id=t1", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", env.Message)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestSourceUnavailableIsSummarized(t *testing.T) {
	cause := fmt.Errorf("failed to read window: dial tcp 10.0.0.5:5432: %w", models.ErrSourceUnavailable)
	w, env := do(t, newTestRouter(&fakeService{err: cause}), http.MethodPost, APIPrefix+"/schedule/generate?tenant_id=t1", "{}", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, models.ErrSourceUnavailable.Error(), env.Message)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestRecoverer(t *testing.T) {
	w, env := do(t, newTestRouter(&fakeService{panicOn: "rules"}), http.MethodGet, APIPrefix+"/rules?tenant_id=t1", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, ResultError, env.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w, env := do(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ResultSuccess, env.Code)

	// 先产生一次请求计数
	_, _ = do(t, router, http.MethodGet, APIPrefix+"/rules?tenant_id=t1", "", nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maintenance_http_requests_total")
}

func TestNotFound(t *testing.T) {
	w, env := do(t, newTestRouter(&fakeService{}), http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ResultError, env.Code)
}
