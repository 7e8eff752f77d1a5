package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"wisefido-maintenance/internal/export"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// MaintenanceService HTTP 层依赖的服务操作（*service.MaintenanceService 实现）
type MaintenanceService interface {
	RecordMeterReading(ctx context.Context, tenantID string, req service.RecordReadingRequest) (*service.RecordReadingResult, error)
	GenerateSchedule(ctx context.Context, tenantID string, createWorkOrders bool) (*service.CycleSummary, error)
	GetOverview(ctx context.Context, tenantID string, daysAhead int) (*service.Overview, error)
	ListRules(ctx context.Context, tenantID string) ([]models.PMRule, error)
	ListMeters(ctx context.Context, tenantID string) ([]models.Meter, error)
	PredictionHistory(ctx context.Context, tenantID, assetID string, limit int) ([]models.PredictionResult, error)
}

var _ MaintenanceService = (*service.MaintenanceService)(nil)

// MaintenanceHandler 维护引擎 Handler
type MaintenanceHandler struct {
	svc    MaintenanceService
	logger *zap.Logger
}

// NewMaintenanceHandler 创建 Handler
func NewMaintenanceHandler(svc MaintenanceService, logger *zap.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{svc: svc, logger: logger}
}

func (h *MaintenanceHandler) fail(w http.ResponseWriter, op, tenantID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("op", op),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
	writeJSON(w, status, Fail(messageFor(status, err)))
}

// RecordReading POST /readings
func (h *MaintenanceHandler) RecordReading(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromReq(w, r)
	if !ok {
		return
	}
	var req service.RecordReadingRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.MeterID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("meter_id is required"))
		return
	}

	res, err := h.svc.RecordMeterReading(r.Context(), tenantID, req)
	if err != nil {
		h.fail(w, "record_reading", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// GenerateSchedule POST /schedule/generate
func (h *MaintenanceHandler) GenerateSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromReq(w, r)
	if !ok {
		return
	}
	body := struct {
		CreateWorkOrders *bool `json:"create_work_orders"`
	}{}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	create := true
	if body.CreateWorkOrders != nil {
		create = *body.CreateWorkOrders
	}

	summary, err := h.svc.GenerateSchedule(r.Context(), tenantID, create)
	if err != nil {
		h.fail(w, "generate_schedule", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(summary))
}

// GetOverview GET /overview?days_ahead=30
func (h *MaintenanceHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromReq(w, r)
	if !ok {
		return
	}
	ov, err := h.svc.GetOverview(r.Context(), tenantID, parseInt(r.URL.Query().Get("days_ahead"), 30))
	if err != nil {
		h.fail(w, "get_overview", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(ov))
}

// ExportOverview GET /overview/export
func (h *MaintenanceHandler) ExportOverview(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromReq(w, r)
	if !ok {
		return
	}
	ov, err := h.svc.GetOverview(r.Context(), tenantID, parseInt(r.URL.Query().Get("days_ahead"), 30))
	if err != nil {
		h.fail(w, "export_overview", tenantID, err)
		return
	}
	data, err := export.GenerateOverview(ov)
	if err != nil {
		h.logger.Error("GenerateOverview failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(msgInternalError))
		return
	}

	filename := fmt.Sprintf("maintenance-overview-%s.xlsx", ov.GeneratedAt.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ListRules GET /rules
func (h *MaintenanceHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromReq(w, r)
	if !ok {
		return
	}
	rules, err := h.svc.ListRules(r.Context(), tenantID)
	if err != nil {
		h.fail(w, "list_rules", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": rules, "total": len(rules)}))
}

// ListMeters GET /meters
func (h *MaintenanceHandler) ListMeters(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromReq(w, r)
	if !ok {
		return
	}
	meters, err := h.svc.ListMeters(r.Context(), tenantID)
	if err != nil {
		h.fail(w, "list_meters", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": meters, "total": len(meters)}))
}

// PredictionHistory GET /assets/{assetID}/predictions?limit=30
func (h *MaintenanceHandler) PredictionHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromReq(w, r)
	if !ok {
		return
	}
	assetID := chi.URLParam(r, "assetID")
	history, err := h.svc.PredictionHistory(r.Context(), tenantID, assetID, parseInt(r.URL.Query().Get("limit"), 30))
	if err != nil {
		h.fail(w, "prediction_history", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"asset_id": assetID, "items": history}))
}

// AlertStream WebSocket 告警推送（alerting.Hub 实现）
type AlertStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) error
}

func serveAlerts(stream AlertStream, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantIDFromReq(w, r)
		if !ok {
			return
		}
		if err := stream.ServeWS(w, r, tenantID); err != nil {
			// Upgrade 失败时 gorilla 已写入错误响应
			logger.Warn("Alert websocket rejected", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok", "time": time.Now().UTC()}))
}
