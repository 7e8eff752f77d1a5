package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIPrefix 业务路由前缀
const APIPrefix = "/maintenance/api/v1"

// NewRouter 注册全部路由；stream 为 nil 时不提供 /ws
func NewRouter(h *MaintenanceHandler, stream AlertStream, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())
	if stream != nil {
		r.Get("/ws/alerts", serveAlerts(stream, logger))
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Post("/readings", h.RecordReading)
		r.Post("/schedule/generate", h.GenerateSchedule)
		r.Get("/overview", h.GetOverview)
		r.Get("/overview/export", h.ExportOverview)
		r.Get("/rules", h.ListRules)
		r.Get("/meters", h.ListMeters)
		r.Get("/assets/{assetID}/predictions", h.PredictionHistory)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
	})
	return r
}
