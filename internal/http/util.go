package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"wisefido-maintenance/internal/models"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// tenantIDFromReq 租户来自 query tenant_id 或 X-Tenant-Id 请求头
func tenantIDFromReq(w http.ResponseWriter, r *http.Request) (string, bool) {
	if tid := r.URL.Query().Get("tenant_id"); tid != "" && tid != "null" {
		return tid, true
	}
	if tid := r.Header.Get("X-Tenant-Id"); tid != "" && tid != "null" {
		return tid, true
	}
	writeJSON(w, http.StatusBadRequest, Fail(models.ErrTenantRequired.Error()))
	return "", false
}

// statusFor 业务错误 -> HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, models.ErrMeterNotFound),
		errors.Is(err, models.ErrAssetNotFound),
		errors.Is(err, models.ErrRuleNotFound),
		errors.Is(err, models.ErrWorkOrderNotFound),
		errors.Is(err, models.ErrPredictionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUpsertConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

const msgInternalError = "internal error"

// messageFor 返回给客户端的错误信息；5xx 不透出内部错误
func messageFor(status int, err error) string {
	switch {
	case status == http.StatusServiceUnavailable:
		return models.ErrSourceUnavailable.Error()
	case status >= http.StatusInternalServerError:
		return msgInternalError
	default:
		return err.Error()
	}
}
