package assets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeResult(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"code": 2000, "type": "success", "message": "ok", "result": result})
}

func TestHTTPRegistry_ListFiltersForeignTenant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/assets", r.URL.Path)
		assert.Equal(t, "tenant-1", r.Header.Get("X-Tenant-Id"))
		writeResult(w, map[string]interface{}{"items": []models.Asset{
			{AssetID: "pump-7", TenantID: "tenant-1", Criticality: models.CriticalityHigh, Status: "active"},
			{AssetID: "pump-9", TenantID: "tenant-2", Status: "active"},
		}})
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Second, nil, zap.NewNop())
	list, err := reg.ListAssets(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pump-7", list[0].AssetID)
	assert.Equal(t, models.CriticalityHigh, list[0].Criticality)
}

func TestHTTPRegistry_GetAssetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 4004, "message": "not found"})
	}))
	defer srv.Close()

	// 404 不走回退
	store := repository.NewMemoryStore()
	store.AddAsset(models.Asset{AssetID: "pump-7", TenantID: "tenant-1"})
	reg := NewHTTPRegistry(srv.URL, time.Second, store, zap.NewNop())
	_, err := reg.GetAsset(context.Background(), "tenant-1", "pump-7")
	assert.ErrorIs(t, err, models.ErrAssetNotFound)
}

func TestHTTPRegistry_GetAssetRejectsForeignTenant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, models.Asset{AssetID: "pump-7", TenantID: "tenant-2"})
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Second, nil, zap.NewNop())
	_, err := reg.GetAsset(context.Background(), "tenant-1", "pump-7")
	assert.ErrorIs(t, err, models.ErrAssetNotFound)
}

func TestHTTPRegistry_FallsBackWhenUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 5000, "message": "registry maintenance"})
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	store.AddAsset(models.Asset{AssetID: "pump-7", TenantID: "tenant-1", Status: "active"})
	reg := NewHTTPRegistry(srv.URL, time.Second, store, zap.NewNop())

	list, err := reg.ListAssets(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pump-7", list[0].AssetID)
}

func TestHTTPRegistry_TenantRequired(t *testing.T) {
	reg := NewHTTPRegistry("http://127.0.0.1:1", time.Second, nil, zap.NewNop())
	_, err := reg.ListAssets(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrTenantRequired)
}
