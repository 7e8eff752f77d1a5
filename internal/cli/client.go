package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/service"

	"github.com/go-resty/resty/v2"
)

const apiPrefix = "/maintenance/api/v1"

// envelope 服务端统一响应包
type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Client wisefido-maintenance HTTP 客户端
type Client struct {
	http     *resty.Client
	tenantID string
}

// NewClient 创建客户端
func NewClient(baseURL, tenantID string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("X-Tenant-Id", tenantID)
	return &Client{http: c, tenantID: tenantID}
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var env envelope
	req := c.http.R().SetContext(ctx).SetResult(&env).SetError(&env)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, apiPrefix+path)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	if env.Code != 2000 {
		msg := env.Message
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("%s %s: %s (http %d)", method, path, msg, resp.StatusCode())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", path, err)
	}
	return nil
}

// GenerateSchedule 触发一次评估
func (c *Client) GenerateSchedule(ctx context.Context, createWorkOrders bool) (*service.CycleSummary, error) {
	var out service.CycleSummary
	body := map[string]bool{"create_work_orders": createWorkOrders}
	if err := c.call(ctx, resty.MethodPost, "/schedule/generate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordReading 写入计量读数
func (c *Client) RecordReading(ctx context.Context, req service.RecordReadingRequest) (*service.RecordReadingResult, error) {
	var out service.RecordReadingResult
	if err := c.call(ctx, resty.MethodPost, "/readings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overview 维护概览
func (c *Client) Overview(ctx context.Context, daysAhead int) (*service.Overview, error) {
	var out service.Overview
	if err := c.call(ctx, resty.MethodGet, fmt.Sprintf("/overview?days_ahead=%d", daysAhead), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rules PM 规则列表
func (c *Client) Rules(ctx context.Context) ([]models.PMRule, error) {
	var out struct {
		Items []models.PMRule `json:"items"`
	}
	if err := c.call(ctx, resty.MethodGet, "/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Meters 计量表列表
func (c *Client) Meters(ctx context.Context) ([]models.Meter, error) {
	var out struct {
		Items []models.Meter `json:"items"`
	}
	if err := c.call(ctx, resty.MethodGet, "/meters", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Predictions 资产预测历史
func (c *Client) Predictions(ctx context.Context, assetID string, limit int) ([]models.PredictionResult, error) {
	var out struct {
		Items []models.PredictionResult `json:"items"`
	}
	if err := c.call(ctx, resty.MethodGet, fmt.Sprintf("/assets/%s/predictions?limit=%d", assetID, limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}
