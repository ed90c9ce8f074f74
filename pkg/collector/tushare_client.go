package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// tushare 限流错误码
const tushareRateLimitCode = 40203

// TushareClient Tushare API客户端
type TushareClient struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

// TushareRequest Tushare API请求结构
type TushareRequest struct {
	APIName string      `json:"api_name"`
	Token   string      `json:"token"`
	Params  interface{} `json:"params,omitempty"`
	Fields  string      `json:"fields,omitempty"`
}

// TushareResponse Tushare API响应结构
type TushareResponse struct {
	RequestID string `json:"request_id"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Data      struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// NewTushareClient 创建新的Tushare客户端
func NewTushareClient(apiKey, baseURL string, timeout time.Duration) *TushareClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TushareClient{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Execute 执行Tushare API请求
func (c *TushareClient) Execute(ctx context.Context, apiName string, params interface{}, fields string) (*TushareResponse, error) {
	req := TushareRequest{
		APIName: apiName,
		Token:   c.APIKey,
		Params:  params,
		Fields:  fields,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("执行HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API返回非200状态码: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var tushareResp TushareResponse
	if err := json.Unmarshal(body, &tushareResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}

	if tushareResp.Code != 0 {
		if tushareResp.Code == tushareRateLimitCode || strings.Contains(tushareResp.Msg, "最多访问") {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, tushareResp.Msg)
		}
		return nil, fmt.Errorf("API返回错误: %s", tushareResp.Msg)
	}

	return &tushareResp, nil
}

// GetDailyQuotes 获取日线行情
func (c *TushareClient) GetDailyQuotes(ctx context.Context, params map[string]interface{}) (*TushareResponse, error) {
	fields := "ts_code,trade_date,open,high,low,close,pre_close,change,pct_chg,vol,amount"
	return c.Execute(ctx, "daily", params, fields)
}

// GetRealtimeQuotes 获取实时行情
func (c *TushareClient) GetRealtimeQuotes(ctx context.Context, params map[string]interface{}) (*TushareResponse, error) {
	fields := "ts_code,name,trade_time,open,high,low,close,pre_close,change,pct_chg,vol,amount"
	return c.Execute(ctx, "quotes", params, fields)
}
