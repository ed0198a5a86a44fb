package downstream

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// CMS 协议头。请求侧声明期望的处理模式，
// 响应侧回报路由决策与 token 预算。
const (
	HeaderCMSMode     = "X-CMS-Mode"
	HeaderCMSRouted   = "X-CMS-Routed"
	HeaderCMSTier     = "X-CMS-Tier"
	HeaderTokenCount  = "X-Token-Count"
	HeaderTokenLimit  = "X-Token-Limit"
	HeaderHeadroomPct = "X-Headroom-Pct"
)

// Mode CMS 处理模式。
type Mode string

const (
	ModeNone     Mode = "none"
	ModeValidate Mode = "validate"
	ModeOptimize Mode = "optimize"
	ModePlan     Mode = "plan"
)

// TierFor 按上下文占用率选路由层级：
// <25% 直通，25–50% 校验，50–75% 优化，>75% 分块规划。
func TierFor(utilization float64) int {
	switch {
	case utilization < 0.25:
		return 1
	case utilization <= 0.50:
		return 2
	case utilization <= 0.75:
		return 3
	default:
		return 4
	}
}

// ModeForTier 层级到处理模式的映射。
func ModeForTier(tier int) Mode {
	switch tier {
	case 1:
		return ModeNone
	case 2:
		return ModeValidate
	case 3:
		return ModeOptimize
	default:
		return ModePlan
	}
}

// ProcessResult CMS 处理结果。OptimizedText 与 Chunks 至多一个有值：
// 整段优化走前者，超长分块走后者。头部字段来自响应协议头。
type ProcessResult struct {
	OptimizedText string   `json:"optimized_text"`
	Chunks        []string `json:"chunks"`

	Routed      bool    `json:"-"`
	Tier        int     `json:"-"`
	TokenCount  int     `json:"-"`
	TokenLimit  int     `json:"-"`
	HeadroomPct float64 `json:"-"`
}

// Best 返回可直接替换原文的压缩结果。分块时取最后一块
// （最后一块承接了前文的累积上下文）；两者皆空返回空串，
// 调用方据此回退本地压缩。
func (r *ProcessResult) Best() string {
	if r.OptimizedText != "" {
		return r.OptimizedText
	}
	if len(r.Chunks) > 0 {
		return r.Chunks[len(r.Chunks)-1]
	}
	return ""
}

type processRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// CMSClient 上下文管理服务客户端。
type CMSClient struct {
	client *Client
}

// NewCMS 创建 CMS 客户端。
func NewCMS(cfg Config, logger *zap.Logger) *CMSClient {
	return &CMSClient{client: NewClient("cms", cfg, logger)}
}

// Process 请求 CMS 压缩 text，走 optimize 模式。
func (c *CMSClient) Process(ctx context.Context, text, model string) (*ProcessResult, error) {
	return c.ProcessWithMode(ctx, text, model, ModeOptimize)
}

// ProcessWithMode 指定模式请求 CMS，并解析响应协议头。
func (c *CMSClient) ProcessWithMode(ctx context.Context, text, model string, mode Mode) (*ProcessResult, error) {
	var result ProcessResult
	header, err := c.client.PostJSON(ctx, "/api/v1/process",
		processRequest{Text: text, Model: model},
		&result,
		map[string]string{HeaderCMSMode: string(mode)},
	)
	if err != nil {
		return nil, err
	}
	parseCMSHeaders(header, &result)
	return &result, nil
}

func parseCMSHeaders(h http.Header, r *ProcessResult) {
	r.Routed = h.Get(HeaderCMSRouted) == "true"
	if v, err := strconv.Atoi(h.Get(HeaderCMSTier)); err == nil {
		r.Tier = v
	}
	if v, err := strconv.Atoi(h.Get(HeaderTokenCount)); err == nil {
		r.TokenCount = v
	}
	if v, err := strconv.Atoi(h.Get(HeaderTokenLimit)); err == nil {
		r.TokenLimit = v
	}
	if v, err := strconv.ParseFloat(h.Get(HeaderHeadroomPct), 64); err == nil {
		r.HeadroomPct = v
	}
}
