package downstream

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm/circuitbreaker"
)

// SearchResult 语义检索命中。
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// SemanticClient 语义检索服务客户端。
type SemanticClient struct {
	client *Client
}

// NewSemantic 创建语义检索客户端。
func NewSemantic(cfg Config, logger *zap.Logger) *SemanticClient {
	return &SemanticClient{client: NewClient("semantic_search", cfg, logger)}
}

// Search 检索与 query 最相关的 topK 条内容。
func (c *SemanticClient) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	var resp searchResponse
	if _, err := c.client.PostJSON(ctx, "/api/v1/search", searchRequest{Query: query, TopK: topK}, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ToolHandler 把检索透传为工具执行：参数原样转发，结果原样返回。
// 签名与工具处理函数一致，可直接注册。
func (c *SemanticClient) ToolHandler(ctx context.Context, args json.RawMessage) (any, error) {
	resp, err := c.client.Do(ctx, "POST", "/api/v1/search", args, nil)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Backend 降级链后端适配。
func (c *SemanticClient) Backend() circuitbreaker.Backend {
	return c.client.Backend("/api/v1/search")
}
