package downstream

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm/circuitbreaker"
)

// AgentTask 提交给智能体服务的任务。
type AgentTask struct {
	Task    string         `json:"task"`
	AgentID string         `json:"agent_id,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// AgentResult 智能体执行结果。
type AgentResult struct {
	Output   string         `json:"output"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentsClient 智能体服务客户端。
type AgentsClient struct {
	client *Client
}

// NewAgents 创建智能体服务客户端。
func NewAgents(cfg Config, logger *zap.Logger) *AgentsClient {
	return &AgentsClient{client: NewClient("ai_agents", cfg, logger)}
}

// Run 执行一个智能体任务并等待结果。
func (c *AgentsClient) Run(ctx context.Context, task AgentTask) (*AgentResult, error) {
	var result AgentResult
	if _, err := c.client.PostJSON(ctx, "/api/v1/agents/run", task, &result, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// ToolHandler 把任务执行透传为工具调用。
func (c *AgentsClient) ToolHandler(ctx context.Context, args json.RawMessage) (any, error) {
	resp, err := c.client.Do(ctx, "POST", "/api/v1/agents/run", args, nil)
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
func (c *AgentsClient) Backend() circuitbreaker.Backend {
	return c.client.Backend("/api/v1/agents/run")
}
