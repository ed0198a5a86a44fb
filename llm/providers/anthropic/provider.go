package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/llmgateway/internal/tlsutil"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/llm/retry"
	"go.uber.org/zap"
)

const defaultAPIVersion = "2023-06-01"

// AnthropicProvider 实现 Anthropic Claude 的 LLM Provider。
// Anthropic API 与 OpenAI 有显著差异：
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. 请求格式不同（system 消息单独传递）
// 3. 流式响应使用 SSE 格式但事件结构不同
// 4. ToolCall 结构和字段名称有差异（tool_use / tool_result / input_schema）
// 5. stop_reason 取值需归一化为统一的 finish_reason
type AnthropicProvider struct {
	cfg     providers.AnthropicConfig
	client  *http.Client
	logger  *zap.Logger
	retryer retry.Retryer
	models  map[string]struct{}
}

// NewAnthropicProvider 创建 Anthropic Provider。
func NewAnthropicProvider(cfg providers.AnthropicConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second // Claude 响应可能较慢
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Version == "" {
		cfg.Version = defaultAPIVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "provider"), zap.String("provider", "anthropic"))

	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[strings.ToLower(m)] = struct{}{}
	}

	return &AnthropicProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger,
		retryer: retry.NewBackoffRetryer(&retry.RetryPolicy{
			MaxRetries:   retries,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			RetryIf:      providers.IsTransient,
		}, logger),
		models: models,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// SupportsModel reports whether the provider declares support for model.
func (p *AnthropicProvider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	_, ok := p.models[strings.ToLower(model)]
	return ok
}

// SupportedModels returns a copy of the declared model list.
func (p *AnthropicProvider) SupportedModels() []string {
	out := make([]string, len(p.cfg.Models))
	copy(out, p.cfg.Models)
	return out
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrMsg(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("anthropic health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Anthropic 的消息结构与 OpenAI 不同
type anthropicMessage struct {
	Role    string             `json:"role"` // user 或 assistant
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"` // text, tool_use, tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"` // system 消息单独传递
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	StopSeq     []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Content      []anthropicContent `json:"content"`
	Model        string             `json:"model"`
	StopReason   string             `json:"stop_reason"`
	StopSequence string             `json:"stop_sequence,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

// 流式响应的事件类型
type anthropicStreamEvent struct {
	Type         string             `json:"type"` // message_start, content_block_start, content_block_delta, content_block_stop, message_delta, message_stop
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"` // text_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicErrorResp struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) buildHeaders(req *http.Request) {
	// Anthropic 使用 x-api-key 认证
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", p.cfg.Version)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// convertMessages 将统一格式转换为 Anthropic 格式
// Anthropic 的特殊要求：
// 1. system 消息需要单独提取到 system 字段
// 2. tool 角色包装为 user 角色的 tool_result 内容块
// 3. content 是数组形式，可包含文本和工具调用
func convertMessages(msgs []llm.Message) (string, []anthropicMessage) {
	var system []string
	var out []anthropicMessage

	for _, m := range msgs {
		// 提取 system 消息
		if m.Role == llm.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}

		// Tool 结果需要包装成 user 消息
		if m.Role == llm.RoleTool {
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		// 构建普通消息
		am := anthropicMessage{
			Role: string(m.Role),
		}

		// 文本内容
		if m.Content != "" {
			am.Content = append(am.Content, anthropicContent{
				Type: "text",
				Text: m.Content,
			})
		}

		// ToolCall 转换
		for _, tc := range m.ToolCalls {
			input := tc.Arguments
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			am.Content = append(am.Content, anthropicContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}

		if len(am.Content) > 0 {
			out = append(out, am)
		}
	}

	return strings.Join(system, "\n\n"), out
}

func convertTools(tools []llm.ToolSchema) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func (p *AnthropicProvider) buildBody(req *llm.ChatRequest, stream bool) anthropicRequest {
	system, messages := convertMessages(req.Messages)
	return anthropicRequest{
		Model:       chooseModel(req, p.cfg.Model),
		Messages:    messages,
		System:      system,
		MaxTokens:   chooseMaxTokens(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeq:     req.Stop,
		Stream:      stream,
		Tools:       convertTools(req.Tools),
	}
}

// Completion performs a non-streaming chat completion against /v1/messages.
// Transient failures are retried with exponential backoff and jitter.
func (p *AnthropicProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	payload, err := json.Marshal(p.buildBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.DoWithResultTyped[*llm.ChatResponse](p.retryer, ctx, func() (*llm.ChatResponse, error) {
		return p.doCompletion(ctx, payload)
	})
}

func (p *AnthropicProvider) doCompletion(ctx context.Context, payload []byte) (*llm.ChatResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.Name())
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}

	return toChatResponse(ar, p.Name()), nil
}

// Stream performs a streaming chat completion via Anthropic's SSE protocol.
// Only connection establishment is retried.
func (p *AnthropicProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	payload, err := json.Marshal(p.buildBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := retry.DoWithResultTyped[io.ReadCloser](p.retryer, ctx, func() (io.ReadCloser, error) {
		return p.openStream(ctx, payload)
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go p.consumeStream(ctx, body, ch)
	return ch, nil
}

func (p *AnthropicProvider) openStream(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.Name())
	}
	return resp.Body, nil
}

// consumeStream 解析 Anthropic SSE 事件流并转换为统一的 StreamChunk。
// 事件序列：message_start → content_block_start/delta/stop（重复）→
// message_delta（stop_reason）→ message_stop（usage）。
func (p *AnthropicProvider) consumeStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)
	reader := bufio.NewReader(body)

	// 流式响应累积状态
	var currentID string
	var currentModel string
	toolCallAccumulator := make(map[int]*llm.ToolCall) // 累积工具调用

	send := func(chunk llm.StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case ch <- chunk:
			return true
		}
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				send(llm.StreamChunk{
					Err: &llm.Error{
						Code:       llm.ErrStreamAborted,
						Message:    err.Error(),
						HTTPStatus: http.StatusBadGateway,
						Retryable:  true,
						Provider:   p.Name(),
					},
				})
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Anthropic SSE 格式：event: <type>\ndata: <json>
		if strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			send(llm.StreamChunk{
				Err: &llm.Error{
					Code:       llm.ErrStreamAborted,
					Message:    err.Error(),
					HTTPStatus: http.StatusBadGateway,
					Retryable:  true,
					Provider:   p.Name(),
				},
			})
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				currentID = event.Message.ID
				currentModel = event.Message.Model
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				// 初始化工具调用累积器；input_json_delta 从空对象开始追加
				toolCallAccumulator[event.Index] = &llm.ToolCall{
					ID:        event.ContentBlock.ID,
					Name:      event.ContentBlock.Name,
					Arguments: json.RawMessage{},
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if !send(llm.StreamChunk{
					ID:       currentID,
					Provider: p.Name(),
					Model:    currentModel,
					Index:    event.Index,
					Delta: llm.Message{
						Role:    llm.RoleAssistant,
						Content: event.Delta.Text,
					},
				}) {
					return
				}
			case "input_json_delta":
				// 累积工具调用参数片段
				if tc, ok := toolCallAccumulator[event.Index]; ok {
					tc.Arguments = append(tc.Arguments, []byte(event.Delta.PartialJSON)...)
				}
			}

		case "content_block_stop":
			// 工具调用块结束，发送完整的工具调用
			if tc, ok := toolCallAccumulator[event.Index]; ok {
				if len(tc.Arguments) == 0 {
					tc.Arguments = json.RawMessage("{}")
				}
				if !send(llm.StreamChunk{
					ID:       currentID,
					Provider: p.Name(),
					Model:    currentModel,
					Index:    event.Index,
					Delta: llm.Message{
						Role:      llm.RoleAssistant,
						ToolCalls: []llm.ToolCall{*tc},
					},
				}) {
					return
				}
				delete(toolCallAccumulator, event.Index)
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				if !send(llm.StreamChunk{
					ID:           currentID,
					Provider:     p.Name(),
					Model:        currentModel,
					FinishReason: mapStopReason(event.Delta.StopReason),
				}) {
					return
				}
			}

		case "message_stop":
			if event.Usage != nil {
				send(llm.StreamChunk{
					ID:       currentID,
					Provider: p.Name(),
					Model:    currentModel,
					Usage: &llm.ChatUsage{
						PromptTokens:     event.Usage.InputTokens,
						CompletionTokens: event.Usage.OutputTokens,
						TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
					},
				})
			}
			return
		}
	}
}

func toChatResponse(ar anthropicResponse, provider string) *llm.ChatResponse {
	msg := llm.Message{
		Role: llm.RoleAssistant,
	}

	// 解析 content 数组
	for _, content := range ar.Content {
		switch content.Type {
		case "text":
			msg.Content += content.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: content.Input,
			})
		}
	}

	resp := &llm.ChatResponse{
		ID:       ar.ID,
		Provider: provider,
		Model:    ar.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: mapStopReason(ar.StopReason),
			Message:      msg,
		}},
	}

	if ar.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		}
	}

	return resp
}

// mapStopReason 将 Anthropic stop_reason 归一化为统一的 finish_reason。
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	default:
		return reason
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp anthropicErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}

func mapError(status int, msg string, provider string) *llm.Error {
	// Anthropic 错误码映射；529 为其特有的过载状态码
	switch status {
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit") || strings.Contains(msg, "quota") {
			return &llm.Error{Code: llm.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	default:
		return providers.MapHTTPError(status, msg, provider)
	}
}

func chooseModel(req *llm.ChatRequest, defaultModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return "claude-3-5-sonnet-20241022"
}

func chooseMaxTokens(req *llm.ChatRequest) int {
	if req != nil && req.MaxTokens > 0 {
		return req.MaxTokens
	}
	// Anthropic 要求必须提供 max_tokens
	return 4096
}
