package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 聊天完成类型（OpenAI 线格式）
// =============================================================================

// ChatMessage 一条对话消息。
// @Description OpenAI 格式的对话消息
type ChatMessage struct {
	// 角色：system、user、assistant 或 tool
	Role string `json:"role" example:"user"`
	// 消息正文，携带 tool_calls 时可以为空
	Content string `json:"content"`
	// 可选的参与者名称
	Name string `json:"name,omitempty"`
	// assistant 消息携带的工具调用
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// tool 消息必须携带，对应 assistant 发起的调用 ID
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall OpenAI 形态的工具调用，arguments 是 JSON 编码的字符串。
type ToolCall struct {
	// 由 Provider 分配的调用 ID
	ID string `json:"id" example:"call_abc123"`
	// 目前固定为 function
	Type string `json:"type" example:"function"`
	// 函数名与参数
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction 工具调用的函数部分。
type ToolCallFunction struct {
	Name string `json:"name" example:"echo"`
	// JSON 字符串，模型截断时可能不是合法 JSON，按原样透传
	Arguments string `json:"arguments" example:"{\"message\":\"ok\"}"`
}

// Tool 请求中声明的可用工具。
type Tool struct {
	// 目前固定为 function
	Type string `json:"type" example:"function"`
	// 函数签名
	Function ToolFunction `json:"function"`
}

// ToolFunction 工具的函数签名，parameters 是 JSON Schema。
type ToolFunction struct {
	Name        string          `json:"name" example:"echo"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// StringList 兼容 OpenAI 的 string-or-array 字段（如 stop）。
// 单个字符串反序列化为单元素列表，序列化时始终输出数组。
type StringList []string

// UnmarshalJSON 接受 "s" 与 ["a","b"] 两种形态。
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("string or array of strings expected: %w", err)
	}
	*s = StringList(many)
	return nil
}

// ToolChoice 兼容字符串（auto/none/required/工具名）与
// {"type":"function","function":{"name":...}} 对象两种形态，
// 统一压平成字符串传给下游。
type ToolChoice string

// UnmarshalJSON 接受字符串或 OpenAI 的对象形态。
func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = ToolChoice(s)
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("string or tool-choice object expected: %w", err)
	}
	*t = ToolChoice(obj.Function.Name)
	return nil
}

// ChatCompletionRequest 聊天完成请求。
// @Description OpenAI 兼容的聊天完成请求
type ChatCompletionRequest struct {
	// 模型名、别名或带前缀的模型（如 gpt-5.2、reasoner）
	Model string `json:"model" example:"gpt-5.2" binding:"required"`
	// 对话消息，不能为空
	Messages []ChatMessage `json:"messages" binding:"required"`
	// 采样温度，范围 [0, 2]
	Temperature *float32 `json:"temperature,omitempty" example:"0.7"`
	// 生成 token 上限，提供时必须为正
	MaxTokens int `json:"max_tokens,omitempty" example:"4096"`
	// 核采样参数，范围 [0, 1]
	TopP *float32 `json:"top_p,omitempty" example:"1.0"`
	// 生成候选数
	N int `json:"n,omitempty" example:"1"`
	// 为 true 时走 SSE 流式响应
	Stream bool `json:"stream,omitempty"`
	// 停止序列，接受字符串或字符串数组
	Stop StringList `json:"stop,omitempty"`
	// 出现惩罚
	PresencePenalty *float32 `json:"presence_penalty,omitempty"`
	// 频率惩罚
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	// 可用工具
	Tools []Tool `json:"tools,omitempty"`
	// 工具选择：auto、none、required 或具体工具名
	ToolChoice ToolChoice `json:"tool_choice,omitempty" example:"auto"`
	// 终端用户标识
	User string `json:"user,omitempty"`
	// 随机种子
	Seed *int `json:"seed,omitempty"`
	// 关联的会话 ID，提供时历史消息会被注入并在完成后持久化
	SessionID string `json:"session_id,omitempty" example:"550e8400-e29b-41d4-a716-446655440000"`
}

// Validate 校验请求参数，违约返回 422 级别的错误。
func (r *ChatCompletionRequest) Validate() *types.Error {
	if r.Model == "" {
		return types.NewValidationError("model is required")
	}
	if len(r.Messages) == 0 {
		return types.NewValidationError("messages must not be empty")
	}
	for i, msg := range r.Messages {
		if !llm.ValidRole(llm.Role(msg.Role)) {
			return types.NewValidationError("messages[%d]: invalid role %q", i, msg.Role)
		}
		if msg.Role == string(llm.RoleTool) && msg.ToolCallID == "" {
			return types.NewValidationError("messages[%d]: tool message requires tool_call_id", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return types.NewValidationError("temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return types.NewValidationError("top_p must be between 0 and 1")
	}
	if r.MaxTokens < 0 {
		return types.NewValidationError("max_tokens must not be negative")
	}
	if r.N < 0 {
		return types.NewValidationError("n must not be negative")
	}
	for i, tool := range r.Tools {
		if tool.Function.Name == "" {
			return types.NewValidationError("tools[%d]: function name is required", i)
		}
	}
	return nil
}

// ToLLM 转换为编排层请求。
func (r *ChatCompletionRequest) ToLLM() *llm.ChatRequest {
	req := &llm.ChatRequest{
		SessionID:        r.SessionID,
		Model:            r.Model,
		Messages:         MessagesToLLM(r.Messages),
		MaxTokens:        r.MaxTokens,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		N:                r.N,
		Stop:             []string(r.Stop),
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
		Seed:             r.Seed,
		User:             r.User,
		ToolChoice:       string(r.ToolChoice),
	}
	if len(r.Tools) > 0 {
		req.Tools = make([]llm.ToolSchema, 0, len(r.Tools))
		for _, tool := range r.Tools {
			req.Tools = append(req.Tools, llm.ToolSchema{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			})
		}
	}
	return req
}

// ChatCompletionResponse 阻塞式聊天完成响应。
// @Description OpenAI 兼容的聊天完成响应
type ChatCompletionResponse struct {
	// 响应 ID
	ID string `json:"id" example:"chatcmpl-123"`
	// 固定为 chat.completion
	Object string `json:"object" example:"chat.completion"`
	// Unix 秒时间戳
	Created int64 `json:"created" example:"1700000000"`
	// 实际使用的模型
	Model string `json:"model" example:"gpt-5.2"`
	// 生成的候选
	Choices []ChatCompletionChoice `json:"choices"`
	// token 用量
	Usage Usage `json:"usage"`
}

// ChatCompletionChoice 响应中的单个候选。
type ChatCompletionChoice struct {
	Index int `json:"index" example:"0"`
	// 完整消息
	Message ChatMessage `json:"message"`
	// stop、length、tool_calls 或 content_filter
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
}

// Usage token 用量统计。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" example:"10"`
	CompletionTokens int `json:"completion_tokens" example:"20"`
	TotalTokens      int `json:"total_tokens" example:"30"`
}

// NewChatCompletionResponse 从编排层响应构造线格式响应。
// 上游没给 ID 或时间戳时在网关侧补齐。
func NewChatCompletionResponse(resp *llm.ChatResponse) *ChatCompletionResponse {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := resp.CreatedAt.Unix()
	if resp.CreatedAt.IsZero() {
		created = time.Now().Unix()
	}
	out := &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: make([]ChatCompletionChoice, 0, len(resp.Choices)),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		out.Choices = append(out.Choices, ChatCompletionChoice{
			Index:        choice.Index,
			Message:      MessageFromLLM(choice.Message),
			FinishReason: choice.FinishReason,
		})
	}
	return out
}

// =============================================================================
// 流式 chunk 类型
// =============================================================================

// ChunkDelta 流式帧的增量部分。首帧只带 role，
// 中间帧带 content 或 tool_calls，终止帧为空。
type ChunkDelta struct {
	Role      string     `json:"role,omitempty" example:"assistant"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChunkChoice 流式帧中的候选。finish_reason 在中间帧为 null，
// 终止帧携带字符串，因此用指针且不加 omitempty。
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk 一帧流式响应。
// @Description OpenAI 兼容的流式 chunk
type ChatCompletionChunk struct {
	ID      string        `json:"id" example:"chatcmpl-123"`
	Object  string        `json:"object" example:"chat.completion.chunk"`
	Created int64         `json:"created" example:"1700000000"`
	Model   string        `json:"model" example:"gpt-5.2"`
	Choices []ChunkChoice `json:"choices"`
	// 仅终止帧可能携带
	Usage *Usage `json:"usage,omitempty"`
}

// NewChunk 从编排层 chunk 构造线格式帧。id 与 created 由调用方
// 固定，保证一次响应内所有帧一致。
func NewChunk(chunk llm.StreamChunk, id, model string, created int64) ChatCompletionChunk {
	delta := ChunkDelta{
		Role:      string(chunk.Delta.Role),
		Content:   chunk.Delta.Content,
		ToolCalls: toolCallsFromLLM(chunk.Delta.ToolCalls),
	}
	choice := ChunkChoice{Index: chunk.Index, Delta: delta}
	if chunk.FinishReason != "" {
		reason := chunk.FinishReason
		choice.FinishReason = &reason
	}
	out := ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{choice},
	}
	if chunk.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out
}

// =============================================================================
// 消息转换
// =============================================================================

// MessagesToLLM 批量转换线格式消息。
func MessagesToLLM(msgs []ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, MessageToLLM(msg))
	}
	return out
}

// MessageToLLM 转换单条消息，OpenAI 的 arguments 字符串
// 原样转为 RawMessage，不在网关侧校验合法性。
func MessageToLLM(msg ChatMessage) llm.Message {
	out := llm.Message{
		Role:       llm.Role(msg.Role),
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = make([]llm.ToolCall, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: json.RawMessage(call.Function.Arguments),
			})
		}
	}
	return out
}

// MessageFromLLM 转换回线格式。
func MessageFromLLM(msg llm.Message) ChatMessage {
	return ChatMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCalls:  toolCallsFromLLM(msg.ToolCalls),
		ToolCallID: msg.ToolCallID,
	}
}

func toolCallsFromLLM(calls []llm.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, ToolCall{
			ID:   call.ID,
			Type: "function",
			Function: ToolCallFunction{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}
	return out
}

// =============================================================================
// 会话类型
// =============================================================================

// CreateSessionRequest 创建会话请求，context 可缺省。
type CreateSessionRequest struct {
	// 业务自定义上下文，随会话持久化
	Context map[string]any `json:"context,omitempty"`
}

// SessionResponse 会话的线格式视图。
// @Description 会话信息
type SessionResponse struct {
	ID string `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	// 仅 GET 单个会话时返回历史消息
	Messages  []ChatMessage  `json:"messages,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// =============================================================================
// 模型与工具类型
// =============================================================================

// ModelInfo /v1/models 中的单个模型。
type ModelInfo struct {
	ID string `json:"id" example:"gpt-5.2"`
	// 固定为 model
	Object string `json:"object" example:"model"`
	// 提供该模型的 Provider 名
	OwnedBy string `json:"owned_by" example:"openai"`
}

// ModelList /v1/models 响应。
type ModelList struct {
	// 固定为 list
	Object string      `json:"object" example:"list"`
	Data   []ModelInfo `json:"data"`
}

// ExecuteToolRequest 直接执行一个已注册工具。
type ExecuteToolRequest struct {
	// 工具名
	Name string `json:"name" example:"echo" binding:"required"`
	// 工具参数，必须通过注册时的 JSON Schema 校验
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ExecuteToolResponse 工具执行结果。执行失败不是 HTTP 错误，
// 以 is_error=true 表达。
type ExecuteToolResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// =============================================================================
// 错误响应
// =============================================================================

// ErrorResponse 错误响应体。detail 携带人读信息，code 携带稳定错误码。
type ErrorResponse struct {
	Detail string `json:"detail" example:"session \"abc\" not found"`
	Code   string `json:"code,omitempty" example:"SESSION_NOT_FOUND"`
}
