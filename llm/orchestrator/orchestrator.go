package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/downstream"
	"github.com/BaSui01/llmgateway/llm"
	llmctx "github.com/BaSui01/llmgateway/llm/context"
	"github.com/BaSui01/llmgateway/llm/router"
	"github.com/BaSui01/llmgateway/llm/tools"
	"github.com/BaSui01/llmgateway/session"
	"github.com/BaSui01/llmgateway/types"
)

// DefaultMaxToolIterations 工具循环的默认轮数上限。
const DefaultMaxToolIterations = 10

// ContextOptimizer 上下文压缩的主策略来源，由 CMS 客户端实现。
type ContextOptimizer interface {
	Process(ctx context.Context, text, model string) (*downstream.ProcessResult, error)
}

// Orchestrator 串起一次聊天补全的完整管线：
// 别名解析 → 选择 Provider → 拼装会话历史 → 预算检查与压缩 →
// Provider 调用 → 截断思维恢复 → 工具循环 → 会话持久化。
// 单个请求内严格串行，不同请求可并发调用。
type Orchestrator struct {
	router   *router.Router
	sessions *session.Manager
	executor *tools.Executor
	cms      ContextOptimizer
	status   *downstream.Status
	counter  llmctx.Tokenizer
	logger   *zap.Logger

	maxToolIterations int
	cmsProxyMode      bool
}

// Option 配置 Orchestrator 的可选依赖。
type Option func(*Orchestrator)

// WithSessions 启用会话历史的读取与持久化。
func WithSessions(m *session.Manager) Option {
	return func(o *Orchestrator) { o.sessions = m }
}

// WithTools 启用工具循环。
func WithTools(e *tools.Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithCMS 设置上下文压缩的主策略客户端。
func WithCMS(c ContextOptimizer) Option {
	return func(o *Orchestrator) { o.cms = c }
}

// WithInfraStatus 接入进程级下游可用性标记。
func WithInfraStatus(s *downstream.Status) Option {
	return func(o *Orchestrator) { o.status = s }
}

// WithTokenizer 替换 token 估算器，默认用字符估算。
func WithTokenizer(t llmctx.Tokenizer) Option {
	return func(o *Orchestrator) { o.counter = t }
}

// WithMaxToolIterations 覆盖工具循环轮数上限。
func WithMaxToolIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxToolIterations = n
		}
	}
}

// WithCMSProxyMode 开启 CMS 代理模式：超预算时不做本地压缩，
// 由在途的 CMS 反向代理截流处理。
func WithCMSProxyMode(enabled bool) Option {
	return func(o *Orchestrator) { o.cmsProxyMode = enabled }
}

// WithLogger 设置日志器。
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建编排器，router 为必选依赖。
func New(r *router.Router, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:            r,
		counter:           llmctx.Estimator{},
		logger:            zap.NewNop(),
		maxToolIterations: DefaultMaxToolIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o
}

// Complete 执行一次阻塞式聊天补全。
func (o *Orchestrator) Complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	working, provider, messages, newStart, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	working.Messages = messages
	resp, err := provider.Completion(ctx, working)
	if err != nil {
		return nil, err
	}

	// 截断思维恢复只重试一次，恢复产生的消息并入累积列表
	if reasoning, truncated := detectTruncatedThinking(resp); truncated {
		o.logger.Info("检测到截断的思维链，带推理上下文重试",
			zap.String("model", working.Model),
			zap.Int("reasoning_chars", len(reasoning)))
		messages = recoveryMessages(messages, reasoning)
		working.Messages = messages
		resp, err = provider.Completion(ctx, working)
		if err != nil {
			return nil, err
		}
	}

	resp, messages, err = o.runToolLoop(ctx, provider, working, messages, resp)
	if err != nil {
		return nil, err
	}

	if err := o.persist(ctx, req, messages, newStart, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// prepare 执行管线的公共前半段：校验、路由、历史拼装、预算检查。
// 返回占有自身消息切片的工作请求、目标 Provider、累积消息列表，
// 以及本轮新增消息在列表中的起始下标（持久化边界）。
// 边界必须在这里定下来：后续的恢复重试会改写用户消息内容，
// 事后按内容找锚点会找不回来。
func (o *Orchestrator) prepare(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, llm.Provider, []llm.Message, int, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, nil, 0, types.NewValidationError("messages must not be empty")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, nil, nil, 0, types.NewValidationError("model is required")
	}

	providerName, provider, err := o.router.ProviderFor(req.Model)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	working := req.Clone()
	working.Model = o.router.ResolveAlias(req.Model)

	messages, err := o.assembleMessages(ctx, req)
	if err != nil {
		return nil, nil, nil, 0, err
	}

	estimated := llmctx.CountRequest(o.counter, messages, working.Tools)
	budget := llmctx.Budget(working.Model)
	if estimated > budget {
		if o.cmsProxyMode {
			// CMS 反向代理会在途压缩，网关不重复处理
			o.logger.Info("上下文超出预算，委托 CMS 代理在途压缩",
				zap.String("model", working.Model),
				zap.Int("estimated_tokens", estimated),
				zap.Int("budget", budget))
		} else {
			messages = o.compress(ctx, messages, working.Model, budget)
		}
	}
	newStart := requestStart(messages, req.Messages)

	o.logger.Debug("请求准备完成",
		zap.String("provider", providerName),
		zap.String("model", working.Model),
		zap.Int("messages", len(messages)),
		zap.Int("estimated_tokens", estimated))
	return working, provider, messages, newStart, nil
}

// assembleMessages 拼装会话历史与本次请求消息：session.messages ++ request.messages。
func (o *Orchestrator) assembleMessages(ctx context.Context, req *llm.ChatRequest) ([]llm.Message, error) {
	if req.SessionID == "" || o.sessions == nil {
		out := make([]llm.Message, len(req.Messages))
		copy(out, req.Messages)
		return out, nil
	}

	history, err := o.sessions.GetHistory(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, types.NewSessionNotFoundError(req.SessionID)
		}
		return nil, types.NewSessionStoreError(err)
	}

	out := make([]llm.Message, 0, len(history)+len(req.Messages))
	out = append(out, history...)
	out = append(out, req.Messages...)
	return out, nil
}

// compress 压缩超预算的消息列表。主策略走 CMS，失败或结果为空时
// 标记 CMS 不可用并回退本地压缩。
func (o *Orchestrator) compress(ctx context.Context, messages []llm.Message, model string, budget int) []llm.Message {
	if o.cms != nil && (o.status == nil || o.status.Available(downstream.ServiceCMS)) {
		if compressed, ok := o.compressViaCMS(ctx, messages, model); ok {
			return compressed
		}
	}

	o.logger.Info("执行本地上下文压缩",
		zap.String("model", model),
		zap.Int("budget", budget),
		zap.Int("messages_before", len(messages)))
	return llmctx.FallbackCompress(messages, budget)
}

func (o *Orchestrator) compressViaCMS(ctx context.Context, messages []llm.Message, model string) ([]llm.Message, bool) {
	var systems []llm.Message
	var contents []string
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			systems = append(systems, m)
			continue
		}
		if m.Content != "" {
			contents = append(contents, m.Content)
		}
	}

	result, err := o.cms.Process(ctx, strings.Join(contents, "\n"), model)
	if err != nil {
		if o.status != nil {
			o.status.MarkFailed(downstream.ServiceCMS)
		}
		o.logger.Warn("CMS 压缩失败，回退本地压缩", zap.Error(err))
		return nil, false
	}
	if o.status != nil {
		o.status.MarkAvailable(downstream.ServiceCMS)
	}

	best := result.Best()
	if best == "" {
		// CMS 明确表示没有产出，同样走本地回退
		o.logger.Warn("CMS 返回空结果，回退本地压缩")
		return nil, false
	}

	out := make([]llm.Message, 0, len(systems)+1)
	out = append(out, systems...)
	out = append(out, llm.Message{Role: llm.RoleUser, Content: best})
	o.logger.Debug("CMS 压缩完成",
		zap.Int("messages_before", len(messages)),
		zap.Int("messages_after", len(out)),
		zap.Int("tier", result.Tier))
	return out, true
}

// runToolLoop 执行工具调用循环。每轮把助手消息（含原始 tool_calls）
// 与按调用顺序排列的工具结果消息追加到累积列表，然后重新调度。
// 轮数耗尽时原样返回最后一个响应。
func (o *Orchestrator) runToolLoop(ctx context.Context, provider llm.Provider, working *llm.ChatRequest, messages []llm.Message, resp *llm.ChatResponse) (*llm.ChatResponse, []llm.Message, error) {
	if o.executor == nil {
		return resp, messages, nil
	}

	for iteration := 0; iteration < o.maxToolIterations; iteration++ {
		choice := resp.FirstChoice()
		if choice == nil || choice.FinishReason != "tool_calls" || len(choice.Message.ToolCalls) == 0 {
			return resp, messages, nil
		}

		o.logger.Debug("执行工具调用",
			zap.Int("iteration", iteration+1),
			zap.Int("tool_calls", len(choice.Message.ToolCalls)))

		messages = append(messages, choice.Message)

		calls := normalizeToolCalls(choice.Message.ToolCalls)
		results := o.executor.ExecuteBatch(ctx, calls)
		for _, result := range results {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
			})
		}

		working.Messages = messages
		var err error
		resp, err = provider.Completion(ctx, working)
		if err != nil {
			return nil, messages, err
		}
	}

	if choice := resp.FirstChoice(); choice != nil && choice.FinishReason == "tool_calls" {
		o.logger.Warn("工具循环达到轮数上限，返回最后一个响应",
			zap.Int("max_iterations", o.maxToolIterations))
	}
	return resp, messages, nil
}

// normalizeToolCalls 复制调用列表并把无法解析的 arguments 归一为空对象，
// 保证执行器拿到的参数总是合法 JSON。
func normalizeToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if len(out[i].Arguments) > 0 && !json.Valid(out[i].Arguments) {
			out[i].Arguments = json.RawMessage("{}")
		}
	}
	return out
}

// persist 把本轮新增消息与最终助手消息写回会话：累积列表里
// newStart 起的所有消息（请求消息、恢复上下文、工具调用与工具结果）
// 加上响应里的最终助手消息。
func (o *Orchestrator) persist(ctx context.Context, req *llm.ChatRequest, messages []llm.Message, newStart int, resp *llm.ChatResponse) error {
	if req.SessionID == "" || o.sessions == nil {
		return nil
	}

	toSave := slices.Clone(messages[newStart:])
	if choice := resp.FirstChoice(); choice != nil {
		toSave = append(toSave, choice.Message)
	}
	if len(toSave) == 0 {
		return nil
	}

	if err := o.sessions.AddMessages(ctx, req.SessionID, toSave...); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return types.NewSessionNotFoundError(req.SessionID)
		}
		return types.NewSessionStoreError(err)
	}
	o.logger.Debug("会话持久化完成",
		zap.String("session_id", req.SessionID),
		zap.Int("messages_saved", len(toSave)))
	return nil
}

// requestStart 返回本次请求消息在累积列表中的起始下标。
// 拼装后请求消息总在列表尾部；压缩改写了尾部（截断或 CMS 整体替换）
// 时按 (role, content) 比对不上，退化为 len(messages)，
// 即只持久化之后新产生的消息。
func requestStart(messages, requested []llm.Message) int {
	n := len(requested)
	if n == 0 || n > len(messages) {
		return len(messages)
	}
	tail := messages[len(messages)-n:]
	for i := range tail {
		if tail[i].Role != requested[i].Role || tail[i].Content != requested[i].Content {
			return len(messages)
		}
	}
	return len(messages) - n
}
