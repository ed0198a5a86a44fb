// FakeProvider 的确定性 LLM Provider 实现。
//
// 不发起任何网络请求，支持脚本化响应、错误注入与调用记录。
// 既用于测试，也可在演练环境中作为真实 Provider 注册。
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
	"go.uber.org/zap"
)

// DefaultContent 是未配置脚本时的默认响应内容。
const DefaultContent = "hello world"

// Turn 描述脚本中的一轮响应。
// Err 非空时该轮直接返回错误；否则按 Content/ToolCalls 构造响应。
type Turn struct {
	Content      string
	ToolCalls    []llm.ToolCall
	FinishReason string
	Err          error
}

// FakeProvider 是 llm.Provider 的确定性实现
type FakeProvider struct {
	mu sync.Mutex

	logger  *zap.Logger
	latency time.Duration

	// 响应配置
	content string
	script  []Turn
	err     error
	usage   llm.ChatUsage

	// 行为控制
	failTimes int   // 前 N 次调用失败
	failErr   error // failTimes 使用的错误

	// 声明的模型列表（空表示接受任意模型）
	models []string

	// 调用记录
	callCount int
	requests  []*llm.ChatRequest
}

// New 创建新的 FakeProvider
func New(cfg providers.FakeConfig, logger *zap.Logger) *FakeProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FakeProvider{
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", "fake")),
		latency: cfg.Latency,
		content: DefaultContent,
		usage: llm.ChatUsage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
}

// --- Builder 方法 ---

// WithContent 设置默认响应内容
func (p *FakeProvider) WithContent(content string) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = content
	return p
}

// WithScript 设置脚本化响应，每次调用消费一轮，耗尽后回退到默认内容
func (p *FakeProvider) WithScript(turns ...Turn) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, turns...)
	return p
}

// WithError 设置粘性错误，所有后续调用都返回该错误
func (p *FakeProvider) WithError(err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p
}

// WithFailTimes 设置前 N 次调用失败，之后恢复正常
func (p *FakeProvider) WithFailTimes(n int, err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTimes = n
	p.failErr = err
	return p
}

// WithUsage 设置 Token 用量
func (p *FakeProvider) WithUsage(prompt, completion int) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage = llm.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	return p
}

// WithModels 设置声明的模型列表
func (p *FakeProvider) WithModels(models ...string) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models = models
	return p
}

// WithLatency 设置模拟延迟
func (p *FakeProvider) WithLatency(d time.Duration) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
	return p
}

// --- Provider 接口实现 ---

func (p *FakeProvider) Name() string { return "fake" }

// SupportsModel reports whether the provider declares support for model.
func (p *FakeProvider) SupportsModel(model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// SupportedModels returns a copy of the declared model list.
func (p *FakeProvider) SupportedModels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

// HealthCheck 报告健康状态；粘性错误存在时视为不健康
func (p *FakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: 0}, p.err
	}
	return &llm.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

// nextTurn 记录调用并决定本轮响应。
func (p *FakeProvider) nextTurn(req *llm.ChatRequest) (Turn, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.callCount++
	id := fmt.Sprintf("chatcmpl-fake-%d", p.callCount)
	p.requests = append(p.requests, req.Clone())

	if p.err != nil {
		return Turn{}, id, p.err
	}
	if p.failTimes > 0 && p.callCount <= p.failTimes {
		err := p.failErr
		if err == nil {
			err = &llm.Error{
				Code:      llm.ErrProviderUnavailable,
				Message:   "fake provider: injected failure",
				Retryable: true,
				Provider:  "fake",
			}
		}
		return Turn{}, id, err
	}

	var turn Turn
	if len(p.script) > 0 {
		turn = p.script[0]
		p.script = p.script[1:]
		if turn.Err != nil {
			return Turn{}, id, turn.Err
		}
	} else {
		turn = Turn{Content: p.content}
	}

	if turn.FinishReason == "" {
		if len(turn.ToolCalls) > 0 {
			turn.FinishReason = "tool_calls"
		} else {
			turn.FinishReason = "stop"
		}
	}
	return turn, id, nil
}

// sleep 模拟响应延迟，监听 context 取消
func (p *FakeProvider) sleep(ctx context.Context) error {
	if p.latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.latency):
		return nil
	}
}

// Completion 返回确定性的聊天响应
func (p *FakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	turn, id, err := p.nextTurn(req)
	if err != nil {
		return nil, err
	}
	if err := p.sleep(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	usage := p.usage
	p.mu.Unlock()

	return &llm.ChatResponse{
		ID:       id,
		Provider: "fake",
		Model:    req.Model,
		Choices: []llm.ChatChoice{
			{
				Index:        0,
				FinishReason: turn.FinishReason,
				Message: llm.Message{
					Role:      llm.RoleAssistant,
					Content:   turn.Content,
					ToolCalls: turn.ToolCalls,
				},
			},
		},
		Usage:     usage,
		CreatedAt: time.Now(),
	}, nil
}

// Stream 按词切分内容并逐块发送，最后一块携带 finish_reason 与用量。
// 所有块共享同一个 id。
func (p *FakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	turn, id, err := p.nextTurn(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	usage := p.usage
	p.mu.Unlock()

	words := splitWords(turn.Content)
	ch := make(chan llm.StreamChunk, len(words)+2)
	go func() {
		defer close(ch)
		if err := p.sleep(ctx); err != nil {
			return
		}

		send := func(chunk llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		for _, word := range words {
			if !send(llm.StreamChunk{
				ID:       id,
				Provider: "fake",
				Model:    req.Model,
				Delta: llm.Message{
					Role:    llm.RoleAssistant,
					Content: word,
				},
			}) {
				return
			}
		}

		if len(turn.ToolCalls) > 0 {
			if !send(llm.StreamChunk{
				ID:       id,
				Provider: "fake",
				Model:    req.Model,
				Delta: llm.Message{
					Role:      llm.RoleAssistant,
					ToolCalls: turn.ToolCalls,
				},
			}) {
				return
			}
		}

		send(llm.StreamChunk{
			ID:           id,
			Provider:     "fake",
			Model:        req.Model,
			FinishReason: turn.FinishReason,
			Usage:        &usage,
		})
	}()
	return ch, nil
}

// splitWords 将内容按空格切分为流式增量。
// 第一个词原样输出，后续词附带前导空格，拼接后还原原文。
func splitWords(content string) []string {
	if content == "" {
		return nil
	}
	fields := strings.Split(content, " ")
	out := make([]string, 0, len(fields))
	for i, f := range fields {
		if i == 0 {
			out = append(out, f)
			continue
		}
		out = append(out, " "+f)
	}
	return out
}

// --- 查询方法 ---

// CallCount 返回累计调用次数（Completion 与 Stream 合计）
func (p *FakeProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Requests 返回记录的请求副本
func (p *FakeProvider) Requests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.ChatRequest{}, p.requests...)
}

// LastRequest 返回最后一次记录的请求，没有则返回 nil
func (p *FakeProvider) LastRequest() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

// Reset 重置调用记录与注入的错误
func (p *FakeProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callCount = 0
	p.requests = nil
	p.err = nil
	p.failTimes = 0
	p.failErr = nil
	p.script = nil
}
