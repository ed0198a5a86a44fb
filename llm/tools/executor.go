package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/llmgateway/llm"
)

// Executor 工具执行器。
// Execute 从不返回 error：所有失败（未注册、参数非法、超时、panic）
// 都折叠进 ToolResult，IsError 置位、Content 带诊断信息，
// 这样工具循环里单个工具的失败不会中断整轮对话。
type Executor struct {
	registry       *Registry
	logger         *zap.Logger
	maxConcurrency int
	observer       func(tool string, isError bool, duration time.Duration)
}

// ExecutorOption 执行器选项
type ExecutorOption func(*Executor)

// WithMaxConcurrency 设置批量执行的并发上限
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithObserver 设置每次执行结束后的回调，供指标采集挂接
func WithObserver(fn func(tool string, isError bool, duration time.Duration)) ExecutorOption {
	return func(e *Executor) {
		e.observer = fn
	}
}

// NewExecutor 创建工具执行器
func NewExecutor(registry *Registry, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		registry:       registry,
		logger:         logger.With(zap.String("component", "tool_executor")),
		maxConcurrency: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 执行单个工具调用
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	result := e.execute(ctx, call, start)
	if e.observer != nil {
		e.observer(call.Name, result.IsError, time.Since(start))
	}
	return result
}

func (e *Executor) execute(ctx context.Context, call llm.ToolCall, start time.Time) llm.ToolResult {
	tool, err := e.registry.Get(call.Name)
	if err != nil {
		e.logger.Warn("tool not found", zap.String("name", call.Name))
		return errorResult(call.ID, fmt.Sprintf("tool not found: %s", call.Name))
	}

	if !tool.allow() {
		e.logger.Warn("tool rate limit exceeded", zap.String("name", call.Name))
		return errorResult(call.ID, fmt.Sprintf("%v: %s", ErrToolRateLimited, call.Name))
	}

	if err := tool.ValidateArgs(call.Arguments); err != nil {
		e.logger.Warn("invalid tool arguments",
			zap.String("name", call.Name),
			zap.Error(err),
		)
		return errorResult(call.ID, err.Error())
	}

	content, err := e.invoke(ctx, tool, call)
	duration := time.Since(start)
	if err != nil {
		e.logger.Error("tool execution failed",
			zap.String("name", call.Name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return errorResult(call.ID, err.Error())
	}

	e.logger.Info("tool executed",
		zap.String("name", call.Name),
		zap.Duration("duration", duration),
	)
	return llm.ToolResult{ToolCallID: call.ID, Content: content}
}

// ExecuteBatch 并行执行一批工具调用，结果顺序与输入一致。
// 并发受 maxConcurrency 限制，防止一轮返回几十个调用时打爆下游。
func (e *Executor) ExecuteBatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]llm.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = e.Execute(gctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

type invokeOutcome struct {
	result any
	err    error
}

// invoke 在超时与 panic 保护下运行处理函数
func (e *Executor) invoke(ctx context.Context, tool *RegisteredTool, call llm.ToolCall) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	// 带缓冲的 channel 防止 goroutine 泄漏：
	// 超时后无人接收，发送方也能通过 select 退出
	done := make(chan invokeOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool handler panicked",
					zap.String("name", call.Name),
					zap.Any("panic", r),
				)
				select {
				case done <- invokeOutcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, r)}:
				case <-execCtx.Done():
				}
			}
		}()

		result, err := tool.Handler(execCtx, call.Arguments)
		select {
		case done <- invokeOutcome{result: result, err: err}:
		case <-execCtx.Done():
		}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return "", outcome.err
		}
		return stringifyResult(outcome.result)

	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("tool %s timed out after %s", call.Name, tool.Timeout)
		}
		return "", fmt.Errorf("tool %s canceled: %w", call.Name, execCtx.Err())
	}
}

// stringifyResult 把处理函数返回值折叠成字符串内容
func stringifyResult(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.RawMessage:
		return string(t), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("stringify tool result: %w", err)
		}
		return string(data), nil
	}
}

func errorResult(callID, message string) llm.ToolResult {
	return llm.ToolResult{ToolCallID: callID, Content: message, IsError: true}
}
