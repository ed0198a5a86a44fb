package orchestrator

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

// persistTimeout 流结束后写回会话的独立超时。
const persistTimeout = 5 * time.Second

// Stream 执行一次流式聊天补全。前半段管线与 Complete 相同，
// 之后把 Provider 的增量块原序透传给调用方，不重排不合并。
// 流正常收尾后把累积的助手回复写回会话；调用方取消 ctx 时
// 上游请求随之中止，半截流不入库。
func (o *Orchestrator) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	working, provider, messages, newStart, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	working.Messages = messages
	upstream, err := provider.Stream(ctx, working)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go o.relay(ctx, req, messages, newStart, upstream, out)
	return out, nil
}

func (o *Orchestrator) relay(ctx context.Context, req *llm.ChatRequest, messages []llm.Message, newStart int, upstream <-chan llm.StreamChunk, out chan<- llm.StreamChunk) {
	defer close(out)

	var content strings.Builder
	var finishReason string
	failed := false

	for chunk := range upstream {
		if chunk.Err != nil {
			failed = true
		}
		if chunk.Delta.Content != "" {
			content.WriteString(chunk.Delta.Content)
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	if failed || finishReason == "" || finishReason == "tool_calls" {
		// 出错、被中止或停在工具调用上的流没有完整回答可存
		return
	}
	o.persistStream(ctx, req, messages, newStart, content.String())
}

// persistStream 在流正常终止后写回会话。流已经收尾，
// 客户端断开不应该再丢持久化，这里换用带超时的独立上下文。
func (o *Orchestrator) persistStream(ctx context.Context, req *llm.ChatRequest, messages []llm.Message, newStart int, content string) {
	if req.SessionID == "" || o.sessions == nil {
		return
	}

	toSave := slices.Clone(messages[newStart:])
	toSave = append(toSave, llm.Message{Role: llm.RoleAssistant, Content: content})

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.sessions.AddMessages(pctx, req.SessionID, toSave...); err != nil {
		// 流已经结束，错误无法再送回调用方，只能落日志
		o.logger.Error("流式会话持久化失败",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return
	}
	o.logger.Debug("流式会话持久化完成",
		zap.String("session_id", req.SessionID),
		zap.Int("messages_saved", len(toSave)))
}
