package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/orchestrator"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 聊天接口 Handler
// =============================================================================

// ChatHandler 聊天补全处理器，按请求的 stream 标志分流同步与 SSE。
type ChatHandler struct {
	orc    *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewChatHandler 创建聊天处理器。
func NewChatHandler(orc *orchestrator.Orchestrator, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		orc:    orc,
		logger: logger.With(zap.String("handler", "chat")),
	}
}

// HandleChatCompletions 处理聊天补全请求。
// @Summary 聊天完成
// @Description OpenAI 兼容的聊天补全，stream=true 时走 SSE
// @Tags 聊天
// @Accept json
// @Produce json
// @Produce text/event-stream
// @Param request body api.ChatCompletionRequest true "聊天请求"
// @Success 200 {object} api.ChatCompletionResponse "聊天响应或 SSE 流"
// @Failure 404 {object} api.ErrorResponse "模型无 Provider 或会话不存在"
// @Failure 422 {object} api.ErrorResponse "参数校验失败"
// @Failure 429 {object} api.ErrorResponse "限流"
// @Failure 502 {object} api.ErrorResponse "上游 Provider 失败"
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatCompletionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	llmReq := req.ToLLM()
	if req.Stream {
		h.streamCompletion(w, r, llmReq)
		return
	}
	h.blockingCompletion(w, r, llmReq)
}

func (h *ChatHandler) blockingCompletion(w http.ResponseWriter, r *http.Request, llmReq *llm.ChatRequest) {
	start := time.Now()
	resp, err := h.orc.Complete(r.Context(), llmReq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("聊天补全完成",
		zap.String("model", llmReq.Model),
		zap.String("provider", resp.Provider),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	WriteJSON(w, http.StatusOK, api.NewChatCompletionResponse(resp))
}

func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, llmReq *llm.ChatRequest) {
	// 流未启动前的失败仍然能返回普通 HTTP 错误
	stream, err := h.orc.Stream(r.Context(), llmReq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	sse := &sseWriter{w: w, flusher: flusher}
	streamID := ""
	model := llmReq.Model
	created := time.Now().Unix()
	primed := false

	for chunk := range stream {
		if chunk.Err != nil {
			h.logger.Error("流式响应中断",
				zap.String("code", string(chunk.Err.Code)),
				zap.String("message", chunk.Err.Message),
			)
			sse.writeErrorEvent(chunk.Err.Message)
			sse.writeDone()
			return
		}

		// 同一次响应内所有帧共享首个 chunk 的 id
		if streamID == "" {
			streamID = chunk.ID
			if streamID == "" {
				streamID = "chatcmpl-" + uuid.NewString()
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
		}

		// 首帧只带 role，内容从后续帧开始
		if !primed {
			if err := sse.writeChunk(roleFrame(streamID, model, created)); err != nil {
				h.logger.Warn("写入流式帧失败", zap.Error(err))
				return
			}
			primed = true
		}

		frame := api.NewChunk(chunk, streamID, model, created)
		frame.Choices[0].Delta.Role = ""
		if emptyFrame(frame) {
			continue
		}
		if err := sse.writeChunk(frame); err != nil {
			h.logger.Warn("写入流式帧失败", zap.Error(err))
			return
		}
	}

	sse.writeDone()
}

// roleFrame 构造 SSE 首帧，delta 只有 role=assistant。
func roleFrame(id, model string, created int64) api.ChatCompletionChunk {
	return api.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []api.ChunkChoice{{Delta: api.ChunkDelta{Role: "assistant"}}},
	}
}

// emptyFrame 判断剥掉 role 后帧是否还有信息量，没有就不发。
func emptyFrame(f api.ChatCompletionChunk) bool {
	c := f.Choices[0]
	return c.Delta.Content == "" && len(c.Delta.ToolCalls) == 0 &&
		c.FinishReason == nil && f.Usage == nil
}

// =============================================================================
// SSE 输出
// =============================================================================

// sseWriter 按 SSE 线格式输出帧：data: <json> 一行，空行分隔，
// 终止行 data: [DONE]。每帧写完立即 Flush。
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) writeChunk(frame api.ChatCompletionChunk) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeErrorEvent(message string) {
	// 用 json.Marshal 转义错误消息，防止 JSON 注入
	payload, _ := json.Marshal(map[string]string{"error": message})
	s.w.Write([]byte("event: error\n"))
	s.w.Write([]byte("data: "))
	s.w.Write(payload)
	s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *sseWriter) writeDone() {
	s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}
