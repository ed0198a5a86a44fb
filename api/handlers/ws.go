package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api"
	"github.com/BaSui01/llmgateway/llm/orchestrator"
)

// =============================================================================
// WebSocket 流式聊天桥
// =============================================================================

// WSHandler 把流式聊天桥到 WebSocket 上：客户端建连后发送一条
// ChatCompletionRequest JSON 文本帧，网关把每个 chunk 作为独立的
// JSON 文本帧回推（与 SSE 的 data 负载同构），以字面量 [DONE] 帧
// 结尾后正常关闭。错误以 {"detail","code"} 帧下发。
type WSHandler struct {
	orc    *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewWSHandler 创建 WebSocket 聊天处理器。
func NewWSHandler(orc *orchestrator.Orchestrator, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		orc:    orc,
		logger: logger.With(zap.String("handler", "ws_chat")),
	}
}

// HandleChat 处理 /v1/chat/stream 升级请求。
func (h *WSHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket 握手失败", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")
	conn.SetReadLimit(maxRequestBytes)

	ctx := r.Context()
	_, data, err := conn.Read(ctx)
	if err != nil {
		h.logger.Debug("websocket 读取请求失败", zap.Error(err))
		return
	}

	var req api.ChatCompletionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeError(ctx, conn, "invalid JSON request", "VALIDATION")
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}
	if verr := req.Validate(); verr != nil {
		h.writeError(ctx, conn, verr.Message, string(verr.Code))
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	// 只收一条请求，之后进入只写阶段；CloseRead 让客户端断连
	// 能取消 ctx，从而在一个往返内中止上游调用
	ctx = conn.CloseRead(ctx)

	stream, err := h.orc.Stream(ctx, req.ToLLM())
	if err != nil {
		status, code, detail := classifyError(err)
		h.logger.Warn("websocket 流启动失败", zap.Int("status", status), zap.Error(err))
		h.writeError(ctx, conn, detail, code)
		conn.Close(websocket.StatusNormalClosure, "request rejected")
		return
	}

	streamID := ""
	model := req.Model
	created := time.Now().Unix()

	for chunk := range stream {
		if chunk.Err != nil {
			h.writeError(ctx, conn, chunk.Err.Message, string(chunk.Err.Code))
			conn.Close(websocket.StatusNormalClosure, "stream failed")
			return
		}
		if streamID == "" {
			streamID = chunk.ID
			if streamID == "" {
				streamID = "chatcmpl-" + uuid.NewString()
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
		}
		frame := api.NewChunk(chunk, streamID, model, created)
		if err := h.writeJSON(ctx, conn, frame); err != nil {
			h.logger.Debug("websocket 写入失败", zap.Error(err))
			return
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("[DONE]")); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "stream complete")
}

func (h *WSHandler) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, detail, code string) {
	if err := h.writeJSON(ctx, conn, api.ErrorResponse{Detail: detail, Code: code}); err != nil {
		h.logger.Debug("websocket 错误帧写入失败", zap.Error(err))
	}
}
