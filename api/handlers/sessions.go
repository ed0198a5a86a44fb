package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api"
	"github.com/BaSui01/llmgateway/session"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 会话接口 Handler
// =============================================================================

// SessionHandler 会话生命周期处理器。
type SessionHandler struct {
	sessions *session.Manager
	logger   *zap.Logger
}

// NewSessionHandler 创建会话处理器。
func NewSessionHandler(sessions *session.Manager, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		sessions: sessions,
		logger:   logger.With(zap.String("handler", "sessions")),
	}
}

// HandleCreate 创建会话。
// @Summary 创建会话
// @Description 新建一个带 TTL 的会话，body 可缺省
// @Tags 会话
// @Accept json
// @Produce json
// @Param request body api.CreateSessionRequest false "可选的初始 context"
// @Success 201 {object} api.SessionResponse "新会话"
// @Failure 503 {object} api.ErrorResponse "会话存储不可用"
// @Router /v1/sessions [post]
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	// body 可缺省，缺省即空 context
	var req api.CreateSessionRequest
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, types.NewValidationError("invalid JSON body").WithCause(err), h.logger)
			return
		}
	}

	sess, err := h.sessions.Create(r.Context(), req.Context)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("会话已创建", zap.String("session_id", sess.ID))
	WriteJSON(w, http.StatusCreated, api.SessionResponse{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	})
}

// HandleGet 查询会话。
// @Summary 查询会话
// @Description 返回会话的历史消息、context 与过期时间
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} api.SessionResponse "会话详情"
// @Failure 404 {object} api.ErrorResponse "会话不存在"
// @Failure 503 {object} api.ErrorResponse "会话存储不可用"
// @Router /v1/sessions/{id} [get]
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, types.NewValidationError("session id is required"), h.logger)
		return
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	messages := make([]api.ChatMessage, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		messages = append(messages, api.MessageFromLLM(msg))
	}
	WriteJSON(w, http.StatusOK, api.SessionResponse{
		ID:        sess.ID,
		Messages:  messages,
		Context:   sess.Context,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	})
}

// HandleDelete 删除会话，幂等。
// @Summary 删除会话
// @Description 删除不存在的会话同样返回 204
// @Tags 会话
// @Param id path string true "会话 ID"
// @Success 204 "已删除"
// @Failure 503 {object} api.ErrorResponse "会话存储不可用"
// @Router /v1/sessions/{id} [delete]
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, types.NewValidationError("session id is required"), h.logger)
		return
	}

	if err := h.sessions.Delete(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
