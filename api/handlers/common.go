package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/session"
	"github.com/BaSui01/llmgateway/types"
)

// maxRequestBytes 请求体上限。带大段上下文的聊天请求可能很大，
// 但必须有界，防止恶意 body 吃光内存。
const maxRequestBytes = 16 << 20

// =============================================================================
// 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应。成功响应不包信封，保持 OpenAI 线格式。
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 响应头已发出，编码失败无法补救
		return
	}
}

// WriteError 将任意错误映射为稳定的 HTTP 状态与
// {"detail": ..., "code": ...} 错误体。
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, code, detail := classifyError(err)

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", code),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("请求失败", fields...)
		} else {
			logger.Warn("请求被拒绝", fields...)
		}
	}

	WriteJSON(w, status, api.ErrorResponse{Detail: detail, Code: code})
}

// WriteErrorMessage 以给定状态码写入简单错误。
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// classifyError 把编排层、Provider 层与会话层的错误归一到
// (HTTP 状态, 稳定错误码, 人读消息)。未知错误一律 500，
// 不向客户端泄漏内部细节。
func classifyError(err error) (int, string, string) {
	var gerr *types.Error
	if errors.As(err, &gerr) {
		status := gerr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, string(gerr.Code), gerr.Message
	}

	var lerr *llm.Error
	if errors.As(err, &lerr) {
		status := lerr.HTTPStatus
		if status == 0 {
			status = http.StatusBadGateway
		}
		return status, string(lerr.Code), lerr.Message
	}

	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, string(types.ErrSessionNotFound), "session not found"
	case errors.Is(err, session.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, string(types.ErrSessionStore), "session store unavailable"
	}

	return http.StatusInternalServerError, string(types.ErrInternalError), "internal server error"
}

// =============================================================================
// 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体并在失败时直接写出 422。
// 不拒绝未知字段：OpenAI 客户端会带上网关不认识的参数。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewValidationError("request body is empty")
		WriteError(w, err, logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiErr := types.NewValidationError("request body exceeds %d bytes", tooLarge.Limit).
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
			WriteError(w, apiErr, logger)
			return apiErr
		}
		if errors.Is(err, io.EOF) {
			apiErr := types.NewValidationError("request body is empty")
			WriteError(w, apiErr, logger)
			return apiErr
		}
		apiErr := types.NewValidationError("invalid JSON body").WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 要求 application/json（允许带 charset 参数）。
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		err := types.NewValidationError("Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType)
		WriteError(w, err, logger)
		return false
	}
	return true
}

// =============================================================================
// 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与响应大小，
// 供日志与指标中间件使用。透传 Flush，保证 SSE 经过包装后仍可用。
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int
	Written      bool
}

// NewResponseWriter 创建新的 ResponseWriter。
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 捕获状态码，重复调用只记第一次。
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 标记已写入并累计字节数。
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += n
	return n, err
}

// Flush 透传给底层 Flusher。
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 让 http.ResponseController 能找到底层实现。
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
