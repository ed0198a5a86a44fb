package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/tools"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 工具接口 Handler
// =============================================================================

// ToolsHandler 工具发现与按名执行。
type ToolsHandler struct {
	registry *tools.Registry
	executor *tools.Executor
	logger   *zap.Logger
}

// NewToolsHandler 创建工具处理器。
func NewToolsHandler(registry *tools.Registry, executor *tools.Executor, logger *zap.Logger) *ToolsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolsHandler{
		registry: registry,
		executor: executor,
		logger:   logger.With(zap.String("handler", "tools")),
	}
}

// HandleList 列出已注册工具。
// @Summary 工具列表
// @Description 返回全部已注册工具的定义（名称、描述、JSON Schema）
// @Tags 工具
// @Produce json
// @Success 200 {array} llm.ToolSchema "工具定义数组"
// @Router /v1/tools [get]
func (h *ToolsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.registry.List())
}

// HandleExecute 按名执行一个已注册工具。
// 工具本身执行失败不是 HTTP 错误，以 200 + is_error=true 表达；
// 未注册 404、参数不过 Schema 422。
// @Summary 执行工具
// @Description 直接执行一个已注册工具
// @Tags 工具
// @Accept json
// @Produce json
// @Param request body api.ExecuteToolRequest true "工具名与参数"
// @Success 200 {object} api.ExecuteToolResponse "执行结果"
// @Failure 404 {object} api.ErrorResponse "工具未注册"
// @Failure 422 {object} api.ErrorResponse "参数校验失败"
// @Router /v1/tools/execute [post]
func (h *ToolsHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ExecuteToolRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" {
		WriteError(w, types.NewValidationError("tool name is required"), h.logger)
		return
	}

	tool, err := h.registry.Get(req.Name)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			WriteError(w, types.Errorf(types.ErrToolNotFound, "tool %q not found", req.Name), h.logger)
			return
		}
		WriteError(w, err, h.logger)
		return
	}
	if err := tool.ValidateArgs(req.Arguments); err != nil {
		WriteError(w, types.Errorf(types.ErrToolValidation, "tool %q: %v", req.Name, err), h.logger)
		return
	}

	result := h.executor.Execute(r.Context(), llm.ToolCall{
		ID:        "call_" + uuid.NewString(),
		Name:      req.Name,
		Arguments: req.Arguments,
	})

	h.logger.Info("工具已执行",
		zap.String("tool", req.Name),
		zap.Bool("is_error", result.IsError),
	)

	WriteJSON(w, http.StatusOK, api.ExecuteToolResponse{
		ToolCallID: result.ToolCallID,
		Content:    result.Content,
		IsError:    result.IsError,
	})
}
