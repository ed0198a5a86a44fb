package handlers

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api"
	"github.com/BaSui01/llmgateway/llm/router"
)

// =============================================================================
// 模型接口 Handler
// =============================================================================

// ModelsHandler 暴露当前已加载 Provider 的模型列表。
type ModelsHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewModelsHandler 创建模型列表处理器。
func NewModelsHandler(rt *router.Router, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{
		router: rt,
		logger: logger.With(zap.String("handler", "models")),
	}
}

// HandleList 列出已加载的模型。
// @Summary 模型列表
// @Description OpenAI /v1/models 形态，owned_by 为 Provider 名
// @Tags 模型
// @Produce json
// @Success 200 {object} api.ModelList "模型列表"
// @Router /v1/models [get]
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	byProvider := h.router.ListAvailableModelsByProvider()

	providers := make([]string, 0, len(byProvider))
	for name := range byProvider {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	data := make([]api.ModelInfo, 0)
	for _, provider := range providers {
		models := byProvider[provider]
		sort.Strings(models)
		for _, model := range models {
			data = append(data, api.ModelInfo{
				ID:      model,
				Object:  "model",
				OwnedBy: provider,
			})
		}
	}

	WriteJSON(w, http.StatusOK, api.ModelList{Object: "list", Data: data})
}
