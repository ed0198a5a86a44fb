package openai

import (
	"net/http"

	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// OpenAIProvider 实现 OpenAI LLM 提供者.
// OpenAI 请求与响应原样透传，仅补充认证与组织 header.
type OpenAIProvider struct {
	*openaicompat.Provider
}

// NewOpenAIProvider 创建新的 OpenAI 提供者实例.
func NewOpenAIProvider(cfg providers.OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}

	p := &OpenAIProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName: "openai",
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Models:       cfg.Models,
			Timeout:      cfg.Timeout,
			MaxRetries:   cfg.Retries,
			BuildHeaders: func(req *http.Request, apiKey string) {
				req.Header.Set("Authorization", "Bearer "+apiKey)
				if cfg.Organization != "" {
					req.Header.Set("OpenAI-Organization", cfg.Organization)
				}
				req.Header.Set("Content-Type", "application/json")
			},
		}, logger),
	}

	return p
}
