package router

import (
	"fmt"
	"time"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/llm/providers/anthropic"
	"github.com/BaSui01/llmgateway/llm/providers/deepseek"
	"github.com/BaSui01/llmgateway/llm/providers/fake"
	"github.com/BaSui01/llmgateway/llm/providers/openai"
	"github.com/BaSui01/llmgateway/llm/providers/openaicompat"

	"go.uber.org/zap"
)

// ProviderSettings 是工厂接受的通用 Provider 配置。
// 扁平结构加 Extra 字典，Provider 特有字段放 Extra。
type ProviderSettings struct {
	APIKey  string         `json:"api_key" yaml:"api_key"`
	BaseURL string         `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string         `json:"model,omitempty" yaml:"model,omitempty"`
	Models  []string       `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries int            `json:"retries,omitempty" yaml:"retries,omitempty"`
	Extra   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// NewProvider 按名称构造 Provider 实例。
//
// 内建名称：openai、anthropic（别名 claude）、deepseek、fake。
// 其余名称视为通用 OpenAI 兼容服务（Groq、OpenRouter、Ollama、vLLM 等），
// 此时必须提供 base_url。
func NewProvider(name string, cfg ProviderSettings, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base := providers.BaseProviderConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Models:  cfg.Models,
		Timeout: cfg.Timeout,
		Retries: cfg.Retries,
	}

	switch name {
	case "openai":
		oc := providers.OpenAIConfig{BaseProviderConfig: base}
		if v, ok := cfg.Extra["organization"].(string); ok {
			oc.Organization = v
		}
		return openai.NewOpenAIProvider(oc, logger), nil

	case "anthropic", "claude":
		ac := providers.AnthropicConfig{BaseProviderConfig: base}
		if v, ok := cfg.Extra["version"].(string); ok {
			ac.Version = v
		}
		return anthropic.NewAnthropicProvider(ac, logger), nil

	case "deepseek":
		return deepseek.NewDeepSeekProvider(providers.DeepSeekConfig{BaseProviderConfig: base}, logger), nil

	case "fake":
		fc := providers.FakeConfig{}
		if v, ok := cfg.Extra["latency"].(string); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("fake provider: invalid latency %q: %w", v, err)
			}
			fc.Latency = d
		}
		p := fake.New(fc, logger)
		if len(cfg.Models) > 0 {
			p.WithModels(cfg.Models...)
		}
		return p, nil

	default:
		// 通用 OpenAI 兼容服务：任意名称 + base_url 即可接入
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("unknown provider %q: not a built-in provider, and base_url is required for generic OpenAI-compatible providers", name)
		}
		oc := openaicompat.Config{
			ProviderName: name,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Models:       cfg.Models,
			Timeout:      cfg.Timeout,
			MaxRetries:   cfg.Retries,
		}
		if v, ok := cfg.Extra["endpoint_path"].(string); ok {
			oc.EndpointPath = v
		}
		if v, ok := cfg.Extra["models_endpoint"].(string); ok {
			oc.ModelsEndpoint = v
		}
		logger.Info("creating generic OpenAI-compatible provider",
			zap.String("provider", name),
			zap.String("base_url", cfg.BaseURL))
		return openaicompat.New(oc, logger), nil
	}
}

// SupportedProviders 返回内建 Provider 名称列表。
// 不在此列表中的名称按通用 OpenAI 兼容服务处理，需要配置 base_url。
func SupportedProviders() []string {
	return []string{"openai", "anthropic", "claude", "deepseek", "fake"}
}

// BuildProviders 构造配置中声明的全部 Provider。
// 未配置 API key 的 Provider 视为未加载，跳过并记录警告（fake 不需要密钥）；
// 构造失败的同样跳过，保证单个 Provider 配置错误不影响网关启动。
func BuildProviders(cfgs map[string]ProviderSettings, logger *zap.Logger) map[string]llm.Provider {
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make(map[string]llm.Provider, len(cfgs))
	for name, pcfg := range cfgs {
		if pcfg.APIKey == "" && requiresAPIKey(name) {
			logger.Warn("skipping provider: api key not configured",
				zap.String("provider", name))
			continue
		}

		p, err := NewProvider(name, pcfg, logger)
		if err != nil {
			logger.Warn("skipping provider: initialization failed",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}

		out[name] = p
		logger.Info("provider loaded", zap.String("provider", name))
	}
	return out
}

func requiresAPIKey(name string) bool {
	return name != "fake"
}
