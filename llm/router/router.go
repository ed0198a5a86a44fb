package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/BaSui01/llmgateway/llm"

	"go.uber.org/zap"
)

// maxAliasDepth 限制别名链的展开层数，防止环形别名导致死循环
const maxAliasDepth = 8

// Router 将模型名映射到唯一的 Provider。
// 严格白名单：不做打分、不做加权，未注册的模型一律拒绝。
//
// 解析顺序（命中即止）：
//  1. 别名：递归展开到规范模型名
//  2. 前缀：最长前缀优先，且目标 Provider 已加载
//  3. 精确注册：先区分大小写，再小写匹配
//  4. routing_default（仅当注册表中非空且该 Provider 已加载）
//  5. 拒绝（404）
//
// Provider "已加载" 指启动时成功构造；未加载的 Provider 对路由不可见。
type Router struct {
	providers  map[string]llm.Provider
	exact      map[string]string // 注册表原始模型名 -> Provider 名
	exactLower map[string]string // 小写模型名 -> Provider 名
	prefixes   *PrefixTable
	aliases    map[string]string // 小写别名 -> 规范模型名
	defaultPvd string
	logger     *zap.Logger
}

// New 基于注册表与已加载的 Provider 集合构建路由器。
// 同一模型名被多个 Provider 声明时，按 Provider 名字典序取第一个并记录警告，
// 保证重复声明下路由结果仍然确定。
func New(reg *Registry, providers map[string]llm.Provider, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "router"))

	r := &Router{
		providers:  make(map[string]llm.Provider, len(providers)),
		exact:      make(map[string]string),
		exactLower: make(map[string]string),
		aliases:    make(map[string]string, len(reg.Aliases)),
		logger:     logger,
	}
	for name, p := range providers {
		r.providers[name] = p
	}

	var rules []PrefixRule
	for _, providerName := range reg.ProviderNames() {
		entry := reg.Providers[providerName]

		for _, model := range entry.Models {
			if claimed, ok := r.exact[model]; ok {
				logger.Warn("duplicate model registration ignored",
					zap.String("model", model),
					zap.String("kept_provider", claimed),
					zap.String("ignored_provider", providerName),
				)
				continue
			}
			r.exact[model] = providerName

			lower := strings.ToLower(model)
			if _, ok := r.exactLower[lower]; !ok {
				r.exactLower[lower] = providerName
			}
		}

		if entry.Prefix != "" {
			rules = append(rules, PrefixRule{Prefix: entry.Prefix, Provider: providerName})
		}
	}
	r.prefixes = NewPrefixTable(rules)

	for alias, target := range reg.Aliases {
		r.aliases[strings.ToLower(alias)] = target
	}

	if reg.RoutingDefault != nil {
		r.defaultPvd = *reg.RoutingDefault
	}

	logger.Info("model router built",
		zap.Int("providers", len(r.providers)),
		zap.Int("models", len(r.exact)),
		zap.Int("prefixes", len(rules)),
		zap.Int("aliases", len(r.aliases)),
		zap.String("routing_default", r.defaultPvd),
	)

	return r
}

// ResolveAlias 将别名展开为规范模型名；非别名原样返回。
// 别名可以指向别名，最多展开 maxAliasDepth 层。
func (r *Router) ResolveAlias(model string) string {
	current := model
	for i := 0; i < maxAliasDepth; i++ {
		target, ok := r.aliases[strings.ToLower(current)]
		if !ok {
			return current
		}
		current = target
	}
	r.logger.Warn("alias chain too deep",
		zap.String("model", model),
		zap.String("resolved", current),
	)
	return current
}

// ProviderFor 解析模型名，返回负责它的 Provider 名与实例。
// 没有任何 Provider 能处理该模型时返回 404 的 llm.Error。
func (r *Router) ProviderFor(model string) (string, llm.Provider, error) {
	canonical := r.ResolveAlias(model)

	if name, ok := r.prefixes.Match(canonical, r.isLoaded); ok {
		return name, r.providers[name], nil
	}

	if name, ok := r.exact[canonical]; ok {
		if p, loaded := r.providers[name]; loaded {
			return name, p, nil
		}
	}
	if name, ok := r.exactLower[strings.ToLower(canonical)]; ok {
		if p, loaded := r.providers[name]; loaded {
			return name, p, nil
		}
	}

	if r.defaultPvd != "" {
		if p, ok := r.providers[r.defaultPvd]; ok {
			return r.defaultPvd, p, nil
		}
	}

	return "", nil, NewNoProviderError(model)
}

// GetProvider 解析模型名并返回负责它的 Provider
func (r *Router) GetProvider(model string) (llm.Provider, error) {
	_, p, err := r.ProviderFor(model)
	return p, err
}

// Provider 按名称查找已加载的 Provider
func (r *Router) Provider(name string) (llm.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Providers 返回已加载 Provider 的副本，供健康检查等遍历使用
func (r *Router) Providers() map[string]llm.Provider {
	out := make(map[string]llm.Provider, len(r.providers))
	for name, p := range r.providers {
		out[name] = p
	}
	return out
}

// ListAvailableModels 返回已加载 Provider 声明的全部模型（排序去重）
func (r *Router) ListAvailableModels() []string {
	models := make([]string, 0, len(r.exact))
	for model, provider := range r.exact {
		if _, loaded := r.providers[provider]; loaded {
			models = append(models, model)
		}
	}
	sort.Strings(models)
	return models
}

// ListAvailableModelsByProvider 按 Provider 分组返回可用模型（每组内排序）
func (r *Router) ListAvailableModelsByProvider() map[string][]string {
	out := make(map[string][]string)
	for model, provider := range r.exact {
		if _, loaded := r.providers[provider]; loaded {
			out[provider] = append(out[provider], model)
		}
	}
	for provider := range out {
		sort.Strings(out[provider])
	}
	return out
}

func (r *Router) isLoaded(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// NewNoProviderError 构造模型无 Provider 可用的拒绝错误
func NewNoProviderError(model string) *llm.Error {
	return &llm.Error{
		Code:       llm.ErrModelNotFound,
		Message:    fmt.Sprintf("model %q is not available: no provider is registered for it", model),
		HTTPStatus: http.StatusNotFound,
	}
}
