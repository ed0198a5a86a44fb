package router

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderEntry 描述注册表中单个 Provider 的模型声明。
type ProviderEntry struct {
	// Models 是该 Provider 的模型白名单
	Models []string `yaml:"models"`
	// Prefix 可选，匹配该前缀的模型名都路由到此 Provider
	Prefix string `yaml:"prefix,omitempty"`
}

// Registry 是模型注册表，启动时从 YAML 加载一次，之后不可变。
// 路由只认白名单：未注册的模型名被拒绝，除非 routing_default 非空。
type Registry struct {
	Providers map[string]ProviderEntry `yaml:"providers"`
	Aliases   map[string]string        `yaml:"aliases,omitempty"`
	// RoutingDefault 为 nil 时未知模型必须被拒绝
	RoutingDefault *string `yaml:"routing_default"`
}

// EmptyRegistry 返回没有任何路由条目的注册表。
// 注册表文件缺失时网关仍要能启动，此时用空表并在日志中告警。
func EmptyRegistry() *Registry {
	return &Registry{
		Providers: map[string]ProviderEntry{},
		Aliases:   map[string]string{},
	}
}

// LoadRegistry 从 YAML 文件加载注册表
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry 解析注册表内容并校验
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse model registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate 校验注册表的内部一致性
func (reg *Registry) Validate() error {
	if len(reg.Providers) == 0 {
		return fmt.Errorf("model registry declares no providers")
	}

	for name, entry := range reg.Providers {
		if len(entry.Models) == 0 && entry.Prefix == "" {
			return fmt.Errorf("provider %q declares neither models nor prefix", name)
		}
		for _, m := range entry.Models {
			if strings.TrimSpace(m) == "" {
				return fmt.Errorf("provider %q declares an empty model name", name)
			}
		}
	}

	if reg.RoutingDefault != nil {
		if _, ok := reg.Providers[*reg.RoutingDefault]; !ok {
			return fmt.Errorf("routing_default %q is not a declared provider", *reg.RoutingDefault)
		}
	}

	for alias, target := range reg.Aliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			return fmt.Errorf("alias entries must have non-empty name and target")
		}
	}

	return nil
}

// ProviderNames 返回按字典序排序的 Provider 名称
func (reg *Registry) ProviderNames() []string {
	names := make([]string, 0, len(reg.Providers))
	for name := range reg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
