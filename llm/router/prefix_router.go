package router

import (
	"sort"
	"strings"
)

// PrefixRule 前缀路由规则
type PrefixRule struct {
	Prefix   string // 模型名前缀（如 "gpt-", "claude-"）
	Provider string // Provider 名（如 "openai", "anthropic"）
}

// PrefixTable 前缀路由表
// 对模型名做最长前缀优先的匹配，匹配不区分大小写。
type PrefixTable struct {
	rules []PrefixRule
}

// NewPrefixTable 创建前缀路由表。
// 规则按前缀长度降序排列（最长前缀优先），等长时按字典序，保证匹配结果确定。
func NewPrefixTable(rules []PrefixRule) *PrefixTable {
	sorted := make([]PrefixRule, len(rules))
	copy(sorted, rules)
	for i := range sorted {
		sorted[i].Prefix = strings.ToLower(sorted[i].Prefix)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})

	return &PrefixTable{rules: sorted}
}

// Match 返回第一个命中且被 accept 接受的 Provider 名。
// accept 为 nil 时接受所有 Provider。
func (t *PrefixTable) Match(model string, accept func(provider string) bool) (string, bool) {
	if t == nil || len(t.rules) == 0 || model == "" {
		return "", false
	}

	lower := strings.ToLower(model)
	for _, rule := range t.rules {
		if !strings.HasPrefix(lower, rule.Prefix) {
			continue
		}
		if accept != nil && !accept(rule.Provider) {
			continue
		}
		return rule.Provider, true
	}

	return "", false
}

// Rules 返回排序后的规则（用于调试）
func (t *PrefixTable) Rules() []PrefixRule {
	if t == nil {
		return nil
	}
	return t.rules
}
