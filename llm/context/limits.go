package context

import "strings"

const (
	// SafetyMargin 是上下文预算的安全系数：估算值超过 limit 的 85% 即触发压缩。
	// 粗略估算会低估真实 token 数，留出余量避免上游 400。
	SafetyMargin = 0.85

	// DefaultContextLimit 是未知模型的保守默认窗口。
	DefaultContextLimit = 8192

	// MinCompressedTokens 是压缩兜底的下限：无论预算多小，
	// 至少保留这么多 token 的内容，结果永远非空。
	MinCompressedTokens = 100
)

// contextLimits 静态的模型 -> 上下文窗口表。
// 键全部小写；查找顺序为精确匹配、最长前缀匹配、默认值。
var contextLimits = map[string]int{
	"gpt-5":             400000,
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4-turbo":       128000,
	"gpt-4":             8192,
	"gpt-3.5-turbo":     16385,
	"o3":                200000,
	"o4-mini":           200000,
	"claude":            200000,
	"claude-sonnet-4.5": 200000,
	"claude-opus-4":     200000,
	"deepseek-chat":     65536,
	"deepseek-reasoner": 65536,
	"glm-4":             128000,
	"qwen-max":          32768,
}

// ContextLimit 返回模型的上下文窗口大小。
// 先精确匹配，再做最长前缀匹配（gpt-4o-2024-11-20 命中 gpt-4o 而不是 gpt-4），
// 都不中时返回保守默认值。
func ContextLimit(model string) int {
	if model == "" {
		return DefaultContextLimit
	}
	name := strings.ToLower(model)
	if limit, ok := contextLimits[name]; ok {
		return limit
	}

	bestLimit, bestLen := 0, 0
	for prefix, limit := range contextLimits {
		if len(prefix) > bestLen && strings.HasPrefix(name, prefix) {
			bestLimit, bestLen = limit, len(prefix)
		}
	}
	if bestLen > 0 {
		return bestLimit
	}
	return DefaultContextLimit
}

// Budget 返回模型可用的输入预算：SafetyMargin × ContextLimit。
func Budget(model string) int {
	return int(SafetyMargin * float64(ContextLimit(model)))
}

// NeedsCompression 判断估算的 token 数是否超出模型预算。
func NeedsCompression(estimatedTokens int, model string) bool {
	return estimatedTokens > Budget(model)
}
