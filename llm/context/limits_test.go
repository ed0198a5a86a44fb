package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextLimit(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  int
	}{
		{"精确匹配", "gpt-4o", 128000},
		{"精确匹配小窗口", "gpt-4", 8192},
		{"anthropic 模型", "claude-sonnet-4.5", 200000},
		{"deepseek 模型", "deepseek-chat", 65536},
		{"大小写不敏感", "GPT-4o", 128000},
		{"最长前缀优先", "gpt-4o-2024-11-20", 128000},
		{"短前缀兜底", "gpt-4-0613", 8192},
		{"claude 前缀", "claude-haiku-99", 200000},
		{"版本化 reasoner", "deepseek-reasoner-v2", 65536},
		{"未知模型用默认值", "llama-3-70b", DefaultContextLimit},
		{"空模型名", "", DefaultContextLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContextLimit(tt.model))
		})
	}
}

func TestBudget(t *testing.T) {
	assert.Equal(t, 6963, Budget("gpt-4"), "8192 的 85%")
	assert.Equal(t, 170000, Budget("claude-sonnet-4.5"))
	assert.Equal(t, 6963, Budget("unknown-model"), "未知模型按默认窗口算")
}

func TestNeedsCompression(t *testing.T) {
	budget := Budget("gpt-4")
	assert.False(t, NeedsCompression(budget, "gpt-4"), "恰好在预算内不触发")
	assert.True(t, NeedsCompression(budget+1, "gpt-4"))
	assert.False(t, NeedsCompression(0, "gpt-4"))
}
