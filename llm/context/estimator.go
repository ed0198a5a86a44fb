package context

import (
	"unicode/utf8"

	"github.com/BaSui01/llmgateway/llm"
)

const (
	// CharsPerToken 是粗略估算的换算率：平均 1 token ≈ 4 字符。
	CharsPerToken = 4

	// 每条消息的固定元数据开销（角色、分隔符等）
	messageOverhead = 4

	// 每个工具 Schema 的固定结构开销
	toolOverhead = 10
)

// Tokenizer 统计消息与工具定义占用的 token 数。
// 计数永远不会失败：网关宁可用粗略值继续服务，也不因计数出错拒绝请求。
type Tokenizer interface {
	// CountText 计算纯文本的 token 数
	CountText(text string) int

	// CountMessage 计算单条消息的 token 数（含角色、工具调用等开销）
	CountMessage(msg llm.Message) int

	// CountMessages 计算消息列表的总 token 数
	CountMessages(msgs []llm.Message) int

	// CountTools 估算工具定义的 token 数
	CountTools(tools []llm.ToolSchema) int
}

// Estimator 基于字符数的粗略估算器：chars / CharsPerToken 加每条消息的固定开销。
// 刻意保持粗糙，预算检查只需要一个量级正确的数字，精确分词是 TiktokenCounter 的事。
type Estimator struct{}

var _ Tokenizer = Estimator{}

func (Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / CharsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

func (e Estimator) CountMessage(msg llm.Message) int {
	tokens := messageOverhead + e.CountText(msg.Content)
	if msg.Name != "" {
		tokens += e.CountText(msg.Name)
	}
	for _, tc := range msg.ToolCalls {
		tokens += e.CountText(tc.Name)
		tokens += len(tc.Arguments) / CharsPerToken
	}
	if msg.ToolCallID != "" {
		tokens++
	}
	return tokens
}

func (e Estimator) CountMessages(msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += e.CountMessage(msg)
	}
	return total
}

func (e Estimator) CountTools(tools []llm.ToolSchema) int {
	total := 0
	for _, tool := range tools {
		total += e.CountText(tool.Name)
		total += e.CountText(tool.Description)
		total += len(tool.Parameters) / CharsPerToken
		total += toolOverhead
	}
	return total
}

// CountRequest 计算一次请求的输入侧 token 总量（消息 + 工具定义）。
func CountRequest(t Tokenizer, msgs []llm.Message, tools []llm.ToolSchema) int {
	total := t.CountMessages(msgs)
	if len(tools) > 0 {
		total += t.CountTools(tools)
	}
	return total
}
