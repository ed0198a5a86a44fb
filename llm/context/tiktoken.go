package context

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/llmgateway/llm"
)

// modelEncodings 将模型名前缀映射到 tiktoken 编码。
var modelEncodings = map[string]string{
	"gpt-5":            "o200k_base",
	"gpt-4o":           "o200k_base",
	"o3":               "o200k_base",
	"o4":               "o200k_base",
	"gpt-4":            "cl100k_base",
	"gpt-3.5-turbo":    "cl100k_base",
	"text-embedding-3": "cl100k_base",
}

// encodingForModel 选择模型对应的编码，最长前缀优先，默认 cl100k_base。
func encodingForModel(model string) string {
	name := strings.ToLower(model)
	if enc, ok := modelEncodings[name]; ok {
		return enc
	}
	bestEnc, bestLen := "", 0
	for prefix, enc := range modelEncodings {
		if len(prefix) > bestLen && strings.HasPrefix(name, prefix) {
			bestEnc, bestLen = enc, len(prefix)
		}
	}
	if bestLen > 0 {
		return bestEnc
	}
	return "cl100k_base"
}

// TiktokenCounter 基于 tiktoken 的精确计数器。
// 编码数据在首次使用时惰性加载（可能触发下载）；加载失败时
// 退化为 Estimator 的粗略估算，计数永远可用。
type TiktokenCounter struct {
	model    string
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error

	fallback Estimator
}

var _ Tokenizer = (*TiktokenCounter)(nil)

// NewTiktokenCounter 创建指定模型的精确计数器。
func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{
		model:    model,
		encoding: encodingForModel(model),
	}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.CountText(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenCounter) CountMessage(msg llm.Message) int {
	if err := t.init(); err != nil {
		return t.fallback.CountMessage(msg)
	}
	// OpenAI chat 格式：<|start|>role\ncontent<|end|>\n 摊到每条约 4 token
	tokens := 4
	tokens += len(t.enc.Encode(string(msg.Role), nil, nil))
	tokens += len(t.enc.Encode(msg.Content, nil, nil))
	if msg.Name != "" {
		tokens += len(t.enc.Encode(msg.Name, nil, nil))
	}
	for _, tc := range msg.ToolCalls {
		tokens += len(t.enc.Encode(tc.Name, nil, nil))
		tokens += len(t.enc.Encode(string(tc.Arguments), nil, nil))
	}
	if msg.ToolCallID != "" {
		tokens++
	}
	return tokens
}

func (t *TiktokenCounter) CountMessages(msgs []llm.Message) int {
	if err := t.init(); err != nil {
		return t.fallback.CountMessages(msgs)
	}
	total := 0
	for _, msg := range msgs {
		total += t.CountMessage(msg)
	}
	total += 3 // 回复引导符的固定开销
	return total
}

func (t *TiktokenCounter) CountTools(tools []llm.ToolSchema) int {
	if err := t.init(); err != nil {
		return t.fallback.CountTools(tools)
	}
	total := 0
	for _, tool := range tools {
		total += len(t.enc.Encode(tool.Name, nil, nil))
		total += len(t.enc.Encode(tool.Description, nil, nil))
		total += len(t.enc.Encode(string(tool.Parameters), nil, nil))
		total += toolOverhead
	}
	return total
}

// Name 返回计数器标识，用于日志。
func (t *TiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
