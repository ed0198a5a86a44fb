package orchestrator

import (
	"strings"

	"github.com/BaSui01/llmgateway/llm"
)

// 推理块的已知标签集。部分模型在 max_tokens 截断时
// 标签开着没闭合，整段内容只剩半截思维链。
var thinkingTags = []string{"think", "thinking", "reasoning", "r", "internal_thought"}

// reasoningExcerptLimit 注入上下文的推理摘录长度上限（字符）。
const reasoningExcerptLimit = 500

// detectTruncatedThinking 判定响应是否是被截断的思维链：
// finish_reason 为 length，内容里出现某个推理开标签且没有对应的闭标签。
// 命中时返回剥掉开标签后的推理文本。
func detectTruncatedThinking(resp *llm.ChatResponse) (string, bool) {
	choice := resp.FirstChoice()
	if choice == nil || choice.FinishReason != "length" {
		return "", false
	}

	content := choice.Message.Content
	for _, tag := range thinkingTags {
		open := "<" + tag + ">"
		idx := strings.Index(content, open)
		if idx < 0 {
			continue
		}
		if strings.Contains(content, "</"+tag+">") {
			continue
		}
		return strings.TrimSpace(content[idx+len(open):]), true
	}
	return "", false
}

// recoveryMessages 构造重试用的消息列表：追加一条带推理摘录的助手消息，
// 并在最后一条用户消息上附加 /no_think 指示模型跳过思维链。
// 原切片不被修改。
func recoveryMessages(messages []llm.Message, reasoning string) []llm.Message {
	out := make([]llm.Message, len(messages), len(messages)+1)
	copy(out, messages)

	out = append(out, llm.Message{
		Role:    llm.RoleAssistant,
		Content: "[Internal reasoning: " + truncateRunes(reasoning, reasoningExcerptLimit) + "]",
	})

	for i := len(out) - 2; i >= 0; i-- {
		if out[i].Role == llm.RoleUser {
			out[i].Content += " /no_think"
			break
		}
	}
	return out
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
