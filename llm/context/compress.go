package context

import "github.com/BaSui01/llmgateway/llm"

// truncationMarker 追加在被硬截断的内容末尾。
const truncationMarker = "...[truncated]"

// FallbackCompress 本地压缩消息列表到 targetTokens 以内。
//
// 规则：system 消息全部保留；其余消息从最新往最旧累积，
// 下一条放不下就停止。兜底：如果一条对话消息都留不下
// （结果为空或只剩 system），把最后一条原始消息的内容硬截断到
// 剩余预算，且不少于 MinCompressedTokens 个 token 的量。
// 因此只要输入非空，结果一定非空。
//
// 输入切片不会被修改，截断发生在副本上。
func FallbackCompress(messages []llm.Message, targetTokens int) []llm.Message {
	if len(messages) == 0 {
		return messages
	}
	est := Estimator{}

	var system, rest []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	// 从最新往最旧累积，keptReversed 里是倒序
	used := est.CountMessages(system)
	var keptReversed []llm.Message
	for i := len(rest) - 1; i >= 0; i-- {
		cost := est.CountMessage(rest[i])
		if used+cost > targetTokens {
			break
		}
		keptReversed = append(keptReversed, rest[i])
		used += cost
	}

	// 裁剪点可能落在工具调用中间：开头的孤儿 tool 结果
	// 没有对应的 assistant tool_calls 消息，上游会拒绝，丢掉。
	for len(keptReversed) > 0 {
		oldest := keptReversed[len(keptReversed)-1]
		if oldest.Role != llm.RoleTool {
			break
		}
		keptReversed = keptReversed[:len(keptReversed)-1]
	}

	result := make([]llm.Message, 0, len(system)+len(keptReversed))
	result = append(result, system...)
	for i := len(keptReversed) - 1; i >= 0; i-- {
		result = append(result, keptReversed[i])
	}

	if len(keptReversed) > 0 {
		return result
	}

	// 兜底：一条对话消息都没留下，硬截断最后一条原始消息
	remaining := targetTokens - est.CountMessages(system)
	if remaining < MinCompressedTokens {
		remaining = MinCompressedTokens
	}
	last := messages[len(messages)-1]
	last.Content = truncateText(last.Content, remaining*CharsPerToken)
	if last.Role == llm.RoleSystem {
		// 输入全是 system 消息，最后一条已经在 result 末尾，原地替换
		result[len(result)-1] = last
		return result
	}
	return append(result, last)
}

// CompressForModel 按模型预算压缩：target = SafetyMargin × ContextLimit(model)。
func CompressForModel(messages []llm.Message, model string) []llm.Message {
	return FallbackCompress(messages, Budget(model))
}

// truncateText 按字符数截断文本，截断时追加标记。
func truncateText(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + truncationMarker
}
