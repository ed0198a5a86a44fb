package context

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/llmgateway/llm"
)

func textMsg(role llm.Role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}

func TestFallbackCompress_UnderBudgetKeepsAll(t *testing.T) {
	msgs := []llm.Message{
		textMsg(llm.RoleSystem, "be helpful"),
		textMsg(llm.RoleUser, "hello"),
		textMsg(llm.RoleAssistant, "hi, how can I help?"),
		textMsg(llm.RoleUser, "what is the weather"),
	}

	result := FallbackCompress(msgs, 10000)

	assert.Equal(t, msgs, result, "预算充足时全部保留")
}

func TestFallbackCompress_DropsOldestFirst(t *testing.T) {
	est := Estimator{}
	sys := textMsg(llm.RoleSystem, strings.Repeat("s", 40))

	var conv []llm.Message
	for i := 0; i < 10; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		conv = append(conv, textMsg(role, fmt.Sprintf("turn-%02d ", i)+strings.Repeat("x", 392)))
	}
	msgs := append([]llm.Message{sys}, conv...)

	// 预算恰好容纳 system + 最新 3 条
	target := est.CountMessage(sys) + est.CountMessages(conv[7:])
	result := FallbackCompress(msgs, target)

	require.Len(t, result, 4)
	assert.Equal(t, llm.RoleSystem, result[0].Role)
	assert.Equal(t, conv[7].Content, result[1].Content)
	assert.Equal(t, conv[8].Content, result[2].Content)
	assert.Equal(t, conv[9].Content, result[3].Content, "最新的消息必须活下来")
}

func TestFallbackCompress_DropsOrphanedToolResults(t *testing.T) {
	est := Estimator{}
	msgs := []llm.Message{
		textMsg(llm.RoleSystem, "sys prompt"),
		textMsg(llm.RoleUser, strings.Repeat("u", 400)),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"a"}`),
		}}},
		{Role: llm.RoleTool, Content: strings.Repeat("t", 400), ToolCallID: "call_1"},
		{Role: llm.RoleTool, Content: strings.Repeat("t", 400), ToolCallID: "call_2"},
		textMsg(llm.RoleAssistant, strings.Repeat("a", 400)),
		textMsg(llm.RoleUser, strings.Repeat("q", 400)),
	}

	// 裁剪点落在两条 tool 结果中间
	target := est.CountMessage(msgs[0]) + est.CountMessages(msgs[4:])
	result := FallbackCompress(msgs, target)

	require.Len(t, result, 3)
	assert.Equal(t, llm.RoleSystem, result[0].Role)
	assert.Equal(t, llm.RoleAssistant, result[1].Role, "开头的孤儿 tool 结果要丢掉")
	assert.Equal(t, msgs[5].Content, result[1].Content)
	assert.Equal(t, llm.RoleUser, result[2].Role)
}

func TestFallbackCompress_FloorGuardTruncatesNewest(t *testing.T) {
	sys := textMsg(llm.RoleSystem, strings.Repeat("s", 40))
	huge := textMsg(llm.RoleUser, strings.Repeat("u", 100000))

	result := FallbackCompress([]llm.Message{sys, huge}, 500)

	require.Len(t, result, 2)
	assert.Equal(t, llm.RoleSystem, result[0].Role)
	assert.True(t, strings.HasSuffix(result[1].Content, truncationMarker))
	// 剩余预算 500-14=486 token，换算 1944 字符再加标记
	assert.Equal(t, 486*CharsPerToken+len(truncationMarker), len(result[1].Content))
}

func TestFallbackCompress_FloorGuardMinimum(t *testing.T) {
	huge := textMsg(llm.RoleUser, strings.Repeat("u", 10000))

	result := FallbackCompress([]llm.Message{huge}, 10)

	require.Len(t, result, 1)
	assert.Equal(t, MinCompressedTokens*CharsPerToken+len(truncationMarker), len(result[0].Content),
		"预算再小也保底 100 token 的内容")
}

func TestFallbackCompress_FloorGuardShortContentUntouched(t *testing.T) {
	sys := textMsg(llm.RoleSystem, strings.Repeat("s", 4000))
	small := textMsg(llm.RoleUser, "hello")

	result := FallbackCompress([]llm.Message{sys, small}, 10)

	require.Len(t, result, 2)
	assert.Equal(t, "hello", result[1].Content, "内容本来就短就不截")
}

func TestFallbackCompress_AllSystemTruncatesInPlace(t *testing.T) {
	msgs := []llm.Message{
		textMsg(llm.RoleSystem, strings.Repeat("a", 4000)),
		textMsg(llm.RoleSystem, strings.Repeat("b", 4000)),
	}

	result := FallbackCompress(msgs, 50)

	require.Len(t, result, 2, "全 system 输入不能出现重复消息")
	assert.Equal(t, msgs[0].Content, result[0].Content)
	assert.Equal(t, strings.Repeat("b", MinCompressedTokens*CharsPerToken)+truncationMarker, result[1].Content)
}

func TestFallbackCompress_InputNotMutated(t *testing.T) {
	original := strings.Repeat("u", 10000)
	msgs := []llm.Message{textMsg(llm.RoleUser, original)}

	_ = FallbackCompress(msgs, 10)

	assert.Equal(t, original, msgs[0].Content, "压缩不得修改调用方的切片")
}

func TestFallbackCompress_Empty(t *testing.T) {
	assert.Empty(t, FallbackCompress(nil, 100))
	assert.Empty(t, FallbackCompress([]llm.Message{}, 100))
}

func TestCompressForModel(t *testing.T) {
	est := Estimator{}
	msgs := []llm.Message{textMsg(llm.RoleSystem, "be helpful")}
	for i := 0; i < 100; i++ {
		msgs = append(msgs, textMsg(llm.RoleUser, fmt.Sprintf("%03d-", i)+strings.Repeat("x", 396)))
	}
	require.True(t, NeedsCompression(est.CountMessages(msgs), "gpt-4"))

	result := CompressForModel(msgs, "gpt-4")

	assert.Less(t, len(result), len(msgs))
	assert.LessOrEqual(t, est.CountMessages(result), Budget("gpt-4"))
	assert.Equal(t, llm.RoleSystem, result[0].Role)
	assert.Equal(t, msgs[len(msgs)-1].Content, result[len(result)-1].Content)
}

// 压缩的硬性质：非空输入永远得到非空输出，system 消息一条不丢。
func TestProperty_FallbackCompress_NeverEmpty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numMsgs := rapid.IntRange(1, 30).Draw(rt, "numMsgs")
		target := rapid.IntRange(0, 5000).Draw(rt, "target")

		roles := []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool}
		msgs := make([]llm.Message, numMsgs)
		systemCount := 0
		for i := range msgs {
			role := rapid.SampledFrom(roles).Draw(rt, fmt.Sprintf("role_%d", i))
			size := rapid.IntRange(0, 2000).Draw(rt, fmt.Sprintf("size_%d", i))
			msgs[i] = textMsg(role, strings.Repeat("m", size))
			if role == llm.RoleSystem {
				systemCount++
			}
		}

		result := FallbackCompress(msgs, target)

		require.NotEmpty(t, result, "非空输入必须得到非空输出")
		kept := 0
		for _, m := range result {
			if m.Role == llm.RoleSystem {
				kept++
			}
		}
		assert.Equal(t, systemCount, kept, "system 消息全部保留")
	})
}
