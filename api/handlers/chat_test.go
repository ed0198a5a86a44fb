package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/orchestrator"
	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/llm/providers/fake"
	"github.com/BaSui01/llmgateway/llm/router"
	"github.com/BaSui01/llmgateway/session"
)

// =============================================================================
// 测试辅助
// =============================================================================

func newFake() *fake.FakeProvider {
	return fake.New(providers.FakeConfig{}, zap.NewNop())
}

// testRouter 注册 fake Provider：精确条目 fake-model、别名 quick
func testRouter(p llm.Provider) *router.Router {
	reg := &router.Registry{
		Providers: map[string]router.ProviderEntry{
			"fake": {Models: []string{"fake-model"}, Prefix: "fake-"},
		},
		Aliases: map[string]string{"quick": "fake-model"},
	}
	return router.New(reg, map[string]llm.Provider{"fake": p}, zap.NewNop())
}

func testSessions(t *testing.T) *session.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return session.NewManager(session.NewRedisStore(rdb, nil), time.Hour, nil)
}

func newChatHandler(p llm.Provider, opts ...orchestrator.Option) *ChatHandler {
	return NewChatHandler(orchestrator.New(testRouter(p), opts...), zap.NewNop())
}

// postChat 发一条聊天请求，payload 为请求体 JSON
func postChat(t *testing.T, h *ChatHandler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, req)
	return rec
}

// sseDataLines 提取响应体中所有 data: 行的负载
func sseDataLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var out api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// =============================================================================
// 同步补全
// =============================================================================

func TestChatCompletions_Blocking(t *testing.T) {
	p := newFake().WithContent("你好，有什么可以帮你？").WithUsage(12, 8)
	h := newChatHandler(p)

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.NotEmpty(t, resp.ID)
	assert.NotZero(t, resp.Created)
	assert.Equal(t, "fake-model", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "你好，有什么可以帮你？", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
}

func TestChatCompletions_AliasAccepted(t *testing.T) {
	p := newFake().WithContent("ok")
	h := newChatHandler(p)

	rec := postChat(t, h, `{"model":"quick","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake-model", p.LastRequest().Model)
}

func TestChatCompletions_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantIn  string
	}{
		{"缺少模型", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"空消息列表", `{"model":"fake-model","messages":[]}`, "messages"},
		{"非法角色", `{"model":"fake-model","messages":[{"role":"robot","content":"hi"}]}`, "role"},
		{"tool 消息缺 tool_call_id", `{"model":"fake-model","messages":[{"role":"tool","content":"x"}]}`, "tool_call_id"},
		{"温度越界", `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"temperature":2.5}`, "temperature"},
		{"top_p 越界", `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"top_p":1.5}`, "top_p"},
		{"负的 max_tokens", `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"max_tokens":-1}`, "max_tokens must not be negative"},
		{"负的 n", `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"n":-1}`, "n must not be negative"},
	}

	p := newFake()
	h := newChatHandler(p)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(t, h, tt.payload)

			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "VALIDATION", body.Code)
			assert.Contains(t, body.Detail, tt.wantIn)
		})
	}
	// 校验失败不能打到 Provider
	assert.Equal(t, 0, p.CallCount())
}

func TestChatCompletions_ZeroMaxTokensMeansUnset(t *testing.T) {
	p := newFake().WithContent("ok")
	h := newChatHandler(p)

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"max_tokens":0}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, p.LastRequest().MaxTokens)
}

func TestChatCompletions_InvalidJSON(t *testing.T) {
	h := newChatHandler(newFake())

	rec := postChat(t, h, `{"model": "fake-model",`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION", decodeError(t, rec).Code)
}

func TestChatCompletions_WrongContentType(t *testing.T) {
	h := newChatHandler(newFake())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestChatCompletions_UnknownFieldsTolerated(t *testing.T) {
	h := newChatHandler(newFake().WithContent("ok"))

	// OpenAI 客户端会带上网关不认识的参数，不能拒绝
	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"stream_options":{"include_usage":true}}`)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChatCompletions_NoProvider(t *testing.T) {
	p := newFake()
	h := newChatHandler(p)

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(llm.ErrModelNotFound), body.Code)
	assert.Contains(t, body.Detail, "gpt-4o")
	assert.Equal(t, 0, p.CallCount())
}

func TestChatCompletions_ProviderError(t *testing.T) {
	p := newFake().WithError(&llm.Error{
		Code:       llm.ErrUpstreamError,
		Message:    "upstream exploded",
		HTTPStatus: http.StatusBadGateway,
	})
	h := newChatHandler(p)

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, string(llm.ErrUpstreamError), decodeError(t, rec).Code)
}

func TestChatCompletions_SessionNotFound(t *testing.T) {
	h := newChatHandler(newFake(), orchestrator.WithSessions(testSessions(t)))

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"session_id":"missing"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeError(t, rec).Code)
}

func TestChatCompletions_SessionPersisted(t *testing.T) {
	mgr := testSessions(t)
	h := newChatHandler(newFake().WithContent("done"), orchestrator.WithSessions(mgr))

	sess, err := mgr.Create(context.Background(), nil)
	require.NoError(t, err)

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"session_id":"`+sess.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	history, err := mgr.GetHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Equal(t, "done", history[1].Content)
}

// =============================================================================
// SSE 流式
// =============================================================================

func TestChatCompletions_StreamFrameSequence(t *testing.T) {
	h := newChatHandler(newFake().WithContent("hello world"))

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	lines := sseDataLines(rec.Body.String())
	require.Len(t, lines, 5)

	// 终止行是字面量 [DONE]，且只出现一次
	assert.Equal(t, "[DONE]", lines[4])
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "data: [DONE]"))

	var frames []api.ChatCompletionChunk
	for _, line := range lines[:4] {
		var frame api.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(line), &frame))
		frames = append(frames, frame)
	}

	// 首帧只带 role
	require.Len(t, frames[0].Choices, 1)
	assert.Equal(t, "assistant", frames[0].Choices[0].Delta.Role)
	assert.Empty(t, frames[0].Choices[0].Delta.Content)
	assert.Nil(t, frames[0].Choices[0].FinishReason)

	// 内容帧顺序与切分保持 Provider 原样
	assert.Equal(t, "hello", frames[1].Choices[0].Delta.Content)
	assert.Empty(t, frames[1].Choices[0].Delta.Role)
	assert.Equal(t, " world", frames[2].Choices[0].Delta.Content)

	// 终止帧携带 finish_reason，delta 为空
	require.NotNil(t, frames[3].Choices[0].FinishReason)
	assert.Equal(t, "stop", *frames[3].Choices[0].FinishReason)
	assert.Empty(t, frames[3].Choices[0].Delta.Content)

	// 所有帧共享同一 id，且 object 标记为 chunk
	for _, frame := range frames {
		assert.Equal(t, frames[0].ID, frame.ID)
		assert.Equal(t, "chat.completion.chunk", frame.Object)
		assert.Equal(t, "fake-model", frame.Model)
	}

	// 恰好一个帧携带非空 finish_reason
	finishCount := 0
	for _, frame := range frames {
		if frame.Choices[0].FinishReason != nil {
			finishCount++
		}
	}
	assert.Equal(t, 1, finishCount)
}

func TestChatCompletions_StreamFailsBeforeStart(t *testing.T) {
	// 流未启动前的失败要走普通 HTTP 错误，而不是 SSE
	h := newChatHandler(newFake())

	rec := postChat(t, h, `{"model":"unknown-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

// errStreamProvider 在流中途注入错误 chunk
type errStreamProvider struct {
	fake.FakeProvider
}

func (p *errStreamProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{
		ID:    "chatcmpl-err-1",
		Model: req.Model,
		Delta: llm.Message{Role: llm.RoleAssistant, Content: "partial"},
	}
	ch <- llm.StreamChunk{
		ID:  "chatcmpl-err-1",
		Err: &llm.Error{Code: llm.ErrStreamAborted, Message: "connection reset"},
	}
	close(ch)
	return ch, nil
}

func (p *errStreamProvider) SupportsModel(model string) bool { return true }

func TestChatCompletions_StreamErrorEvent(t *testing.T) {
	reg := &router.Registry{
		Providers: map[string]router.ProviderEntry{
			"fake": {Models: []string{"fake-model"}},
		},
	}
	rt := router.New(reg, map[string]llm.Provider{"fake": &errStreamProvider{}}, zap.NewNop())
	h := NewChatHandler(orchestrator.New(rt), zap.NewNop())

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "connection reset")
	// 错误后依然有终止行，客户端不会挂死等待
	assert.Contains(t, body, "data: [DONE]")
}

func TestChatCompletions_StreamToolCallsForwarded(t *testing.T) {
	p := newFake().WithScript(fake.Turn{
		ToolCalls: []llm.ToolCall{{
			ID:        "t1",
			Name:      "echo",
			Arguments: json.RawMessage(`{"message":"ok"}`),
		}},
	})
	h := newChatHandler(p)

	rec := postChat(t, h, `{"model":"fake-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	lines := sseDataLines(rec.Body.String())
	require.GreaterOrEqual(t, len(lines), 3)

	var sawToolCall bool
	for _, line := range lines {
		if line == "[DONE]" {
			continue
		}
		var frame api.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(line), &frame))
		for _, call := range frame.Choices[0].Delta.ToolCalls {
			if call.Function.Name == "echo" {
				sawToolCall = true
				assert.Equal(t, "t1", call.ID)
				assert.Equal(t, "function", call.Type)
				assert.JSONEq(t, `{"message":"ok"}`, call.Function.Arguments)
			}
		}
	}
	assert.True(t, sawToolCall, "工具调用增量应原样透传给客户端")
}
