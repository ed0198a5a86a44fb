package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

func setupTestManager(t *testing.T, ttl time.Duration) *Manager {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewManager(NewRedisStore(rdb, zap.NewNop()), ttl, zap.NewNop())
}

func TestManager_Create(t *testing.T) {
	m := setupTestManager(t, time.Hour)
	ctx := context.Background()

	sess, err := m.Create(ctx, map[string]any{"tenant": "acme"})
	require.NoError(t, err)

	_, err = uuid.Parse(sess.ID)
	assert.NoError(t, err, "会话 ID 必须是合法 UUID")
	assert.Empty(t, sess.Messages)
	assert.Equal(t, map[string]any{"tenant": "acme"}, sess.Context)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 2*time.Second)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestManager_CreateNilContext(t *testing.T) {
	m := setupTestManager(t, time.Hour)

	sess, err := m.Create(context.Background(), nil)
	require.NoError(t, err)

	got, err := m.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Context, "不给 context 也要落成空表，而不是 null")
	assert.Empty(t, got.Context)
}

func TestManager_DefaultTTL(t *testing.T) {
	m := setupTestManager(t, 0)

	sess, err := m.Create(context.Background(), nil)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), sess.ExpiresAt, 2*time.Second)
}

func TestManager_GetNotFound(t *testing.T) {
	m := setupTestManager(t, time.Hour)

	_, err := m.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_DeleteIdempotent(t *testing.T) {
	m := setupTestManager(t, time.Hour)
	ctx := context.Background()

	assert.NoError(t, m.Delete(ctx, uuid.NewString()), "删除不存在的会话是 no-op")

	sess, err := m.Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, sess.ID))

	_, err = m.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, m.Delete(ctx, sess.ID))
}

func TestManager_AddMessagePreservesOrder(t *testing.T) {
	m := setupTestManager(t, time.Hour)
	ctx := context.Background()
	sess, err := m.Create(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, m.AddMessage(ctx, sess.ID, llm.Message{Role: llm.RoleUser, Content: "first"}))
	require.NoError(t, m.AddMessages(ctx, sess.ID,
		llm.Message{Role: llm.RoleAssistant, Content: "second"},
		llm.Message{Role: llm.RoleUser, Content: "third"},
	))

	history, err := m.GetHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "second", history[1].Content)
	assert.Equal(t, "third", history[2].Content)
}

func TestManager_AddMessageMissingSession(t *testing.T) {
	m := setupTestManager(t, time.Hour)

	err := m.AddMessage(context.Background(), uuid.NewString(),
		llm.Message{Role: llm.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_AddMessagesEmptyBatch(t *testing.T) {
	m := setupTestManager(t, time.Hour)

	// 空批次不应触碰存储，对不存在的会话也成功
	assert.NoError(t, m.AddMessages(context.Background(), uuid.NewString()))
}

func TestManager_UpdateContextMerges(t *testing.T) {
	m := setupTestManager(t, time.Hour)
	ctx := context.Background()
	sess, err := m.Create(ctx, map[string]any{"a": "keep", "b": "old"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateContext(ctx, sess.ID, map[string]any{"b": "new", "c": "added"}))

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "keep", "b": "new", "c": "added"}, got.Context,
		"新键覆盖，旧键保留")
}

func TestManager_ClearHistory(t *testing.T) {
	m := setupTestManager(t, time.Hour)
	ctx := context.Background()
	sess, err := m.Create(ctx, map[string]any{"tenant": "acme"})
	require.NoError(t, err)
	require.NoError(t, m.AddMessage(ctx, sess.ID, llm.Message{Role: llm.RoleUser, Content: "hi"}))

	require.NoError(t, m.ClearHistory(ctx, sess.ID))

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	assert.Equal(t, map[string]any{"tenant": "acme"}, got.Context, "清历史不动 context")
}

func TestManager_GetHistoryNotFound(t *testing.T) {
	m := setupTestManager(t, time.Hour)

	_, err := m.GetHistory(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
