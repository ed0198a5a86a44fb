package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

// DefaultTTL 是新会话的默认存活时间。
const DefaultTTL = time.Hour

// Manager 是存储之上的无状态会话服务。
// 跨客户端的读改写不做事务，后写覆盖先写；单个请求内的写
// 由编排器攒到请求结束一次提交。
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewManager 创建会话管理器，ttl 不合法时用 DefaultTTL。
func NewManager(store Store, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "session_manager")),
	}
}

// Create 新建会话：新 UUID、空消息、调用方给的 context（没给就是空表）。
func (m *Manager) Create(ctx context.Context, contextData map[string]any) (*Session, error) {
	if contextData == nil {
		contextData = map[string]any{}
	}
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Messages:  []llm.Message{},
		Context:   contextData,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Debug("session created",
		zap.String("session_id", sess.ID),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Get 获取会话，不存在返回 ErrNotFound。
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// Delete 删除会话，幂等：删不存在的会话不报错。
func (m *Manager) Delete(ctx context.Context, id string) error {
	deleted, err := m.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if deleted {
		m.logger.Debug("session deleted", zap.String("session_id", id))
	}
	return nil
}

// AddMessage 追加单条消息：加载、追加、保存。
func (m *Manager) AddMessage(ctx context.Context, id string, msg llm.Message) error {
	return m.AddMessages(ctx, id, msg)
}

// AddMessages 批量追加消息，整批只做一次加载和保存。
func (m *Manager) AddMessages(ctx context.Context, id string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Messages = append(sess.Messages, msgs...)
	return m.store.Save(ctx, sess)
}

// UpdateContext 合并 context，新键覆盖旧键。
func (m *Manager) UpdateContext(ctx context.Context, id string, partial map[string]any) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	for k, v := range partial {
		sess.Context[k] = v
	}
	return m.store.Save(ctx, sess)
}

// GetHistory 返回会话的消息列表。
func (m *Manager) GetHistory(ctx context.Context, id string) ([]llm.Message, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// ClearHistory 清空消息，context 与过期时间保持不变。
func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Messages = []llm.Message{}
	return m.store.Save(ctx, sess)
}

// Ping 透传存储连通性探测，供就绪检查使用。
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
