package session

import (
	"errors"
	"time"

	"github.com/BaSui01/llmgateway/llm"
)

var (
	// ErrNotFound 会话不存在（或已过期被 Redis 清理）。
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable 存储后端连接失败，与"会话不存在"是两种错误。
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrExpired 会话的 expires_at 已过，拒绝写入。
	ErrExpired = errors.New("session expired")
)

// Session 一段持久化的对话，按 UUID 寻址，到期自动消失。
// TTL 以 expires_at 为准：活跃不续期，创建多久后过期就多久后过期。
type Session struct {
	ID        string         `json:"id"`
	Messages  []llm.Message  `json:"messages"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// TTL 返回会话剩余存活时间，已过期时为负。
func (s *Session) TTL() time.Duration {
	return time.Until(s.ExpiresAt)
}

// Expired 判断会话是否已过期。
func (s *Session) Expired() bool {
	return s.TTL() <= 0
}
