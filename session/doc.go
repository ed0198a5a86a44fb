// Copyright 2026 LLM Gateway Authors. All rights reserved.
// Use of this source code is governed by the project license.

// Package session 提供按 UUID 寻址、TTL 过期的会话持久化。
//
// Store 是 Redis 之上的薄仓储（键 session:{id}，TTL 取自 expires_at），
// Manager 在其上提供 Create/Get/Delete、消息追加、context 合并与历史清理。
// 跨客户端不做事务，后写覆盖先写；编排器在请求内攒批写入来收窄窗口。
package session
