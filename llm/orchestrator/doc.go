// Copyright 2026 LLM Gateway Authors. All rights reserved.
// Use of this source code is governed by the project license.

// Package orchestrator 实现聊天补全的编排管线。
//
// Complete 与 Stream 共享同一个前半段：路由别名解析、Provider 选择、
// 会话历史拼装、token 预算检查与上下文压缩（主策略 CMS、失败回退本地）。
// Complete 之后进入截断思维恢复（单次重试）与有界的工具调用循环，
// 最后把本轮新增消息写回会话；Stream 则把增量块原序透传，
// 正常收尾后持久化拼好的完整回复。
//
// 除 router 外的依赖都是可选项：不挂 session.Manager 就没有历史与持久化，
// 不挂 tools.Executor 就把 tool_calls 响应原样交还调用方。
package orchestrator
