// Copyright (c) LLM Gateway Authors.
// Licensed under the MIT License.

/*
Package handlers 提供网关 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了网关所有 HTTP 端点的请求处理逻辑，包括 OpenAI 兼容的
聊天补全（同步与 SSE 流式）、会话生命周期、模型与工具发现、工具直接执行
以及健康检查。所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解
生成 API 文档。

# 核心类型

  - ChatHandler     — 聊天补全处理器，按请求的 stream 标志分流同步 / SSE
  - SessionHandler  — 会话创建、查询与删除
  - ModelsHandler   — 已加载模型列表（OpenAI /v1/models 形态）
  - ToolsHandler    — 工具列表与按名执行
  - HealthHandler   — 存活探针与就绪探针（就绪检查会话存储连通性）
  - WSHandler       — WebSocket 流式聊天桥

# 主要能力

  - 错误映射：统一错误类型按其错误码映射为稳定 HTTP 状态，
    响应体为 {"detail": ..., "code": ...}
  - 请求解码：DecodeJSONBody（16 MB 上限，宽容未知字段以保持
    OpenAI 客户端兼容）
  - SSE 输出：首帧 role 引导帧、内容帧、finish_reason 帧、[DONE]
    终止行，一次响应内所有帧共享同一 id
*/
package handlers
