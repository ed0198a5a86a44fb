// Copyright 2026 LLM Gateway Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 llm 提供统一的大语言模型接入层，包括 Provider 抽象、路由、
限流、熔断、上下文预算与工具调用等能力。

# 概述

本包目标是屏蔽不同模型服务商在接口、鉴权、错误语义和流式协议上的差异，
对上层 HTTP 网关暴露一致的请求与响应模型，降低多模型接入和切换成本。

# Provider 抽象

核心接口是 [Provider]，包含补全、流式输出、模型能力声明与健康检查。
基于该接口，网关可以在保持上层调用不变的前提下切换底层模型服务。

# 核心类型

  - [ChatRequest] / [ChatResponse]：聊天请求与响应
  - [Message] / [ToolCall] / [ToolResult]：对话消息与工具调用闭环
  - [StreamChunk]：流式输出分片
  - [Error]：统一错误体系，含 HTTP 状态码与可重试标记
  - [HealthStatus]：健康检查状态

# 相关子包

- llm/providers：各模型服务商适配实现（OpenAI 形态、Anthropic 形态、Fake）。
- llm/router：模型注册表与严格路由（别名 → 前缀 → 精确匹配）。
- llm/ratelimit：按客户端的令牌桶限流。
- llm/circuitbreaker：熔断器与降级链。
- llm/cache：内容寻址响应缓存（降级链终点）。
- llm/retry：重试与退避策略。
- llm/tools：工具注册表与执行器。
- llm/context：Token 估算、模型上下文上限与本地压缩。
- llm/orchestrator：多轮编排（历史装配、预算、工具循环、会话持久化）。
*/
package llm
