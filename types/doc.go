// Copyright (c) LLM Gateway Authors.
// Licensed under the MIT License.

/*
Package types 提供 LLM 网关的全局共享类型定义。

# 概述

types 是网关最底层的公共包，不依赖任何内部包，为 llm、session、
downstream、api 等上层模块提供统一的类型契约。所有跨包共享的错误码
与 Context 传播键均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - Context 传播：WithRequestID / WithTenantID / WithUserID / WithSessionID 等

# 错误分层

请求面（VALIDATION、RATE_LIMITED、NO_PROVIDER）、上游面（AUTHENTICATION、
PROVIDER_ERROR、UPSTREAM_TIMEOUT）、会话面（SESSION_NOT_FOUND、SESSION_STORE）、
工具面（TOOL_NOT_FOUND、TOOL_VALIDATION、TOOL_EXECUTION）与弹性面
（CIRCUIT_OPEN、FALLBACK_EXHAUSTED）各自独立成组，defaultHTTPStatus
给出 HTTP 层的统一映射。
*/
package types
