// Copyright 2026 LLM Gateway Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 openai 提供 OpenAI 模型的 Provider 适配实现。OpenAI 本身就是
兼容格式的事实标准，因此本包直接嵌入 openaicompat.Provider，
仅定制认证 header，其余请求、响应、流式处理全部委托基础实现。

# 核心结构体

  - OpenAIProvider — 嵌入 openaicompat.Provider，通过 BuildHeaders
    注入 Authorization 与可选的 OpenAI-Organization 请求头

# 定制行为

  - 默认 BaseURL: https://api.openai.com
  - Endpoint: /v1/chat/completions（openaicompat 默认值）
  - Organization header 支持（OpenAIConfig.Organization 非空时附带）

# 支持能力

  - Chat Completion（同步，委托 openaicompat）
  - 流式输出（SSE，委托 openaicompat）
  - 原生 Function Calling / Tool Use
  - 瞬时故障自动重试、健康检查、模型列表（委托 openaicompat）
*/
package openai
