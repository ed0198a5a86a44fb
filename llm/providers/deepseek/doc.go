// Copyright 2026 LLM Gateway Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 deepseek 提供 DeepSeek 模型的 Provider 适配实现。DeepSeek 使用
OpenAI 兼容的 API 格式，因此本包通过嵌入 openaicompat.Provider 复用
HTTP 处理、SSE 解析、消息转换等通用逻辑，仅定制差异部分。

# 定制行为

  - 默认 BaseURL: https://api.deepseek.com
  - Endpoint: /chat/completions（DeepSeek 无 /v1 前缀）

# 支持能力

  - Chat Completion（同步，委托 openaicompat）
  - 流式输出（SSE，委托 openaicompat）
  - 原生 Function Calling / Tool Use
  - deepseek-chat 与 deepseek-reasoner 模型
  - 瞬时故障自动重试、健康检查、模型列表（委托 openaicompat）
*/
package deepseek
