// Copyright (c) LLM Gateway Authors.
// Licensed under the MIT License.

// Package downstream 封装网关依赖的内部下游服务：
// 语义检索、智能体执行、CMS 上下文管理。
//
// 所有客户端共享同一套出站策略：TLS 加固的连接池、HTTP/2 保活、
// 瞬时故障（连接错误、5xx、429）的指数退避重试、trace 头透传。
// Status 维护进程级的服务可用性标记，调用失败后的冷却窗口内
// 直接短路，避免每个请求都去撞已知不可用的服务。
//
// CMS 走自定义头协议：请求带 X-CMS-Mode 声明处理模式，
// 响应回 X-CMS-Routed / X-CMS-Tier 与 token 预算头。
// TierFor 按上下文占用率给出路由层级。
package downstream
