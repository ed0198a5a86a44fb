// Copyright (c) LLM Gateway Authors.
// Licensed under the MIT License.

/*
Package router 实现模型名到 Provider 的严格白名单路由。

路由表从 YAML 注册表文件一次性加载（见 Registry），启动后不可变。
解析顺序：别名展开、前缀匹配（最长优先）、精确注册（区分大小写优先）、
routing_default 兜底；全部未命中时返回 404 拒绝。未能在启动时构造的
Provider 对路由不可见，其声明的模型等同于未注册。

包内同时提供 Provider 工厂（BuildProviders，按配置批量构造，缺失密钥
或构造失败的 Provider 跳过并告警）和周期性健康检查器（HealthChecker，
为健康端点缓存探活快照）。
*/
package router
