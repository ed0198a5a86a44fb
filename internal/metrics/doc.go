/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、LLM、限流、熔断降级、会话、工具与缓存七大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - LLM 指标：请求总数、请求耗时、Token 用量（prompt/completion）、
    活跃流数量，按 provider/model 分组。
  - 限流指标：放行与拒绝计数。
  - 熔断降级指标：状态迁移计数（resource/from_state/to_state）、
    降级链尝试与命中计数（chain/backend）。
  - 会话指标：存储操作计数，按 operation/status 分组。
  - 工具指标：执行总数与耗时，按 tool/status 分组。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
*/
package metrics
