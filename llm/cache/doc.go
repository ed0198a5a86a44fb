// Copyright 2026 LLM Gateway Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 cache 提供内容寻址的响应缓存，作为下游降级链的终端兜底。

# 概述

下游 AI 服务（语义搜索、智能体、CMS）偶发不可用时，网关不希望
直接对客户端报错。本包以请求负载的 sha256 为键缓存历史成功响应：
降级链逐个后端失败后，最后查本层，命中即可返回"上次的答案"。

# 结构

  - ResponseCache：两级缓存，本地 LRU 为 L1、Redis 为 L2。
    L2 可选，未配置 Redis 时退化为纯进程内缓存。
  - LRUCache：双向链表 + map 的 O(1) 本地缓存，带 TTL。

# 行为

  - Get 先查本地，未命中查 Redis，Redis 命中回填本地。
  - Set 写穿两级；Redis 写失败只记告警，不影响调用方。
  - 本地 TTL 短（默认 5 分钟）保新鲜，Redis TTL 长（默认 24 小时）
    保兜底覆盖面。
  - Stats 暴露命中与未命中计数，供指标采集。

# 使用方式

	rc := cache.New(redisClient, cache.DefaultConfig(), logger)
	chain := circuitbreaker.NewChain("semantic-search", nil, logger).
	    Use(primary).
	    UseCache("local-cache", rc)
*/
package cache
