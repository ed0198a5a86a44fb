// Copyright (c) LLM Gateway Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker 提供针对下游资源的熔断器和有序降级链。

熔断器按资源命名，三态运行：Closed 正常放行并统计连续失败；
达到阈值转 Open，在恢复窗口内快速失败（不发起 I/O）；窗口过后
下一次调用转 HalfOpen，放行有限数量的探测，全部成功才回到 Closed，
任何一次失败立即重新打开。状态迁移通过 OnStateChange 回调
（携带资源名与迁移前后状态）接入指标与告警。

Chain 把多个后端组成降级链，每个后端配独立熔断器：调用按注册顺序
尝试，熔断打开的后端直接跳过，第一个成功的响应立即返回。链的终端
通常是内容寻址缓存（键为请求负载的 sha256），上游全部失效时命中
历史响应兜底；缓存也未命中则返回 ErrFallbackExhausted 显式失败。

	chain := circuitbreaker.NewChain("semantic-search", nil, logger).
	    Use(primaryBackend).
	    Use(secondaryBackend).
	    UseCache("local-cache", cache)

	resp, err := chain.Invoke(ctx, payload)
*/
package circuitbreaker
