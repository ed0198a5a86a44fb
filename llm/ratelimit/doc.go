// Copyright (c) LLM Gateway Authors.
// Licensed under the MIT License.

/*
Package ratelimit 提供按 client key 分桶的令牌桶限流。

每个 key 一个桶，桶内判定由独立的互斥锁串行化：从满容量 B 的桶出发，
N 个并发请求恰好放行 min(N, B) 个。令牌在每次判定时惰性补充
（elapsed * rate，上限 burst），无后台补充协程；空闲桶由 janitor
周期回收，回收后的 key 下次请求拿到满容量新桶。

判定结果 Decision 携带响应头所需的全部字段（Limit、Remaining、
ResetAt、RetryAfter），HTTP 层不需要再访问桶状态。
*/
package ratelimit
