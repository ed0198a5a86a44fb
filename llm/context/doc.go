// Copyright (c) LLM Gateway Authors.
// Licensed under the MIT License.

// Package context 管理上下文窗口预算。
//
// 三件事：估算请求的 token 占用（粗略的 chars/4，或可选的 tiktoken 精确计数）、
// 查询模型的上下文窗口并套用安全系数、在超预算时做本地压缩。
//
// 压缩保留全部 system 消息，从最新往最旧累积对话消息；
// 一条都放不下时硬截断最后一条消息兜底，所以非空输入永远得到非空输出。
// 外部 CMS 可用时压缩由 CMS 代理，这里只处理兜底路径。
//
//	est := llmctx.Estimator{}
//	tokens := llmctx.CountRequest(est, req.Messages, req.Tools)
//	if llmctx.NeedsCompression(tokens, req.Model) {
//		req.Messages = llmctx.CompressForModel(req.Messages, req.Model)
//	}
package context
