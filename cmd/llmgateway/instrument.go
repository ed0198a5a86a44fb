package main

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/llmgateway/internal/metrics"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/circuitbreaker"
	"github.com/BaSui01/llmgateway/session"
)

// =============================================================================
// 指标装饰器
// =============================================================================
// Provider、会话存储与降级缓存的指标采集都在这里挂接，
// 领域包保持与 Prometheus 无关。
// =============================================================================

// instrumentProviders 用指标装饰器包一层全部 Provider。
func instrumentProviders(providers map[string]llm.Provider, collector *metrics.Collector) map[string]llm.Provider {
	out := make(map[string]llm.Provider, len(providers))
	for name, p := range providers {
		out[name] = &instrumentedProvider{Provider: p, collector: collector}
	}
	return out
}

// instrumentedProvider 记录每次上游调用的耗时、状态与 token 用量。
type instrumentedProvider struct {
	llm.Provider
	collector *metrics.Collector
}

func (p *instrumentedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := p.Provider.Completion(ctx, req)

	status := "success"
	var promptTokens, completionTokens int
	if err != nil {
		status = "error"
	} else if resp != nil {
		promptTokens = resp.Usage.PromptTokens
		completionTokens = resp.Usage.CompletionTokens
	}
	p.collector.RecordLLMRequest(p.Name(), req.Model, status, time.Since(start), promptTokens, completionTokens)
	return resp, err
}

func (p *instrumentedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	start := time.Now()
	upstream, err := p.Provider.Stream(ctx, req)
	if err != nil {
		p.collector.RecordLLMRequest(p.Name(), req.Model, "error", time.Since(start), 0, 0)
		return nil, err
	}

	p.collector.StreamStarted()
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer p.collector.StreamEnded()

		status := "success"
		var usage llm.ChatUsage
		for chunk := range upstream {
			if chunk.Err != nil {
				status = "error"
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// 消费方已放弃，上游通道由 Provider 随 ctx 取消收尾
				p.collector.RecordLLMRequest(p.Name(), req.Model, "canceled", time.Since(start),
					usage.PromptTokens, usage.CompletionTokens)
				return
			}
		}
		p.collector.RecordLLMRequest(p.Name(), req.Model, status, time.Since(start),
			usage.PromptTokens, usage.CompletionTokens)
	}()
	return out, nil
}

// instrumentStore 用指标装饰器包一层会话存储。
func instrumentStore(store session.Store, collector *metrics.Collector) session.Store {
	return &instrumentedStore{inner: store, collector: collector}
}

// instrumentedStore 按操作与结果记录会话存储调用。
// Get 未命中单独记为 miss，与存储故障区分开。
type instrumentedStore struct {
	inner     session.Store
	collector *metrics.Collector
}

func (s *instrumentedStore) Save(ctx context.Context, sess *session.Session) error {
	err := s.inner.Save(ctx, sess)
	s.collector.RecordSessionOperation("save", storeStatus(err))
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.inner.Get(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.collector.RecordSessionOperation("get", "miss")
	default:
		s.collector.RecordSessionOperation("get", storeStatus(err))
	}
	return sess, err
}

func (s *instrumentedStore) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.inner.Delete(ctx, id)
	s.collector.RecordSessionOperation("delete", storeStatus(err))
	return deleted, err
}

func (s *instrumentedStore) Exists(ctx context.Context, id string) (bool, error) {
	exists, err := s.inner.Exists(ctx, id)
	s.collector.RecordSessionOperation("exists", storeStatus(err))
	return exists, err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func storeStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// countingCache 在降级链的缓存终端上统计命中与未命中。
type countingCache struct {
	inner     circuitbreaker.PayloadCache
	collector *metrics.Collector
	cacheType string
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok := c.inner.Get(ctx, key)
	if ok {
		c.collector.RecordCacheHit(c.cacheType)
	} else {
		c.collector.RecordCacheMiss(c.cacheType)
	}
	return value, ok
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte) {
	c.inner.Set(ctx, key, value)
}
