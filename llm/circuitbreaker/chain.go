package circuitbreaker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrFallbackExhausted 所有后端失败且缓存未命中
	ErrFallbackExhausted = errors.New("fallback chain exhausted: all backends failed")
	// ErrCacheMiss 缓存终端未命中
	ErrCacheMiss = errors.New("fallback cache miss")
)

// Backend 是降级链中的一个后端
type Backend interface {
	Name() string
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
}

// FuncBackend 函数式后端，便于包装下游客户端调用
type FuncBackend struct {
	name string
	fn   func(ctx context.Context, payload []byte) ([]byte, error)
}

// NewFuncBackend 用名称和函数构造后端
func NewFuncBackend(name string, fn func(ctx context.Context, payload []byte) ([]byte, error)) *FuncBackend {
	return &FuncBackend{name: name, fn: fn}
}

func (b *FuncBackend) Name() string { return b.name }

func (b *FuncBackend) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	return b.fn(ctx, payload)
}

// PayloadCache 内容寻址缓存的最小接口，llm/cache 提供实现
type PayloadCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// HashPayload 计算请求负载的内容寻址键（sha256 十六进制）
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CacheBackend 把内容寻址缓存包装成链的终端后端。
// Invoke 即按负载哈希查缓存，未命中返回 ErrCacheMiss，令链显式失败。
type CacheBackend struct {
	name  string
	cache PayloadCache
}

// NewCacheBackend 创建缓存终端后端
func NewCacheBackend(name string, cache PayloadCache) *CacheBackend {
	return &CacheBackend{name: name, cache: cache}
}

func (b *CacheBackend) Name() string { return b.name }

func (b *CacheBackend) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	if value, ok := b.cache.Get(ctx, HashPayload(payload)); ok {
		return value, nil
	}
	return nil, ErrCacheMiss
}

// ChainConfig 降级链配置
type ChainConfig struct {
	// BreakerConfig 每个后端独立熔断器的配置，nil 用默认值
	BreakerConfig *Config

	// SeedCache 非空时，任一后端成功的响应按负载哈希写回该缓存，
	// 供缓存终端在后端全部失效时兜底
	SeedCache PayloadCache

	// OnAttempt 每次尝试某个后端时触发（含被熔断跳过之前的尝试）
	OnAttempt func(chain, backend string)

	// OnSuccess 某个后端成功时触发
	OnSuccess func(chain, backend string)
}

// chainEntry 后端及其专属熔断器
type chainEntry struct {
	backend Backend
	breaker CircuitBreaker
}

// Chain 有序降级链。
// Invoke 按注册顺序尝试各后端：熔断打开的直接跳过（不发起 I/O），
// 失败的跳过并计入其熔断器；第一个成功的结果立即返回。
// 终端通常是缓存后端，保证上游全灭时还能命中历史响应。
type Chain struct {
	name    string
	config  *ChainConfig
	entries []chainEntry
	logger  *zap.Logger
}

// NewChain 创建名为 name 的降级链
func NewChain(name string, config *ChainConfig, logger *zap.Logger) *Chain {
	if config == nil {
		config = &ChainConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		name:   name,
		config: config,
		logger: logger.With(
			zap.String("component", "fallback_chain"),
			zap.String("chain", name),
		),
	}
}

// Use 追加后端，为它创建以 "chain/backend" 命名的独立熔断器。
// 返回链自身以便链式注册。
func (c *Chain) Use(b Backend) *Chain {
	resource := fmt.Sprintf("%s/%s", c.name, b.Name())
	c.entries = append(c.entries, chainEntry{
		backend: b,
		breaker: New(resource, c.breakerConfig(), c.logger),
	})
	return c
}

// UseCache 追加缓存终端后端并登记为回种缓存
func (c *Chain) UseCache(name string, cache PayloadCache) *Chain {
	if c.config.SeedCache == nil {
		c.config.SeedCache = cache
	}
	return c.Use(NewCacheBackend(name, cache))
}

// breakerConfig 为每个后端复制独立的熔断配置，避免回调共享
func (c *Chain) breakerConfig() *Config {
	if c.config.BreakerConfig == nil {
		return nil
	}
	cfg := *c.config.BreakerConfig
	return &cfg
}

// Breakers 返回各后端的熔断器状态快照，按注册顺序
func (c *Chain) Breakers() []Stats {
	out := make([]Stats, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.breaker.Stats())
	}
	return out
}

// Invoke 依序调用后端，返回第一个成功的响应。
// 所有后端都失败（或被熔断跳过）且无缓存命中时返回 ErrFallbackExhausted，
// 错误中保留各后端的失败原因。
func (c *Chain) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	if len(c.entries) == 0 {
		return nil, ErrFallbackExhausted
	}

	var failures []error

	for _, e := range c.entries {
		name := e.backend.Name()
		if c.config.OnAttempt != nil {
			c.config.OnAttempt(c.name, name)
		}

		result, err := CallWithResultTyped(e.breaker, ctx, func(ctx context.Context) ([]byte, error) {
			return e.backend.Invoke(ctx, payload)
		})
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				c.logger.Debug("backend skipped, circuit open",
					zap.String("backend", name))
			} else {
				c.logger.Warn("backend failed, trying next",
					zap.String("backend", name),
					zap.Error(err))
			}
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			continue
		}

		if c.config.OnSuccess != nil {
			c.config.OnSuccess(c.name, name)
		}

		// 缓存终端命中时不回写自身
		if c.config.SeedCache != nil {
			if _, isCache := e.backend.(*CacheBackend); !isCache {
				c.config.SeedCache.Set(ctx, HashPayload(payload), result)
			}
		}

		return result, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrFallbackExhausted, errors.Join(failures...))
}
