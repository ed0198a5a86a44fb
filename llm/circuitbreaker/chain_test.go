package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// memCache 进程内 PayloadCache，记录写入次数
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *memCache) Set(ctx context.Context, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
}

func (c *memCache) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

// fastBreakers 测试用的快速熔断配置
func fastBreakers() *ChainConfig {
	return &ChainConfig{
		BreakerConfig: &Config{
			FailureThreshold: 1,
			CallTimeout:      time.Second,
			RecoveryTimeout:  time.Hour,
		},
	}
}

// ---------------------------------------------------------------------------
// HashPayload
// ---------------------------------------------------------------------------

func TestHashPayload(t *testing.T) {
	a := HashPayload([]byte(`{"model":"gpt-4o"}`))
	b := HashPayload([]byte(`{"model":"gpt-4o"}`))
	c := HashPayload([]byte(`{"model":"gpt-4o-mini"}`))

	assert.Equal(t, a, b, "同一负载必须得到同一键")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// ---------------------------------------------------------------------------
// FuncBackend / CacheBackend
// ---------------------------------------------------------------------------

func TestFuncBackend(t *testing.T) {
	b := NewFuncBackend("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	assert.Equal(t, "echo", b.Name())

	out, err := b.Invoke(context.Background(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), out)
}

func TestCacheBackend(t *testing.T) {
	cache := newMemCache()
	b := NewCacheBackend("local-cache", cache)
	assert.Equal(t, "local-cache", b.Name())

	payload := []byte(`{"q":"hello"}`)

	// 未命中返回 ErrCacheMiss，而非静默空响应
	_, err := b.Invoke(context.Background(), payload)
	assert.ErrorIs(t, err, ErrCacheMiss)

	cache.Set(context.Background(), HashPayload(payload), []byte("cached answer"))
	out, err := b.Invoke(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached answer"), out)
}

// ---------------------------------------------------------------------------
// Chain: first success wins
// ---------------------------------------------------------------------------

func TestChain_FirstSuccessWins(t *testing.T) {
	var secondCalls atomic.Int32

	chain := NewChain("search", nil, zap.NewNop()).
		Use(NewFuncBackend("primary", func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("from primary"), nil
		})).
		Use(NewFuncBackend("secondary", func(ctx context.Context, payload []byte) ([]byte, error) {
			secondCalls.Add(1)
			return []byte("from secondary"), nil
		}))

	out, err := chain.Invoke(context.Background(), []byte("query"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from primary"), out)
	assert.Equal(t, int32(0), secondCalls.Load(), "第一个后端成功后不应再尝试后续后端")
}

// ---------------------------------------------------------------------------
// Chain: failure falls through to the next backend
// ---------------------------------------------------------------------------

func TestChain_FallsThroughOnFailure(t *testing.T) {
	var mu sync.Mutex
	var attempts, successes []string

	cfg := fastBreakers()
	cfg.OnAttempt = func(chain, backend string) {
		mu.Lock()
		attempts = append(attempts, chain+"/"+backend)
		mu.Unlock()
	}
	cfg.OnSuccess = func(chain, backend string) {
		mu.Lock()
		successes = append(successes, chain+"/"+backend)
		mu.Unlock()
	}

	chain := NewChain("search", cfg, zap.NewNop()).
		Use(NewFuncBackend("primary", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("boom")
		})).
		Use(NewFuncBackend("secondary", func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("rescued"), nil
		}))

	out, err := chain.Invoke(context.Background(), []byte("query"))
	require.NoError(t, err)
	assert.Equal(t, []byte("rescued"), out)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"search/primary", "search/secondary"}, attempts)
	assert.Equal(t, []string{"search/secondary"}, successes)
}

// ---------------------------------------------------------------------------
// Chain: open breaker is skipped without touching the backend
// ---------------------------------------------------------------------------

func TestChain_SkipsOpenBreaker(t *testing.T) {
	var primaryCalls atomic.Int32

	chain := NewChain("search", fastBreakers(), zap.NewNop()).
		Use(NewFuncBackend("primary", func(ctx context.Context, payload []byte) ([]byte, error) {
			primaryCalls.Add(1)
			return nil, errors.New("down")
		})).
		Use(NewFuncBackend("secondary", func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("ok"), nil
		}))

	// 第一次：primary 真正执行并失败，熔断器打开
	_, err := chain.Invoke(context.Background(), []byte("q"))
	require.NoError(t, err)
	require.Equal(t, int32(1), primaryCalls.Load())

	// 第二次：primary 被熔断跳过，不再发起调用
	out, err := chain.Invoke(context.Background(), []byte("q"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
	assert.Equal(t, int32(1), primaryCalls.Load(), "熔断打开时不应再调用后端")

	stats := chain.Breakers()
	require.Len(t, stats, 2)
	assert.Equal(t, "search/primary", stats[0].Resource)
	assert.Equal(t, "open", stats[0].State)
	assert.Equal(t, "search/secondary", stats[1].Resource)
	assert.Equal(t, "closed", stats[1].State)
}

// ---------------------------------------------------------------------------
// Chain: successful responses seed the cache terminal
// ---------------------------------------------------------------------------

func TestChain_SeedCacheServesWhenBackendsDie(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	cache := newMemCache()
	chain := NewChain("search", &ChainConfig{
		BreakerConfig: &Config{
			FailureThreshold: 100, // 保持闭合，聚焦缓存行为
			CallTimeout:      time.Second,
			RecoveryTimeout:  time.Hour,
		},
	}, zap.NewNop()).
		Use(NewFuncBackend("primary", func(ctx context.Context, payload []byte) ([]byte, error) {
			if !healthy.Load() {
				return nil, errors.New("primary down")
			}
			return []byte("live answer"), nil
		})).
		UseCache("local-cache", cache)

	payload := []byte(`{"q":"capital of france"}`)

	// 健康时走 primary，响应被回种进缓存
	out, err := chain.Invoke(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("live answer"), out)
	assert.Equal(t, 1, cache.setCount())

	// primary 失效后，同一负载由缓存终端兜底
	healthy.Store(false)
	out, err = chain.Invoke(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("live answer"), out)

	// 缓存命中不应再回写自身
	assert.Equal(t, 1, cache.setCount())
}

// ---------------------------------------------------------------------------
// Chain: cache miss means explicit exhaustion
// ---------------------------------------------------------------------------

func TestChain_CacheMissExhausts(t *testing.T) {
	cache := newMemCache()
	chain := NewChain("search", fastBreakers(), zap.NewNop()).
		Use(NewFuncBackend("primary", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("primary down")
		})).
		UseCache("local-cache", cache)

	_, err := chain.Invoke(context.Background(), []byte("never seen before"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFallbackExhausted)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Contains(t, err.Error(), "primary")
	assert.Contains(t, err.Error(), "local-cache")
}

// ---------------------------------------------------------------------------
// Chain: edge cases
// ---------------------------------------------------------------------------

func TestChain_Empty(t *testing.T) {
	chain := NewChain("empty", nil, zap.NewNop())
	_, err := chain.Invoke(context.Background(), []byte("q"))
	assert.ErrorIs(t, err, ErrFallbackExhausted)
}

func TestChain_AllBackendsFail(t *testing.T) {
	chain := NewChain("search", fastBreakers(), zap.NewNop()).
		Use(NewFuncBackend("a", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("a failed")
		})).
		Use(NewFuncBackend("b", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("b failed")
		}))

	_, err := chain.Invoke(context.Background(), []byte("q"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFallbackExhausted)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
}

func TestChain_SkippedBackendStillListedInError(t *testing.T) {
	chain := NewChain("search", fastBreakers(), zap.NewNop()).
		Use(NewFuncBackend("flaky", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("flaky down")
		}))

	// 先触发熔断
	_, err := chain.Invoke(context.Background(), []byte("q"))
	require.Error(t, err)

	// 熔断打开后的失败原因是 ErrCircuitOpen
	_, err = chain.Invoke(context.Background(), []byte("q"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFallbackExhausted)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

// ---------------------------------------------------------------------------
// Chain: per-backend breakers are independent
// ---------------------------------------------------------------------------

func TestChain_BreakersAreIndependent(t *testing.T) {
	var flaky atomic.Bool
	flaky.Store(true)

	chain := NewChain("search", fastBreakers(), zap.NewNop()).
		Use(NewFuncBackend("flaky", func(ctx context.Context, payload []byte) ([]byte, error) {
			if flaky.Load() {
				return nil, errors.New("down")
			}
			return []byte("recovered"), nil
		})).
		Use(NewFuncBackend("stable", func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("stable"), nil
		}))

	for i := 0; i < 3; i++ {
		out, err := chain.Invoke(context.Background(), []byte(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte("stable"), out)
	}

	stats := chain.Breakers()
	assert.Equal(t, "open", stats[0].State)
	assert.Equal(t, "closed", stats[1].State)
}
