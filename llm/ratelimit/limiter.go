package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision 是一次限流判定的完整结果。
// 字段直接对应 X-RateLimit-* 响应头与 429 时的 Retry-After。
type Decision struct {
	Allowed   bool
	Limit     int       // 桶容量（burst）
	Remaining int       // 扣减后剩余的整数令牌
	ResetAt   time.Time // 桶恢复到满容量的时刻
	// RetryAfter 为下一枚令牌到达的等待时长，仅在拒绝时非零
	RetryAfter time.Duration
}

// Limiter 是限流后端接口。
// 进程内默认用 TokenBucketLimiter；分布式后端只需保证
// 同一 client key 上的读改写是原子的。
type Limiter interface {
	IsAllowed(ctx context.Context, clientKey string) (Decision, error)
}

// Config 令牌桶限流配置
type Config struct {
	// RequestsPerMinute 每分钟补充的令牌数。<= 0 时关闭限流，所有请求放行。
	RequestsPerMinute int
	// Burst 桶容量，即瞬时可用的最大令牌数。<= 0 时取 RequestsPerMinute。
	Burst int
	// IdleTTL 空闲桶的回收阈值，默认 3 分钟
	IdleTTL time.Duration
	// PruneInterval 回收扫描周期，默认 1 分钟
	PruneInterval time.Duration
}

// bucket 是单个 client key 的令牌桶。
// 每个桶持有自己的锁，同 key 的并发判定串行化，不同 key 互不阻塞。
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// TokenBucketLimiter 进程内令牌桶限流器，按 client key 分桶。
// 补充在每次判定时惰性进行：tokens += elapsed * rate，上限 burst。
type TokenBucketLimiter struct {
	rate          float64 // 每秒补充的令牌数
	burst         float64
	idleTTL       time.Duration
	pruneInterval time.Duration
	logger        *zap.Logger

	// now 可注入时钟，测试用
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New 创建令牌桶限流器
func New(cfg Config, logger *zap.Logger) *TokenBucketLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = 3 * time.Minute
	}
	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = time.Minute
	}

	return &TokenBucketLimiter{
		rate:          float64(cfg.RequestsPerMinute) / 60.0,
		burst:         float64(burst),
		idleTTL:       idleTTL,
		pruneInterval: pruneInterval,
		logger:        logger.With(zap.String("component", "ratelimit")),
		now:           time.Now,
		buckets:       make(map[string]*bucket),
	}
}

// IsAllowed 判定 clientKey 的本次请求是否放行。
// 从满容量 B 的桶出发，N 个并发调用恰好放行 min(N, B) 个。
func (l *TokenBucketLimiter) IsAllowed(_ context.Context, clientKey string) (Decision, error) {
	if l.rate <= 0 {
		// 限流关闭
		return Decision{
			Allowed:   true,
			Limit:     int(l.burst),
			Remaining: int(l.burst),
			ResetAt:   l.now(),
		}, nil
	}

	b := l.bucketFor(clientKey)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastRefill = now
	}
	b.lastSeen = now

	d := Decision{Limit: int(l.burst)}

	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		deficit := 1 - b.tokens
		d.RetryAfter = time.Duration(deficit / l.rate * float64(time.Second))
	}

	d.Remaining = int(b.tokens)
	d.ResetAt = now.Add(time.Duration((l.burst - b.tokens) / l.rate * float64(time.Second)))

	return d, nil
}

// bucketFor 返回 clientKey 的桶，不存在时创建满容量的新桶
func (l *TokenBucketLimiter) bucketFor(clientKey string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientKey]
	if !ok {
		now := l.now()
		b = &bucket{tokens: l.burst, lastRefill: now, lastSeen: now}
		l.buckets[clientKey] = b
	}
	return b
}

// Prune 移除空闲超过 olderThan 的桶，返回移除数量。
// 被移除的 key 下次请求会拿到满容量的新桶，等价于自然恢复。
func (l *TokenBucketLimiter) Prune(olderThan time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// StartJanitor 启动后台回收循环，阻塞直到 ctx 取消。
// 通常以 go limiter.StartJanitor(ctx) 方式运行。
func (l *TokenBucketLimiter) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(l.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Prune(l.idleTTL); removed > 0 {
				l.logger.Debug("pruned idle rate limit buckets", zap.Int("removed", removed))
			}
		}
	}
}

// Size 返回当前跟踪的桶数量
func (l *TokenBucketLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
