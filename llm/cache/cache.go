package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config 响应缓存配置
type Config struct {
	LocalMaxEntries int           // 本地缓存最大条目数
	LocalTTL        time.Duration // 本地缓存 TTL
	RedisTTL        time.Duration // Redis 缓存 TTL
	KeyPrefix       string        // Redis 键前缀
}

// DefaultConfig 默认配置。
// Redis 层 TTL 给得长：缓存的价值恰恰在上游长时间不可用时兜底。
func DefaultConfig() *Config {
	return &Config{
		LocalMaxEntries: 1024,
		LocalTTL:        5 * time.Minute,
		RedisTTL:        24 * time.Hour,
		KeyPrefix:       "llmgw:response:",
	}
}

// Stats 缓存命中统计
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// ResponseCache 内容寻址响应缓存：本地 LRU 为 L1，Redis 为 L2。
// 键由调用方给定（请求负载的 sha256），值是完整的响应字节。
// rdb 为 nil 时退化为纯本地缓存，进程重启即冷。
type ResponseCache struct {
	local  *LRUCache
	redis  *redis.Client
	config *Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New 创建响应缓存
func New(rdb *redis.Client, config *Config, logger *zap.Logger) *ResponseCache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LocalMaxEntries <= 0 {
		config.LocalMaxEntries = 1024
	}
	if config.LocalTTL <= 0 {
		config.LocalTTL = 5 * time.Minute
	}
	if config.RedisTTL <= 0 {
		config.RedisTTL = 24 * time.Hour
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "llmgw:response:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ResponseCache{
		local:  NewLRUCache(config.LocalMaxEntries, config.LocalTTL),
		redis:  rdb,
		config: config,
		logger: logger.With(zap.String("component", "response_cache")),
	}
}

// Get 查询缓存，先本地后 Redis，Redis 命中时回填本地
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.local.Get(key); ok {
		c.hits.Add(1)
		c.logger.Debug("local cache hit", zap.String("key", key))
		return value, true
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
		if err == nil {
			c.local.Set(key, data)
			c.hits.Add(1)
			c.logger.Debug("redis cache hit", zap.String("key", key))
			return data, true
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Set 写入两级缓存。Redis 写失败只告警不上抛：
// 回种是尽力而为，不能反过来拖垮成功路径。
func (c *ResponseCache) Set(ctx context.Context, key string, value []byte) {
	c.local.Set(key, value)

	if c.redis != nil {
		if err := c.redis.Set(ctx, c.redisKey(key), value, c.config.RedisTTL).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
		}
	}

	c.logger.Debug("cache set", zap.String("key", key), zap.Int("bytes", len(value)))
}

// Delete 删除两级缓存中的条目
func (c *ResponseCache) Delete(ctx context.Context, key string) error {
	c.local.Delete(key)

	if c.redis != nil {
		if err := c.redis.Del(ctx, c.redisKey(key)).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Clear 清空本地层。Redis 层按 TTL 自然过期，不做扫描删除。
func (c *ResponseCache) Clear() {
	c.local.Clear()
}

// Stats 返回命中统计快照
func (c *ResponseCache) Stats() Stats {
	size, _ := c.local.Stats()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: size,
	}
}

func (c *ResponseCache) redisKey(key string) string {
	return c.config.KeyPrefix + key
}
