package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProviderHealth 是一次探活的结果快照
type ProviderHealth struct {
	Provider  string        `json:"provider"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	LastError string        `json:"last_error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthChecker 周期性探测已加载 Provider 的可用性，缓存最近一次结果。
// 健康端点读取缓存快照，避免每次请求都打穿到上游。
type HealthChecker struct {
	router   *Router
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	status map[string]ProviderHealth

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHealthChecker 创建健康检查器。
// interval 为探测周期，timeout 为单个 Provider 的探测超时。
func NewHealthChecker(r *Router, interval, timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthChecker{
		router:   r,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "health_checker")),
		status:   make(map[string]ProviderHealth),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动周期探测，阻塞直到 ctx 取消或 Stop 被调用。
// 启动后立即执行一次全量探测，之后按 interval 循环。
func (h *HealthChecker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}

// Stop 停止周期探测，可重复调用
func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// CheckAll 对全部已加载 Provider 执行一轮探测并更新快照
func (h *HealthChecker) CheckAll(ctx context.Context) {
	for name, p := range h.router.Providers() {
		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		start := time.Now()
		status, err := p.HealthCheck(probeCtx)
		cancel()

		latency := time.Since(start)
		healthy := err == nil
		if status != nil {
			if status.Latency > 0 {
				latency = status.Latency
			}
			healthy = healthy && status.Healthy
		}

		record := ProviderHealth{
			Provider:  name,
			Healthy:   healthy,
			Latency:   latency,
			CheckedAt: time.Now(),
		}
		if err != nil {
			record.LastError = err.Error()
			h.logger.Warn("provider health check failed",
				zap.String("provider", name),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
		}

		h.mu.Lock()
		h.status[name] = record
		h.mu.Unlock()
	}
}

// Snapshot 返回最近一轮探测结果的副本
func (h *HealthChecker) Snapshot() map[string]ProviderHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]ProviderHealth, len(h.status))
	for name, s := range h.status {
		out[name] = s
	}
	return out
}

// Healthy 报告指定 Provider 在最近一轮探测中是否健康。
// 尚未探测过的 Provider 视为健康，避免启动窗口内误拒流量。
func (h *HealthChecker) Healthy(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.status[provider]
	if !ok {
		return true
	}
	return s.Healthy
}
