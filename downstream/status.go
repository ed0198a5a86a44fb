package downstream

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Service 受基础设施状态跟踪的下游服务。
type Service string

const (
	ServiceCMS      Service = "cms"
	ServiceRLM      Service = "rlm"
	ServiceTemporal Service = "temporal"
)

// DefaultCooldown 服务标记失败后的冷却窗口。
const DefaultCooldown = 30 * time.Second

// Status 进程级的下游可用性标记。任何调用点都可以把服务标失败，
// 冷却窗口内后续请求直接跳过该服务；窗口过后放行一次探测，
// 成功方调 MarkAvailable 清除标记。与端点级熔断器相互独立。
type Status struct {
	mu       sync.RWMutex
	cooldown time.Duration
	failedAt map[Service]time.Time
	failures atomic.Int64
	logger   *zap.Logger

	now func() time.Time
}

// NewStatus 创建状态跟踪器，cooldown<=0 取 DefaultCooldown。
func NewStatus(cooldown time.Duration, logger *zap.Logger) *Status {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Status{
		cooldown: cooldown,
		failedAt: make(map[Service]time.Time),
		logger:   logger.With(zap.String("component", "infra_status")),
		now:      time.Now,
	}
}

// MarkFailed 标记服务失败并累加计数。
func (s *Status) MarkFailed(svc Service) {
	s.mu.Lock()
	s.failedAt[svc] = s.now()
	s.mu.Unlock()
	n := s.failures.Add(1)
	s.logger.Warn("下游服务标记为不可用",
		zap.String("service", string(svc)),
		zap.Duration("cooldown", s.cooldown),
		zap.Int64("total_failures", n))
}

// MarkAvailable 清除服务的失败标记。
func (s *Status) MarkAvailable(svc Service) {
	s.mu.Lock()
	_, wasFailed := s.failedAt[svc]
	delete(s.failedAt, svc)
	s.mu.Unlock()
	if wasFailed {
		s.logger.Info("下游服务恢复可用", zap.String("service", string(svc)))
	}
}

// Available 报告服务当前是否可用。冷却已过返回 true，
// 放调用方去探测；标记仍保留到 MarkAvailable。
func (s *Status) Available(svc Service) bool {
	s.mu.RLock()
	t, failed := s.failedAt[svc]
	s.mu.RUnlock()
	if !failed {
		return true
	}
	return s.now().Sub(t) >= s.cooldown
}

// Failures 返回进程启动以来的累计失败数。
func (s *Status) Failures() int64 {
	return s.failures.Load()
}

// Snapshot 以健康检查的字段名导出三个服务的可用性。
func (s *Status) Snapshot() map[string]bool {
	return map[string]bool{
		"cms_available":      s.Available(ServiceCMS),
		"rlm_available":      s.Available(ServiceRLM),
		"temporal_available": s.Available(ServiceTemporal),
	}
}
