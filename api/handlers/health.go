package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/llmgateway/downstream"
	"github.com/BaSui01/llmgateway/llm/router"
)

// readyProbeTimeout 就绪探针的总时限，覆盖所有检查。
const readyProbeTimeout = 5 * time.Second

// =============================================================================
// 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器。存活探针恒 200，
// 就绪探针跑注册的连通性检查，任一失败即 503。
type HealthHandler struct {
	logger  *zap.Logger
	version string
	router  *router.Router
	infra   *downstream.Status

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthCheck 可插拔就绪检查接口。
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应。
type HealthStatus struct {
	Status    string    `json:"status"` // healthy / unhealthy
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	// 已加载的 Provider 名
	Providers []string `json:"providers,omitempty"`
	// 下游基础设施可用性快照
	Infrastructure map[string]bool        `json:"infrastructure,omitempty"`
	Checks         map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个就绪检查结果。
type CheckResult struct {
	Status  string `json:"status"` // pass / fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器。router 与 infra 可为 nil。
func NewHealthHandler(version string, rt *router.Router, infra *downstream.Status, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("handler", "health")),
		version: version,
		router:  rt,
		infra:   infra,
		checks:  make([]HealthCheck, 0),
	}
}

// RegisterCheck 注册一个就绪检查。
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 处理 /health 存活探针。只要进程在跑就是 healthy，
// 不做任何 I/O。
// @Summary 存活探针
// @Description 返回进程状态、已加载 Provider 与下游可用性快照
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务存活"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
	}
	if h.router != nil {
		names := make([]string, 0)
		for name := range h.router.Providers() {
			names = append(names, name)
		}
		sort.Strings(names)
		status.Providers = names
	}
	if h.infra != nil {
		status.Infrastructure = h.infra.Snapshot()
	}

	WriteJSON(w, http.StatusOK, status)
}

// HandleReady 处理 /health/ready 就绪探针。
// 所有注册的检查并发执行，共享一个时限。
// @Summary 就绪探针
// @Description 检查会话存储等依赖的连通性
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "可以接流量"
// @Failure 503 {object} HealthStatus "依赖未就绪"
// @Router /health/ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	// 检查相互独立，并发执行；失败不中断其余检查
	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.Check(ctx)
			latency := time.Since(start)

			result := CheckResult{Status: "pass", Latency: latency.String()}
			if err != nil {
				result.Status = "fail"
				result.Message = err.Error()
				h.logger.Warn("就绪检查失败",
					zap.String("check", check.Name()),
					zap.Duration("latency", latency),
					zap.Error(err),
				)
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	httpStatus := http.StatusOK
	for i, check := range checks {
		status.Checks[check.Name()] = results[i]
		if results[i].Status == "fail" {
			status.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	WriteJSON(w, httpStatus, status)
}

// HandleVersion 处理 /version 请求。
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 内置就绪检查实现
// =============================================================================

// PingCheck 把一个 ping 函数适配成 HealthCheck，
// 会话存储、Redis 等连通性探测都用它包装。
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建基于 ping 函数的就绪检查。
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// Name 返回检查名。
func (c *PingCheck) Name() string { return c.name }

// Check 执行 ping。
func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }
