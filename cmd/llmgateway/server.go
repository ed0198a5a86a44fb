package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api/handlers"
	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/downstream"
	"github.com/BaSui01/llmgateway/internal/metrics"
	"github.com/BaSui01/llmgateway/internal/server"
	"github.com/BaSui01/llmgateway/internal/telemetry"
	"github.com/BaSui01/llmgateway/llm/cache"
	"github.com/BaSui01/llmgateway/llm/circuitbreaker"
	llmctx "github.com/BaSui01/llmgateway/llm/context"
	"github.com/BaSui01/llmgateway/llm/orchestrator"
	"github.com/BaSui01/llmgateway/llm/ratelimit"
	"github.com/BaSui01/llmgateway/llm/router"
	"github.com/BaSui01/llmgateway/llm/tools"
	"github.com/BaSui01/llmgateway/session"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 LLM Gateway 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标与遥测
	metricsCollector *metrics.Collector
	otelProviders    *telemetry.Providers

	// 基础设施
	redisClient *redis.Client
	sessions    *session.Manager
	infraStatus *downstream.Status

	// 下游服务客户端
	semanticClient *downstream.SemanticClient
	agentsClient   *downstream.AgentsClient
	cmsClient      *downstream.CMSClient

	// LLM 核心
	llmRouter      *router.Router
	providerHealth *router.HealthChecker
	orc            *orchestrator.Orchestrator
	toolRegistry   *tools.Registry
	toolExecutor   *tools.Executor
	toolChain      *circuitbreaker.Chain
	agentsBreaker  circuitbreaker.CircuitBreaker
	responseCache  *cache.ResponseCache

	// Handlers
	healthHandler  *handlers.HealthHandler
	chatHandler    *handlers.ChatHandler
	sessionHandler *handlers.SessionHandler
	modelsHandler  *handlers.ModelsHandler
	toolsHandler   *handlers.ToolsHandler
	wsHandler      *handlers.WSHandler

	// Rate limiter 生命周期管理
	rateLimiter       *ratelimit.TokenBucketLimiter
	rateLimiterCancel context.CancelFunc

	// Provider 健康检查生命周期管理
	providerHealthCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("llmgateway", s.logger)

	// 2. 初始化核心组件
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 3. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("sessions_enabled", s.sessions != nil),
		zap.Bool("cms_enabled", s.cmsClient != nil),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initComponents 按依赖顺序装配核心组件：
// Redis → 会话 → 模型注册表 → Provider 路由 → 下游客户端 → 降级链 → 工具 → 编排器
func (s *Server) initComponents() error {
	// Redis 连接（可选）。未配置时会话接口返回存储不可用，
	// 响应缓存退化为纯内存模式。
	if s.cfg.Redis.Addr != "" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})

		store := instrumentStore(session.NewRedisStore(s.redisClient, s.logger), s.metricsCollector)
		s.sessions = session.NewManager(store, s.cfg.Session.TTL(), s.logger)
		s.logger.Info("Session store initialized",
			zap.String("redis_addr", s.cfg.Redis.Addr),
			zap.Duration("session_ttl", s.cfg.Session.TTL()))
	} else {
		s.logger.Warn("Redis not configured, sessions disabled and response cache is memory-only")
	}

	// 模型注册表。加载失败降级为空表：显式声明过 Provider 的模型
	// 仍可路由，只是失去注册表里的路由规则。
	reg := router.EmptyRegistry()
	if s.cfg.ModelRegistryPath != "" {
		loaded, err := router.LoadRegistry(s.cfg.ModelRegistryPath)
		if err != nil {
			s.logger.Warn("Model registry not loaded, falling back to empty registry",
				zap.String("path", s.cfg.ModelRegistryPath),
				zap.Error(err))
		} else {
			reg = loaded
		}
	}
	if s.cfg.DefaultProvider != "" && reg.RoutingDefault == nil {
		reg.RoutingDefault = &s.cfg.DefaultProvider
	}

	// Provider 装配与路由
	providers := router.BuildProviders(s.providerSettings(), s.logger)
	if len(providers) == 0 {
		s.logger.Warn("No LLM providers loaded, chat requests will be rejected")
	}
	providers = instrumentProviders(providers, s.metricsCollector)
	s.llmRouter = router.New(reg, providers, s.logger)

	// 周期性 Provider 探活，健康端点读缓存快照而不打穿上游
	s.providerHealth = router.NewHealthChecker(s.llmRouter, 30*time.Second, 10*time.Second, s.logger)
	healthCtx, healthCancel := context.WithCancel(context.Background())
	s.providerHealthCancel = healthCancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.providerHealth.Start(healthCtx)
	}()

	// 下游基础设施状态（供健康检查与编排器感知降级）
	s.infraStatus = downstream.NewStatus(downstream.DefaultCooldown, s.logger)

	// 下游服务客户端共享一套连接池参数
	downstreamCfg := downstream.Config{
		Timeout:        s.cfg.HTTP.Timeout(),
		MaxConnections: s.cfg.HTTP.MaxConnections,
		MaxKeepalive:   s.cfg.HTTP.MaxKeepalive,
		RetryCount:     s.cfg.RetryCount,
	}
	if s.cfg.SemanticSearchURL != "" {
		cfg := downstreamCfg
		cfg.BaseURL = s.cfg.SemanticSearchURL
		s.semanticClient = downstream.NewSemantic(cfg, s.logger)
	}
	if s.cfg.AIAgentsURL != "" {
		cfg := downstreamCfg
		cfg.BaseURL = s.cfg.AIAgentsURL
		s.agentsClient = downstream.NewAgents(cfg, s.logger)
	}
	if s.cfg.CMSEnabled && s.cfg.CMSURL != "" {
		cfg := downstreamCfg
		cfg.BaseURL = s.cfg.CMSURL
		s.cmsClient = downstream.NewCMS(cfg, s.logger)
	}

	// 响应缓存，nil Redis 时只走内存层
	s.responseCache = cache.New(s.redisClient, cache.DefaultConfig(), s.logger)

	// 检索类工具的降级链：语义检索 → 智能体编排 → 本地缓存。
	// 每个后端独立熔断，任一成功的结果回种缓存终端。
	chainCfg := &circuitbreaker.ChainConfig{
		BreakerConfig: &circuitbreaker.Config{
			FailureThreshold: s.cfg.Circuit.FailureThreshold,
			RecoveryTimeout:  s.cfg.Circuit.RecoveryTimeout,
			HalfOpenMaxCalls: s.cfg.Circuit.HalfOpenMax,
			OnStateChange: func(resource string, from, to circuitbreaker.State) {
				s.metricsCollector.RecordCircuitTransition(resource, from.String(), to.String())
			},
		},
		SeedCache: s.responseCache,
		OnAttempt: s.metricsCollector.RecordFallbackAttempt,
		OnSuccess: s.metricsCollector.RecordFallbackSuccess,
	}
	chain := circuitbreaker.NewChain("tool_backends", chainCfg, s.logger)
	if s.semanticClient != nil {
		chain.Use(s.semanticClient.Backend())
	}
	if s.agentsClient != nil {
		chain.Use(s.agentsClient.Backend())
	}
	chain.UseCache("local_cache", &countingCache{
		inner:     s.responseCache,
		collector: s.metricsCollector,
		cacheType: "fallback",
	})
	s.toolChain = chain

	// 智能体代理工具直连下游（执行有副作用，不能走缓存终端的降级链），
	// 但同样挂熔断。4xx 是调用方问题，不计入失败。
	if s.agentsClient != nil {
		s.agentsBreaker = circuitbreaker.New("downstream/ai_agents", &circuitbreaker.Config{
			FailureThreshold: s.cfg.Circuit.FailureThreshold,
			RecoveryTimeout:  s.cfg.Circuit.RecoveryTimeout,
			HalfOpenMaxCalls: s.cfg.Circuit.HalfOpenMax,
			// 执行器按工具声明的超时截断调用，这里只兜底
			CallTimeout: 2 * time.Minute,
			IsFailure: func(err error) bool {
				var herr *downstream.HTTPError
				if errors.As(err, &herr) {
					return herr.StatusCode >= 500 || herr.StatusCode == http.StatusTooManyRequests
				}
				return true
			},
			OnStateChange: func(resource string, from, to circuitbreaker.State) {
				s.metricsCollector.RecordCircuitTransition(resource, from.String(), to.String())
			},
		}, s.logger)
	}

	// 工具注册表与执行器
	s.toolRegistry = tools.NewRegistry(s.logger, tools.WithDefaultTimeout(s.cfg.ToolExecutionTimeout))
	if err := tools.RegisterBuiltins(s.toolRegistry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	if s.cfg.ToolsFile != "" {
		n, err := tools.LoadFile(s.cfg.ToolsFile, s.toolBinder(), s.toolRegistry, s.logger)
		if err != nil {
			s.logger.Warn("Tool seed file not loaded",
				zap.String("path", s.cfg.ToolsFile),
				zap.Error(err))
		} else {
			s.logger.Info("Seed tools registered", zap.Int("count", n))
		}
	}
	s.toolExecutor = tools.NewExecutor(s.toolRegistry, s.logger,
		tools.WithObserver(func(tool string, isError bool, duration time.Duration) {
			status := "ok"
			if isError {
				status = "error"
			}
			s.metricsCollector.RecordToolExecution(tool, status, duration)
		}))

	// 对话编排器
	opts := []orchestrator.Option{
		orchestrator.WithLogger(s.logger),
		orchestrator.WithTools(s.toolExecutor),
		orchestrator.WithInfraStatus(s.infraStatus),
		orchestrator.WithMaxToolIterations(s.cfg.MaxToolIterations),
	}
	if s.sessions != nil {
		opts = append(opts, orchestrator.WithSessions(s.sessions))
	}
	if s.cmsClient != nil {
		opts = append(opts,
			orchestrator.WithCMS(s.cmsClient),
			orchestrator.WithCMSProxyMode(s.cfg.CMSProxyMode))
	}
	if s.cfg.Tokenizer == "tiktoken" {
		opts = append(opts, orchestrator.WithTokenizer(llmctx.NewTiktokenCounter("gpt-4o")))
	}
	s.orc = orchestrator.New(s.llmRouter, opts...)

	return nil
}

// providerSettings 把配置里的 Provider 声明转换为工厂入参。
func (s *Server) providerSettings() map[string]router.ProviderSettings {
	settings := make(map[string]router.ProviderSettings, len(s.cfg.Providers)+1)
	for name, pc := range s.cfg.Providers {
		settings[name] = router.ProviderSettings{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Models:  pc.Models,
			Timeout: pc.Timeout,
			Retries: pc.Retries,
			Extra:   pc.Extra,
		}
	}

	// 自托管推理服务按 OpenAI 兼容协议自动注册。
	// 这类服务不校验 Key，占位值用于通过工厂的非空检查。
	if url := s.cfg.InferenceServiceURL; url != "" {
		if _, declared := settings["inference"]; !declared {
			settings["inference"] = router.ProviderSettings{
				APIKey:  "local",
				BaseURL: url,
			}
		}
	}
	return settings
}

// toolBinder 把种子文件声明的代理工具绑定到下游服务。
// semantic_search 走降级链，ai_agents 直连智能体服务。
func (s *Server) toolBinder() tools.Binder {
	return func(t tools.FileTool) (tools.Handler, error) {
		switch t.Service {
		case "semantic_search":
			return s.chainToolHandler(), nil
		case "ai_agents":
			if s.agentsClient == nil {
				return nil, fmt.Errorf("tool %s: ai_agents service not configured", t.Name)
			}
			return s.agentsToolHandler(), nil
		case "":
			return nil, fmt.Errorf("tool %s: no service declared", t.Name)
		default:
			return nil, fmt.Errorf("tool %s: unknown service %q", t.Name, t.Service)
		}
	}
}

// agentsToolHandler 把智能体代理调用包进下游熔断器。
func (s *Server) agentsToolHandler() tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		result, err := circuitbreaker.CallWithResultTyped(s.agentsBreaker, ctx,
			func(ctx context.Context) (any, error) {
				return s.agentsClient.ToolHandler(ctx, args)
			})
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				return nil, types.NewCircuitOpenError("ai_agents").WithCause(err)
			}
			return nil, err
		}
		return result, nil
	}
}

// chainToolHandler 经由降级链执行检索类工具调用。
// 链返回的负载若不是合法 JSON，原样作为文本返回给模型。
// 熔断/降级类错误翻译成网关错误码，避免把链的聚合错误串倒给模型。
func (s *Server) chainToolHandler() tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		payload, err := s.toolChain.Invoke(ctx, args)
		if err != nil {
			switch {
			case errors.Is(err, circuitbreaker.ErrFallbackExhausted):
				return nil, types.NewFallbackExhaustedError("semantic_search").WithCause(err)
			case errors.Is(err, circuitbreaker.ErrCircuitOpen):
				return nil, types.NewCircuitOpenError("semantic_search").WithCause(err)
			}
			return nil, err
		}
		var result any
		if err := json.Unmarshal(payload, &result); err != nil {
			return string(payload), nil
		}
		return result, nil
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() error {
	// 健康检查 handler，就绪探针会并发跑注册的检查项
	s.healthHandler = handlers.NewHealthHandler(Version, s.llmRouter, s.infraStatus, s.logger)
	if s.sessions != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("session_store", s.sessions.Ping))
	}
	// 至少一个 Provider 探活通过才算就绪
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("providers", func(ctx context.Context) error {
		providers := s.llmRouter.Providers()
		if len(providers) == 0 {
			return fmt.Errorf("no providers loaded")
		}
		for name := range providers {
			if s.providerHealth.Healthy(name) {
				return nil
			}
		}
		return fmt.Errorf("all providers unhealthy")
	}))

	s.chatHandler = handlers.NewChatHandler(s.orc, s.logger)
	s.modelsHandler = handlers.NewModelsHandler(s.llmRouter, s.logger)
	s.toolsHandler = handlers.NewToolsHandler(s.toolRegistry, s.toolExecutor, s.logger)
	s.wsHandler = handlers.NewWSHandler(s.orc, s.logger)
	if s.sessions != nil {
		s.sessionHandler = handlers.NewSessionHandler(s.sessions, s.logger)
	}

	s.logger.Info("Handlers initialized")
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /health/ready", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// OpenAI 兼容 API
	// ========================================
	mux.HandleFunc("POST /v1/chat/completions", s.chatHandler.HandleChatCompletions)
	mux.HandleFunc("GET /v1/chat/stream", s.wsHandler.HandleChat)
	mux.HandleFunc("GET /v1/models", s.modelsHandler.HandleList)

	// ========================================
	// 工具 API
	// ========================================
	mux.HandleFunc("GET /v1/tools", s.toolsHandler.HandleList)
	mux.HandleFunc("POST /v1/tools/execute", s.toolsHandler.HandleExecute)

	// ========================================
	// 会话 API。未配置 Redis 时路由仍注册，
	// 统一返回 503 让调用方区分"功能未开"与"路径不存在"。
	// ========================================
	if s.sessionHandler != nil {
		mux.HandleFunc("POST /v1/sessions", s.sessionHandler.HandleCreate)
		mux.HandleFunc("GET /v1/sessions/{id}", s.sessionHandler.HandleGet)
		mux.HandleFunc("DELETE /v1/sessions/{id}", s.sessionHandler.HandleDelete)
	} else {
		mux.HandleFunc("/v1/sessions", s.handleSessionsUnavailable)
		mux.HandleFunc("/v1/sessions/{id}", s.handleSessionsUnavailable)
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/health/ready", "/version", "/metrics"}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		MemoryGuard(s.cfg.Server.MemoryLimitMB, s.logger),
	}
	switch {
	case s.cfg.JWT.Enabled:
		middlewares = append(middlewares, JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger))
	case len(s.cfg.Server.APIKeys) > 0:
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, false, s.logger))
	}
	if s.cfg.RateLimit.RPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimit.RPM,
			Burst:             s.cfg.RateLimit.Burst,
		}, s.logger)

		janitorCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rateLimiter.StartJanitor(janitorCtx)
		}()

		middlewares = append(middlewares, RateLimit(s.rateLimiter, s.metricsCollector, skipAuthPaths, s.logger))
	}

	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// handleSessionsUnavailable 占住未启用的会话路由
func (s *Server) handleSessionsUnavailable(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, session.ErrStoreUnavailable, s.logger)
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止后台 goroutine（限流清理、Provider 探活）
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.providerHealthCancel != nil {
		s.providerHealthCancel()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Redis 连接
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}

	// 4. 关闭遥测导出器
	if s.otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.otelProviders.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	// 5. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
