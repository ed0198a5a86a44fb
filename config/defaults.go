// =============================================================================
// 📦 LLM Gateway 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Env:                  "development",
		DefaultProvider:      "",
		ModelRegistryPath:    "configs/model_registry.yaml",
		ToolsFile:            "",
		Tokenizer:            "estimate",
		MaxToolIterations:    10,
		ToolExecutionTimeout: 30 * time.Second,
		RetryCount:           2,
		CMSEnabled:           false,
		CMSProxyMode:         false,
		Server:               DefaultServerConfig(),
		Log:                  DefaultLogConfig(),
		Redis:                DefaultRedisConfig(),
		Session:              DefaultSessionConfig(),
		RateLimit:            DefaultRateLimitConfig(),
		HTTP:                 DefaultHTTPClientConfig(),
		Circuit:              DefaultCircuitConfig(),
		JWT:                  JWTConfig{},
		Telemetry:            DefaultTelemetryConfig(),
		Providers:            make(map[string]ProviderConfig),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8000,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTLSeconds: 3600,
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RPM:   60,
		Burst: 10,
	}
}

// DefaultHTTPClientConfig 返回默认下游连接池配置
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		MaxConnections: 100,
		MaxKeepalive:   20,
		TimeoutSeconds: 30,
	}
}

// DefaultCircuitConfig 返回默认熔断配置
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMax:      1,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmgateway",
		SampleRate:   0.1,
	}
}
