// =============================================================================
// 📦 LLM Gateway 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("LLM_GATEWAY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// 进程启动时加载一次，之后不再变化（无热更新）。
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是网关的完整配置结构。
// 网关自有选项放在顶层（键名与环境变量一一对应，如
// semantic_search_url → LLM_GATEWAY_SEMANTIC_SEARCH_URL），
// 服务器 / 日志 / Redis 等通用块按分组嵌套。
type Config struct {
	// Env 运行环境: development, production
	Env string `yaml:"env" env:"ENV"`

	// DefaultProvider 模型未命中注册表任何条目时兜底的 Provider 名。
	// 为空则未注册模型一律拒绝。
	DefaultProvider string `yaml:"default_provider" env:"DEFAULT_PROVIDER"`

	// ModelRegistryPath 模型注册表 YAML 路径
	ModelRegistryPath string `yaml:"model_registry_path" env:"MODEL_REGISTRY_PATH"`

	// ToolsFile 工具种子文件路径（JSON）。为空则只注册内建工具。
	ToolsFile string `yaml:"tools_file" env:"TOOLS_FILE"`

	// Tokenizer 计数方式: estimate（字符数估算）或 tiktoken
	Tokenizer string `yaml:"tokenizer" env:"TOKENIZER"`

	// MaxToolIterations 单次对话内工具循环的最大轮数
	MaxToolIterations int `yaml:"max_tool_iterations" env:"MAX_TOOL_ITERATIONS"`

	// ToolExecutionTimeout 单个工具执行超时
	ToolExecutionTimeout time.Duration `yaml:"tool_execution_timeout" env:"TOOL_EXECUTION_TIMEOUT"`

	// RetryCount 下游 HTTP 调用的重试次数
	RetryCount int `yaml:"retry_count" env:"RETRY_COUNT"`

	// SemanticSearchURL 语义检索服务地址，为空则不接入
	SemanticSearchURL string `yaml:"semantic_search_url" env:"SEMANTIC_SEARCH_URL"`

	// AIAgentsURL 智能体服务地址，为空则不接入
	AIAgentsURL string `yaml:"ai_agents_url" env:"AI_AGENTS_URL"`

	// CMSURL 上下文管理服务地址
	CMSURL string `yaml:"cms_url" env:"CMS_URL"`

	// CMSEnabled 是否启用 CMS 上下文压缩
	CMSEnabled bool `yaml:"cms_enabled" env:"CMS_ENABLED"`

	// CMSProxyMode 代理模式：压缩结果整体替换请求历史，
	// 关闭时压缩结果作为附加 system 消息注入
	CMSProxyMode bool `yaml:"cms_proxy_mode" env:"CMS_PROXY_MODE"`

	// InferenceServiceURL 自托管推理服务地址（OpenAI 兼容），
	// 非空时自动注册名为 inference 的 Provider
	InferenceServiceURL string `yaml:"inference_service_url" env:"INFERENCE_SERVICE_URL"`

	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Redis 会话存储与响应缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Session 会话配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// RateLimit 令牌桶限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// HTTP 下游 HTTP 连接池配置
	HTTP HTTPClientConfig `yaml:"http" env:"HTTP"`

	// Circuit 熔断器配置
	Circuit CircuitConfig `yaml:"circuit" env:"CIRCUIT"`

	// JWT 认证配置
	JWT JWTConfig `yaml:"jwt" env:"JWT"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Providers 各 Provider 的接入配置，键为 Provider 名。
	// API Key 也可经 LLM_GATEWAY_<NAME>_API_KEY 注入；
	// 未配置 Key 的 Provider 视为未加载。
	Providers map[string]ProviderConfig `yaml:"providers" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口（Prometheus 独立端口）
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时。流式响应经此超时截断，需显著大于最长生成时间。
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORS 允许的来源，空表示拒绝跨域
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// APIKeys 静态 API Key 列表（X-API-Key 头），空表示不启用
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// MemoryLimitMB 堆内存阈值（MB），超过后新请求以 503 拒绝。0 表示不设限。
	MemoryLimitMB int `yaml:"memory_limit_mb" env:"MEMORY_LIMIT_MB"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址。为空表示整体不接 Redis：会话接口返回存储不可用，缓存退化为纯内存。
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	// TTLSeconds 会话存活秒数，写入时同步为 Redis TTL
	TTLSeconds int `yaml:"ttl_seconds" env:"TTL_SECONDS"`
}

// TTL 返回会话存活时长
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// RateLimitConfig 令牌桶限流配置
type RateLimitConfig struct {
	// RPM 每分钟补充的令牌数。<= 0 关闭限流。
	RPM int `yaml:"rpm" env:"RPM"`
	// Burst 桶容量。<= 0 时取 RPM。
	Burst int `yaml:"burst" env:"BURST"`
}

// HTTPClientConfig 下游 HTTP 连接池配置
type HTTPClientConfig struct {
	// MaxConnections 单 host 最大连接数
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// MaxKeepalive 单 host 最大空闲连接数
	MaxKeepalive int `yaml:"max_keepalive" env:"MAX_KEEPALIVE"`
	// TimeoutSeconds 单次请求超时秒数
	TimeoutSeconds int `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// Timeout 返回单次请求超时时长
func (h HTTPClientConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// CircuitConfig 熔断器配置
type CircuitConfig struct {
	// FailureThreshold 连续失败多少次后熔断
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// RecoveryTimeout 熔断后多久进入半开探测
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// HalfOpenMax 半开状态下允许的探测请求数
	HalfOpenMax int `yaml:"half_open_max" env:"HALF_OPEN_MAX"`
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	// 是否启用。关闭时请求不做身份校验，限流按 IP 分桶。
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// HS256 共享密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// RS256 公钥（PEM 文本）
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	// 期望的签发者，为空不校验
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 期望的受众，为空不校验
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// ProviderConfig 单个 Provider 的接入配置。
// 与注册表工厂的 ProviderSettings 字段一一对应。
type ProviderConfig struct {
	// API Key。内建 Provider 缺 Key 即跳过加载（fake 除外）。
	APIKey string `yaml:"api_key"`
	// BaseURL 服务地址。非内建名称按 OpenAI 兼容服务接入，必填。
	BaseURL string `yaml:"base_url"`
	// Model 默认模型
	Model string `yaml:"model"`
	// Models 声明支持的模型列表
	Models []string `yaml:"models"`
	// Timeout 请求超时
	Timeout time.Duration `yaml:"timeout"`
	// Retries 重试次数
	Retries int `yaml:"retries"`
	// Extra Provider 特有字段（organization、version、endpoint_path 等）
	Extra map[string]any `yaml:"extra"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "LLM_GATEWAY",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置。未知键忽略。
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(root.Content) == 0 {
		// 空文件，使用默认值
		return nil
	}

	normalizeDurations(&root)

	if err := root.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// durationKeys 值为 Go 时长字符串（"30s"、"5m"）的配置键。
// yaml.v3 只能把整数纳秒解码进 time.Duration，
// 这些键的字符串标量在解码前被改写为纳秒整数。
var durationKeys = map[string]struct{}{
	"tool_execution_timeout": {},
	"read_timeout":           {},
	"write_timeout":          {},
	"shutdown_timeout":       {},
	"recovery_timeout":       {},
	"timeout":                {},
}

// normalizeDurations 遍历 YAML 节点树，把时长键下的字符串标量
// 改写为等值的纳秒整数。无法解析的字符串保持原样，
// 让后续解码报出带键名的类型错误。
func normalizeDurations(node *yaml.Node) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			normalizeDurations(child)
		}
	case yaml.MappingNode:
		// Content 是 key, value 交替排列
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if _, ok := durationKeys[key.Value]; ok &&
				value.Kind == yaml.ScalarNode && value.Tag == "!!str" {
				if d, err := time.ParseDuration(value.Value); err == nil {
					value.Tag = "!!int"
					value.Value = strconv.FormatInt(int64(d), 10)
					continue
				}
			}
			normalizeDurations(value)
		}
	}
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return err
	}
	l.applyProviderEnv(cfg)
	return nil
}

// wellKnownProviders 是即使 YAML 未声明，也会响应
// LLM_GATEWAY_<NAME>_API_KEY 注入的 Provider 名单。
var wellKnownProviders = []string{"openai", "anthropic", "deepseek"}

// applyProviderEnv 处理 Provider 的环境变量注入：
// LLM_GATEWAY_<NAME>_API_KEY 与 LLM_GATEWAY_<NAME>_BASE_URL。
// 结构体反射无法覆盖 map，单独处理。
func (l *Loader) applyProviderEnv(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	names := make(map[string]struct{}, len(cfg.Providers)+len(wellKnownProviders))
	for name := range cfg.Providers {
		names[name] = struct{}{}
	}
	for _, name := range wellKnownProviders {
		names[name] = struct{}{}
	}

	for name := range names {
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		pc := cfg.Providers[name]
		changed := false

		if v := os.Getenv(l.envPrefix + "_" + envName + "_API_KEY"); v != "" {
			pc.APIKey = v
			changed = true
		}
		if v := os.Getenv(l.envPrefix + "_" + envName + "_BASE_URL"); v != "" {
			pc.BaseURL = v
			changed = true
		}

		if changed {
			cfg.Providers[name] = pc
		}
	}
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// IsProduction 返回是否运行在生产环境
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort != 0 && (c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535) {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}

	// 验证会话与工具循环配置
	if c.Session.TTLSeconds <= 0 {
		errs = append(errs, "session ttl_seconds must be positive")
	}
	if c.MaxToolIterations <= 0 {
		errs = append(errs, "max_tool_iterations must be positive")
	}
	if c.ToolExecutionTimeout <= 0 {
		errs = append(errs, "tool_execution_timeout must be positive")
	}

	// 验证限流配置（RPM <= 0 表示关闭，合法）
	if c.RateLimit.RPM > 0 && c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit burst must not be negative")
	}

	// 验证熔断配置
	if c.Circuit.FailureThreshold <= 0 {
		errs = append(errs, "circuit failure_threshold must be positive")
	}
	if c.Circuit.RecoveryTimeout <= 0 {
		errs = append(errs, "circuit recovery_timeout must be positive")
	}
	if c.Circuit.HalfOpenMax <= 0 {
		errs = append(errs, "circuit half_open_max must be positive")
	}

	// 验证 CMS 配置
	if c.CMSEnabled && c.CMSURL == "" {
		errs = append(errs, "cms_url required when cms_enabled")
	}

	// 验证 JWT 配置
	if c.JWT.Enabled && c.JWT.Secret == "" && c.JWT.PublicKey == "" {
		errs = append(errs, "jwt requires secret or public_key when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
