package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/llmgateway/llm"
)

var (
	// ErrToolNotFound 工具未注册
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments 参数未通过 JSON Schema 校验
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrToolRateLimited 工具级限流拒绝
	ErrToolRateLimited = errors.New("tool rate limit exceeded")
)

// Handler 工具处理函数。返回值会被 stringify 后放进 ToolResult.Content：
// string 原样返回，其余类型 JSON 编码。
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// RateLimitConfig 工具级限流：窗口内最多 MaxCalls 次
type RateLimitConfig struct {
	MaxCalls int           `json:"max_calls"`
	Window   time.Duration `json:"window"`
}

// RegisteredTool 注册条目
type RegisteredTool struct {
	Schema    llm.ToolSchema
	Handler   Handler
	Timeout   time.Duration // 执行超时，默认 30s
	RateLimit *RateLimitConfig

	compiled *jsonschema.Schema // 注册时编译，执行路径零编译开销
	limiter  *rate.Limiter
}

// ValidateArgs 校验调用参数。无 Schema 的工具放行任意参数；
// 空参数按空对象处理。
func (t *RegisteredTool) ValidateArgs(args json.RawMessage) error {
	if t.compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidArguments, err)
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// allow 检查工具级限流，未配置限流时恒为 true
func (t *RegisteredTool) allow() bool {
	if t.limiter == nil {
		return true
	}
	return t.limiter.Allow()
}

// Registry 工具注册中心。同名重复注册直接替换。
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*RegisteredTool
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// RegistryOption 注册中心选项
type RegistryOption func(*Registry)

// WithDefaultTimeout 设置未声明执行超时的工具的默认超时
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// NewRegistry 创建工具注册中心
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		tools:          make(map[string]*RegisteredTool),
		defaultTimeout: 30 * time.Second,
		logger:         logger.With(zap.String("component", "tool_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 注册工具。Schema 在此编译，非法 Schema 当场报错，
// 而不是等到第一次调用才失败。
func (r *Registry) Register(name string, tool RegisteredTool) error {
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}

	if tool.Schema.Name == "" {
		tool.Schema.Name = name
	}
	if tool.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", tool.Schema.Name, name)
	}

	if tool.Timeout <= 0 {
		tool.Timeout = r.defaultTimeout
	}

	if len(tool.Schema.Parameters) > 0 {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: compile parameters schema: %w", name, err)
		}
		tool.compiled = compiled
	}

	if tool.RateLimit != nil && tool.RateLimit.MaxCalls > 0 && tool.RateLimit.Window > 0 {
		perSecond := float64(tool.RateLimit.MaxCalls) / tool.RateLimit.Window.Seconds()
		tool.limiter = rate.NewLimiter(rate.Limit(perSecond), tool.RateLimit.MaxCalls)
	}

	r.mu.Lock()
	_, replaced := r.tools[name]
	r.tools[name] = &tool
	r.mu.Unlock()

	r.logger.Info("tool registered",
		zap.String("name", name),
		zap.Duration("timeout", tool.Timeout),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// Unregister 注销工具
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	delete(r.tools, name)

	r.logger.Info("tool unregistered", zap.String("name", name))
	return nil
}

// Get 按名查找
func (r *Registry) Get(name string) (*RegisteredTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

// List 返回全部工具的 Schema，按名称排序保证输出稳定
func (r *Registry) List() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, tool.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Has 报告工具是否已注册
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Size 返回已注册工具数
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
