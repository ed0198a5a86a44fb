package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

// FileTool 工具定义文件中的一条记录。
// Service 指向下游服务名，由 Binder 解析成实际的代理处理函数。
type FileTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Service     string          `json:"service,omitempty"`
	Timeout     string          `json:"timeout,omitempty"`
	RateLimit   *FileRateLimit  `json:"rate_limit,omitempty"`
}

// FileRateLimit 文件中的限流声明，窗口为时长字符串（如 "1m"）
type FileRateLimit struct {
	MaxCalls int    `json:"max_calls"`
	Window   string `json:"window"`
}

// SeedFile 工具定义文件
type SeedFile struct {
	Tools []FileTool `json:"tools"`
}

// Binder 把文件声明的工具绑定到可执行的处理函数。
// 代理类工具的 Binder 通常返回对下游客户端的调用闭包，
// 该客户端自带熔断保护。
type Binder func(tool FileTool) (Handler, error)

// LoadFile 从 JSON 文件加载工具定义并注册。
// 单个工具绑定或注册失败只告警跳过，不拖垮其余工具；
// 返回成功注册的数量。
func LoadFile(path string, bind Binder, registry *Registry, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tools file: %w", err)
	}

	var file SeedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse tools file %s: %w", path, err)
	}

	loaded := 0
	for _, ft := range file.Tools {
		handler, err := bind(ft)
		if err != nil {
			logger.Warn("skipping tool: bind failed",
				zap.String("name", ft.Name),
				zap.String("service", ft.Service),
				zap.Error(err),
			)
			continue
		}

		tool := RegisteredTool{
			Schema: llm.ToolSchema{
				Name:        ft.Name,
				Description: ft.Description,
				Parameters:  ft.Parameters,
			},
			Handler: handler,
		}

		if ft.Timeout != "" {
			timeout, err := time.ParseDuration(ft.Timeout)
			if err != nil {
				logger.Warn("skipping tool: invalid timeout",
					zap.String("name", ft.Name),
					zap.String("timeout", ft.Timeout),
				)
				continue
			}
			tool.Timeout = timeout
		}

		if ft.RateLimit != nil {
			window, err := time.ParseDuration(ft.RateLimit.Window)
			if err != nil {
				logger.Warn("skipping tool: invalid rate limit window",
					zap.String("name", ft.Name),
					zap.String("window", ft.RateLimit.Window),
				)
				continue
			}
			tool.RateLimit = &RateLimitConfig{
				MaxCalls: ft.RateLimit.MaxCalls,
				Window:   window,
			}
		}

		if err := registry.Register(ft.Name, tool); err != nil {
			logger.Warn("skipping tool: register failed",
				zap.String("name", ft.Name),
				zap.Error(err),
			)
			continue
		}
		loaded++
	}

	logger.Info("tools loaded from file",
		zap.String("path", path),
		zap.Int("loaded", loaded),
		zap.Int("declared", len(file.Tools)),
	)
	return loaded, nil
}
