package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/llmgateway/llm"
)

// RegisterBuiltins 注册进程内置工具。
// 这些工具不依赖下游服务，主要用于连通性验证和调试。
func RegisterBuiltins(r *Registry) error {
	if err := r.Register("echo", RegisteredTool{
		Schema: llm.ToolSchema{
			Name:        "echo",
			Description: "Echo the given message back verbatim.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "description": "Text to echo back"}
				},
				"required": ["message"]
			}`),
		},
		Handler: echoHandler,
		Timeout: 5 * time.Second,
	}); err != nil {
		return err
	}

	return r.Register("current_time", RegisteredTool{
		Schema: llm.ToolSchema{
			Name:        "current_time",
			Description: "Return the current UTC time in RFC 3339 format.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		Handler: currentTimeHandler,
		Timeout: 5 * time.Second,
	})
}

func echoHandler(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	return params.Message, nil
}

func currentTimeHandler(ctx context.Context, args json.RawMessage) (any, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}
