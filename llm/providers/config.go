package providers

import "time"

// BaseProviderConfig 所有 Provider 共享的基础配置字段。
// 通过嵌入此结构体，各 Provider 的 Config 自动获得 APIKey、BaseURL、Model、Timeout 四个字段，
// 避免重复定义。
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Models  []string      `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Retries 限定瞬时故障的重试次数。0 使用默认值 3，负数关闭重试。
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// OpenAIConfig OpenAI Provider 配置
type OpenAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Organization       string `json:"organization,omitempty" yaml:"organization,omitempty"`
}

// AnthropicConfig Anthropic Provider 配置
type AnthropicConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Version            string `json:"version,omitempty" yaml:"version,omitempty"` // anthropic-version header
}

// DeepSeekConfig DeepSeek Provider 配置
type DeepSeekConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

// FakeConfig Fake Provider 配置（测试与演练环境）
type FakeConfig struct {
	Latency time.Duration `json:"latency,omitempty" yaml:"latency,omitempty"`
}
