// Package openaicompat provides a shared base implementation for all
// OpenAI-compatible LLM providers.
//
// Providers like OpenAI and DeepSeek share the same API format (OpenAI Chat
// Completions). Instead of duplicating HTTP handling, SSE parsing, message
// conversion, retry, and error mapping in each provider, they embed
// openaicompat.Provider and only override what differs:
//
//   - Provider name, declared models, and default model
//   - Base URL
//   - Custom headers (if any)
//   - Request hooks for provider-specific fields
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	    Models:       []string{"deepseek-chat", "deepseek-reasoner"},
//	}, logger)
package openaicompat
