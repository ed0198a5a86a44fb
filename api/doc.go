// Package api defines the OpenAI-compatible wire types of the gateway HTTP
// surface and their conversions to the internal llm types.
//
// # API Overview
//
// The gateway exposes a RESTful API for:
//   - Chat completions with multi-provider routing (blocking and SSE streaming)
//   - Session lifecycle (create, fetch, delete)
//   - Model and tool discovery, direct tool execution
//   - Health monitoring and metrics
//
// # Wire compatibility
//
// Request and response envelopes follow the OpenAI chat-completion dialect:
// tool calls nest a function object whose arguments field is a JSON-encoded
// string, stop accepts a string or an array, tool_choice accepts a string or
// an object. Conversions flatten these into the internal llm representation
// at the handler boundary; nothing beyond the api package sees wire shapes.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8000
//
// All business endpoints live under the /v1 prefix; /health, /health/ready
// and /metrics sit at the root.
package api
