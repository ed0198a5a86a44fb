package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/BaSui01/llmgateway/internal/tlsutil"
	"github.com/BaSui01/llmgateway/llm/circuitbreaker"
	"github.com/BaSui01/llmgateway/llm/retry"
)

const (
	// DefaultTimeout 下游调用的统一超时上限。
	DefaultTimeout = 30 * time.Second

	defaultMaxConnections = 100
	defaultMaxKeepalive   = 20
	defaultRetryCount     = 2
)

// Config 下游 HTTP 客户端配置。
type Config struct {
	BaseURL string
	// Timeout 单次请求超时，默认 30s
	Timeout time.Duration
	// MaxConnections 连接池上限
	MaxConnections int
	// MaxKeepalive 每主机保活连接数
	MaxKeepalive int
	// RetryCount 瞬时故障的重试次数（连接错误、5xx、429），
	// 0 取默认值 2，负数关闭重试
	RetryCount int
	// Headers 附加在每个请求上的静态头（认证等）
	Headers map[string]string
}

// HTTPError 下游返回的非 2xx 响应。
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.StatusCode, e.Body)
}

// Response 一次下游调用的原始结果，CMS 协议需要读响应头。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client 下游服务的共享 HTTP 客户端：连接池随进程存活，
// 瞬时故障指数退避重试，trace 上下文随请求头传播。
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	retryer retry.Retryer
	headers map[string]string
	logger  *zap.Logger
}

// NewClient 创建名为 name 的下游客户端。
func NewClient(name string, cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.MaxKeepalive <= 0 {
		cfg.MaxKeepalive = defaultMaxKeepalive
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	} else if cfg.RetryCount == 0 {
		cfg.RetryCount = defaultRetryCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "downstream"), zap.String("service", name))

	tr := tlsutil.SecureTransport()
	tr.MaxIdleConns = cfg.MaxConnections
	tr.MaxConnsPerHost = cfg.MaxConnections
	tr.MaxIdleConnsPerHost = cfg.MaxKeepalive
	// 显式升级 HTTP/2 并开启保活探测，长连接坏掉能及时发现
	if h2, err := http2.ConfigureTransports(tr); err == nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 10 * time.Second
	}

	policy := &retry.RetryPolicy{
		MaxRetries:   cfg.RetryCount,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		RetryIf:      retry.IsRetryableError,
	}

	return &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tr,
		},
		retryer: retry.NewBackoffRetryer(policy, logger),
		headers: cfg.Headers,
		logger:  logger,
	}
}

// Name 返回服务名。
func (c *Client) Name() string {
	return c.name
}

// Do 发起一次下游调用。body 为 nil 时不带请求体；
// []byte 与 json.RawMessage 原样发送，其余类型 JSON 序列化。
// 连接错误、5xx、429 按配置重试，请求体在重试间不变。
func (c *Client) Do(ctx context.Context, method, path string, body any, reqHeaders map[string]string) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.name, err)
	}

	tracer := otel.Tracer("llmgateway/downstream")
	ctx, span := tracer.Start(ctx, c.name+" "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("downstream.service", c.name),
			attribute.String("http.method", method),
		))
	defer span.End()

	resp, err := retry.DoWithResultTyped(c.retryer, ctx, func() (*Response, error) {
		return c.attempt(ctx, method, path, payload, reqHeaders)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, reqHeaders map[string]string) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range reqHeaders {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	httpResp, err := c.http.Do(req)
	if err != nil {
		// 连接层错误视为瞬时
		return nil, retry.WrapRetryable(fmt.Errorf("%s: %w", c.name, err))
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.WrapRetryable(fmt.Errorf("%s: read response: %w", c.name, err))
	}

	if httpResp.StatusCode >= 400 {
		herr := &HTTPError{Service: c.name, StatusCode: httpResp.StatusCode, Body: truncateBody(data)}
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.WrapRetryable(herr)
		}
		return nil, herr
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// PostJSON 发 POST 并把 JSON 响应解码进 out（out 为 nil 时跳过解码），
// 返回响应头供协议头解析。
func (c *Client) PostJSON(ctx context.Context, path string, body, out any, reqHeaders map[string]string) (http.Header, error) {
	resp, err := c.Do(ctx, http.MethodPost, path, body, reqHeaders)
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp.Header, fmt.Errorf("%s: decode response: %w", c.name, err)
		}
	}
	return resp.Header, nil
}

// Backend 把客户端包装成降级链后端：POST 原始负载到 path，返回原始响应体。
func (c *Client) Backend(path string) circuitbreaker.Backend {
	return circuitbreaker.NewFuncBackend(c.name, func(ctx context.Context, payload []byte) ([]byte, error) {
		resp, err := c.Do(ctx, http.MethodPost, path, json.RawMessage(payload), nil)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
}

const maxResponseBytes = 16 << 20

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func truncateBody(data []byte) string {
	const limit = 512
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
