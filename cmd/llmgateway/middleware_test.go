package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/llm/ratelimit"
	"github.com/BaSui01/llmgateway/types"
)

func jwtTestConfig() config.JWTConfig {
	return config.JWTConfig{Enabled: true, Secret: "test-secret"}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	// SecurityHeaders should be present
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
	// RequestID should also be present
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	handler := RequestID()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesClientProvided(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	handler := RequestID()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-supplied-id")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "client-supplied-id", seen)
	assert.Equal(t, "client-supplied-id", w.Header().Get("X-Request-ID"))
}

func TestRecovery_ReturnsJSONError(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	handler := Recovery(zaptest.NewLogger(t))(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body["detail"])
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
}

func TestChain_AppliesOutermostFirst(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	handler := Chain(inner, tag("first"), tag("second"), tag("third"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "third", "handler"}, order)
}

// =============================================================================
// CORS
// =============================================================================

func TestCORS_AllowedOrigin(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORS([]string{"https://app.example.com"})(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORS_DisallowedOriginGetsNoHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORS([]string{"https://app.example.com"})(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	handler.ServeHTTP(w, r)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
	})

	handler := CORS([]string{"https://app.example.com"})(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	r.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, innerCalled)
}

func TestCORS_EmptyConfigRejectsPreflight(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORS(nil)(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// APIKeyAuth
// =============================================================================

func TestAPIKeyAuth(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := APIKeyAuth([]string{"sk-valid"}, []string{"/health"}, false, zaptest.NewLogger(t))(inner)

	tests := []struct {
		name       string
		path       string
		setup      func(r *http.Request)
		wantStatus int
	}{
		{
			name:       "bearer token accepted",
			path:       "/v1/models",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-valid") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "x-api-key header accepted",
			path:       "/v1/models",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", "sk-valid") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong key rejected",
			path:       "/v1/models",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", "sk-wrong") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing key rejected",
			path:       "/v1/models",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "query param ignored when disabled",
			path:       "/v1/models?api_key=sk-valid",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "skip path bypasses auth",
			path:       "/health",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			tt.setup(r)
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestAPIKeyAuth_QueryParamWhenEnabled(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := APIKeyAuth([]string{"sk-valid"}, nil, true, zaptest.NewLogger(t))(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/stream?api_key=sk-valid", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// RateLimit
// =============================================================================

// limiterFunc 便于在测试里注入限流决策
type limiterFunc func(ctx context.Context, clientKey string) (ratelimit.Decision, error)

func (f limiterFunc) IsAllowed(ctx context.Context, clientKey string) (ratelimit.Decision, error) {
	return f(ctx, clientKey)
}

func TestRateLimit_AllowsUntilBucketEmpty(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, Burst: 2}, zaptest.NewLogger(t))
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, nil, nil, zaptest.NewLogger(t))(inner)

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		r.RemoteAddr = "203.0.113.7:54321"
		handler.ServeHTTP(w, r)
		return w
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Reset"))

	second := do()
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "rate limit exceeded")
	assert.Equal(t, "RATE_LIMITED", body["code"])
}

func TestRateLimit_IsolatesClients(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, Burst: 1}, zaptest.NewLogger(t))
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, nil, nil, zaptest.NewLogger(t))(inner)

	do := func(apiKey string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		r.Header.Set("X-API-Key", apiKey)
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("client-a"))
	assert.Equal(t, http.StatusTooManyRequests, do("client-a"))
	// 另一个客户端有自己的桶
	assert.Equal(t, http.StatusOK, do("client-b"))
}

func TestRateLimit_SkipPaths(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, Burst: 1}, zaptest.NewLogger(t))
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, nil, []string{"/health"}, zaptest.NewLogger(t))(inner)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_FailsOpenOnLimiterError(t *testing.T) {
	limiter := limiterFunc(func(ctx context.Context, clientKey string) (ratelimit.Decision, error) {
		return ratelimit.Decision{}, context.DeadlineExceeded
	})
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, nil, nil, zaptest.NewLogger(t))(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	handler.ServeHTTP(w, r)

	assert.True(t, innerCalled)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_InjectsClientKey(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, Burst: 10}, zaptest.NewLogger(t))
	var gotKey string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, _ = types.ClientKey(r.Context())
	})
	handler := RateLimit(limiter, nil, nil, zaptest.NewLogger(t))(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("X-API-Key", "sk-abc")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "key:sk-abc", gotKey)
}

func TestClientKeyFromRequest_Precedence(t *testing.T) {
	base := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "198.51.100.4:1234"
		return r
	}

	t.Run("tenant wins over everything", func(t *testing.T) {
		r := base()
		r.Header.Set("Authorization", "Bearer sk-raw")
		r = r.WithContext(types.WithTenantID(types.WithUserID(r.Context(), "u1"), "acme"))
		assert.Equal(t, "tenant:acme", clientKeyFromRequest(r))
	})

	t.Run("user id when no tenant", func(t *testing.T) {
		r := base()
		r = r.WithContext(types.WithUserID(r.Context(), "u1"))
		assert.Equal(t, "user:u1", clientKeyFromRequest(r))
	})

	t.Run("bearer token when no identity", func(t *testing.T) {
		r := base()
		r.Header.Set("Authorization", "Bearer sk-raw")
		assert.Equal(t, "key:sk-raw", clientKeyFromRequest(r))
	})

	t.Run("x-api-key fallback", func(t *testing.T) {
		r := base()
		r.Header.Set("X-API-Key", "sk-header")
		assert.Equal(t, "key:sk-header", clientKeyFromRequest(r))
	})

	t.Run("ip as last resort", func(t *testing.T) {
		assert.Equal(t, "ip:198.51.100.4", clientKeyFromRequest(base()))
	})
}

// =============================================================================
// MemoryGuard
// =============================================================================

func TestMemoryGuard_DisabledPassesThrough(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler := MemoryGuard(0, zaptest.NewLogger(t))(inner)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, innerCalled)
}

func TestMemoryGuard_UnderLimitPasses(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// 1 TB，永远不会触发
	handler := MemoryGuard(1<<20, zaptest.NewLogger(t))(inner)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMemoryGuard_ShedsLoadOverLimit(t *testing.T) {
	// 压住 8 MB 存活堆，确保 1 MB 阈值必然超限
	ballast := make([]byte, 8<<20)

	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
	})

	handler := MemoryGuard(1, zaptest.NewLogger(t))(inner)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	runtime.KeepAlive(ballast)

	assert.False(t, innerCalled)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["code"])
}

// =============================================================================
// JWTAuth
// =============================================================================

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuth_ValidTokenInjectsIdentity(t *testing.T) {
	cfg := jwtTestConfig()

	var tenantID, userID string
	var roles []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ = types.TenantID(r.Context())
		userID, _ = types.UserID(r.Context())
		roles, _ = types.Roles(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := JWTAuth(cfg, nil, zaptest.NewLogger(t))(inner)

	token := signHS256(t, cfg.Secret, jwt.MapClaims{
		"tenant_id": "acme",
		"user_id":   "u-42",
		"roles":     []any{"admin", "user"},
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, "u-42", userID)
	assert.Equal(t, []string{"admin", "user"}, roles)
}

func TestJWTAuth_Rejections(t *testing.T) {
	cfg := jwtTestConfig()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := JWTAuth(cfg, []string{"/health"}, zaptest.NewLogger(t))(inner)

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{
			name:       "missing token",
			path:       "/v1/chat/completions",
			token:      "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			path: "/v1/chat/completions",
			token: signHS256(t, "other-secret", jwt.MapClaims{
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "expired token",
			path: "/v1/chat/completions",
			token: signHS256(t, cfg.Secret, jwt.MapClaims{
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "skip path bypasses auth",
			path:       "/health",
			token:      "",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestJWTAuth_IssuerChecked(t *testing.T) {
	cfg := jwtTestConfig()
	cfg.Issuer = "https://auth.example.com"

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := JWTAuth(cfg, nil, zaptest.NewLogger(t))(inner)

	good := signHS256(t, cfg.Secret, jwt.MapClaims{
		"iss": "https://auth.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	bad := signHS256(t, cfg.Secret, jwt.MapClaims{
		"iss": "https://rogue.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	for token, want := range map[string]int{good: http.StatusOK, bad: http.StatusUnauthorized} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(w, r)
		assert.Equal(t, want, w.Code)
	}
}

// =============================================================================
// normalizePath
// =============================================================================

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/chat/completions", "/v1/chat/completions"},
		{"/v1/models", "/v1/models"},
		{"/health/ready", "/health/ready"},
		{"/v1/sessions/9f0c2e81-5a59-4b6e-9d15-26a4f3a6b111", "/v1/sessions/:id"},
		{"/v1/sessions/deadbeefcafe", "/v1/sessions/:id"},
		{"/v1/sessions/12345", "/v1/sessions/:id"},
		{"/v1/sessions/abc", "/v1/sessions/abc"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.path), "path %s", tt.path)
	}
}
