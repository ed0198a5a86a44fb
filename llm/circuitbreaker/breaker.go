package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常放行）
	StateClosed State = iota
	// StateOpen 打开状态（快速失败，不发起 I/O）
	StateOpen
	// StateHalfOpen 半开状态（有限探测）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值，达到后熔断
	FailureThreshold int

	// CallTimeout 单次调用超时，超时计为一次失败
	CallTimeout time.Duration

	// RecoveryTimeout 从 Open 转入 HalfOpen 前的等待时间
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls 半开状态允许的探测数。
	// 全部探测成功才闭合；任何一次失败立即重新打开。
	HalfOpenMaxCalls int

	// IsFailure 判定错误是否计入熔断失败。
	// 为 nil 时任何非 nil 错误都计入。客户端错误（参数、认证类）
	// 不反映后端健康，调用方应通过该谓词排除。
	IsFailure func(error) bool

	// OnStateChange 状态迁移回调，带资源名，用于接告警或指标
	OnStateChange func(resource string, from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		CallTimeout:      30 * time.Second,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Stats 熔断器状态快照
type Stats struct {
	Resource        string    `json:"resource"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Call 执行调用；熔断打开时不触发 fn，直接返回 ErrCircuitOpen
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)

	// Name 返回受保护资源的名称
	Name() string

	// State 获取当前状态
	State() State

	// Stats 返回当前状态快照
	Stats() Stats

	// Reset 手动重置到关闭状态
	Reset()
}

// breaker 熔断器实现。
// 所有状态迁移都在同一把锁内完成，对单个资源串行。
type breaker struct {
	resource string
	config   *Config
	logger   *zap.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCalls     int // 半开状态已放行的探测数
	halfOpenSuccesses int // 半开状态已成功的探测数
}

// New 创建以 resource 命名的熔断器
func New(resource string, config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &breaker{
		resource: resource,
		config:   config,
		logger: logger.With(
			zap.String("component", "circuitbreaker"),
			zap.String("resource", resource),
		),
		state: StateClosed,
	}
}

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult
func (b *breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn(callCtx)
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		// 调用方自己取消（断连、上游超时）不是后端的问题，
		// 不推进状态机；只有熔断器自身的 CallTimeout 才计失败
		if ctx.Err() != nil {
			b.abortCall()
			return nil, fmt.Errorf("call to %s aborted by caller: %w", b.resource, ctx.Err())
		}
		b.afterCall(false)
		return nil, fmt.Errorf("call to %s timed out: %w", b.resource, callCtx.Err())

	case res := <-resultCh:
		success := res.err == nil || !b.isFailure(res.err)
		b.afterCall(success)

		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

func (b *breaker) isFailure(err error) bool {
	if b.config.IsFailure != nil {
		return b.config.IsFailure(err)
	}
	return err != nil
}

// beforeCall 调用前的状态检查与放行决策
func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCalls = 1
			b.halfOpenSuccesses = 0
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// 探测额度用尽时按打开处理
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

// abortCall 撤销一次未分胜负的调用：不计成功也不计失败，
// 半开状态下归还占用的探测额度。
func (b *breaker) abortCall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// afterCall 根据调用结果推进状态机
func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.halfOpenSuccesses++
		// 全部探测成功才闭合
		if b.halfOpenSuccesses >= b.config.HalfOpenMaxCalls {
			b.logger.Info("circuit breaker recovered",
				zap.Int("probes", b.halfOpenSuccesses),
			)
			b.setState(StateClosed)
			b.failureCount = 0
			b.halfOpenCalls = 0
			b.halfOpenSuccesses = 0
		}

	case StateOpen:
		b.logger.Warn("success observed while circuit open")
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 任何一次探测失败立即重新打开
		b.logger.Warn("probe failed in half-open state, reopening",
			zap.Int("probes_admitted", b.halfOpenCalls),
		)
		b.setState(StateOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0

	case StateOpen:
		b.logger.Warn("failure observed while circuit open")
	}
}

// setState 迁移状态并触发回调，调用方必须持有 b.mu
func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	b.logger.Info("circuit breaker state changed",
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.resource, oldState, newState)
	}
}

// Name 实现 CircuitBreaker.Name
func (b *breaker) Name() string { return b.resource }

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 实现 CircuitBreaker.Stats
func (b *breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Resource:        b.resource,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0

	b.logger.Info("circuit breaker reset",
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.resource, oldState, StateClosed)
	}
}

var (
	// ErrCircuitOpen 熔断打开（或半开额度用尽）时快速失败返回
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
