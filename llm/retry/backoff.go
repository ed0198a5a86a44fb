package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy 描述一次幂等调用的重试策略。
// Provider 适配器用 RetryIf 过滤瞬时错误（连接失败、5xx、429），
// 下游客户端用 RetryableErrors/WrapRetryable 做显式标记。
type RetryPolicy struct {
	// MaxRetries 首次之外的最大重试次数，0 表示不重试。
	MaxRetries int
	// InitialDelay 第一次重试前的等待。
	InitialDelay time.Duration
	// MaxDelay 退避延迟的上限。
	MaxDelay time.Duration
	// Multiplier 指数退避的倍增因子。
	Multiplier float64
	// Jitter 开启 ±25% 随机抖动，错开并发客户端的重试节奏。
	Jitter bool
	// RetryableErrors 可重试错误白名单，为空时看 RetryIf。
	RetryableErrors []error
	// RetryIf 自定义可重试判定，优先于 RetryableErrors。
	RetryIf func(error) bool
	// OnRetry 每次重试前的回调。
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy 适用于大多数上游 LLM 调用：3 次、1s 起步、
// 2 倍退避、30s 封顶、带抖动。
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 统一的重试执行器。
type Retryer interface {
	// Do 执行无返回值的函数，失败时按策略重试。
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行带返回值的函数，失败时按策略重试。
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器。非法的策略字段回落到默认值，
// 保证任何配置下重试行为都是有界的。
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &backoffRetryer{policy: policy, logger: logger}
}

func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 执行 fn，最多 1+MaxRetries 次。不可重试的错误立即
// 返回；等待期间 ctx 取消则中止。
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delayFor(attempt)
			r.logger.Debug("退避重试",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("重试被取消: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.retryable(err) {
			r.logger.Debug("错误不可重试", zap.Error(err))
			return nil, err
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr))
	return nil, fmt.Errorf("重试 %d 次后仍失败: %w", r.policy.MaxRetries, lastErr)
}

// delayFor 计算第 attempt 次重试前的等待：指数退避，封顶 MaxDelay，
// 可选抖动后仍不低于 InitialDelay。
func (r *backoffRetryer) delayFor(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

func (r *backoffRetryer) retryable(err error) bool {
	if err == nil {
		return false
	}
	if r.policy.RetryIf != nil {
		return r.policy.RetryIf(err)
	}
	if len(r.policy.RetryableErrors) == 0 {
		return true
	}
	for _, target := range r.policy.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RetryableError 显式标记为可重试的错误。下游 HTTP 客户端把
// 瞬时失败（连接错误、5xx、带 Retry-After 的 429）包进这一层，
// 重试器据此与调用方语义错误区分开。
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// WrapRetryable 把 err 标记为可重试；nil 原样返回。
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryableError 报告 err 链上是否带有 RetryableError 标记。
func IsRetryableError(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
