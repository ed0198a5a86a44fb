package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fastPolicy 毫秒级延迟的测试策略，关闭抖动保证断言确定。
func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestBackoffRetryer_FirstCallSucceeds(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffRetryer_RetriesUntilSuccess(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffRetryer_ExhaustsBudget(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("persistent")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试 2 次后仍失败")
	assert.Equal(t, 3, calls, "初始 1 次 + 2 次重试")
}

func TestBackoffRetryer_ContextCanceledDuringWait(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 100 * time.Millisecond
	policy.MaxDelay = time.Second
	r := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return errors.New("always")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试被取消")
	assert.GreaterOrEqual(t, calls, 1)
}

func TestBackoffRetryer_RetryableErrorsWhitelist(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	policy := fastPolicy(3)
	policy.RetryableErrors = []error{transient}
	r := NewBackoffRetryer(policy, zap.NewNop())

	t.Run("whitelisted error retries", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("other error returns immediately", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func() error {
			calls++
			return fatal
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestBackoffRetryer_RetryIfPredicate(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	policy := fastPolicy(3)
	policy.RetryIf = func(err error) bool { return errors.Is(err, transient) }
	r := NewBackoffRetryer(policy, zap.NewNop())

	t.Run("predicate allows retry", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func() error {
			calls++
			if calls < 2 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("predicate blocks retry", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func() error {
			calls++
			return fatal
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestBackoffRetryer_DelayGrowsExponentially(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 100 * time.Millisecond
	policy.MaxDelay = time.Second
	r := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)

	want := []time.Duration{
		100 * time.Millisecond, // attempt 1: 初始延迟
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // attempt 5: 封顶
	}
	for i, expected := range want {
		assert.Equal(t, expected, r.delayFor(i+1), "attempt %d", i+1)
	}
}

func TestBackoffRetryer_JitterStaysBounded(t *testing.T) {
	policy := fastPolicy(3)
	policy.InitialDelay = 100 * time.Millisecond
	policy.MaxDelay = time.Second
	policy.Jitter = true
	r := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)

	for i := 0; i < 100; i++ {
		d := r.delayFor(2) // 无抖动时 200ms，±25%
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	var (
		callbacks   int
		lastAttempt int
		lastErr     error
		lastDelay   time.Duration
	)

	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		callbacks++
		lastAttempt = attempt
		lastErr = err
		lastDelay = delay
	}
	r := NewBackoffRetryer(policy, zap.NewNop())

	boom := errors.New("boom")
	calls := 0
	_ = r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	})

	assert.Equal(t, 2, callbacks)
	assert.Equal(t, 2, lastAttempt)
	assert.Equal(t, boom, lastErr)
	assert.Greater(t, lastDelay, time.Duration(0))
}

func TestNewBackoffRetryer_SanitizesPolicy(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{
		MaxRetries:   -1,
		InitialDelay: -time.Second,
		Multiplier:   0.5,
	}, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 0, r.policy.MaxRetries)
	assert.Equal(t, time.Second, r.policy.InitialDelay)
	assert.Equal(t, 30*time.Second, r.policy.MaxDelay)
	assert.Equal(t, 2.0, r.policy.Multiplier)
}

func TestWrapRetryable(t *testing.T) {
	err := errors.New("test error")
	wrapped := WrapRetryable(err)

	assert.True(t, IsRetryableError(wrapped))
	assert.False(t, IsRetryableError(err))
	assert.ErrorIs(t, wrapped, err)
	assert.Nil(t, WrapRetryable(nil))
}

func TestDoWithResultTyped(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())
		val, err := DoWithResultTyped[int](r, context.Background(), func() (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, val)
	})

	t.Run("error returns zero value", func(t *testing.T) {
		r := NewBackoffRetryer(fastPolicy(0), zap.NewNop())
		val, err := DoWithResultTyped[int](r, context.Background(), func() (int, error) {
			return 0, errors.New("fail")
		})
		require.Error(t, err)
		assert.Zero(t, val)
	})

	t.Run("retry then success", func(t *testing.T) {
		r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())
		calls := 0
		val, err := DoWithResultTyped[string](r, context.Background(), func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("not yet")
			}
			return "done", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "done", val)
		assert.Equal(t, 3, calls)
	})

	t.Run("struct result", func(t *testing.T) {
		type result struct{ Value int }
		r := NewBackoffRetryer(fastPolicy(1), zap.NewNop())
		val, err := DoWithResultTyped[result](r, context.Background(), func() (result, error) {
			return result{Value: 100}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 100, val.Value)
	})
}
