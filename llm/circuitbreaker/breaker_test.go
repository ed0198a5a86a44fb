package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// DefaultConfig
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 60*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 3, cfg.HalfOpenMaxCalls)
	assert.Nil(t, cfg.IsFailure)
	assert.Nil(t, cfg.OnStateChange)
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		cfg               *Config
		wantThreshold     int
		wantCallTimeout   time.Duration
		wantRecovery      time.Duration
		wantHalfOpenCalls int
	}{
		{
			name:              "nil config uses defaults",
			cfg:               nil,
			wantThreshold:     5,
			wantCallTimeout:   30 * time.Second,
			wantRecovery:      60 * time.Second,
			wantHalfOpenCalls: 3,
		},
		{
			name: "zero values corrected to defaults",
			cfg: &Config{
				FailureThreshold: 0,
				CallTimeout:      0,
				RecoveryTimeout:  0,
				HalfOpenMaxCalls: -1,
			},
			wantThreshold:     5,
			wantCallTimeout:   30 * time.Second,
			wantRecovery:      60 * time.Second,
			wantHalfOpenCalls: 3,
		},
		{
			name: "custom values preserved",
			cfg: &Config{
				FailureThreshold: 3,
				CallTimeout:      5 * time.Second,
				RecoveryTimeout:  10 * time.Second,
				HalfOpenMaxCalls: 1,
			},
			wantThreshold:     3,
			wantCallTimeout:   5 * time.Second,
			wantRecovery:      10 * time.Second,
			wantHalfOpenCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New("upstream", tt.cfg, zap.NewNop())
			require.NotNil(t, cb)
			assert.Equal(t, "upstream", cb.Name())
			assert.Equal(t, StateClosed, cb.State())

			b := cb.(*breaker)
			assert.Equal(t, tt.wantThreshold, b.config.FailureThreshold)
			assert.Equal(t, tt.wantCallTimeout, b.config.CallTimeout)
			assert.Equal(t, tt.wantRecovery, b.config.RecoveryTimeout)
			assert.Equal(t, tt.wantHalfOpenCalls, b.config.HalfOpenMaxCalls)
		})
	}
}

// ---------------------------------------------------------------------------
// State.String()
// ---------------------------------------------------------------------------

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open (failure threshold)
// ---------------------------------------------------------------------------

func TestBreaker_ClosedToOpen(t *testing.T) {
	threshold := 3
	cb := New("upstream", &Config{
		FailureThreshold: threshold,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	errFail := errors.New("fail")

	// Fail threshold-1 times: still closed
	for i := 0; i < threshold-1; i++ {
		err := cb.Call(context.Background(), func(ctx context.Context) error { return errFail })
		assert.ErrorIs(t, err, errFail)
		assert.Equal(t, StateClosed, cb.State())
	}

	// One more failure trips the breaker
	err := cb.Call(context.Background(), func(ctx context.Context) error { return errFail })
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// Open rejects calls with ErrCircuitOpen, without invoking fn
// ---------------------------------------------------------------------------

func TestBreaker_OpenRejectsCalls(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	// Trip the breaker
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	// Subsequent calls rejected before fn runs
	invoked := false
	err := cb.Call(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Closed (single-probe recovery)
// ---------------------------------------------------------------------------

func TestBreaker_OpenToHalfOpenToClosed(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	// Trip the breaker
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	// Still open within the recovery window
	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// Wait for recovery timeout
	time.Sleep(80 * time.Millisecond)

	// Next call becomes the probe; its success closes the breaker
	err = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// HalfOpen closes only after every probe succeeds
// ---------------------------------------------------------------------------

func TestBreaker_HalfOpenRequiresAllProbes(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	// First probe succeeds: not enough to close yet
	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second probe succeeds: now closed
	err = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// HalfOpen -> Open (any probe failure reopens)
// ---------------------------------------------------------------------------

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	// First probe succeeds, second fails: reopen immediately
	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, cb.State())

	err = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail again") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	// Reopening restamps the failure time, so the window starts over
	err = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

// ---------------------------------------------------------------------------
// HalfOpen probe budget exhausted
// ---------------------------------------------------------------------------

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	// Hold the single probe in flight while a second call arrives.
	started := make(chan struct{})
	release := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeErr = cb.Call(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	require.Equal(t, StateHalfOpen, cb.State())

	// Budget of one is used up by the in-flight probe
	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	wg.Wait()
	assert.NoError(t, probeErr)
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Call timeout counts as a failure
// ---------------------------------------------------------------------------

func TestBreaker_CallTimeout(t *testing.T) {
	cb := New("slow-upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      30 * time.Millisecond,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	release := make(chan struct{})
	defer close(release)

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "slow-upstream")
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// Caller cancellation is neutral: no failure counted, no state change
// ---------------------------------------------------------------------------

func TestBreaker_CallerCancelNotCountedAsFailure(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := cb.Call(ctx, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "aborted by caller")

	// 断连不代表后端坏了，阈值为 1 也不能熔断
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestBreaker_CallerCancelReturnsHalfOpenPermit(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(ctx context.Context) error {
		return errors.New("upstream exploded")
	})
	require.Equal(t, StateOpen, cb.State())
	time.Sleep(20 * time.Millisecond)

	// 第一个探测被调用方中途取消，占用的额度必须归还
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := cb.Call(ctx, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.State())

	// 额度归还后下一个探测仍可放行并闭合电路
	err = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// IsFailure predicate keeps client errors out of the failure count
// ---------------------------------------------------------------------------

func TestBreaker_IsFailurePredicate(t *testing.T) {
	errClient := errors.New("invalid request")
	errServer := errors.New("upstream exploded")

	cb := New("upstream", &Config{
		FailureThreshold: 2,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  1 * time.Hour,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errClient)
		},
	}, zap.NewNop())

	// Client errors propagate but never trip the breaker
	for i := 0; i < 10; i++ {
		err := cb.Call(context.Background(), func(ctx context.Context) error { return errClient })
		assert.ErrorIs(t, err, errClient)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)

	// Server errors do count
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errServer })
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errServer })
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

func TestBreaker_Reset(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	// Trip the breaker
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	// Reset
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)

	// Should accept calls again
	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Stats snapshot
// ---------------------------------------------------------------------------

func TestBreaker_Stats(t *testing.T) {
	cb := New("anthropic", &Config{
		FailureThreshold: 2,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	stats := cb.Stats()
	assert.Equal(t, "anthropic", stats.Resource)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 0, stats.FailureCount)
	assert.True(t, stats.LastFailureTime.IsZero())

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	stats = cb.Stats()
	assert.Equal(t, 1, stats.FailureCount)
	assert.False(t, stats.LastFailureTime.IsZero())

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	assert.Equal(t, "open", cb.Stats().State)
}

// ---------------------------------------------------------------------------
// OnStateChange callback carries the resource name
// ---------------------------------------------------------------------------

func TestBreaker_OnStateChange(t *testing.T) {
	type transition struct {
		resource string
		from, to State
	}

	var mu sync.Mutex
	var transitions []transition

	cb := New("openai", &Config{
		FailureThreshold: 2,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(resource string, from, to State) {
			mu.Lock()
			transitions = append(transitions, transition{resource, from, to})
			mu.Unlock()
		},
	}, zap.NewNop())

	// Trip: Closed -> Open
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("f") })
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("f") })

	// Wait for recovery, then Open -> HalfOpen -> Closed in one call
	time.Sleep(80 * time.Millisecond)
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return nil })

	// Callbacks run asynchronously
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, tr := range transitions {
		assert.Equal(t, "openai", tr.resource)
	}
	// The trip arrives first; the half-open pair fires back to back and may
	// land in either order.
	assert.Equal(t, transition{"openai", StateClosed, StateOpen}, transitions[0])
	assert.ElementsMatch(t,
		[]transition{
			{"openai", StateOpen, StateHalfOpen},
			{"openai", StateHalfOpen, StateClosed},
		},
		transitions[1:],
	)
}

// ---------------------------------------------------------------------------
// CallWithResult and the typed wrapper
// ---------------------------------------------------------------------------

func TestBreaker_CallWithResult(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 5,
		CallTimeout:      5 * time.Second,
	}, zap.NewNop())

	result, err := cb.CallWithResult(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestCallWithResultTyped(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	got, err := CallWithResultTyped(cb, context.Background(), func(ctx context.Context) (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	// Error path returns the zero value
	_, _ = CallWithResultTyped(cb, context.Background(), func(ctx context.Context) (string, error) {
		return "", errors.New("fail")
	})
	got, err = CallWithResultTyped(cb, context.Background(), func(ctx context.Context) (string, error) {
		return "never", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, got)
}

// ---------------------------------------------------------------------------
// Success resets failure count in Closed state
// ---------------------------------------------------------------------------

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 3,
		CallTimeout:      5 * time.Second,
	}, zap.NewNop())

	// Fail twice
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("f") })
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("f") })

	// Succeed (resets count)
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return nil })

	// Fail twice more — should still be closed (count was reset)
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("f") })
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("f") })
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Concurrent safety
// ---------------------------------------------------------------------------

func TestBreaker_ConcurrentSafety(t *testing.T) {
	cb := New("upstream", &Config{
		FailureThreshold: 100,
		CallTimeout:      5 * time.Second,
		RecoveryTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
			if err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(50), successCount.Load())
	assert.Equal(t, StateClosed, cb.State())
}
