package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SucceedsFirstAttempt(t *testing.T) {
	r := NewRetryer(fastPolicy(3), nil)

	calls := 0
	result, attempts, err := r.Do(context.Background(), func(attempt int) (any, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RecoversAfterFailures(t *testing.T) {
	r := NewRetryer(fastPolicy(3), nil)

	calls := 0
	result, attempts, err := r.Do(context.Background(), func(attempt int) (any, error) {
		calls++
		if calls < 3 {
			return nil, types.NewExternalCallError("http", errors.New("boom"))
		}
		return "recovered", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_ExhaustsExactlyMaxRetriesPlusOne(t *testing.T) {
	r := NewRetryer(fastPolicy(2), nil)

	calls := 0
	_, attempts, err := r.Do(context.Background(), func(attempt int) (any, error) {
		calls++
		return nil, types.NewExternalCallError("http", errors.New("always failing"))
	})

	require.Error(t, err)
	// MaxRetries=2 意味着恰好 3 次尝试，不多不少
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.True(t, types.IsErrorCode(err, types.ErrExternalCall))
}

func TestRetryer_NonRetryableShortCircuits(t *testing.T) {
	r := NewRetryer(fastPolicy(5), nil)

	calls := 0
	_, attempts, err := r.Do(context.Background(), func(attempt int) (any, error) {
		calls++
		return nil, types.NewValidationError("bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_DelaysIncreaseExponentially(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   4,
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	var delays []time.Duration
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}
	r := NewRetryer(policy, nil)

	_, _, err := r.Do(context.Background(), func(attempt int) (any, error) {
		return nil, types.NewExternalCallError("x", errors.New("fail"))
	})
	require.Error(t, err)
	require.Len(t, delays, 4)

	// 无抖动时延迟严格按倍增因子递增
	for i := 1; i < len(delays); i++ {
		assert.Equal(t, delays[i-1]*2, delays[i])
	}
	assert.Equal(t, 2*time.Millisecond, delays[0])
}

func TestRetryer_DelayCappedAtMax(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   6,
		InitialDelay: 4 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
	var delays []time.Duration
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}
	r := NewRetryer(policy, nil)

	_, _, _ = r.Do(context.Background(), func(attempt int) (any, error) {
		return nil, types.NewExternalCallError("x", errors.New("fail"))
	})

	for _, d := range delays {
		assert.LessOrEqual(t, d, 10*time.Millisecond)
	}
}

func TestRetryer_JitterStaysWithinBounds(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   8,
		InitialDelay: 8 * time.Millisecond,
		MaxDelay:     8 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
	var delays []time.Duration
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}
	r := NewRetryer(policy, nil)

	_, _, _ = r.Do(context.Background(), func(attempt int) (any, error) {
		return nil, types.NewExternalCallError("x", errors.New("fail"))
	})

	// ±25% 抖动
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, 6*time.Millisecond)
		assert.LessOrEqual(t, d, 10*time.Millisecond)
	}
}

func TestRetryer_CancelledDuringBackoff(t *testing.T) {
	policy := fastPolicy(3)
	policy.InitialDelay = time.Second

	r := NewRetryer(policy, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, _, err = r.Do(ctx, func(attempt int) (any, error) {
			calls++
			return nil, types.NewExternalCallError("x", errors.New("fail"))
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrExecutionCancelled))
	assert.Equal(t, 1, calls)
}

func TestPolicyForStep(t *testing.T) {
	base := DefaultRetryPolicy()

	zero := 0
	ten := 10
	tests := []struct {
		name      string
		step      Step
		ceiling   int
		wantMax   int
		wantDelay time.Duration
	}{
		{"defaults", Step{}, 0, 3, time.Second},
		{"explicit zero disables retries", Step{RetryCount: &zero}, 0, 0, time.Second},
		{"ceiling caps step value", Step{RetryCount: &ten}, 5, 5, time.Second},
		{"step delay overrides", Step{RetryDelay: 5 * time.Second}, 0, 3, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policyForStep(&tt.step, base, tt.ceiling)
			assert.Equal(t, tt.wantMax, p.MaxRetries)
			assert.Equal(t, tt.wantDelay, p.InitialDelay)
		})
	}
}
