package chain

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// RetryPolicy 定义单步重试策略。
// 延迟按指数退避：delay = InitialDelay * Multiplier^(attempt-1)，封顶 MaxDelay。
type RetryPolicy struct {
	// MaxRetries 最大重试次数（0 表示不重试，总尝试次数为 MaxRetries+1）
	MaxRetries int
	// InitialDelay 首次重试延迟
	InitialDelay time.Duration
	// MaxDelay 延迟上限
	MaxDelay time.Duration
	// Multiplier 延迟倍增因子
	Multiplier float64
	// Jitter 是否添加 ±25% 随机抖动（防止对同一依赖的雪崩重试）
	Jitter bool
	// OnRetry 每次重试前回调（attempt 从 1 开始）
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy 返回默认重试策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// policyForStep 由步骤定义裁剪重试策略；maxRetryCeiling 为链级重试上限。
func policyForStep(step *Step, base RetryPolicy, maxRetryCeiling int) RetryPolicy {
	policy := base
	if step.RetryCount != nil {
		policy.MaxRetries = *step.RetryCount
	}
	if maxRetryCeiling > 0 && policy.MaxRetries > maxRetryCeiling {
		policy.MaxRetries = maxRetryCeiling
	}
	if step.RetryDelay > 0 {
		policy.InitialDelay = step.RetryDelay
	}
	return policy
}

// Retryer 带指数退避的重试器。
type Retryer struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryer 创建重试器。
func NewRetryer(policy RetryPolicy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
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
	return &Retryer{policy: policy, logger: logger}
}

// Do 执行 fn，失败时按策略重试。
// 只有 types.IsRetryable 为 true 的错误会重试；
// 重试耗尽后返回最后一次错误，attempts 为实际尝试次数。
func (r *Retryer) Do(ctx context.Context, fn func(attempt int) (any, error)) (result any, attempts int, err error) {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("重试中",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, attempt, types.NewError(types.ErrExecutionCancelled, "retry cancelled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn(attempt)
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return result, attempt + 1, nil
		}

		if !types.IsRetryable(lastErr) {
			r.logger.Debug("错误不可重试", zap.Error(lastErr))
			return nil, attempt + 1, lastErr
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return nil, r.policy.MaxRetries + 1, fmt.Errorf("failed after %d attempts: %w", r.policy.MaxRetries+1, lastErr)
}

// calculateDelay 计算第 attempt 次重试的延迟。
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
		if delay < 0 {
			delay = float64(r.policy.InitialDelay)
		}
	}

	return time.Duration(delay)
}
