// Package retry 提供带错误分类的指数退避重试。
//
// 默认只重试 types.IsRetryable 为真的错误（传输、协议错误）；校验错误立即返回；
// 未分类的错误包装为 INTERNAL_ERROR 后立即返回。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/agentbridge/types"
	"go.uber.org/zap"
)

// Policy 重试策略
type Policy struct {
	MaxRetries   int                                               // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration                                     // 初始延迟
	MaxDelay     time.Duration                                     // 最大延迟
	Multiplier   float64                                           // 退避倍数
	Jitter       bool                                              // 是否添加 ±25% 抖动
	Classifier   func(err error) bool                              // 判定错误可否重试，默认 types.IsRetryable
	OnRetry      func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 共 3 次尝试，延迟 1s、2s
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// PolicyForAttempts 按总尝试次数构造策略
func PolicyForAttempts(attempts int, initial time.Duration) *Policy {
	p := DefaultPolicy()
	if attempts < 1 {
		attempts = 1
	}
	p.MaxRetries = attempts - 1
	if initial > 0 {
		p.InitialDelay = initial
	}
	return p
}

// Retryer 重试器
type Retryer struct {
	policy *Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New 创建重试器
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	p := *policy
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Classifier == nil {
		p.Classifier = types.IsRetryable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: &p, logger: logger, sleep: Sleep}
}

// Policy 返回生效的策略副本
func (r *Retryer) Policy() Policy { return *r.policy }

// Do 执行 fn，失败时按策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 带返回值的泛型重试
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt)
			r.logger.Debug("重试中",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if isContextErr(ctx, err) {
			return zero, err
		}
		if _, classified := types.AsError(err); !classified {
			return zero, types.WrapError(err, types.ErrInternalError, "unclassified error")
		}
		if !r.policy.Classifier(err) {
			r.logger.Debug("错误不可重试", zap.Error(err))
			return zero, err
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return zero, fmt.Errorf("重试 %d 次后仍失败: %w", r.policy.MaxRetries, lastErr)
}

// Delay 第 attempt 次重试前的等待：initial * multiplier^(attempt-1)，不超过 MaxDelay
func (r *Retryer) Delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// Sleep 等待 d 或 ctx 取消
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextErr(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
