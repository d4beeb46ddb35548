package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// Strategy 退避方式
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Observer 接收每次尝试与最终成功的通知，Prometheus 指标实现了它
type Observer interface {
	RecordRetryAttempt(operation string, attempt int)
	RecordRetrySuccess(operation string)
}

// Policy 一次重试调用的参数。零值字段在 Do 中取默认
type Policy struct {
	Operation   string // 日志与指标标签，如 mq_connect、db_write
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Strategy    Strategy
	Timeout     time.Duration // 整个调用的上限，0 表示只受 ctx 约束

	Logger   *logrus.Logger
	Observer Observer
}

// Connect 建连用：10 次指数退避，最长 30 秒
func Connect(operation string, logger *logrus.Logger, obs Observer) Policy {
	return Policy{
		Operation:   operation,
		MaxAttempts: 10,
		Initial:     time.Second,
		Max:         30 * time.Second,
		Strategy:    StrategyExponential,
		Logger:      logger,
		Observer:    obs,
	}
}

// Write 短事务用：sqlite 忙锁之类的瞬时错误
func Write(operation string, logger *logrus.Logger, obs Observer) Policy {
	return Policy{
		Operation:   operation,
		MaxAttempts: 3,
		Initial:     100 * time.Millisecond,
		Max:         time.Second,
		Strategy:    StrategyLinear,
		Logger:      logger,
		Observer:    obs,
	}
}

// Backoff 第 attempt 次失败后的等待时间
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var wait time.Duration
	switch p.Strategy {
	case StrategyLinear:
		wait = p.Initial * time.Duration(attempt)
	case StrategyExponential:
		wait = p.Initial
		for i := 1; i < attempt && wait > 0; i++ {
			if p.Max > 0 && wait >= p.Max {
				break
			}
			wait *= 2
		}
		if wait < 0 {
			// 溢出
			wait = p.Max
		}
	default:
		wait = p.Initial
	}
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误为不可重试，Do 立即返回
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 取消、超时、Permanent 以及 io 以外的流水线错误都不重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch domain.KindOf(err) {
	case "", domain.KindIO:
		return true
	}
	return false
}

// Do 按 p 执行 fn，直到成功、遇到不可重试错误、次数耗尽或 ctx 结束
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Logger == nil {
		p.Logger = logrus.StandardLogger()
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	log := p.Logger.WithField("operation", p.Operation)

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", p.Operation, err)
		}
		if p.Observer != nil {
			p.Observer.RecordRetryAttempt(p.Operation, attempt)
		}

		start := time.Now()
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Operation succeeded after retry")
				if p.Observer != nil {
					p.Observer.RecordRetrySuccess(p.Operation)
				}
			}
			return nil
		}

		entry := log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"max":      p.MaxAttempts,
			"duration": time.Since(start),
		}).WithError(lastErr)
		if !IsRetryable(lastErr) {
			entry.Warn("Operation failed with non-retryable error")
			return fmt.Errorf("%s: non-retryable error: %w", p.Operation, lastErr)
		}
		if attempt == p.MaxAttempts {
			entry.Warn("Operation failed, attempts exhausted")
			break
		}

		wait := p.Backoff(attempt)
		entry.WithField("wait", wait).Warn("Operation failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during backoff: %w", p.Operation, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: max attempts (%d) reached: %w", p.Operation, p.MaxAttempts, lastErr)
}
