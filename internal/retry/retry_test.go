package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

func testPolicy(attempts int) Policy {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Policy{
		Operation:   "test",
		MaxAttempts: attempts,
		Initial:     10 * time.Millisecond,
		Max:         50 * time.Millisecond,
		Strategy:    StrategyFixed,
		Logger:      logger,
	}
}

type countingObserver struct {
	attempts  []int
	successes int
}

func (o *countingObserver) RecordRetryAttempt(operation string, attempt int) {
	o.attempts = append(o.attempts, attempt)
}

func (o *countingObserver) RecordRetrySuccess(operation string) {
	o.successes++
}

func TestDo_FirstAttempt(t *testing.T) {
	obs := &countingObserver{}
	p := testPolicy(3)
	p.Observer = obs

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	// 首次成功不计入重试成功
	assert.Zero(t, obs.successes)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	obs := &countingObserver{}
	p := testPolicy(5)
	p.Observer = obs

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2, 3}, obs.attempts)
	assert.Equal(t, 1, obs.successes)
}

func TestDo_AttemptsExhausted(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0

	err := Do(context.Background(), testPolicy(3), func(ctx context.Context) error {
		calls++
		return cause
	})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "test: max attempts (3) reached")
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := Do(ctx, testPolicy(100), func(ctx context.Context) error {
		calls++
		time.Sleep(20 * time.Millisecond)
		return errors.New("slow")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 100)
}

func TestDo_Timeout(t *testing.T) {
	p := testPolicy(100)
	p.Timeout = 100 * time.Millisecond

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		time.Sleep(20 * time.Millisecond)
		return errors.New("slow")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, calls, 100)
}

func TestDo_FinalErrorsStopImmediately(t *testing.T) {
	for _, cause := range []error{
		domain.FormatError("parse manifest", "bad chunk"),
		domain.SigningError("sign", errors.New("unsupported key")),
		Permanent(errors.New("client closed")),
	} {
		calls := 0
		err := Do(context.Background(), testPolicy(5), func(ctx context.Context) error {
			calls++
			return cause
		})

		assert.Equal(t, 1, calls, "%v", cause)
		assert.Contains(t, err.Error(), "non-retryable")
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second}

	p.Strategy = StrategyFixed
	assert.Equal(t, time.Second, p.Backoff(3))

	p.Strategy = StrategyLinear
	assert.Equal(t, 3*time.Second, p.Backoff(3))

	p.Strategy = StrategyExponential
	var got []time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		got = append(got, p.Backoff(attempt))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, got)

	// 大次数不溢出
	assert.Equal(t, 5*time.Second, p.Backoff(80))
}

func TestPresets(t *testing.T) {
	c := Connect("mq_connect", nil, nil)
	assert.Equal(t, 10, c.MaxAttempts)
	assert.Equal(t, 30*time.Second, c.Backoff(20))

	w := Write("db_write", nil, nil)
	assert.Equal(t, 3, w.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, w.Backoff(2))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "nil", err: nil, retryable: false},
		{name: "canceled", err: context.Canceled, retryable: false},
		{name: "wrapped deadline", err: fmt.Errorf("publish: %w", context.DeadlineExceeded), retryable: false},
		{name: "plain", err: errors.New("broken pipe"), retryable: true},
		{name: "io", err: domain.IOError("write", errors.New("disk full")), retryable: true},
		{name: "format", err: domain.FormatError("parse", "truncated"), retryable: false},
		{name: "cancelled kind", err: domain.CancelledError("protect", context.Canceled), retryable: false},
		{name: "permanent io", err: Permanent(domain.IOError("open", errors.New("x"))), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
	assert.NoError(t, Permanent(nil))
}
