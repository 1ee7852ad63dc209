package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshive/opshive/internal/faults"
)

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		Name:            "test",
		MaxAttempts:     maxAttempts,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2,
	}
}

func TestRetryAlwaysFailingInvokedExactlyK(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := fastPolicy(4).Do(context.Background(), "op", func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetrySucceedsOnAttemptJ(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryNonRetriablePropagatesImmediately(t *testing.T) {
	p := fastPolicy(5)
	p.Retriable = faults.IsTransient

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return faults.Validationf("field", "bad input")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestRetryTransientErrorsAreRetried(t *testing.T) {
	p := fastPolicy(3)
	p.Retriable = faults.IsTransient

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return faults.Transient("dial", errors.New("connection refused"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryContextCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	p := RetryPolicy{Name: "slow", MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour, ExponentialBase: 2}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, "op", func() error {
		calls++
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoValueReturnsResult(t *testing.T) {
	v, err := DoValue(context.Background(), fastPolicy(2), "op", func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
