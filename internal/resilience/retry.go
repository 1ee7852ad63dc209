// Package resilience provides the shared retry and circuit breaker
// primitives. Every call that crosses a trust or process boundary
// (database writes, HTTP probes, subprocess invocations, AI diagnosis)
// goes through one of the policies defined here.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/faults"
)

// RetryPolicy configures a bounded exponential backoff loop.
// Delay before attempt k (k ≥ 2) is
// min(BaseDelay * ExponentialBase^(k-2), MaxDelay), multiplied by
// U(0.5, 1.5) when Jitter is on.
type RetryPolicy struct {
	Name            string
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool

	// Retriable decides whether a failure counts as retriable.
	// Nil means every error is retried until attempts are exhausted.
	Retriable func(error) bool
}

// Predefined policies.
var (
	Database = RetryPolicy{
		Name:            "database",
		MaxAttempts:     5,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		Retriable:       faults.IsTransient,
	}

	Network = RetryPolicy{
		Name:            "network",
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		Retriable:       faults.IsTransient,
	}

	API = RetryPolicy{
		Name:            "api",
		MaxAttempts:     5,
		BaseDelay:       2 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		Retriable:       faults.IsTransient,
	}

	Fast = RetryPolicy{
		Name:            "fast",
		MaxAttempts:     2,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2,
		Jitter:          false,
	}
)

// Do runs fn under the policy. Success on any attempt returns nil and
// cancels remaining attempts; a non-retriable failure propagates
// immediately; exhaustion returns the last error.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	bo := p.backoff(ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retriable != nil && !p.Retriable(err) {
			return backoff.Permanent(err)
		}
		if attempt < p.MaxAttempts {
			log.Debug().
				Str("policy", p.Name).
				Str("op", op).
				Int("attempt", attempt).
				Err(err).
				Msg("retrying")
		}
		return err
	}

	return backoff.Retry(wrapped, bo)
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p RetryPolicy, op string, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.ExponentialBase
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	if p.Jitter {
		eb.RandomizationFactor = 0.5
	} else {
		eb.RandomizationFactor = 0
	}
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var bo backoff.BackOff = backoff.WithMaxRetries(eb, uint64(attempts-1))
	return backoff.WithContext(bo, ctx)
}
