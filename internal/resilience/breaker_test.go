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

var errProbe = errors.New("probe failure")

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	b := NewBreaker("demo", cfg)
	clk := &fakeClock{t: time.Now()}
	b.now = clk.now
	return b, clk
}

func fail(b *Breaker) error {
	return b.Do(context.Background(), func(context.Context) error { return errProbe })
}

func succeed(b *Breaker) error {
	return b.Do(context.Background(), func(context.Context) error { return nil })
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, TimeoutDuration: time.Second, SuccessThreshold: 2})

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(b), errProbe)
	}
	assert.Equal(t, StateOpen, b.State())

	// 4th call fails fast with CircuitOpenError carrying the remaining timeout.
	err := succeed(b)
	var coe *faults.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "demo", coe.Breaker)
	assert.Greater(t, coe.TimeoutRemaining, time.Duration(0))
}

func TestBreakerHalfOpenThenCloses(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 3, TimeoutDuration: time.Second, SuccessThreshold: 2})

	for i := 0; i < 3; i++ {
		_ = fail(b)
	}
	require.Equal(t, StateOpen, b.State())

	clk.advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Two successes close the circuit.
	require.NoError(t, succeed(b))
	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())

	// A subsequent failure increments failure_count to 1, not 4.
	_ = fail(b)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.FailureCount())
}

func TestBreakerHalfOpenSingleFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 2, TimeoutDuration: time.Second, SuccessThreshold: 2})

	_ = fail(b)
	_ = fail(b)
	require.Equal(t, StateOpen, b.State())

	clk.advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = fail(b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsTrialCalls(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		TimeoutDuration:  time.Second,
		SuccessThreshold: 5,
		HalfOpenMaxCalls: 2,
	})

	_ = fail(b)
	clk.advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, succeed(b))
	require.NoError(t, succeed(b))

	// Third trial call is shed while still half-open.
	err := succeed(b)
	assert.True(t, faults.IsCircuitOpen(err))
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, TimeoutDuration: time.Second})

	_ = fail(b)
	_ = fail(b)
	require.NoError(t, succeed(b))
	assert.Equal(t, 0, b.FailureCount())

	_ = fail(b)
	_ = fail(b)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailureRateTrip(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{
		FailureThreshold:     100, // rate check must trip first
		TimeoutDuration:      time.Second,
		FailureWindow:        time.Minute,
		FailureRateThreshold: 0.5,
		MinCallsForRateCheck: 10,
	})

	for i := 0; i < 5; i++ {
		_ = succeed(b)
	}
	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIsFailurePredicate(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		TimeoutDuration:  time.Second,
		IsFailure:        faults.IsTransient,
	}
	b, _ := newTestBreaker(cfg)

	// Validation errors pass through without tripping the breaker.
	for i := 0; i < 5; i++ {
		err := b.Do(context.Background(), func(context.Context) error {
			return faults.Validationf("f", "bad")
		})
		require.ErrorIs(t, err, faults.ErrValidation)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistryIdempotentAndReset(t *testing.T) {
	r := NewRegistry()

	b1 := r.Get("db", DatabaseBreaker)
	b2 := r.Get("db", BreakerConfig{FailureThreshold: 1, TimeoutDuration: time.Second})
	assert.Same(t, b1, b2)

	// Updated config applies: one failure now opens the circuit.
	_ = fail(b1)
	assert.Equal(t, StateOpen, b1.State())

	r.Reset()
	assert.Equal(t, StateClosed, b1.State())
	assert.Equal(t, 0, b1.FailureCount())

	names := r.Names()
	assert.Contains(t, names, "db")
}
