package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/faults"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes one named breaker.
type BreakerConfig struct {
	FailureThreshold     int           // consecutive failures to open
	TimeoutDuration      time.Duration // time OPEN before probing
	SuccessThreshold     int           // successes in HALF_OPEN to close
	HalfOpenMaxCalls     int           // trial calls admitted in HALF_OPEN
	FailureWindow        time.Duration // rolling window for rate check
	FailureRateThreshold float64
	MinCallsForRateCheck int

	// IsFailure decides whether an error trips the breaker.
	// Nil counts every error.
	IsFailure func(error) bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.TimeoutDuration <= 0 {
		c.TimeoutDuration = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.MinCallsForRateCheck <= 0 {
		c.MinCallsForRateCheck = 10
	}
	return c
}

// Predefined breaker configs.
var (
	DatabaseBreaker = BreakerConfig{FailureThreshold: 5, TimeoutDuration: 30 * time.Second}
	APIBreaker      = BreakerConfig{FailureThreshold: 10, TimeoutDuration: 60 * time.Second}
	AIBreaker       = BreakerConfig{FailureThreshold: 3, TimeoutDuration: 90 * time.Second, HalfOpenMaxCalls: 2}
)

type callOutcome struct {
	at      time.Time
	failure bool
}

// Breaker is a thread-safe circuit breaker. Zero value is not usable;
// construct via NewBreaker or the Registry.
type Breaker struct {
	name string

	mu            sync.Mutex
	cfg           BreakerConfig
	state         BreakerState
	failureCount  int
	successCount  int // successes observed in HALF_OPEN
	halfOpenCalls int // trial calls admitted in HALF_OPEN
	openedAt      time.Time
	lastFailure   time.Time
	window        []callOutcome

	now func() time.Time // injectable clock for tests
}

// NewBreaker creates a named breaker with the given config.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN→HALF_OPEN timeout
// transition if due.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// FailureCount returns the consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Do runs fn through the breaker. When the circuit is open it fails
// fast with a CircuitOpenError carrying the remaining timeout.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	failure := err != nil
	if failure && b.cfg.IsFailure != nil {
		failure = b.cfg.IsFailure(err)
	}
	b.record(failure)
	return err
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeProbe()

	switch b.state {
	case StateOpen:
		remaining := b.cfg.TimeoutDuration - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return &faults.CircuitOpenError{Breaker: b.name, TimeoutRemaining: remaining}

	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			remaining := b.cfg.TimeoutDuration - b.now().Sub(b.openedAt)
			if remaining < 0 {
				remaining = 0
			}
			return &faults.CircuitOpenError{Breaker: b.name, TimeoutRemaining: remaining}
		}
		b.halfOpenCalls++
		return nil

	default:
		return nil
	}
}

// record updates state after a call outcome.
func (b *Breaker) record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.window = append(b.window, callOutcome{at: now, failure: failure})
	b.pruneWindow(now)

	switch b.state {
	case StateClosed:
		if failure {
			b.failureCount++
			b.lastFailure = now
			if b.failureCount >= b.cfg.FailureThreshold || b.rateTripped() {
				b.trip(now)
			}
		} else {
			b.failureCount = 0
		}

	case StateHalfOpen:
		if failure {
			b.lastFailure = now
			b.trip(now)
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCalls = 0
			log.Info().Str("breaker", b.name).Msg("circuit closed")
		}

	case StateOpen:
		// Outcome of a call admitted before the trip. Ignore.
	}
}

// maybeProbe moves OPEN→HALF_OPEN once the timeout has elapsed.
// Caller holds b.mu.
func (b *Breaker) maybeProbe() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.TimeoutDuration {
		b.state = StateHalfOpen
		b.successCount = 0
		b.halfOpenCalls = 0
		log.Info().Str("breaker", b.name).Msg("circuit half-open, probing")
	}
}

// trip opens the circuit. Caller holds b.mu.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.successCount = 0
	b.halfOpenCalls = 0
	log.Warn().
		Str("breaker", b.name).
		Int("failures", b.failureCount).
		Dur("timeout", b.cfg.TimeoutDuration).
		Msg("circuit opened")
}

// rateTripped checks the rolling-window failure rate. Caller holds b.mu.
func (b *Breaker) rateTripped() bool {
	if len(b.window) < b.cfg.MinCallsForRateCheck {
		return false
	}
	failures := 0
	for _, o := range b.window {
		if o.failure {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.window))
	return rate >= b.cfg.FailureRateThreshold
}

// pruneWindow drops outcomes older than the failure window.
// Caller holds b.mu.
func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// reset clears all breaker state back to CLOSED.
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
	b.window = nil
}

// ── Registry ─────────────────────────────────────────────────

// Registry maps breaker names to breakers. Construction is idempotent:
// re-requesting an existing name with a new config updates the config
// in place without losing state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it with cfg when absent.
// When the breaker exists its config is replaced with cfg.
func (r *Registry) Get(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		b.mu.Lock()
		b.cfg = cfg.withDefaults()
		b.mu.Unlock()
		return b
	}
	b := NewBreaker(name, cfg)
	r.breakers[name] = b
	return b
}

// Lookup returns the named breaker if it exists.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names lists all registered breakers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	return names
}

// Reset clears the state of every registered breaker.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.reset()
	}
}
