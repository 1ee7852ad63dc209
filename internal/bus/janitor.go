package bus

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// JanitorPolicy tunes the background maintenance loop.
type JanitorPolicy struct {
	MaxRetries   int // failed → pending below this retry count
	DLQThreshold int // failed → dead letter at or above this
	CleanupDays  int // processed messages older than this are purged
}

// Janitor periodically requeues retriable failures, drains exhausted
// messages into the DLQ, and purges old processed messages.
type Janitor struct {
	bus      *Bus
	policy   JanitorPolicy
	interval time.Duration
}

// NewJanitor creates a janitor running on the given interval.
func NewJanitor(b *Bus, policy JanitorPolicy, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{bus: b, policy: policy, interval: interval}
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("bus janitor started")
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("bus janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle runs one maintenance pass. Errors are logged, never fatal:
// the next cycle retries.
func (j *Janitor) RunCycle(ctx context.Context) {
	if n, err := j.bus.RetryFailed(ctx, j.policy.MaxRetries); err != nil {
		log.Warn().Err(err).Msg("janitor: retry_failed")
	} else if n > 0 {
		log.Info().Int("requeued", n).Msg("janitor: failed messages requeued")
	}

	// Retrying stops at MaxRetries, so a drain threshold above it
	// would strand exhausted messages in failed forever.
	threshold := j.policy.DLQThreshold
	if j.policy.MaxRetries > 0 && threshold > j.policy.MaxRetries {
		threshold = j.policy.MaxRetries
	}
	if n, err := j.bus.SendFailedToDLQ(ctx, threshold); err != nil {
		log.Warn().Err(err).Msg("janitor: dlq drain")
	} else if n > 0 {
		log.Info().Int("drained", n).Msg("janitor: messages dead-lettered")
	}

	if j.policy.CleanupDays > 0 {
		if _, err := j.bus.Cleanup(ctx, j.policy.CleanupDays); err != nil {
			log.Warn().Err(err).Msg("janitor: cleanup")
		}
	}
}
