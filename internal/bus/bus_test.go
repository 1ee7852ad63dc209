package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshive/opshive/internal/dlq"
	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/pkg/models"
)

func newTestBus(t *testing.T) (*Bus, *dlq.Store) {
	t.Helper()
	dir := t.TempDir()
	dead, err := dlq.Open(filepath.Join(dir, "dead_letters.db"))
	require.NoError(t, err)
	b, err := Open(filepath.Join(dir, "agent_messages.db"), dead)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		dead.Close()
	})
	return b, dead
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "crm", "leads"))
	require.NoError(t, b.Subscribe(ctx, "quoter", "leads"))
	assert.ElementsMatch(t, []string{"crm", "quoter"}, b.Subscribers("leads"))

	// Duplicate subscription is a conflict.
	err := b.Subscribe(ctx, "crm", "leads")
	assert.ErrorIs(t, err, faults.ErrConflict)

	require.NoError(t, b.Unsubscribe(ctx, "crm", "leads"))
	assert.ElementsMatch(t, []string{"quoter"}, b.Subscribers("leads"))
}

func TestSubscriptionsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_messages.db")

	b, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(context.Background(), "crm", "leads"))
	require.NoError(t, b.Close())

	b2, err := Open(path, nil)
	require.NoError(t, err)
	defer b2.Close()
	assert.ElementsMatch(t, []string{"crm"}, b2.Subscribers("leads"))
}

func TestPendingFIFOPerRecipient(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	id0, err := b.Send(ctx, "ops", "crm", "leads", map[string]interface{}{"seq": 0})
	require.NoError(t, err)
	id1, err := b.Send(ctx, "ops", "crm", "leads", map[string]interface{}{"seq": 1})
	require.NoError(t, err)
	id2, err := b.Send(ctx, "ops", "crm", "leads", map[string]interface{}{"seq": 2})
	require.NoError(t, err)

	pending, err := b.Pending(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []int64{id0, id1, id2}, []int64{pending[0].ID, pending[1].ID, pending[2].ID})

	require.NoError(t, b.MarkProcessed(ctx, id0, true, ""))
	require.NoError(t, b.MarkProcessed(ctx, id1, true, ""))

	pending, err = b.Pending(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)
}

func TestBroadcastFansOutExcludingSender(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "crm", "alerts"))
	require.NoError(t, b.Subscribe(ctx, "quoter", "alerts"))
	require.NoError(t, b.Subscribe(ctx, "ops", "alerts"))

	ids, err := b.Broadcast(ctx, "ops", "alerts", map[string]interface{}{"severity": "high"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	opsPending, err := b.Pending(ctx, "ops", 10)
	require.NoError(t, err)
	assert.Empty(t, opsPending)

	crmPending, err := b.Pending(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, crmPending, 1)
	assert.Equal(t, models.MessageBroadcast, crmPending[0].Type)
	assert.Equal(t, "high", crmPending[0].Payload["severity"])
}

func TestStatusTransitionsFormDAG(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	id, err := b.Send(ctx, "ops", "crm", "leads", nil)
	require.NoError(t, err)

	// pending → failed (retry_count += 1)
	require.NoError(t, b.MarkProcessed(ctx, id, false, "worker crashed"))

	msgs, err := b.History(ctx, "crm", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageFailed, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].RetryCount)
	assert.Equal(t, "worker crashed", msgs[0].ErrorMessage)

	// failed cannot be marked again: only pending leaves via mark_processed.
	err = b.MarkProcessed(ctx, id, true, "")
	assert.ErrorIs(t, err, faults.ErrNotFound)

	// failed → pending via retry_failed
	n, err := b.RetryFailed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := b.Pending(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// pending → processed
	require.NoError(t, b.MarkProcessed(ctx, id, true, ""))
	msgs, err = b.History(ctx, "crm", "", 10)
	require.NoError(t, err)
	assert.Equal(t, models.MessageProcessed, msgs[0].Status)
	assert.NotNil(t, msgs[0].ProcessedAt)
}

func TestRetryFailedRespectsMaxRetries(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	id, err := b.Send(ctx, "ops", "crm", "leads", nil)
	require.NoError(t, err)

	// First failure: retry_count 1 is still below max_retries=2.
	require.NoError(t, b.MarkProcessed(ctx, id, false, "fail"))
	n, err := b.RetryFailed(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Second failure: retry_count 2 is no longer strictly below.
	require.NoError(t, b.MarkProcessed(ctx, id, false, "fail"))
	n, err = b.RetryFailed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSendFailedToDLQ(t *testing.T) {
	b, dead := newTestBus(t)
	ctx := context.Background()

	id, err := b.Send(ctx, "ops", "crm", "leads", map[string]interface{}{"lead": "acme"})
	require.NoError(t, err)

	// Fail 5 times: pending→failed, retry_failed→pending, repeat.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.MarkProcessed(ctx, id, false, "downstream unavailable"))
		if i < 4 {
			n, err := b.RetryFailed(ctx, 10)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
	}

	drained, err := b.SendFailedToDLQ(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)

	msgs, err := b.History(ctx, "crm", "", 10)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSentToDLQ, msgs[0].Status)

	letters, err := dead.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "leads", letters[0].Topic)
	assert.Equal(t, "acme", letters[0].Payload["lead"])
	assert.Equal(t, 5, letters[0].RetryCount)
}

func TestRequeueFromDLQ(t *testing.T) {
	b, dead := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "crm", "leads"))

	id, err := b.Send(ctx, "ops", "crm", "leads", map[string]interface{}{"lead": "acme"})
	require.NoError(t, err)
	require.NoError(t, b.MarkProcessed(ctx, id, false, "boom"))

	drained, err := b.SendFailedToDLQ(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, drained)

	letters, err := dead.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	ids, err := b.Requeue(ctx, letters[0].ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	pending, err := b.Pending(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.MessagePending, pending[0].Status)
	assert.Equal(t, "acme", pending[0].Payload["lead"])

	// Entry removed from the DLQ after requeue.
	letters, err = dead.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestStatsAndCleanup(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "crm", "leads"))
	id, err := b.Send(ctx, "ops", "crm", "leads", nil)
	require.NoError(t, err)
	_, err = b.Send(ctx, "ops", "crm", "quotes", nil)
	require.NoError(t, err)
	require.NoError(t, b.MarkProcessed(ctx, id, true, ""))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus["processed"])
	assert.Equal(t, int64(1), stats.ByStatus["pending"])
	assert.Equal(t, int64(1), stats.ByTopic["leads"])
	assert.Equal(t, int64(1), stats.Subscriptions)

	// Cleanup only touches processed rows older than the window.
	n, err := b.Cleanup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = b.Cleanup(ctx, -1) // cutoff in the future: purge processed now
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJanitorCycle(t *testing.T) {
	b, dead := newTestBus(t)
	ctx := context.Background()

	id, err := b.Send(ctx, "ops", "crm", "leads", nil)
	require.NoError(t, err)
	require.NoError(t, b.MarkProcessed(ctx, id, false, "boom"))

	j := NewJanitor(b, JanitorPolicy{MaxRetries: 3, DLQThreshold: 5, CleanupDays: 7}, time.Minute)
	j.RunCycle(ctx)

	// retry_count=1 < 3: requeued, not dead-lettered.
	pending, err := b.Pending(ctx, "crm", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	letters, err := dead.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}
