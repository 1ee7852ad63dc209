// Package bus is the durable agent message bus: pub/sub topics plus
// direct per-agent inboxes with at-least-once pull delivery. Messages
// and subscriptions persist in agent_messages.db; exhausted messages
// drain into the dead-letter queue.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/dlq"
	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/internal/sqlitedb"
	"github.com/opshive/opshive/pkg/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agent_messages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		from_agent    TEXT NOT NULL,
		to_agent      TEXT,
		topic         TEXT NOT NULL,
		type          TEXT NOT NULL,
		payload       TEXT,
		status        TEXT NOT NULL DEFAULT 'pending',
		retry_count   INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL,
		processed_at  TIMESTAMP,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_inbox
		ON agent_messages(to_agent, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_topic ON agent_messages(topic)`,
	`CREATE TABLE IF NOT EXISTS agent_subscriptions (
		agent_id   TEXT NOT NULL,
		topic      TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (agent_id, topic)
	)`,
}

// Bus is the durable message bus backed by agent_messages.db.
type Bus struct {
	db  *sql.DB
	dlq *dlq.Store

	// subscriber cache: topic → set of agent IDs. Loaded at open,
	// kept in sync with subscription writes.
	subMu sync.RWMutex
	subs  map[string]map[string]struct{}
}

// Open opens the bus store at path. The DLQ store receives messages
// drained by SendFailedToDLQ; it may be nil for buses that never drain.
func Open(path string, dead *dlq.Store) (*Bus, error) {
	db, err := sqlitedb.Open(path, schema)
	if err != nil {
		return nil, faults.Storage("bus.open", err)
	}
	b := &Bus{db: db, dlq: dead, subs: make(map[string]map[string]struct{})}
	if err := b.loadSubscriptions(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the underlying database.
func (b *Bus) Close() error { return b.db.Close() }

func (b *Bus) loadSubscriptions(ctx context.Context) error {
	err := resilience.Database.Do(ctx, "bus.load_subscriptions", func() error {
		rows, err := b.db.QueryContext(ctx, `SELECT agent_id, topic FROM agent_subscriptions`)
		if err != nil {
			return sqlitedb.Classify("bus.load_subscriptions", err)
		}
		defer rows.Close()

		subs := make(map[string]map[string]struct{})
		for rows.Next() {
			var agent, topic string
			if err := rows.Scan(&agent, &topic); err != nil {
				return err
			}
			if subs[topic] == nil {
				subs[topic] = make(map[string]struct{})
			}
			subs[topic][agent] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		b.subMu.Lock()
		b.subs = subs
		b.subMu.Unlock()
		return nil
	})
	return faults.Storage("bus.load_subscriptions", err)
}

// ── Subscriptions ────────────────────────────────────────────

// Subscribe binds agent to topic. Duplicate subscriptions are a
// ConflictError.
func (b *Bus) Subscribe(ctx context.Context, agentID, topic string) error {
	if agentID == "" || topic == "" {
		return faults.Validationf("subscription", "agent_id and topic are required")
	}

	b.subMu.RLock()
	_, dup := b.subs[topic][agentID]
	b.subMu.RUnlock()
	if dup {
		return faults.Conflictf("agent %q already subscribed to %q", agentID, topic)
	}

	err := resilience.Database.Do(ctx, "bus.subscribe", func() error {
		_, execErr := b.db.ExecContext(ctx,
			`INSERT INTO agent_subscriptions (agent_id, topic, created_at) VALUES (?, ?, ?)`,
			agentID, topic, time.Now().UTC())
		return sqlitedb.Classify("bus.subscribe", execErr)
	})
	if err != nil {
		return faults.Storage("bus.subscribe", err)
	}

	b.subMu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]struct{})
	}
	b.subs[topic][agentID] = struct{}{}
	b.subMu.Unlock()

	log.Debug().Str("agent", agentID).Str("topic", topic).Msg("subscribed")
	return nil
}

// Unsubscribe removes the binding. Unknown bindings are a no-op.
func (b *Bus) Unsubscribe(ctx context.Context, agentID, topic string) error {
	err := resilience.Database.Do(ctx, "bus.unsubscribe", func() error {
		_, execErr := b.db.ExecContext(ctx,
			`DELETE FROM agent_subscriptions WHERE agent_id = ? AND topic = ?`, agentID, topic)
		return sqlitedb.Classify("bus.unsubscribe", execErr)
	})
	if err != nil {
		return faults.Storage("bus.unsubscribe", err)
	}

	b.subMu.Lock()
	delete(b.subs[topic], agentID)
	b.subMu.Unlock()
	return nil
}

// Subscribers returns the agents subscribed to topic.
func (b *Bus) Subscribers(topic string) []string {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]string, 0, len(b.subs[topic]))
	for a := range b.subs[topic] {
		out = append(out, a)
	}
	return out
}

// ── Send / receive ───────────────────────────────────────────

// Send creates a direct pending message and returns its ID.
func (b *Bus) Send(ctx context.Context, from, to, topic string, payload map[string]interface{}) (int64, error) {
	if to == "" {
		return 0, faults.Validationf("to_agent", "direct messages need a recipient")
	}
	return b.insert(ctx, from, to, topic, models.MessageDirect, payload)
}

// Broadcast fans out to all subscribers of topic except the sender.
// Equivalent to N direct sends; returns the created message IDs.
func (b *Bus) Broadcast(ctx context.Context, from, topic string, payload map[string]interface{}) ([]int64, error) {
	var ids []int64
	for _, agent := range b.Subscribers(topic) {
		if agent == from {
			continue
		}
		id, err := b.insert(ctx, from, agent, topic, models.MessageBroadcast, payload)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Bus) insert(ctx context.Context, from, to, topic string, mt models.MessageType, payload map[string]interface{}) (int64, error) {
	var blob interface{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, faults.Validationf("payload", "not serializable: %v", err)
		}
		blob = string(raw)
	}

	var id int64
	err := resilience.Database.Do(ctx, "bus.send", func() error {
		res, execErr := b.db.ExecContext(ctx,
			`INSERT INTO agent_messages (from_agent, to_agent, topic, type, payload, status, created_at)
			 VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
			from, to, topic, string(mt), blob, time.Now().UTC())
		if execErr != nil {
			return sqlitedb.Classify("bus.send", execErr)
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, faults.Storage("bus.send", err)
	}
	return id, nil
}

// Pending returns up to limit pending messages for agent, FIFO by
// created_at. Delivery is pull-based: the message stays pending until
// MarkProcessed, so a crashed worker sees it again on the next pull.
func (b *Bus) Pending(ctx context.Context, agent string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Message
	err := resilience.Database.Do(ctx, "bus.pending", func() error {
		rows, err := b.db.QueryContext(ctx,
			`SELECT id, from_agent, to_agent, topic, type, payload, status, retry_count, created_at, processed_at, error_message
			 FROM agent_messages
			 WHERE to_agent = ? AND status = 'pending'
			 ORDER BY created_at ASC, id ASC
			 LIMIT ?`, agent, limit)
		if err != nil {
			return sqlitedb.Classify("bus.pending", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, faults.Storage("bus.pending", err)
	}
	return out, nil
}

// MarkProcessed finishes a delivery. Success moves the message to
// processed; failure moves it to failed and bumps retry_count.
func (b *Bus) MarkProcessed(ctx context.Context, id int64, success bool, errMsg string) error {
	err := resilience.Database.Do(ctx, "bus.mark_processed", func() error {
		var res sql.Result
		var execErr error
		if success {
			res, execErr = b.db.ExecContext(ctx,
				`UPDATE agent_messages SET status = 'processed', processed_at = ?
				 WHERE id = ? AND status = 'pending'`,
				time.Now().UTC(), id)
		} else {
			res, execErr = b.db.ExecContext(ctx,
				`UPDATE agent_messages
				 SET status = 'failed', retry_count = retry_count + 1, error_message = ?
				 WHERE id = ? AND status = 'pending'`,
				errMsg, id)
		}
		if execErr != nil {
			return sqlitedb.Classify("bus.mark_processed", execErr)
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if n == 0 {
			// Not transient, so the retry policy surfaces it immediately.
			return faults.NotFound("pending message", strconv.FormatInt(id, 10))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return err
		}
		return faults.Storage("bus.mark_processed", err)
	}
	return nil
}

// RetryFailed bulk-transitions failed messages back to pending where
// retry_count < maxRetries. Returns the number requeued.
func (b *Bus) RetryFailed(ctx context.Context, maxRetries int) (int, error) {
	var n int64
	err := resilience.Database.Do(ctx, "bus.retry_failed", func() error {
		res, execErr := b.db.ExecContext(ctx,
			`UPDATE agent_messages SET status = 'pending', error_message = NULL
			 WHERE status = 'failed' AND retry_count < ?`, maxRetries)
		if execErr != nil {
			return sqlitedb.Classify("bus.retry_failed", execErr)
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, faults.Storage("bus.retry_failed", err)
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("failed messages requeued")
	}
	return int(n), nil
}

// SendFailedToDLQ drains failed messages with retry_count ≥ threshold
// into the dead-letter store and marks them sent_to_dlq. Returns the
// number drained.
func (b *Bus) SendFailedToDLQ(ctx context.Context, threshold int) (int, error) {
	if b.dlq == nil {
		return 0, faults.Validationf("dlq", "bus opened without a dead-letter store")
	}

	msgs, err := b.failedAtOrAbove(ctx, threshold)
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, m := range msgs {
		if _, err := b.dlq.Add(ctx, models.DeadLetter{
			Topic:             m.Topic,
			Payload:           m.Payload,
			ErrorSummary:      m.ErrorMessage,
			RetryCount:        m.RetryCount,
			OriginalTimestamp: m.CreatedAt,
			Notes:             "to_agent=" + m.ToAgent,
		}); err != nil {
			return drained, err
		}

		err := resilience.Database.Do(ctx, "bus.mark_dlq", func() error {
			_, execErr := b.db.ExecContext(ctx,
				`UPDATE agent_messages SET status = 'sent_to_dlq' WHERE id = ? AND status = 'failed'`, m.ID)
			return sqlitedb.Classify("bus.mark_dlq", execErr)
		})
		if err != nil {
			return drained, faults.Storage("bus.mark_dlq", err)
		}
		drained++
	}
	return drained, nil
}

// Requeue re-emits a dead letter onto the bus as a pending broadcast
// to its original topic and removes it from the DLQ.
func (b *Bus) Requeue(ctx context.Context, deadLetterID string) ([]int64, error) {
	if b.dlq == nil {
		return nil, faults.Validationf("dlq", "bus opened without a dead-letter store")
	}
	d, err := b.dlq.Get(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	ids, err := b.Broadcast(ctx, "dlq", d.Topic, d.Payload)
	if err != nil {
		return nil, err
	}
	if err := b.dlq.Delete(ctx, deadLetterID); err != nil {
		return ids, err
	}
	log.Info().Str("dlq_id", deadLetterID).Ints64("message_ids", ids).Msg("dead letter requeued")
	return ids, nil
}

func (b *Bus) failedAtOrAbove(ctx context.Context, threshold int) ([]models.Message, error) {
	var out []models.Message
	err := resilience.Database.Do(ctx, "bus.failed_at_or_above", func() error {
		rows, err := b.db.QueryContext(ctx,
			`SELECT id, from_agent, to_agent, topic, type, payload, status, retry_count, created_at, processed_at, error_message
			 FROM agent_messages
			 WHERE status = 'failed' AND retry_count >= ?`, threshold)
		if err != nil {
			return sqlitedb.Classify("bus.failed_at_or_above", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, faults.Storage("bus.failed_at_or_above", err)
	}
	return out, nil
}

// ── History / stats / cleanup ────────────────────────────────

// History returns recent messages, optionally filtered by agent
// (sender or recipient) and topic. Newest first.
func (b *Bus) History(ctx context.Context, agent, topic string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, from_agent, to_agent, topic, type, payload, status, retry_count, created_at, processed_at, error_message
	          FROM agent_messages WHERE 1=1`
	var args []interface{}
	if agent != "" {
		query += ` AND (from_agent = ? OR to_agent = ?)`
		args = append(args, agent, agent)
	}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var out []models.Message
	err := resilience.Database.Do(ctx, "bus.history", func() error {
		rows, err := b.db.QueryContext(ctx, query, args...)
		if err != nil {
			return sqlitedb.Classify("bus.history", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, faults.Storage("bus.history", err)
	}
	return out, nil
}

// Stats returns message counts by status and topic plus the
// subscription count.
func (b *Bus) Stats(ctx context.Context) (*models.BusStats, error) {
	stats := &models.BusStats{
		ByStatus: make(map[string]int64),
		ByTopic:  make(map[string]int64),
	}
	err := resilience.Database.Do(ctx, "bus.stats", func() error {
		rows, err := b.db.QueryContext(ctx,
			`SELECT status, COUNT(*) FROM agent_messages GROUP BY status`)
		if err != nil {
			return sqlitedb.Classify("bus.stats", err)
		}
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return err
			}
			stats.ByStatus[status] = n
			stats.Total += n
		}
		rows.Close()

		rows, err = b.db.QueryContext(ctx,
			`SELECT topic, COUNT(*) FROM agent_messages GROUP BY topic`)
		if err != nil {
			return sqlitedb.Classify("bus.stats", err)
		}
		for rows.Next() {
			var topic string
			var n int64
			if err := rows.Scan(&topic, &n); err != nil {
				rows.Close()
				return err
			}
			stats.ByTopic[topic] = n
		}
		rows.Close()

		row := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_subscriptions`)
		return row.Scan(&stats.Subscriptions)
	})
	if err != nil {
		return nil, faults.Storage("bus.stats", err)
	}
	return stats, nil
}

// Cleanup deletes processed messages older than days. Returns the
// number removed.
func (b *Bus) Cleanup(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var n int64
	err := resilience.Database.Do(ctx, "bus.cleanup", func() error {
		res, execErr := b.db.ExecContext(ctx,
			`DELETE FROM agent_messages WHERE status = 'processed' AND created_at < ?`, cutoff)
		if execErr != nil {
			return sqlitedb.Classify("bus.cleanup", execErr)
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, faults.Storage("bus.cleanup", err)
	}
	if n > 0 {
		log.Info().Int64("count", n).Int("days", days).Msg("processed messages cleaned up")
	}
	return int(n), nil
}

// ── Helpers ──────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(rs rowScanner) (models.Message, error) {
	var m models.Message
	var toAgent, payload, errMsg sql.NullString
	var processedAt sql.NullTime
	if err := rs.Scan(&m.ID, &m.FromAgent, &toAgent, &m.Topic, (*string)(&m.Type),
		&payload, (*string)(&m.Status), &m.RetryCount, &m.CreatedAt, &processedAt, &errMsg); err != nil {
		return m, err
	}
	m.ToAgent = toAgent.String
	m.ErrorMessage = errMsg.String
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
			return m, err
		}
	}
	return m, nil
}
