// Package dlq is the durable dead-letter queue: an append-only store
// for bus messages whose retries were exhausted. Entries can be listed
// for inspection and requeued back onto the bus.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/internal/sqlitedb"
	"github.com/opshive/opshive/pkg/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id                 TEXT PRIMARY KEY,
		topic              TEXT NOT NULL,
		payload            TEXT,
		error_summary      TEXT NOT NULL,
		retry_count        INTEGER NOT NULL,
		original_timestamp TIMESTAMP NOT NULL,
		notes              TEXT,
		created_at         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_topic ON dead_letters(topic)`,
}

// Store is the dead-letter store backed by dead_letters.db.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the DLQ store at path.
func Open(path string) (*Store, error) {
	db, err := sqlitedb.Open(path, schema)
	if err != nil {
		return nil, faults.Storage("dlq.open", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Add appends a dead letter and returns its ID.
func (s *Store) Add(ctx context.Context, d models.DeadLetter) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var payload interface{}
	if d.Payload != nil {
		blob, err := json.Marshal(d.Payload)
		if err != nil {
			return "", faults.Validationf("payload", "not serializable: %v", err)
		}
		payload = string(blob)
	}

	err := resilience.Database.Do(ctx, "dlq.add", func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO dead_letters
				(id, topic, payload, error_summary, retry_count, original_timestamp, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Topic, payload, d.ErrorSummary, d.RetryCount,
			d.OriginalTimestamp, d.Notes, d.CreatedAt)
		return sqlitedb.Classify("dlq.add", execErr)
	})
	if err != nil {
		return "", faults.Storage("dlq.add", err)
	}

	log.Warn().
		Str("dlq_id", d.ID).
		Str("topic", d.Topic).
		Int("retries", d.RetryCount).
		Msg("message dead-lettered")
	return d.ID, nil
}

// List returns up to limit entries, newest first. A limit of 0 means
// a default page of 100.
func (s *Store) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.DeadLetter
	err := resilience.Database.Do(ctx, "dlq.list", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, topic, payload, error_summary, retry_count, original_timestamp, notes, created_at
			 FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
		if err != nil {
			return sqlitedb.Classify("dlq.list", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var d models.DeadLetter
			var payload sql.NullString
			if err := rows.Scan(&d.ID, &d.Topic, &payload, &d.ErrorSummary,
				&d.RetryCount, &d.OriginalTimestamp, &d.Notes, &d.CreatedAt); err != nil {
				return err
			}
			if payload.Valid && payload.String != "" {
				if err := json.Unmarshal([]byte(payload.String), &d.Payload); err != nil {
					return err
				}
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, faults.Storage("dlq.list", err)
	}
	return out, nil
}

// Get returns one entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	var d models.DeadLetter
	var payload sql.NullString
	err := resilience.Database.Do(ctx, "dlq.get", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, topic, payload, error_summary, retry_count, original_timestamp, notes, created_at
			 FROM dead_letters WHERE id = ?`, id)
		return sqlitedb.Classify("dlq.get", row.Scan(&d.ID, &d.Topic, &payload,
			&d.ErrorSummary, &d.RetryCount, &d.OriginalTimestamp, &d.Notes, &d.CreatedAt))
	})
	if err != nil {
		if errIsNoRows(err) {
			return nil, faults.NotFound("dead_letter", id)
		}
		return nil, faults.Storage("dlq.get", err)
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &d.Payload); err != nil {
			return nil, faults.Storage("dlq.get", err)
		}
	}
	return &d, nil
}

// Delete removes an entry, used after a successful requeue.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := resilience.Database.Do(ctx, "dlq.delete", func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
		return sqlitedb.Classify("dlq.delete", execErr)
	})
	return faults.Storage("dlq.delete", err)
}

func errIsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
