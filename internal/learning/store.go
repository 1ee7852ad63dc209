// Package learning persists fix attempt history, aggregated fix
// patterns, and cached AI diagnoses. The fixer consults it to bias
// strategy selection toward what has worked before: every recorded
// failure shifts future selection away from the failing strategy.
package learning

import (
	"context"
	"database/sql"
	"errors"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/internal/sqlitedb"
	"github.com/opshive/opshive/pkg/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS fix_patterns (
		pattern_key   TEXT PRIMARY KEY,
		issue_type    TEXT NOT NULL,
		error_pattern TEXT NOT NULL,
		strategy      TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		total_count   INTEGER NOT NULL DEFAULT 0,
		success_rate  REAL NOT NULL DEFAULT 0,
		last_used     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fix_history (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id           TEXT,
		issue_type        TEXT NOT NULL,
		error_pattern     TEXT NOT NULL,
		strategy          TEXT NOT NULL,
		success           INTEGER NOT NULL,
		message           TEXT,
		execution_time_ms INTEGER NOT NULL,
		timestamp         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fix_history_pattern
		ON fix_history(issue_type, error_pattern)`,
	`CREATE TABLE IF NOT EXISTS research_cache (
		error_signature TEXT PRIMARY KEY,
		diagnosis       TEXT NOT NULL,
		confidence      REAL NOT NULL,
		hit_count       INTEGER NOT NULL DEFAULT 0,
		last_hit        TIMESTAMP,
		created_at      TIMESTAMP NOT NULL
	)`,
}

// Store is the learning store backed by learning.db.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the learning store at path.
func Open(path string) (*Store, error) {
	db, err := sqlitedb.Open(path, schema)
	if err != nil {
		return nil, faults.Storage("learning.open", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RecordAttempt inserts a history row and updates the aggregate pattern
// in a single transaction, keeping success_rate = success/total exact.
func (s *Store) RecordAttempt(ctx context.Context, a models.FixAttempt) error {
	if a.ErrorPattern == "" {
		a.ErrorPattern = ExtractErrorPattern(a.Message)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	key := PatternKey(string(a.IssueType), a.ErrorPattern, a.Strategy)

	err := resilience.Database.Do(ctx, "learning.record_attempt", func() error {
		return sqlitedb.Classify("learning.record_attempt", sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
			succ := 0
			if a.Success {
				succ = 1
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO fix_history
					(task_id, issue_type, error_pattern, strategy, success, message, execution_time_ms, timestamp)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				nullable(a.TaskID), string(a.IssueType), a.ErrorPattern, a.Strategy,
				succ, a.Message, a.ExecutionTime.Milliseconds(), a.Timestamp,
			); err != nil {
				return err
			}

			_, err := tx.ExecContext(ctx,
				`INSERT INTO fix_patterns
					(pattern_key, issue_type, error_pattern, strategy, success_count, total_count, success_rate, last_used)
				 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
				 ON CONFLICT(pattern_key) DO UPDATE SET
					success_count = success_count + excluded.success_count,
					total_count   = total_count + 1,
					success_rate  = CAST(success_count + excluded.success_count AS REAL) / (total_count + 1),
					last_used     = excluded.last_used`,
				key, string(a.IssueType), a.ErrorPattern, a.Strategy,
				succ, float64(succ), a.Timestamp,
			)
			return err
		}))
	})
	if err != nil {
		return faults.Storage("learning.record_attempt", err)
	}

	log.Debug().
		Str("pattern_key", key).
		Bool("success", a.Success).
		Msg("fix attempt recorded")
	return nil
}

// BestStrategy returns the strategy with the highest success rate for
// the issue's canonical pattern, requiring at least 2 observations and
// a rate above 0.5. The stored pattern must be contained in the issue's
// extracted pattern. Returns ok=false when nothing qualifies.
func (s *Store) BestStrategy(ctx context.Context, issue models.Issue) (string, bool, error) {
	pattern := ExtractErrorPattern(issue.Message)

	var strategy string
	err := resilience.Database.Do(ctx, "learning.best_strategy", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT strategy FROM fix_patterns
			 WHERE issue_type = ?
			   AND instr(?, error_pattern) > 0
			   AND total_count >= 2
			   AND success_rate > 0.5
			 ORDER BY success_rate DESC, success_count DESC
			 LIMIT 1`,
			string(issue.Type), pattern,
		)
		return sqlitedb.Classify("learning.best_strategy", row.Scan(&strategy))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, faults.Storage("learning.best_strategy", err)
	}
	return strategy, true, nil
}

// PatternFor returns the aggregate pattern row for a key, if present.
func (s *Store) PatternFor(ctx context.Context, key string) (*models.FixPattern, error) {
	var p models.FixPattern
	err := resilience.Database.Do(ctx, "learning.pattern_for", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT pattern_key, issue_type, error_pattern, strategy,
			        success_count, total_count, success_rate, last_used
			 FROM fix_patterns WHERE pattern_key = ?`, key)
		return sqlitedb.Classify("learning.pattern_for", row.Scan(
			&p.PatternKey, &p.IssueType, &p.ErrorPattern, &p.Strategy,
			&p.SuccessCount, &p.TotalCount, &p.SuccessRate, &p.LastUsed))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("fix_pattern", key)
	}
	if err != nil {
		return nil, faults.Storage("learning.pattern_for", err)
	}
	return &p, nil
}

// HistoryCount returns how many attempts were recorded for an
// (issue_type, error_pattern) pair.
func (s *Store) HistoryCount(ctx context.Context, issueType models.IssueType, errorPattern string) (int, error) {
	var n int
	err := resilience.Database.Do(ctx, "learning.history_count", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM fix_history WHERE issue_type = ? AND error_pattern = ?`,
			string(issueType), errorPattern)
		return sqlitedb.Classify("learning.history_count", row.Scan(&n))
	})
	if err != nil {
		return 0, faults.Storage("learning.history_count", err)
	}
	return n, nil
}

// CacheResearch upserts a diagnosis under its error signature.
func (s *Store) CacheResearch(ctx context.Context, signature string, d models.Diagnosis) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return faults.Validationf("diagnosis", "not serializable: %v", err)
	}
	now := time.Now().UTC()

	err = resilience.Database.Do(ctx, "learning.cache_research", func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO research_cache (error_signature, diagnosis, confidence, hit_count, last_hit, created_at)
			 VALUES (?, ?, ?, 0, NULL, ?)
			 ON CONFLICT(error_signature) DO UPDATE SET
				diagnosis  = excluded.diagnosis,
				confidence = excluded.confidence`,
			signature, string(blob), d.Confidence, now)
		return sqlitedb.Classify("learning.cache_research", execErr)
	})
	if err != nil {
		return faults.Storage("learning.cache_research", err)
	}
	return nil
}

// GetCachedResearch looks up a cached diagnosis and bumps its hit
// counter. Returns ok=false on a miss.
func (s *Store) GetCachedResearch(ctx context.Context, signature string) (*models.DiagnosisCacheEntry, bool, error) {
	var entry models.DiagnosisCacheEntry
	var blob string
	var lastHit sql.NullTime

	err := resilience.Database.Do(ctx, "learning.get_cached_research", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT error_signature, diagnosis, hit_count, last_hit, created_at
			 FROM research_cache WHERE error_signature = ?`, signature)
		return sqlitedb.Classify("learning.get_cached_research", row.Scan(
			&entry.ErrorSignature, &blob, &entry.HitCount, &lastHit, &entry.CreatedAt))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, faults.Storage("learning.get_cached_research", err)
	}

	if err := json.Unmarshal([]byte(blob), &entry.Diagnosis); err != nil {
		return nil, false, faults.Storage("learning.get_cached_research", err)
	}
	if lastHit.Valid {
		entry.LastHit = lastHit.Time
	}

	now := time.Now().UTC()
	err = resilience.Database.Do(ctx, "learning.hit_research", func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE research_cache SET hit_count = hit_count + 1, last_hit = ? WHERE error_signature = ?`,
			now, signature)
		return sqlitedb.Classify("learning.hit_research", execErr)
	})
	if err != nil {
		return nil, false, faults.Storage("learning.hit_research", err)
	}
	entry.HitCount++
	entry.LastHit = now
	return &entry, true, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
