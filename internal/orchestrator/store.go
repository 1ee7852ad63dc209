package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/internal/sqlitedb"
	"github.com/opshive/opshive/pkg/models"
)

var taskSchema = []string{
	`CREATE TABLE IF NOT EXISTS task_lists (
		list_id    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		source     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id      TEXT NOT NULL,
		list_id      TEXT NOT NULL REFERENCES task_lists(list_id),
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		agent        TEXT NOT NULL,
		priority     INTEGER NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		depends_on   TEXT,
		params       TEXT,
		created_at   TIMESTAMP NOT NULL,
		started_at   TIMESTAMP,
		completed_at TIMESTAMP,
		result       TEXT,
		error        TEXT NOT NULL DEFAULT '',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		max_retries  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (list_id, task_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_list_order
		ON tasks(list_id, priority DESC, created_at ASC)`,
	`CREATE TABLE IF NOT EXISTS task_executions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		list_id    TEXT NOT NULL,
		task_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

// Store persists task lists and per-transition execution records.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the task database.
func OpenStore(path string) (*Store, error) {
	db, err := sqlitedb.Open(path, taskSchema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveList persists a parsed list and its tasks in one transaction.
func (s *Store) SaveList(ctx context.Context, list models.TaskList, tasks []models.Task) error {
	return resilience.Database.Do(ctx, "tasks.save_list", func() error {
		err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_lists (list_id, name, source, created_at) VALUES (?, ?, ?, ?)`,
				list.ListID, list.Name, list.Source, list.CreatedAt,
			); err != nil {
				return err
			}
			for _, t := range tasks {
				deps, err := marshalJSON(t.DependsOn)
				if err != nil {
					return err
				}
				params, err := marshalJSON(t.Params)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO tasks (task_id, list_id, title, description, agent, priority,
						status, depends_on, params, created_at, retry_count, max_retries)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					t.TaskID, t.ListID, t.Title, t.Description, t.Agent, int(t.Priority),
					string(t.Status), deps, params, t.CreatedAt, t.RetryCount, t.MaxRetries,
				); err != nil {
					return err
				}
			}
			return nil
		})
		return sqlitedb.Classify("tasks.save_list", err)
	})
}

// GetList loads one task list header with live aggregates.
func (s *Store) GetList(ctx context.Context, listID string) (*models.TaskList, error) {
	var list models.TaskList
	err := resilience.Database.Do(ctx, "tasks.get_list", func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT l.list_id, l.name, l.source, l.created_at,
			       COUNT(t.task_id),
			       COALESCE(SUM(t.status = 'COMPLETED'), 0),
			       COALESCE(SUM(t.status = 'FAILED'), 0)
			FROM task_lists l LEFT JOIN tasks t ON t.list_id = l.list_id
			WHERE l.list_id = ?
			GROUP BY l.list_id`, listID)
		err := row.Scan(&list.ListID, &list.Name, &list.Source, &list.CreatedAt,
			&list.Total, &list.Completed, &list.Failed)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("task list", listID)
		}
		return sqlitedb.Classify("tasks.get_list", err)
	})
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// Tasks returns a list's tasks in scheduler order: priority
// descending, then creation time ascending.
func (s *Store) Tasks(ctx context.Context, listID string) ([]models.Task, error) {
	var tasks []models.Task
	err := resilience.Database.Do(ctx, "tasks.list", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT task_id, list_id, title, description, agent, priority, status,
			       depends_on, params, created_at, started_at, completed_at,
			       result, error, retry_count, max_retries
			FROM tasks
			WHERE list_id = ?
			ORDER BY priority DESC, created_at ASC`, listID)
		if err != nil {
			return sqlitedb.Classify("tasks.list", err)
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return sqlitedb.Classify("tasks.list", err)
			}
			tasks = append(tasks, t)
		}
		return sqlitedb.Classify("tasks.list", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkStarted transitions PENDING→IN_PROGRESS. The update is a single
// guarded row write; starting a non-pending task reports a conflict.
func (s *Store) MarkStarted(ctx context.Context, listID, taskID string) (time.Time, error) {
	startedAt := time.Now().UTC()
	err := resilience.Database.Do(ctx, "tasks.start", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'IN_PROGRESS', started_at = ?
			WHERE list_id = ? AND task_id = ? AND status = 'PENDING'`,
			startedAt, listID, taskID)
		if err != nil {
			return sqlitedb.Classify("tasks.start", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return faults.Conflictf("task %s is not pending", taskID)
		}
		return s.recordExecution(ctx, listID, taskID, models.TaskInProgress, "")
	})
	return startedAt, err
}

// Complete transitions IN_PROGRESS→COMPLETED with the agent result.
func (s *Store) Complete(ctx context.Context, listID, taskID string, result map[string]interface{}) error {
	raw, err := marshalJSON(result)
	if err != nil {
		return err
	}
	return s.finish(ctx, listID, taskID, models.TaskCompleted, raw, "")
}

// Fail transitions IN_PROGRESS→FAILED with the error text.
func (s *Store) Fail(ctx context.Context, listID, taskID, errMsg string) error {
	return s.finish(ctx, listID, taskID, models.TaskFailed, nil, errMsg)
}

func (s *Store) finish(ctx context.Context, listID, taskID string, status models.TaskStatus, result interface{}, errMsg string) error {
	return resilience.Database.Do(ctx, "tasks.finish", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = ?
			WHERE list_id = ? AND task_id = ? AND status = 'IN_PROGRESS'`,
			string(status), time.Now().UTC(), result, errMsg, listID, taskID)
		if err != nil {
			return sqlitedb.Classify("tasks.finish", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return faults.Conflictf("task %s is not in progress", taskID)
		}
		return s.recordExecution(ctx, listID, taskID, status, errMsg)
	})
}

// MarkBlocked flags a task whose dependencies are not satisfied.
// BLOCKED is transient: a later pass may return it to PENDING.
func (s *Store) MarkBlocked(ctx context.Context, listID, taskID, reason string) error {
	return s.setTransient(ctx, listID, taskID, models.TaskBlocked, reason)
}

// MarkPending returns a blocked task to the runnable pool.
func (s *Store) MarkPending(ctx context.Context, listID, taskID string) error {
	return s.setTransient(ctx, listID, taskID, models.TaskPending, "")
}

func (s *Store) setTransient(ctx context.Context, listID, taskID string, status models.TaskStatus, reason string) error {
	return resilience.Database.Do(ctx, "tasks.transition", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?
			WHERE list_id = ? AND task_id = ? AND status IN ('PENDING', 'BLOCKED')`,
			string(status), reason, listID, taskID)
		if err != nil {
			return sqlitedb.Classify("tasks.transition", err)
		}
		return s.recordExecution(ctx, listID, taskID, status, reason)
	})
}

func (s *Store) recordExecution(ctx context.Context, listID, taskID string, status models.TaskStatus, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (list_id, task_id, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		listID, taskID, string(status), detail, time.Now().UTC())
	return sqlitedb.Classify("tasks.record_execution", err)
}

// Executions returns the transition log for one task, oldest first.
func (s *Store) Executions(ctx context.Context, listID, taskID string) ([]string, error) {
	var log []string
	err := resilience.Database.Do(ctx, "tasks.executions", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT status FROM task_executions
			WHERE list_id = ? AND task_id = ?
			ORDER BY id ASC`, listID, taskID)
		if err != nil {
			return sqlitedb.Classify("tasks.executions", err)
		}
		defer rows.Close()
		log = log[:0]
		for rows.Next() {
			var status string
			if err := rows.Scan(&status); err != nil {
				return err
			}
			log = append(log, status)
		}
		return rows.Err()
	})
	return log, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var (
		t            models.Task
		priority     int
		status       string
		deps, params sql.NullString
		result       sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(&t.TaskID, &t.ListID, &t.Title, &t.Description, &t.Agent,
		&priority, &status, &deps, &params, &t.CreatedAt, &startedAt,
		&completedAt, &result, &t.Error, &t.RetryCount, &t.MaxRetries)
	if err != nil {
		return t, err
	}
	t.Priority = models.TaskPriority(priority)
	t.Status = models.TaskStatus(status)
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.DependsOn); err != nil {
			return t, err
		}
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &t.Params); err != nil {
			return t, err
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return t, err
		}
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// marshalJSON encodes nullable JSON columns; empty values stay NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]interface{}:
		if len(val) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, faults.Validationf("payload", "not serializable: %v", err)
	}
	return string(raw), nil
}
