package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/internal/telemetry"
	"github.com/opshive/opshive/pkg/models"
)

// maxParallelTasks bounds concurrent agent invocations in parallel
// mode.
const maxParallelTasks = 4

// Executor routes one task to its agent. Implemented by the agents
// invoker.
type Executor interface {
	Invoke(ctx context.Context, capability string, params map[string]interface{}) models.InvocationResult
}

// Engine executes persisted task lists.
type Engine struct {
	store    *Store
	executor Executor
}

// NewEngine wires the scheduler to its store and worker adapter.
func NewEngine(store *Store, executor Executor) *Engine {
	return &Engine{store: store, executor: executor}
}

// ExecuteList runs every task of a list respecting dependencies.
// Sequential mode scans in priority order; parallel mode dispatches
// independent ready tasks concurrently, wave by wave.
func (e *Engine) ExecuteList(ctx context.Context, listID string, parallel bool) (models.ExecutionSummary, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.execute_list",
		trace.WithAttributes(attribute.String("list_id", listID), attribute.Bool("parallel", parallel)))
	defer span.End()

	tasks, err := e.store.Tasks(ctx, listID)
	if err != nil {
		return models.ExecutionSummary{}, err
	}
	if len(tasks) == 0 {
		return models.ExecutionSummary{}, faults.NotFound("task list", listID)
	}

	resolver := newResolver(tasks)

	if parallel {
		err = e.runParallel(ctx, listID, tasks, resolver)
	} else {
		err = e.runSequential(ctx, listID, tasks, resolver)
	}
	if err != nil {
		return models.ExecutionSummary{}, err
	}
	return e.summary(ctx, listID)
}

func (e *Engine) runSequential(ctx context.Context, listID string, tasks []models.Task, r *resolver) error {
	for i := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t := &tasks[i]
		if t.Status.Terminal() {
			continue
		}
		ready, reason := r.ready(t)
		if !ready {
			log.Info().Str("task", t.TaskID).Str("reason", reason).Msg("task blocked")
			if err := e.store.MarkBlocked(ctx, listID, t.TaskID, reason); err != nil {
				return err
			}
			r.setStatus(t.TaskID, models.TaskBlocked)
			continue
		}
		status := e.runOne(ctx, listID, t)
		r.setStatus(t.TaskID, status)
	}
	return nil
}

// runParallel dispatches ready tasks in waves until no task can make
// progress; whatever remains is blocked.
func (e *Engine) runParallel(ctx context.Context, listID string, tasks []models.Task, r *resolver) error {
	remaining := make([]*models.Task, 0, len(tasks))
	for i := range tasks {
		if !tasks[i].Status.Terminal() {
			remaining = append(remaining, &tasks[i])
		}
	}

	var mu sync.Mutex
	for len(remaining) > 0 && ctx.Err() == nil {
		var wave []*models.Task
		var blocked []*models.Task
		for _, t := range remaining {
			if ready, _ := r.ready(t); ready {
				wave = append(wave, t)
			} else {
				blocked = append(blocked, t)
			}
		}
		if len(wave) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelTasks)
		for _, t := range wave {
			g.Go(func() error {
				status := e.runOne(gctx, listID, t)
				mu.Lock()
				r.setStatus(t.TaskID, status)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		remaining = blocked
	}

	for _, t := range remaining {
		_, reason := r.ready(t)
		if err := e.store.MarkBlocked(ctx, listID, t.TaskID, reason); err != nil {
			return err
		}
		r.setStatus(t.TaskID, models.TaskBlocked)
	}
	return ctx.Err()
}

// runOne drives a single task through IN_PROGRESS to a terminal state.
func (e *Engine) runOne(ctx context.Context, listID string, t *models.Task) models.TaskStatus {
	logger := log.With().Str("list", listID).Str("task", t.TaskID).Str("agent", t.Agent).Logger()

	if _, err := e.store.MarkStarted(ctx, listID, t.TaskID); err != nil {
		logger.Error().Err(err).Msg("task start transition failed")
		return t.Status
	}
	logger.Info().Msg("task started")

	res := e.executor.Invoke(ctx, t.Agent, t.Params)
	if res.Success {
		if err := e.store.Complete(ctx, listID, t.TaskID, res.AsTaskResult()); err != nil {
			logger.Error().Err(err).Msg("completion not persisted")
			return models.TaskFailed
		}
		logger.Info().Msg("task completed")
		return models.TaskCompleted
	}

	errMsg := res.Error
	if errMsg == "" {
		errMsg = fmt.Sprintf("agent exited %d", res.ReturnCode)
	}
	if err := e.store.Fail(ctx, listID, t.TaskID, errMsg); err != nil {
		logger.Error().Err(err).Msg("failure not persisted")
	}
	logger.Warn().Str("error", errMsg).Msg("task failed")
	return models.TaskFailed
}

func (e *Engine) summary(ctx context.Context, listID string) (models.ExecutionSummary, error) {
	tasks, err := e.store.Tasks(ctx, listID)
	if err != nil {
		return models.ExecutionSummary{}, err
	}
	sum := models.ExecutionSummary{ListID: listID, Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			sum.Completed++
		case models.TaskFailed:
			sum.Failed++
		case models.TaskBlocked:
			sum.Blocked++
		}
	}
	return sum, nil
}

// ── dependency resolution ────────────────────────────────────

// resolver tracks live task statuses and resolves dependency
// references by task id first, then by unique title.
type resolver struct {
	status  map[string]models.TaskStatus // by task id
	byTitle map[string][]string          // title → task ids
}

func newResolver(tasks []models.Task) *resolver {
	r := &resolver{
		status:  make(map[string]models.TaskStatus, len(tasks)),
		byTitle: make(map[string][]string),
	}
	for _, t := range tasks {
		r.status[t.TaskID] = t.Status
		r.byTitle[t.Title] = append(r.byTitle[t.Title], t.TaskID)
	}
	return r
}

func (r *resolver) setStatus(taskID string, s models.TaskStatus) {
	r.status[taskID] = s
}

// resolve maps a dependency reference to a task id.
func (r *resolver) resolve(ref string) (string, error) {
	if _, ok := r.status[ref]; ok {
		return ref, nil
	}
	ids := r.byTitle[ref]
	switch len(ids) {
	case 0:
		return "", faults.Validationf("depends_on", "unresolved dependency %q", ref)
	case 1:
		return ids[0], nil
	default:
		return "", faults.Validationf("depends_on", "dependency title %q is ambiguous (%d tasks)", ref, len(ids))
	}
}

// ready reports whether every dependency of t is COMPLETED.
func (r *resolver) ready(t *models.Task) (bool, string) {
	for _, ref := range t.DependsOn {
		id, err := r.resolve(ref)
		if err != nil {
			return false, err.Error()
		}
		if r.status[id] != models.TaskCompleted {
			return false, fmt.Sprintf("dependency %q is %s", ref, r.status[id])
		}
	}
	return true, ""
}
