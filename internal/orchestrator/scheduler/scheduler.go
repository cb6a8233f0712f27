// Package scheduler walks a project's plan: it dispatches ready tasks
// to the agent runner, bounded by the team's concurrency limit, and
// integrates terminal results back into the plan.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/common/tracing"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/orchestrator/runner"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/project/store"
	"github.com/loomhq/loom/internal/team"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// ErrPlanAborted reports that a task with an abort failure policy
// failed and execution stopped.
var ErrPlanAborted = errors.New("plan aborted by task failure")

// dependencyFailedResult is recorded on tasks failed by propagation.
const dependencyFailedResult = "dependency failed"

// TaskRunner executes one task to a terminal result. The runner
// package's Runner satisfies it.
type TaskRunner interface {
	RunTask(ctx context.Context, proj v1.Project, tm *team.Team, task v1.Task) runner.Result
}

// Progress is what one Step call accomplished.
type Progress struct {
	// TaskID names the task whose terminal result was integrated, empty
	// when the step only propagated or found nothing to do.
	TaskID string
	Status v1.TaskStatus
	// Done reports that every task is terminal and nothing is running.
	Done bool
}

// completion carries a worker's terminal result to the scheduler.
type completion struct {
	task   v1.Task
	result runner.Result
}

// Execution is the single scheduler of one project's plan. Step and
// ExecutePlan must not be called concurrently with each other.
type Execution struct {
	proj   v1.Project
	team   *team.Team
	plan   *plan.Plan
	runner TaskRunner
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	aborted  bool

	completions chan completion
}

// NewExecution binds a scheduler to one project.
func NewExecution(proj v1.Project, p *plan.Plan, tm *team.Team, tr TaskRunner, st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Execution {
	return &Execution{
		proj:        proj,
		team:        tm,
		plan:        p,
		runner:      tr,
		store:       st,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "scheduler")).WithProjectID(proj.ProjectID),
		inflight:    make(map[string]context.CancelFunc),
		completions: make(chan completion, 64),
	}
}

// Plan exposes the underlying plan for coordinated revision.
func (e *Execution) Plan() *plan.Plan {
	return e.plan
}

// Aborted reports whether an abort-policy failure stopped execution.
func (e *Execution) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// InFlight returns how many workers are currently running.
func (e *Execution) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Cancel stops every running worker and suppresses further dispatch.
// The cancelled workers' failed results are still integrated by
// subsequent Step calls.
func (e *Execution) Cancel() {
	e.mu.Lock()
	e.aborted = true
	cancels := make([]context.CancelFunc, 0, len(e.inflight))
	for _, cancel := range e.inflight {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Step advances the plan by one increment: propagate dependency
// failures, dispatch ready tasks up to the concurrency budget, then
// block until one in-flight task settles and integrate it. With
// nothing ready and nothing running it reports Done.
func (e *Execution) Step(ctx context.Context) (Progress, error) {
	ctx, span := tracing.Tracer("scheduler").Start(ctx, "scheduler.step")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", e.proj.ProjectID))

	e.propagateDependencyFailures(ctx)

	if !e.Aborted() {
		e.dispatchReady(ctx)
	}

	if e.InFlight() == 0 {
		return Progress{Done: e.plan.AllTerminal()}, nil
	}

	select {
	case c := <-e.completions:
		e.integrate(ctx, c)
		span.SetAttributes(
			attribute.String("task.id", c.task.ID),
			attribute.String("task.status", string(c.result.Status)),
		)
		return Progress{
			TaskID: c.task.ID,
			Status: c.result.Status,
			Done:   e.plan.AllTerminal() && e.InFlight() == 0,
		}, nil
	case <-ctx.Done():
		return Progress{}, ctx.Err()
	}
}

// Settle integrates at most one in-flight completion without
// dispatching new work. It reports whether a completion was
// integrated; false means nothing was running or ctx ended first.
// Plan revision uses it to let running tasks finish while no Step
// caller is active.
func (e *Execution) Settle(ctx context.Context) bool {
	if e.InFlight() == 0 {
		return false
	}
	select {
	case c := <-e.completions:
		e.integrate(ctx, c)
		return true
	case <-ctx.Done():
		return false
	}
}

// ExecutePlan loops Step until the plan is done. An abort-policy
// failure cancels the remaining workers, integrates their results, and
// returns ErrPlanAborted.
func (e *Execution) ExecutePlan(ctx context.Context) error {
	for {
		progress, err := e.Step(ctx)
		if err != nil {
			return err
		}
		if e.Aborted() && e.InFlight() == 0 {
			return ErrPlanAborted
		}
		if progress.Done {
			return nil
		}
	}
}

// propagateDependencyFailures fails every pending task that can no
// longer run because a dependency failed.
func (e *Execution) propagateDependencyFailures(ctx context.Context) {
	failed := make(map[string]bool)
	for _, t := range e.plan.Tasks() {
		if t.Status == v1.TaskStatusFailed {
			failed[t.ID] = true
		}
	}
	if len(failed) == 0 {
		return
	}

	propagated := false
	// Propagation cascades, so iterate to a fixed point.
	for changed := true; changed; {
		changed = false
		for _, t := range e.plan.Tasks() {
			if t.Status != v1.TaskStatusPending {
				continue
			}
			for _, dep := range t.Dependencies {
				if !failed[dep] {
					continue
				}
				if err := e.plan.SetStatus(t.ID, v1.TaskStatusFailed); err != nil {
					break
				}
				_ = e.plan.SetResult(t.ID, dependencyFailedResult)
				failed[t.ID] = true
				changed = true
				propagated = true
				e.publishTaskStatus(ctx, t.ID, v1.TaskStatusFailed, dependencyFailedResult, "")
				e.logger.Info("Task failed by dependency",
					zap.String("task_id", t.ID),
					zap.String("dependency", dep))
				break
			}
		}
	}
	if propagated {
		e.persistPlan(ctx)
	}
}

// dispatchReady starts workers for ready tasks, cheapest first, within
// the concurrency budget.
func (e *Execution) dispatchReady(ctx context.Context) {
	ready := e.plan.ReadyTasks()
	if len(ready) == 0 {
		return
	}
	sort.Slice(ready, func(i, j int) bool {
		if len(ready[i].Dependencies) != len(ready[j].Dependencies) {
			return len(ready[i].Dependencies) < len(ready[j].Dependencies)
		}
		return ready[i].ID < ready[j].ID
	})

	budget := e.team.Execution.MaxConcurrent - e.InFlight()
	for _, t := range ready {
		if budget <= 0 {
			return
		}
		if err := e.plan.SetStatus(t.ID, v1.TaskStatusRunning); err != nil {
			e.logger.WithError(err).Warn("Could not mark task running", zap.String("task_id", t.ID))
			continue
		}
		e.publishTaskStatus(ctx, t.ID, v1.TaskStatusRunning, "", "")
		e.persistPlan(ctx)

		// Workers outlive the Step call that dispatched them; they stop
		// via Cancel or their own task deadline.
		workerCtx, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.inflight[t.ID] = cancel
		e.mu.Unlock()

		budget--
		task := t
		go func() {
			defer cancel()
			result := e.runner.RunTask(workerCtx, e.proj, e.team, task)
			e.completions <- completion{task: task, result: result}
		}()
		e.logger.Info("Dispatched task",
			zap.String("task_id", task.ID),
			zap.String("agent", task.AssignedAgent))
	}
}

// integrate records a worker's terminal result in the plan and the
// event stream.
func (e *Execution) integrate(ctx context.Context, c completion) {
	e.mu.Lock()
	delete(e.inflight, c.task.ID)
	e.mu.Unlock()

	if err := e.plan.SetStatus(c.task.ID, c.result.Status); err != nil {
		e.logger.WithError(err).Error("Could not integrate task result", zap.String("task_id", c.task.ID))
	}
	_ = e.plan.SetResult(c.task.ID, c.result.Summary)
	_ = e.plan.SetAttempts(c.task.ID, c.result.Attempts)

	reason := ""
	if c.result.Status == v1.TaskStatusFailed {
		reason = c.result.Summary
		if c.task.OnFailure == v1.OnFailureAbort {
			e.mu.Lock()
			e.aborted = true
			e.mu.Unlock()
			e.logger.Warn("Abort-policy task failed, cancelling plan", zap.String("task_id", c.task.ID))
			e.Cancel()
		}
	}
	e.publishTaskStatus(ctx, c.task.ID, c.result.Status, reason, c.result.Summary)
	e.persistPlan(ctx)
	e.logger.Info("Integrated task result",
		zap.String("task_id", c.task.ID),
		zap.String("status", string(c.result.Status)),
		zap.Int("attempts", c.result.Attempts))
}

func (e *Execution) publishTaskStatus(ctx context.Context, taskID string, status v1.TaskStatus, reason, result string) {
	env := bus.NewEnvelope(e.proj.ProjectID, v1.EventTaskStatusChanged,
		v1.TaskStatusChangedData(taskID, status, reason, result))
	if err := e.bus.Publish(ctx, env); err != nil {
		e.logger.WithError(err).Debug("Failed to publish task status")
	}
}

func (e *Execution) persistPlan(ctx context.Context) {
	if err := e.store.SavePlan(ctx, e.proj.ProjectID, e.plan.Snapshot()); err != nil {
		e.logger.WithError(err).Warn("Failed to persist plan")
	}
}
